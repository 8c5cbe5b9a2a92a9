package handler

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/d60-Lab/feedsync/internal/feed"
	"github.com/d60-Lab/feedsync/internal/livesync"
	"github.com/d60-Lab/feedsync/internal/pagination"
	"github.com/d60-Lab/feedsync/internal/reaction"
	"github.com/d60-Lab/feedsync/internal/repository"
	"github.com/d60-Lab/feedsync/internal/service"
	"github.com/d60-Lab/feedsync/pkg/response"
)

// Handler HTTP 处理器，聚合所有服务
type Handler struct {
	db         *gorm.DB
	feed       *feed.Service
	publisher  *service.Publisher
	ledger     *reaction.Ledger
	commentSvc *service.CommentService
	polls      *service.PollService
	resolver   *service.ChannelResolver
	channels   *service.ChannelService
	relService service.RelationshipService
	hub        *livesync.Hub
	heartbeat  time.Duration
}

// Deps 构造 Handler 所需依赖
type Deps struct {
	DB            *gorm.DB
	Feed          *feed.Service
	Publisher     *service.Publisher
	Ledger        *reaction.Ledger
	CommentSvc    *service.CommentService
	Polls         *service.PollService
	Resolver      *service.ChannelResolver
	Channels      *service.ChannelService
	Relationships service.RelationshipService
	Hub           *livesync.Hub
	Heartbeat     time.Duration
}

func New(d Deps) *Handler {
	if d.Heartbeat <= 0 {
		d.Heartbeat = 15 * time.Second
	}
	return &Handler{
		db:         d.DB,
		feed:       d.Feed,
		publisher:  d.Publisher,
		ledger:     d.Ledger,
		commentSvc: d.CommentSvc,
		polls:      d.Polls,
		resolver:   d.Resolver,
		channels:   d.Channels,
		relService: d.Relationships,
		hub:        d.Hub,
		heartbeat:  d.Heartbeat,
	}
}

// fail 将领域错误映射为 HTTP 响应
func fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound),
		errors.Is(err, livesync.ErrSessionNotFound),
		errors.Is(err, livesync.ErrSessionClosed):
		response.NotFound(c, err.Error())
	case errors.Is(err, service.ErrForbidden):
		response.Forbidden(c, err.Error())
	case errors.Is(err, feed.ErrLoginRequired):
		response.Unauthorized(c, err.Error())
	case errors.Is(err, reaction.ErrContended):
		response.Conflict(c, err.Error())
	case errors.Is(err, service.ErrInvalidInput),
		errors.Is(err, service.ErrSameUser),
		errors.Is(err, service.ErrFollowSelf),
		errors.Is(err, reaction.ErrInvalidReaction),
		errors.Is(err, pagination.ErrBadCursor):
		response.BadRequest(c, err.Error())
	default:
		response.InternalError(c, err)
	}
}

// Healthz 存活与数据库连通性
// @Summary 健康检查
// @Tags 系统
// @Produce json
// @Success 200 {object} response.Response
// @Failure 500 {object} response.Response
// @Router /healthz [get]
func (h *Handler) Healthz(c *gin.Context) {
	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, gin.H{"status": "ok"})
}
