package handler

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/d60-Lab/feedsync/internal/api/middleware"
	"github.com/d60-Lab/feedsync/internal/livesync"
	"github.com/d60-Lab/feedsync/pkg/logger"
	"github.com/d60-Lab/feedsync/pkg/response"
)

type scopeRequest struct {
	Feed      *livesync.FeedScope `json:"feed"`
	SubjectID string              `json:"subject_id"`
	ChannelID string              `json:"channel_id"`
}

// Live 建立 SSE 长连接
//
// 第一条事件为 session，携带会话 ID；之后客户端通过 POST /live/{session}/scope
// 切换关注范围，推送 feed/thread/message 事件，空闲时发送 ping。
// @Summary 实时推送（Server-Sent Events）
// @Tags 实时
// @Produce text/event-stream
// @Param token query string false "EventSource 无法设置请求头时通过 query 传 token"
// @Success 200 {string} string "event stream"
// @Failure 401 {object} response.Response
// @Router /api/v1/live [get]
func (h *Handler) Live(c *gin.Context) {
	sess := h.hub.Open(middleware.ViewerID(c))
	defer h.hub.Close(sess.ID)

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.SSEvent("session", gin.H{"session_id": sess.ID})
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	ctx := c.Request.Context()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-sess.Done():
			return false
		case n := <-sess.Notices():
			c.SSEvent(n.Kind, n.Data)
			return true
		case <-ticker.C:
			c.SSEvent("ping", time.Now().UTC().Unix())
			return true
		}
	})
	logger.Debug("live stream closed", zap.String("session", sess.ID), zap.String("viewer", sess.ViewerID))
}

// Rescope 切换会话关注范围
// @Summary 切换实时会话的范围（信息流 / 评论串 / 频道）
// @Tags 实时
// @Accept json
// @Produce json
// @Param session path string true "会话ID"
// @Param request body scopeRequest true "新范围"
// @Success 200 {object} response.Response{data=livesync.Scope}
// @Failure 403 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /api/v1/live/{session}/scope [post]
func (h *Handler) Rescope(c *gin.Context) {
	var req scopeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	sess, err := h.hub.Get(c.Param("session"), middleware.ViewerID(c))
	if err != nil {
		fail(c, err)
		return
	}
	scope := livesync.Scope{Feed: req.Feed, SubjectID: req.SubjectID, ChannelID: req.ChannelID}
	if err := sess.Rescope(c.Request.Context(), scope); err != nil {
		fail(c, err)
		return
	}
	response.Success(c, sess.Scope())
}
