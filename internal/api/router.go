package api

import (
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	_ "github.com/d60-Lab/feedsync/docs"
	"github.com/d60-Lab/feedsync/internal/api/handler"
	"github.com/d60-Lab/feedsync/internal/api/middleware"
)

// RouterConfig 路由依赖
type RouterConfig struct {
	Handler     *handler.Handler
	ServiceName string
	JWTSecret   string
	JWTIssuer   string
	CORSOrigins []string
	Limiter     *middleware.RateLimiter
	Swagger     bool
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	middleware.RegisterValidators()

	r := gin.New()
	r.Use(middleware.Recovery(), middleware.Sentry())
	if cfg.ServiceName != "" {
		r.Use(otelgin.Middleware(cfg.ServiceName))
	}
	r.Use(middleware.RequestLogger())
	r.Use(middleware.CORS(cfg.CORSOrigins))
	// SSE 不能被压缩缓冲
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/api/v1/live"})))

	h := cfg.Handler
	r.GET("/healthz", h.Healthz)
	if cfg.Swagger {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	v1 := r.Group("/api/v1")
	v1.Use(middleware.Auth(cfg.JWTSecret, cfg.JWTIssuer))

	// 匿名可读
	v1.GET("/feed", h.Feed)
	v1.GET("/subjects/:id/comments", h.ListComments)
	v1.GET("/relations/:user_id/following", h.ListFollowing)

	authed := v1.Group("")
	authed.Use(middleware.RequireViewer())
	{
		authed.GET("/live", h.Live)
		authed.POST("/live/:session/scope", h.Rescope)
		authed.GET("/channels/:id/messages", h.ListMessages)
	}

	writes := authed.Group("")
	if cfg.Limiter != nil {
		writes.Use(cfg.Limiter.Middleware())
	}
	{
		writes.POST("/subjects", h.Publish)
		writes.PATCH("/subjects/:id", h.EditSubject)
		writes.DELETE("/subjects/:id", h.DeleteSubject)
		writes.POST("/subjects/:id/reactions", h.ReactSubject)
		writes.POST("/subjects/:id/comments", h.AddComment)
		writes.POST("/subjects/:id/poll/votes", h.Vote)
		writes.DELETE("/comments/:id", h.DeleteComment)
		writes.POST("/comments/:id/reactions", h.ReactComment)

		writes.POST("/channels/resolve", h.ResolveChannel)
		writes.POST("/channels/:id/messages", h.SendMessage)

		writes.POST("/relations/follow", h.Follow)
		writes.POST("/relations/unfollow", h.Unfollow)
	}

	return r
}
