// Package app wires stores, services and the HTTP surface together.
package app

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/d60-Lab/feedsync/config"
	"github.com/d60-Lab/feedsync/internal/api"
	"github.com/d60-Lab/feedsync/internal/api/handler"
	"github.com/d60-Lab/feedsync/internal/api/middleware"
	"github.com/d60-Lab/feedsync/internal/cache"
	"github.com/d60-Lab/feedsync/internal/changestream"
	"github.com/d60-Lab/feedsync/internal/feed"
	"github.com/d60-Lab/feedsync/internal/livesync"
	"github.com/d60-Lab/feedsync/internal/reaction"
	"github.com/d60-Lab/feedsync/internal/repository"
	"github.com/d60-Lab/feedsync/internal/service"
)

// App 一个进程内的完整服务
type App struct {
	Router *gin.Engine
	Relay  *service.ChangeRelay
	Sync   *livesync.Synchronizer
	Hub    *livesync.Hub
	Stream changestream.Stream
}

// New builds the service graph. rdb may be nil, in which case scope
// snapshots are read straight from the database.
func New(cfg *config.Config, db *gorm.DB, rdb *redis.Client, stream changestream.Stream) *App {
	subjects := repository.NewSubjectRepository(db)
	comments := repository.NewCommentRepository(db)
	votes := repository.NewPollVoteRepository(db)
	channels := repository.NewChannelRepository(db)
	ledger := reaction.NewLedger(db)
	scopes := cache.NewScopeCache(repository.NewScopeRepository(db), rdb, cfg.Redis.CacheTTL)

	pipeline := feed.NewPipeline(db, feed.DefaultFacets(feed.Deps{
		Ledger:   ledger,
		Subjects: subjects,
		Comments: comments,
		Polls:    votes,
		Scopes:   scopes,
	})...)
	feedSvc := feed.NewService(
		feed.NewPaginator(subjects, cfg.Feed.PreviewSize),
		pipeline,
		comments,
		feed.NewCommentEnricher(ledger, scopes),
		feed.Options{PageSize: cfg.Feed.PageSize, MaxPageSize: cfg.Feed.MaxPageSize, PreviewSize: cfg.Feed.PreviewSize},
	)

	channelSvc := service.NewChannelService(db, channels, cfg.Feed.PublicChannelID, cfg.Feed.HistoryPageSize, cfg.Feed.MaxPageSize)
	loadFeed, loadThread, decorate := livesync.ServiceLoaders(feedSvc)
	syncer := livesync.NewSynchronizer(stream, loadFeed, loadThread)
	syncer.DecorateComments(decorate)
	hub := livesync.NewHub(syncer, stream, channelSvc.Authorize)

	h := handler.New(handler.Deps{
		DB:            db,
		Feed:          feedSvc,
		Publisher:     service.NewPublisher(db),
		Ledger:        ledger,
		CommentSvc:    service.NewCommentService(db),
		Polls:         service.NewPollService(db, subjects, votes),
		Resolver:      service.NewChannelResolver(db, channels, cfg.Feed.PublicChannelID),
		Channels:      channelSvc,
		Relationships: service.NewRelationshipService(repository.NewFollowRepository(db)),
		Hub:           hub,
		Heartbeat:     cfg.Stream.Heartbeat,
	})

	var serviceName string
	if cfg.Tracing.Enabled {
		serviceName = cfg.Tracing.ServiceName
	}
	router := api.NewRouter(api.RouterConfig{
		Handler:     h,
		ServiceName: serviceName,
		JWTSecret:   cfg.Auth.JWTSecret,
		JWTIssuer:   cfg.Auth.Issuer,
		CORSOrigins: cfg.Server.CORSOrigins,
		Limiter:     middleware.NewRateLimiter(cfg.RateLimit.WritesPerSecond, cfg.RateLimit.Burst),
		Swagger:     cfg.Server.Mode != "release",
	})

	relay := service.NewChangeRelay(repository.NewChangeRepository(db), stream, cfg.Stream.RelayWorkers, cfg.Stream.ClaimLimit, cfg.Stream.PollInterval).
		WithLease(cfg.Stream.ClaimLease)

	return &App{
		Router: router,
		Relay:  relay,
		Sync:   syncer,
		Hub:    hub,
		Stream: stream,
	}
}

// Start 启动 outbox relay 与实时同步；返回的函数按相反顺序停止它们
func (a *App) Start(ctx context.Context) (func(context.Context) error, error) {
	if err := a.Sync.Start(ctx); err != nil {
		return nil, err
	}
	stopRelay := a.Relay.Start()
	return func(ctx context.Context) error {
		a.Hub.Shutdown()
		return errors.Join(stopRelay(ctx), a.Sync.Stop(ctx))
	}, nil
}
