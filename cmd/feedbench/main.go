package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/d60-Lab/feedsync/config"
	"github.com/d60-Lab/feedsync/internal/cache"
	"github.com/d60-Lab/feedsync/internal/changestream"
	"github.com/d60-Lab/feedsync/internal/feed"
	"github.com/d60-Lab/feedsync/internal/model"
	"github.com/d60-Lab/feedsync/internal/reaction"
	"github.com/d60-Lab/feedsync/internal/repository"
	"github.com/d60-Lab/feedsync/internal/service"
	"github.com/d60-Lab/feedsync/pkg/database"
)

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func pct(vs []time.Duration, p float64) time.Duration {
	if len(vs) == 0 {
		return 0
	}
	xs := append([]time.Duration(nil), vs...)
	sort.Slice(xs, func(i, j int) bool { return xs[i] < xs[j] })
	k := int(math.Ceil(p*float64(len(xs)))) - 1
	if k < 0 {
		k = 0
	}
	if k >= len(xs) {
		k = len(xs) - 1
	}
	return xs[k]
}

func avg(vs []time.Duration) time.Duration {
	if len(vs) == 0 {
		return 0
	}
	var sum time.Duration
	for _, v := range vs {
		sum += v
	}
	return sum / time.Duration(len(vs))
}

func envInt(name string, def int) int {
	if s := os.Getenv(name); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v > 0 {
			return v
		}
	}
	return def
}

// 发布 -> outbox relay -> 变更流 的端到端延迟，以及关注流的分页读取延迟
func main() {
	ctx := context.Background()
	cfg := must(config.Load())
	db := must(database.InitDB(cfg))

	authors := envInt("AUTHORS", 200)
	follows := envInt("FOLLOWS", 50) // per reader
	posts := envInt("POSTS", 2000)
	workers := envInt("WORKERS", cfg.Stream.RelayWorkers)
	claim := envInt("CLAIM", cfg.Stream.ClaimLimit)

	// clean tables for a reproducible run (ok for local bench)
	for _, t := range []string{"change_events", "reactions", "comments", "subjects", "follows"} {
		_ = db.Exec("DELETE FROM " + t).Error
	}

	var stream changestream.Stream
	if cfg.Stream.Backend == "redis" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer client.Close()
		stream = changestream.NewRedis(client, cfg.Stream.Prefix)
	} else {
		stream = changestream.NewLocal(4096)
	}
	defer stream.Close()

	// 订阅端测量 commit -> 收到 的延迟
	var mu sync.Mutex
	delivered := make([]time.Duration, 0, posts)
	all := make(chan struct{})
	sub := must(stream.Subscribe(ctx, changestream.TableSubjects, changestream.Filter{}, func(ev changestream.Event) {
		mu.Lock()
		defer mu.Unlock()
		delivered = append(delivered, time.Since(ev.CommittedAt))
		if len(delivered) == posts {
			close(all)
		}
	}))
	defer sub.Unsubscribe()

	reader := "reader0"
	authorIDs := make([]string, authors)
	followRepo := repository.NewFollowRepository(db)
	for i := range authorIDs {
		authorIDs[i] = uuid.NewString()
		if i < follows {
			_, _ = followRepo.Follow(ctx, reader, authorIDs[i])
		}
	}

	relay := service.NewChangeRelay(repository.NewChangeRepository(db), stream, workers, claim, cfg.Stream.PollInterval).
		WithLease(cfg.Stream.ClaimLease)
	stop := relay.Start()
	defer stop(context.Background())

	publisher := service.NewPublisher(db)
	pubDurations := make([]time.Duration, 0, posts)
	for i := 0; i < posts; i++ {
		in := service.PublishInput{AuthorID: authorIDs[i%authors], Body: fmt.Sprintf("hello %d", i)}
		if i%10 == 0 {
			in.Payload = &model.Payload{Kind: model.PayloadPoll, Poll: &model.Poll{
				Question: "ship it?",
				Options:  []model.PollOption{{ID: "y", Label: "yes"}, {ID: "n", Label: "no"}},
			}}
		}
		st := time.Now()
		if _, err := publisher.Publish(ctx, in); err != nil {
			panic(err)
		}
		pubDurations = append(pubDurations, time.Since(st))
	}

	select {
	case <-all:
	case <-time.After(2 * time.Minute):
		fmt.Println("timeout while waiting for change delivery")
	}
	mu.Lock()
	land := append([]time.Duration(nil), delivered...)
	mu.Unlock()

	fmt.Printf("AUTHORS=%d FOLLOWS=%d POSTS=%d WORKERS=%d CLAIM=%d STREAM=%s\n", authors, follows, posts, workers, claim, cfg.Stream.Backend)
	fmt.Printf("Publish tx latency: avg=%v p95=%v p99=%v\n", avg(pubDurations), pct(pubDurations, 0.95), pct(pubDurations, 0.99))
	fmt.Printf("Change delivery (commit->subscriber): samples=%d avg=%v p95=%v p99=%v\n", len(land), avg(land), pct(land, 0.95), pct(land, 0.99))

	subjects := repository.NewSubjectRepository(db)
	comments := repository.NewCommentRepository(db)
	ledger := reaction.NewLedger(db)
	scopes := cache.NewScopeCache(repository.NewScopeRepository(db), nil, 0)
	svc := feed.NewService(
		feed.NewPaginator(subjects, cfg.Feed.PreviewSize),
		feed.NewPipeline(db, feed.DefaultFacets(feed.Deps{
			Ledger: ledger, Subjects: subjects, Comments: comments,
			Polls: repository.NewPollVoteRepository(db), Scopes: scopes,
		})...),
		comments,
		feed.NewCommentEnricher(ledger, scopes),
		feed.Options{PageSize: cfg.Feed.PageSize, MaxPageSize: cfg.Feed.MaxPageSize},
	)

	// 沿游标读完关注流
	q := feed.Query{ViewerID: reader, Following: true}
	var reads []time.Duration
	items := 0
	for {
		st := time.Now()
		page := must(svc.Feed(ctx, q))
		reads = append(reads, time.Since(st))
		items += len(page.Items)
		if page.NextCursor == "" {
			break
		}
		q.Cursor = page.NextCursor
	}
	fmt.Printf("Following feed walk (reader0, limit=%d): pages=%d items=%d avg=%v p95=%v first=%v\n",
		cfg.Feed.PageSize, len(reads), items, avg(reads), pct(reads, 0.95), reads[0])
}
