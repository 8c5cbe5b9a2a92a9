package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/d60-Lab/feedsync/config"
	"github.com/d60-Lab/feedsync/internal/cache"
	"github.com/d60-Lab/feedsync/internal/feed"
	"github.com/d60-Lab/feedsync/internal/model"
	"github.com/d60-Lab/feedsync/internal/reaction"
	"github.com/d60-Lab/feedsync/internal/repository"
	"github.com/d60-Lab/feedsync/pkg/database"
)

// 对比信息流富化时 scope 快照（作者/群组/公司）走数据库与走 redis 的延迟
func main() {
	ctx := context.Background()
	cfg := must(config.Load())
	db := must(database.InitDB(cfg))

	scopes := envInt("SCOPES", 2000) // groups, companies and authors each
	subjects := envInt("SUBJECTS", 20000)
	requests := envInt("REQUESTS", 3000)

	fmt.Println("Setting up test data...")
	mustDo(db.Exec("DELETE FROM subjects").Error)
	mustDo(db.Exec("DELETE FROM groups").Error)
	mustDo(db.Exec("DELETE FROM companies").Error)
	mustDo(db.Exec("DELETE FROM users").Error)
	ids := seed(db, scopes, subjects)
	fmt.Printf("Test data ready: %d scopes per kind, %d subjects\n", scopes, len(ids))

	client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer client.Close()
	if err := client.Ping(ctx).Err(); err != nil {
		panic(fmt.Sprintf("Failed to connect to Redis at %s: %v", cfg.Redis.Addr, err))
	}

	subjectRepo := repository.NewSubjectRepository(db)
	pages := makePages(ids, requests)

	build := func(rdb *redis.Client) (*feed.Pipeline, *cache.ScopeCache) {
		sc := cache.NewScopeCache(repository.NewScopeRepository(db), rdb, cfg.Redis.CacheTTL)
		ledger := reaction.NewLedger(db)
		return feed.NewPipeline(db, feed.DefaultFacets(feed.Deps{
			Ledger:   ledger,
			Subjects: subjectRepo,
			Comments: repository.NewCommentRepository(db),
			Polls:    repository.NewPollVoteRepository(db),
			Scopes:   sc,
		})...), sc
	}

	noCachePipe, noCacheScopes := build(nil)
	cachedPipe, cachedScopes := build(client)

	noCache := runScenario(ctx, client, noCachePipe, noCacheScopes, subjectRepo, pages, false)
	cold := runScenario(ctx, client, cachedPipe, cachedScopes, subjectRepo, pages, false)
	warm := runScenario(ctx, client, cachedPipe, cachedScopes, subjectRepo, pages, true)

	fmt.Printf("\nFeed page enrichment latency (%d pages x 20 subjects)\n", len(pages))
	for _, r := range []struct {
		name string
		res  scenarioResult
	}{{"No cache", noCache}, {"Redis cold", cold}, {"Redis warm", warm}} {
		fmt.Printf("%-12s avg=%v p95=%v p99=%v db_bulk=%d cache_hits=%d cache_keys=%d mem=%s\n",
			r.name, avg(r.res.durations), pct(r.res.durations, 0.95), pct(r.res.durations, 0.99),
			r.res.counters.BulkLoads, r.res.counters.Hits, r.res.cacheKeys, formatBytes(r.res.memoryBytes))
	}
}

func seed(db *gorm.DB, scopes, subjects int) []string {
	groups := make([]model.Group, scopes)
	companies := make([]model.Company, scopes)
	users := make([]model.User, scopes)
	for i := 0; i < scopes; i++ {
		groups[i] = model.Group{ID: uuid.NewString(), Name: fmt.Sprintf("group %d", i), Slug: fmt.Sprintf("g%d", i)}
		companies[i] = model.Company{ID: uuid.NewString(), Name: fmt.Sprintf("company %d", i), Slug: fmt.Sprintf("c%d", i)}
		users[i] = model.User{ID: uuid.NewString(), Username: fmt.Sprintf("user_%d", i), DisplayName: fmt.Sprintf("User %d", i)}
	}
	mustDo(db.CreateInBatches(&groups, 1000).Error)
	mustDo(db.CreateInBatches(&companies, 1000).Error)
	mustDo(db.CreateInBatches(&users, 1000).Error)

	rnd := rand.New(rand.NewSource(7))
	base := time.Now().UTC()
	rows := make([]model.Subject, subjects)
	ids := make([]string, subjects)
	for i := range rows {
		g := groups[rnd.Intn(scopes)].ID
		c := companies[rnd.Intn(scopes)].ID
		rows[i] = model.Subject{
			ID:        uuid.NewString(),
			AuthorID:  users[rnd.Intn(scopes)].ID,
			Body:      "bench",
			CreatedAt: base.Add(-time.Duration(i) * time.Second),
			UpdatedAt: base,
		}
		switch i % 3 {
		case 0:
			rows[i].ScopedGroupID = &g
		case 1:
			rows[i].ScopedCompanyID = &c
		}
		ids[i] = rows[i].ID
	}
	mustDo(db.CreateInBatches(&rows, 1000).Error)
	return ids
}

// makePages 模拟读者多数停留在前几页，少量深翻
func makePages(ids []string, n int) [][]string {
	const size = 20
	rnd := rand.New(rand.NewSource(42))
	maxPage := len(ids) / size
	out := make([][]string, n)
	for i := range out {
		page := 0
		if rnd.Float64() > 0.72 && maxPage > 1 {
			page = 1 + rnd.Intn(maxPage-1)
		}
		out[i] = ids[page*size : page*size+size]
	}
	return out
}

type scenarioResult struct {
	durations   []time.Duration
	counters    cache.Counters
	cacheKeys   int
	memoryBytes int64
}

func runScenario(ctx context.Context, client *redis.Client, pipe *feed.Pipeline, scopes *cache.ScopeCache, subjects repository.SubjectRepository, pages [][]string, warm bool) scenarioResult {
	client.FlushAll(ctx)

	load := func(ids []string) {
		rows, err := subjects.ListByIDs(ctx, ids)
		if err != nil {
			panic(err)
		}
		if _, err := pipe.Enrich(ctx, rows, "bench-viewer"); err != nil {
			panic(err)
		}
	}
	if warm {
		fmt.Print("  Warming cache...")
		for _, ids := range pages {
			load(ids)
		}
		fmt.Println(" done")
	}
	scopes.ResetCounters()

	fmt.Print("  Running benchmark...")
	out := make([]time.Duration, 0, len(pages))
	for _, ids := range pages {
		start := time.Now()
		load(ids)
		out = append(out, time.Since(start))
	}
	fmt.Println(" done")

	keys, _ := client.Keys(ctx, "scope:*").Result()
	var memBytes int64
	if info, err := client.Info(ctx, "memory").Result(); err == nil {
		memBytes = parseRedisMemory(info)
	}
	return scenarioResult{durations: out, counters: scopes.Counters(), cacheKeys: len(keys), memoryBytes: memBytes}
}

// parseRedisMemory extracts used_memory from Redis INFO
func parseRedisMemory(info string) int64 {
	for _, line := range strings.Split(info, "\n") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), "used_memory:"); ok {
			n, _ := strconv.ParseInt(v, 10, 64)
			return n
		}
	}
	return 0
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func envInt(name string, def int) int {
	if s := os.Getenv(name); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v > 0 {
			return v
		}
	}
	return def
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

func pct(vs []time.Duration, p float64) time.Duration {
	if len(vs) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), vs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func mustDo(err error) {
	if err != nil {
		panic(err)
	}
}
