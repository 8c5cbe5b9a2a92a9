package app

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/d60-Lab/feedsync/config"
	"github.com/d60-Lab/feedsync/internal/api/middleware"
	"github.com/d60-Lab/feedsync/internal/changestream"
	"github.com/d60-Lab/feedsync/internal/testutil"
)

const (
	testSecret   = "test-secret"
	publicChanID = "00000000-0000-0000-0000-000000000001"
)

func init() { gin.SetMode(gin.TestMode) }

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Mode: "release"},
		Auth:   config.AuthConfig{JWTSecret: testSecret},
		Feed: config.FeedConfig{
			PageSize: 20, HistoryPageSize: 50, MaxPageSize: 100, PreviewSize: 5,
			PublicChannelID: publicChanID,
		},
		Stream:    config.StreamConfig{Backend: "local", RelayWorkers: 1, ClaimLimit: 64, PollInterval: 10 * time.Millisecond, Heartbeat: time.Second},
		RateLimit: config.RateLimitConfig{WritesPerSecond: 1000, Burst: 1000},
	}
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type fixture struct {
	t   *testing.T
	db  *gorm.DB
	app *App
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	db := testutil.OpenDB(t)
	stream := changestream.NewLocal(64)
	t.Cleanup(func() { _ = stream.Close() })
	return &fixture{t: t, db: db, app: New(cfg, db, nil, stream)}
}

func token(t *testing.T, user string) string {
	t.Helper()
	tok, err := middleware.SignToken(testSecret, "", user, time.Hour)
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(method, path, user string, body any) (int, envelope) {
	f.t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(f.t, err)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+token(f.t, user))
	}
	w := httptest.NewRecorder()
	f.app.Router.ServeHTTP(w, req)

	var env envelope
	require.NoError(f.t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v), string(raw))
	return v
}

type subjectDTO struct {
	ID              string           `json:"id"`
	Body            string           `json:"body"`
	ReactionsCount  int64            `json:"reactions_count"`
	ReactionsByType map[string]int64 `json:"reactions_by_type"`
	UserReaction    *string          `json:"user_reaction"`
	CommentsCount   int64            `json:"comments_count"`
	UserPollVote    *string          `json:"user_poll_vote"`
}

type pageDTO struct {
	Items      []subjectDTO `json:"items"`
	NextCursor string       `json:"next_cursor"`
	Preview    bool         `json:"preview"`
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, testConfig())
	code, env := f.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"ok"}`, string(env.Data))
}

func TestAnonymousFeedIsPreview(t *testing.T) {
	f := newFixture(t, testConfig())
	clock := testutil.NewClock()
	for i := 0; i < 8; i++ {
		testutil.SeedSubject(t, f.db, "author", testutil.WithAt(clock.Next()))
	}

	code, env := f.do(http.MethodGet, "/api/v1/feed", "", nil)
	require.Equal(t, http.StatusOK, code)
	page := decode[pageDTO](t, env.Data)
	assert.True(t, page.Preview)
	assert.Len(t, page.Items, 5)
	assert.Empty(t, page.NextCursor)

	code, _ = f.do(http.MethodGet, "/api/v1/feed?following=true", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestInvalidTokenRejected(t *testing.T) {
	f := newFixture(t, testConfig())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/feed", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	w := httptest.NewRecorder()
	f.app.Router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWritesRequireLogin(t *testing.T) {
	f := newFixture(t, testConfig())
	code, _ := f.do(http.MethodPost, "/api/v1/subjects", "", map[string]string{"body": "hi"})
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestPublishReactAndFeed(t *testing.T) {
	f := newFixture(t, testConfig())

	code, env := f.do(http.MethodPost, "/api/v1/subjects", "alice", map[string]string{"body": "first post"})
	require.Equal(t, http.StatusCreated, code, env.Message)
	s := decode[subjectDTO](t, env.Data)

	path := "/api/v1/subjects/" + s.ID + "/reactions"
	code, env = f.do(http.MethodPost, path, "bob", map[string]string{"reaction_type": "love"})
	require.Equal(t, http.StatusOK, code, env.Message)
	res := decode[struct {
		Action string `json:"action"`
		Tally  struct {
			Count int64 `json:"count"`
		} `json:"tally"`
	}](t, env.Data)
	assert.Equal(t, "added", res.Action)
	assert.EqualValues(t, 1, res.Tally.Count)

	code, _ = f.do(http.MethodPost, path, "bob", map[string]string{"reaction_type": "bogus"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(http.MethodPost, "/api/v1/subjects/missing/reactions", "bob", map[string]string{"reaction_type": "love"})
	assert.Equal(t, http.StatusNotFound, code)

	code, env = f.do(http.MethodGet, "/api/v1/feed", "bob", nil)
	require.Equal(t, http.StatusOK, code)
	page := decode[pageDTO](t, env.Data)
	require.Len(t, page.Items, 1)
	assert.EqualValues(t, 1, page.Items[0].ReactionsCount)
	assert.EqualValues(t, 1, page.Items[0].ReactionsByType["love"])
	require.NotNil(t, page.Items[0].UserReaction)
	assert.Equal(t, "love", *page.Items[0].UserReaction)

	// 同类型再次提交即取消
	code, env = f.do(http.MethodPost, path, "bob", map[string]string{"reaction_type": "love"})
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), `"removed"`)

	code, _ = f.do(http.MethodPatch, "/api/v1/subjects/"+s.ID, "bob", map[string]string{"body": "hijack"})
	assert.Equal(t, http.StatusForbidden, code)
	code, env = f.do(http.MethodPatch, "/api/v1/subjects/"+s.ID, "alice", map[string]string{"body": "edited"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "edited", decode[subjectDTO](t, env.Data).Body)

	code, _ = f.do(http.MethodDelete, "/api/v1/subjects/"+s.ID, "alice", nil)
	require.Equal(t, http.StatusOK, code)
	code, env = f.do(http.MethodGet, "/api/v1/feed", "bob", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, decode[pageDTO](t, env.Data).Items)
}

func TestFeedCursorWalk(t *testing.T) {
	cfg := testConfig()
	cfg.Feed.PageSize = 3
	f := newFixture(t, cfg)
	clock := testutil.NewClock()
	for i := 0; i < 7; i++ {
		testutil.SeedSubject(t, f.db, "author", testutil.WithAt(clock.Next()))
	}

	seen := map[string]bool{}
	path := "/api/v1/feed"
	for i := 0; i < 5; i++ {
		code, env := f.do(http.MethodGet, path, "reader", nil)
		require.Equal(t, http.StatusOK, code)
		page := decode[pageDTO](t, env.Data)
		for _, it := range page.Items {
			assert.False(t, seen[it.ID], "duplicate %s", it.ID)
			seen[it.ID] = true
		}
		if page.NextCursor == "" {
			break
		}
		path = "/api/v1/feed?cursor=" + page.NextCursor
	}
	assert.Len(t, seen, 7)

	code, _ := f.do(http.MethodGet, "/api/v1/feed?cursor=!!!not-a-cursor", "reader", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestCommentsAndPoll(t *testing.T) {
	f := newFixture(t, testConfig())
	poll := testutil.SeedSubject(t, f.db, "alice", testutil.WithPoll("yes", "no"))

	code, env := f.do(http.MethodPost, "/api/v1/subjects/"+poll.ID+"/comments", "bob", map[string]string{"body": "voting yes"})
	require.Equal(t, http.StatusCreated, code, env.Message)
	comment := decode[struct {
		ID string `json:"id"`
	}](t, env.Data)

	code, env = f.do(http.MethodGet, "/api/v1/subjects/"+poll.ID+"/comments", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), comment.ID)

	code, _ = f.do(http.MethodPost, "/api/v1/comments/"+comment.ID+"/reactions", "alice", map[string]string{"reaction_type": "like"})
	assert.Equal(t, http.StatusOK, code)

	code, _ = f.do(http.MethodDelete, "/api/v1/comments/"+comment.ID, "carol", nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = f.do(http.MethodPost, "/api/v1/subjects/"+poll.ID+"/poll/votes", "bob", map[string]string{"option_id": "maybe"})
	assert.Equal(t, http.StatusBadRequest, code)
	code, env = f.do(http.MethodPost, "/api/v1/subjects/"+poll.ID+"/poll/votes", "bob", map[string]string{"option_id": "yes"})
	require.Equal(t, http.StatusOK, code, env.Message)
	assert.Contains(t, string(env.Data), `"yes":1`)

	code, env = f.do(http.MethodGet, "/api/v1/feed", "bob", nil)
	require.Equal(t, http.StatusOK, code)
	page := decode[pageDTO](t, env.Data)
	require.Len(t, page.Items, 1)
	assert.EqualValues(t, 1, page.Items[0].CommentsCount)
	require.NotNil(t, page.Items[0].UserPollVote)
	assert.Equal(t, "yes", *page.Items[0].UserPollVote)

	// 内容作者可删除他人评论
	code, _ = f.do(http.MethodDelete, "/api/v1/comments/"+comment.ID, "alice", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestChannels(t *testing.T) {
	f := newFixture(t, testConfig())

	resolve := func(user, peer string) (int, string) {
		code, env := f.do(http.MethodPost, "/api/v1/channels/resolve", user, map[string]string{"peer_id": peer})
		if code != http.StatusOK {
			return code, ""
		}
		return code, decode[map[string]string](t, env.Data)["channel_id"]
	}

	code, ab := resolve("alice", "bob")
	require.Equal(t, http.StatusOK, code)
	_, again := resolve("alice", "bob")
	_, ba := resolve("bob", "alice")
	assert.Equal(t, ab, again)
	assert.Equal(t, ab, ba)

	_, pub := resolve("alice", publicChanID)
	assert.Equal(t, publicChanID, pub)
	code, _ = resolve("alice", "alice")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(http.MethodPost, "/api/v1/channels/"+ab+"/messages", "bob", map[string]string{"body": "hey"})
	require.Equal(t, http.StatusCreated, code)
	code, env := f.do(http.MethodGet, "/api/v1/channels/"+ab+"/messages", "alice", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), `"hey"`)

	code, _ = f.do(http.MethodGet, "/api/v1/channels/"+ab+"/messages", "carol", nil)
	assert.Equal(t, http.StatusForbidden, code)
	code, _ = f.do(http.MethodPost, "/api/v1/channels/"+ab+"/messages", "carol", map[string]string{"body": "let me in"})
	assert.Equal(t, http.StatusForbidden, code)
}

func TestRelations(t *testing.T) {
	f := newFixture(t, testConfig())
	code, _ := f.do(http.MethodPost, "/api/v1/relations/follow", "alice", map[string]string{"to_user_id": "alice"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(http.MethodPost, "/api/v1/relations/follow", "alice", map[string]string{"to_user_id": "bob"})
	require.Equal(t, http.StatusOK, code)
	code, env := f.do(http.MethodGet, "/api/v1/relations/alice/following", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), `"bob"`)

	testutil.SeedSubject(t, f.db, "bob")
	testutil.SeedSubject(t, f.db, "carol")
	code, env = f.do(http.MethodGet, "/api/v1/feed?following=true", "alice", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decode[pageDTO](t, env.Data).Items, 1)
}

func TestWriteRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = config.RateLimitConfig{WritesPerSecond: 0.001, Burst: 1}
	f := newFixture(t, cfg)

	code, _ := f.do(http.MethodPost, "/api/v1/relations/follow", "alice", map[string]string{"to_user_id": "bob"})
	require.Equal(t, http.StatusOK, code)
	code, _ = f.do(http.MethodPost, "/api/v1/relations/follow", "alice", map[string]string{"to_user_id": "carol"})
	assert.Equal(t, http.StatusTooManyRequests, code)

	// 读请求不受限
	code, _ = f.do(http.MethodGet, "/api/v1/feed", "alice", nil)
	assert.Equal(t, http.StatusOK, code)
}

type sseEvent struct {
	name string
	data string
}

func readSSE(body *bufio.Reader, out chan<- sseEvent) {
	defer close(out)
	var ev sseEvent
	for {
		line, err := body.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case strings.HasPrefix(line, "event:"):
			ev.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			ev.data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case line == "" && ev.name != "":
			out <- ev
			ev = sseEvent{}
		}
	}
}

func waitEvent(t *testing.T, events <-chan sseEvent, name, contains string) sseEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "stream closed while waiting for %s", name)
			if ev.name == name && strings.Contains(ev.data, contains) {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event containing %q", name, contains)
		}
	}
}

func TestLiveFeedReceivesPublishedSubject(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop, err := f.app.Start(ctx)
	require.NoError(t, err)

	srv := httptest.NewServer(f.app.Router)
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = stop(context.Background()) })

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/live?token="+token(t, "bob"), nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events := make(chan sseEvent, 16)
	go readSSE(bufio.NewReader(resp.Body), events)

	hello := waitEvent(t, events, "session", "session_id")
	sessionID := decode[map[string]string](t, json.RawMessage(hello.data))["session_id"]
	require.NotEmpty(t, sessionID)

	code, env := f.do(http.MethodPost, "/api/v1/live/"+sessionID+"/scope", "bob", map[string]any{"feed": map[string]any{}})
	require.Equal(t, http.StatusOK, code, env.Message)

	// 其他用户看不到这个会话
	code, _ = f.do(http.MethodPost, "/api/v1/live/"+sessionID+"/scope", "carol", map[string]any{"feed": map[string]any{}})
	assert.Equal(t, http.StatusNotFound, code)

	code, env = f.do(http.MethodPost, "/api/v1/subjects", "alice", map[string]string{"body": "breaking news"})
	require.Equal(t, http.StatusCreated, code)
	s := decode[subjectDTO](t, env.Data)

	waitEvent(t, events, "feed", s.ID)
}
