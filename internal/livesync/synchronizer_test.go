package livesync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/feedsync/internal/cache"
	"github.com/d60-Lab/feedsync/internal/changestream"
	"github.com/d60-Lab/feedsync/internal/feed"
	"github.com/d60-Lab/feedsync/internal/model"
)

// fakeStore backs the loaders with in-memory pages.
type fakeStore struct {
	mu         sync.Mutex
	subjects   []*model.Subject
	comments   []*model.Comment
	feedLoads  atomic.Int32
	threadLoad atomic.Int32
	gate       chan struct{}
	feedErr    error
}

func (f *fakeStore) loadFeed(ctx context.Context, scope FeedScope) ([]*feed.EnrichedSubject, error) {
	f.feedLoads.Add(1)
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.feedErr != nil {
		return nil, f.feedErr
	}
	var out []*feed.EnrichedSubject
	for i := len(f.subjects) - 1; i >= 0; i-- {
		s := f.subjects[i]
		if scope.Matches(s) {
			out = append(out, &feed.EnrichedSubject{Subject: *s, ReactionsByType: map[model.ReactionType]int64{}})
		}
	}
	return out, nil
}

func (f *fakeStore) loadThread(_ context.Context, subjectID, _ string) ([]*feed.EnrichedComment, error) {
	f.threadLoad.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*feed.EnrichedComment
	for i := len(f.comments) - 1; i >= 0; i-- {
		if c := f.comments[i]; c.SubjectID == subjectID {
			out = append(out, &feed.EnrichedComment{Comment: *c, ReactionsByType: map[model.ReactionType]int64{}})
		}
	}
	return out, nil
}

func (f *fakeStore) addSubject(s *model.Subject) {
	f.mu.Lock()
	f.subjects = append(f.subjects, s)
	f.mu.Unlock()
}

type recorder struct {
	mu      sync.Mutex
	updates []Update
}

func (r *recorder) listen(u Update) {
	r.mu.Lock()
	r.updates = append(r.updates, u)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

func (r *recorder) last() Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updates[len(r.updates)-1]
}

func newTestSync(t *testing.T, store *fakeStore, opts ...func(*Synchronizer)) (*Synchronizer, *changestream.Local) {
	t.Helper()
	stream := changestream.NewLocal(64)
	s := NewSynchronizer(stream, store.loadFeed, store.loadThread)
	for _, opt := range opts {
		opt(s)
	}
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		_ = s.Stop(context.Background())
		_ = stream.Close()
	})
	return s, stream
}

func TestSyncSubjectInsertRefetchesMatchingScope(t *testing.T) {
	store := &fakeStore{}
	store.addSubject(&model.Subject{ID: "s1", AuthorID: "alice"})
	s, stream := newTestSync(t, store)
	ctx := context.Background()

	rec := &recorder{}
	stop, err := s.WatchFeed(ctx, FeedScope{ViewerID: "v", AuthorID: "alice"}, rec.listen)
	require.NoError(t, err)
	defer stop()
	require.Equal(t, 1, rec.count())
	require.EqualValues(t, 1, store.feedLoads.Load())

	// another author's post does not touch this scope
	bob := &model.Subject{ID: "s2", AuthorID: "bob"}
	store.addSubject(bob)
	require.NoError(t, stream.Publish(ctx, event(changestream.TableSubjects, model.EventInsert, bob)))

	s3 := &model.Subject{ID: "s3", AuthorID: "alice"}
	store.addSubject(s3)
	require.NoError(t, stream.Publish(ctx, event(changestream.TableSubjects, model.EventInsert, s3)))

	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 2, store.feedLoads.Load())
	items := rec.last().Items.([]*feed.EnrichedSubject)
	require.Len(t, items, 2)
	assert.Equal(t, "s3", items[0].ID)
}

func TestSyncSubjectUpdatePatchesInPlace(t *testing.T) {
	store := &fakeStore{}
	store.addSubject(&model.Subject{ID: "s1", AuthorID: "alice", Body: "v1"})
	s, stream := newTestSync(t, store)
	ctx := context.Background()

	rec := &recorder{}
	stop, err := s.WatchFeed(ctx, FeedScope{ViewerID: "v"}, rec.listen)
	require.NoError(t, err)
	defer stop()

	require.NoError(t, stream.Publish(ctx, event(changestream.TableSubjects, model.EventUpdate,
		&model.Subject{ID: "s1", AuthorID: "alice", Body: "v2"})))
	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 5*time.Millisecond)

	items, _, ok := s.Feed(FeedScope{ViewerID: "v"})
	require.True(t, ok)
	assert.Equal(t, "v2", items[0].Body)
	assert.EqualValues(t, 1, store.feedLoads.Load(), "update must not refetch")
}

func TestSyncReactionInvalidatesOnlyPagesContainingSubject(t *testing.T) {
	store := &fakeStore{}
	store.addSubject(&model.Subject{ID: "s1", AuthorID: "alice"})
	s, stream := newTestSync(t, store)
	ctx := context.Background()

	rec := &recorder{}
	stop, err := s.WatchFeed(ctx, FeedScope{ViewerID: "v"}, rec.listen)
	require.NoError(t, err)
	defer stop()

	require.NoError(t, stream.Publish(ctx, event(changestream.TableReactions, model.EventInsert,
		map[string]string{"subject_id": "elsewhere", "user_id": "u", "reaction_type": "like"})))
	require.NoError(t, stream.Publish(ctx, event(changestream.TableReactions, model.EventInsert,
		map[string]string{"subject_id": "s1", "user_id": "u", "reaction_type": "like"})))

	require.Eventually(t, func() bool { return store.feedLoads.Load() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 2, store.feedLoads.Load())
}

func TestSyncCommentThreadPatchAndDelete(t *testing.T) {
	store := &fakeStore{comments: []*model.Comment{{ID: "c1", SubjectID: "s1"}}}
	s, stream := newTestSync(t, store)
	ctx := context.Background()

	rec := &recorder{}
	stop, err := s.WatchThread(ctx, "s1", "v", rec.listen)
	require.NoError(t, err)
	defer stop()
	require.EqualValues(t, 1, store.threadLoad.Load())

	c2 := &model.Comment{ID: "c2", SubjectID: "s1", Body: "hi"}
	require.NoError(t, stream.Publish(ctx, event(changestream.TableComments, model.EventInsert, c2)))
	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 5*time.Millisecond)

	items, _, ok := s.Thread("s1", "v")
	require.True(t, ok)
	require.Len(t, items, 2)
	assert.Equal(t, "c2", items[0].ID)
	assert.EqualValues(t, 1, store.threadLoad.Load(), "insert is patched")

	// a comment on another subject is ignored by this thread
	require.NoError(t, stream.Publish(ctx, event(changestream.TableComments, model.EventInsert,
		&model.Comment{ID: "x", SubjectID: "s9"})))

	require.NoError(t, stream.Publish(ctx, event(changestream.TableComments, model.EventDelete,
		&model.Comment{ID: "c1", SubjectID: "s1"})))
	require.Eventually(t, func() bool { return store.threadLoad.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestSyncDiscardsSupersededRefetch(t *testing.T) {
	store := &fakeStore{}
	store.addSubject(&model.Subject{ID: "s1", AuthorID: "alice"})
	s, _ := newTestSync(t, store)
	ctx := context.Background()

	rec := &recorder{}
	stop, err := s.WatchFeed(ctx, FeedScope{ViewerID: "v"}, rec.listen)
	require.NoError(t, err)
	defer stop()

	store.mu.Lock()
	store.gate = make(chan struct{})
	store.mu.Unlock()

	e := s.feedEntries()[0]
	s.refetchFeed(e) // generation g
	require.Eventually(t, func() bool { return store.feedLoads.Load() == 2 }, time.Second, 5*time.Millisecond)
	s.refetchFeed(e) // generation g+1
	require.Eventually(t, func() bool { return store.feedLoads.Load() == 3 }, time.Second, 5*time.Millisecond)

	close(store.gate)

	// only the newest refetch lands
	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, rec.count())
	_, _, stale := e.coll.Snapshot()
	assert.False(t, stale)
}

func TestSyncDropsUnwatchedCollections(t *testing.T) {
	store := &fakeStore{}
	s, _ := newTestSync(t, store)
	ctx := context.Background()

	stop1, err := s.WatchFeed(ctx, FeedScope{ViewerID: "v"}, func(Update) {})
	require.NoError(t, err)
	stop2, err := s.WatchFeed(ctx, FeedScope{ViewerID: "v"}, func(Update) {})
	require.NoError(t, err)
	assert.EqualValues(t, 1, store.feedLoads.Load())

	stop1()
	_, _, ok := s.Feed(FeedScope{ViewerID: "v"})
	assert.True(t, ok)
	stop2()
	_, _, ok = s.Feed(FeedScope{ViewerID: "v"})
	assert.False(t, ok)
}

func TestFeedScopeMatches(t *testing.T) {
	g := "g1"
	inGroup := &model.Subject{AuthorID: "a", ScopedGroupID: &g}
	plain := &model.Subject{AuthorID: "b"}

	assert.True(t, FeedScope{}.Matches(inGroup))
	assert.True(t, FeedScope{GroupID: "g1"}.Matches(inGroup))
	assert.False(t, FeedScope{GroupID: "g1"}.Matches(plain))
	assert.False(t, FeedScope{AuthorID: "a"}.Matches(plain))
	assert.True(t, FeedScope{Following: true}.Matches(plain))
	assert.NotEqual(t, FeedScope{ViewerID: "v"}.Key(), FeedScope{ViewerID: "w"}.Key())
}

func TestSyncFollowRefetchesFollowersFollowingFeed(t *testing.T) {
	store := &fakeStore{}
	s, stream := newTestSync(t, store)
	ctx := context.Background()

	mine, theirs, plain := &recorder{}, &recorder{}, &recorder{}
	for scope, rec := range map[FeedScope]*recorder{
		{ViewerID: "v", Following: true}: mine,
		{ViewerID: "w", Following: true}: theirs,
		{ViewerID: "v"}:                  plain,
	} {
		stop, err := s.WatchFeed(ctx, scope, rec.listen)
		require.NoError(t, err)
		defer stop()
	}
	require.EqualValues(t, 3, store.feedLoads.Load())

	f := &model.Follow{FollowerID: "v", FolloweeID: "alice"}
	require.NoError(t, stream.Publish(ctx, event(changestream.TableFollows, model.EventInsert, f)))
	require.Eventually(t, func() bool { return mine.count() == 2 }, time.Second, 5*time.Millisecond)

	// unfollow carries only the old row
	require.NoError(t, stream.Publish(ctx, event(changestream.TableFollows, model.EventDelete, f)))
	require.Eventually(t, func() bool { return mine.count() == 3 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, theirs.count())
	assert.Equal(t, 1, plain.count())
}

func TestSyncSecondWatcherWaitsForFirstLoad(t *testing.T) {
	store := &fakeStore{gate: make(chan struct{})}
	store.addSubject(&model.Subject{ID: "s1", AuthorID: "alice"})
	s, _ := newTestSync(t, store)
	ctx := context.Background()
	scope := FeedScope{ViewerID: "v"}

	first, second := &recorder{}, &recorder{}
	var wg sync.WaitGroup
	watch := func(rec *recorder) {
		defer wg.Done()
		stop, err := s.WatchFeed(ctx, scope, rec.listen)
		if assert.NoError(t, err) {
			t.Cleanup(stop)
		}
	}
	wg.Add(1)
	go watch(first)
	require.Eventually(t, func() bool { return store.feedLoads.Load() == 1 }, time.Second, 5*time.Millisecond)

	wg.Add(1)
	go watch(second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, second.count(), "must not see the page before it is loaded")

	close(store.gate)
	wg.Wait()

	require.Equal(t, 1, first.count())
	require.Equal(t, 1, second.count())
	assert.Len(t, second.last().Items.([]*feed.EnrichedSubject), 1)
	assert.EqualValues(t, 1, store.feedLoads.Load(), "one load serves both watchers")
}

func TestSyncFailedFirstLoadReleasesWaiters(t *testing.T) {
	store := &fakeStore{gate: make(chan struct{}), feedErr: errors.New("db down")}
	s, _ := newTestSync(t, store)
	ctx := context.Background()
	scope := FeedScope{ViewerID: "v"}

	errs := make(chan error, 2)
	go func() {
		_, err := s.WatchFeed(ctx, scope, func(Update) {})
		errs <- err
	}()
	require.Eventually(t, func() bool { return store.feedLoads.Load() == 1 }, time.Second, 5*time.Millisecond)
	go func() {
		_, err := s.WatchFeed(ctx, scope, func(Update) {})
		errs <- err
	}()
	time.Sleep(20 * time.Millisecond)
	close(store.gate)

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			assert.Error(t, err)
		case <-time.After(time.Second):
			t.Fatal("watcher still blocked")
		}
	}
	_, _, ok := s.Feed(scope)
	assert.False(t, ok)

	// the next watcher loads afresh
	store.mu.Lock()
	store.feedErr = nil
	store.mu.Unlock()
	stop, err := s.WatchFeed(ctx, scope, func(Update) {})
	require.NoError(t, err)
	stop()
}

func TestSyncSubjectUpdateIgnoresOlderEdit(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{}
	store.addSubject(&model.Subject{ID: "s1", AuthorID: "alice", Body: "v1", UpdatedAt: t0})
	s, stream := newTestSync(t, store)
	ctx := context.Background()

	rec := &recorder{}
	stop, err := s.WatchFeed(ctx, FeedScope{ViewerID: "v"}, rec.listen)
	require.NoError(t, err)
	defer stop()

	// edits published out of order by two relay workers
	require.NoError(t, stream.Publish(ctx, event(changestream.TableSubjects, model.EventUpdate,
		&model.Subject{ID: "s1", AuthorID: "alice", Body: "v3", UpdatedAt: t0.Add(2 * time.Second)})))
	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, stream.Publish(ctx, event(changestream.TableSubjects, model.EventUpdate,
		&model.Subject{ID: "s1", AuthorID: "alice", Body: "v2", UpdatedAt: t0.Add(time.Second)})))
	time.Sleep(20 * time.Millisecond)

	items, _, ok := s.Feed(FeedScope{ViewerID: "v"})
	require.True(t, ok)
	assert.Equal(t, "v3", items[0].Body)
	assert.Equal(t, 2, rec.count())
	assert.EqualValues(t, 1, store.feedLoads.Load())
}

func TestSyncInsertedCommentIsDecorated(t *testing.T) {
	store := &fakeStore{comments: []*model.Comment{{ID: "c1", SubjectID: "s1", AuthorID: "bob"}}}
	decorate := func(_ context.Context, c *model.Comment, _ string) (*feed.EnrichedComment, error) {
		return &feed.EnrichedComment{
			Comment:         *c,
			Author:          &cache.Snapshot{ID: c.AuthorID, Name: "Alice"},
			ReactionsByType: map[model.ReactionType]int64{},
		}, nil
	}
	s, stream := newTestSync(t, store, func(s *Synchronizer) { s.DecorateComments(decorate) })
	ctx := context.Background()

	rec := &recorder{}
	stop, err := s.WatchThread(ctx, "s1", "v", rec.listen)
	require.NoError(t, err)
	defer stop()

	c2 := &model.Comment{ID: "c2", SubjectID: "s1", AuthorID: "alice", Body: "hi"}
	require.NoError(t, stream.Publish(ctx, event(changestream.TableComments, model.EventInsert, c2)))
	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 5*time.Millisecond)

	items, _, ok := s.Thread("s1", "v")
	require.True(t, ok)
	require.Len(t, items, 2)
	require.NotNil(t, items[0].Author)
	assert.Equal(t, "Alice", items[0].Author.Name)
	assert.EqualValues(t, 1, store.threadLoad.Load())
}

func TestSyncCommentDecorationFailureRefetches(t *testing.T) {
	store := &fakeStore{}
	decorate := func(context.Context, *model.Comment, string) (*feed.EnrichedComment, error) {
		return nil, errors.New("redis down")
	}
	s, stream := newTestSync(t, store, func(s *Synchronizer) { s.DecorateComments(decorate) })
	ctx := context.Background()

	stop, err := s.WatchThread(ctx, "s1", "v", func(Update) {})
	require.NoError(t, err)
	defer stop()

	require.NoError(t, stream.Publish(ctx, event(changestream.TableComments, model.EventInsert,
		&model.Comment{ID: "c1", SubjectID: "s1"})))
	require.Eventually(t, func() bool { return store.threadLoad.Load() == 2 }, time.Second, 5*time.Millisecond)
}
