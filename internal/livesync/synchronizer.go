package livesync

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/d60-Lab/feedsync/internal/changestream"
	"github.com/d60-Lab/feedsync/internal/feed"
	"github.com/d60-Lab/feedsync/internal/model"
	"github.com/d60-Lab/feedsync/pkg/logger"
)

// FeedScope identifies one cached feed first page. Enrichment is viewer
// specific, so the viewer is part of the scope.
type FeedScope struct {
	ViewerID  string `json:"viewer_id"`
	AuthorID  string `json:"author_id,omitempty"`
	GroupID   string `json:"group_id,omitempty"`
	CompanyID string `json:"company_id,omitempty"`
	Following bool   `json:"following,omitempty"`
}

func (s FeedScope) Key() string {
	return "feed:" + s.ViewerID + "|" + s.AuthorID + "|" + s.GroupID + "|" + s.CompanyID + "|" + strconv.FormatBool(s.Following)
}

// Matches reports whether a subject row can belong to this scope. Following
// scopes need the follow graph, so they match every subject.
func (s FeedScope) Matches(subj *model.Subject) bool {
	if s.AuthorID != "" && subj.AuthorID != s.AuthorID {
		return false
	}
	if s.GroupID != "" && (subj.ScopedGroupID == nil || *subj.ScopedGroupID != s.GroupID) {
		return false
	}
	if s.CompanyID != "" && (subj.ScopedCompanyID == nil || *subj.ScopedCompanyID != s.CompanyID) {
		return false
	}
	return true
}

func ThreadKey(subjectID string) string { return "thread:" + subjectID }

// Loaders refetch a collection from the store.
type (
	FeedLoader   func(ctx context.Context, scope FeedScope) ([]*feed.EnrichedSubject, error)
	ThreadLoader func(ctx context.Context, subjectID, viewerID string) ([]*feed.EnrichedComment, error)
)

// Update is sent to watchers whenever a collection changes.
type Update struct {
	Key        string `json:"key"`
	Generation uint64 `json:"generation"`
	Items      any    `json:"items"`
}

type Listener func(Update)

// CommentDecorator enriches one streamed comment before it is patched into a
// cached thread, so patched and refetched items have the same shape.
type CommentDecorator func(ctx context.Context, c *model.Comment, viewerID string) (*feed.EnrichedComment, error)

// loadGate is closed once an entry's first load finished; err is set before
// closing when that load failed.
type loadGate struct {
	ready chan struct{}
	err   error
}

func newLoadGate() loadGate { return loadGate{ready: make(chan struct{})} }

func (g *loadGate) wait(ctx context.Context) error {
	select {
	case <-g.ready:
		return g.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type feedEntry struct {
	scope     FeedScope
	coll      *Collection[*feed.EnrichedSubject]
	listeners map[int]Listener
	loaded    loadGate
}

type threadEntry struct {
	subjectID string
	viewerID  string
	coll      *Collection[*feed.EnrichedComment]
	listeners map[int]Listener
	loaded    loadGate
}

// Synchronizer owns the cached collections and reconciles them with the
// subjects, reactions, comments, comment_reactions and poll_votes streams.
type Synchronizer struct {
	stream     changestream.Stream
	loadFeed   FeedLoader
	loadThread ThreadLoader
	decorate   CommentDecorator
	timeout    time.Duration

	mu      sync.Mutex
	feeds   map[string]*feedEntry
	threads map[string]*threadEntry
	nextID  int
	subs    []*Subscription

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSynchronizer(stream changestream.Stream, loadFeed FeedLoader, loadThread ThreadLoader) *Synchronizer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Synchronizer{
		stream:     stream,
		loadFeed:   loadFeed,
		loadThread: loadThread,
		timeout:    10 * time.Second,
		feeds:      make(map[string]*feedEntry),
		threads:    make(map[string]*threadEntry),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// DecorateComments installs fn for inserted comments. Without it a patched
// comment carries only its row; call before Start.
func (s *Synchronizer) DecorateComments(fn CommentDecorator) { s.decorate = fn }

// Start subscribes to the reconciled tables.
func (s *Synchronizer) Start(ctx context.Context) error {
	tables := []string{
		changestream.TableSubjects,
		changestream.TableReactions,
		changestream.TableComments,
		changestream.TableCommentReactions,
		changestream.TablePollVotes,
		changestream.TableFollows,
	}
	for _, table := range tables {
		sub := NewSubscription(s.stream, table, changestream.Filter{}, s.Handle)
		if err := sub.Open(ctx); err != nil {
			_ = s.Stop(ctx)
			return err
		}
		s.mu.Lock()
		s.subs = append(s.subs, sub)
		s.mu.Unlock()
	}
	logger.Info("live synchronizer started", zap.Int("subscriptions", len(tables)))
	return nil
}

// Stop closes the subscriptions and waits for in-flight refetches.
func (s *Synchronizer) Stop(ctx context.Context) error {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Close()
	}
	s.cancel()

	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WatchFeed loads the scope's first page if needed and registers l for
// updates. The returned func unregisters; the collection is dropped once
// nobody watches it.
func (s *Synchronizer) WatchFeed(ctx context.Context, scope FeedScope, l Listener) (func(), error) {
	key := scope.Key()
	s.mu.Lock()
	e, ok := s.feeds[key]
	if !ok {
		e = &feedEntry{scope: scope, coll: NewCollection[*feed.EnrichedSubject](), listeners: make(map[int]Listener), loaded: newLoadGate()}
		s.feeds[key] = e
	}
	id := s.nextID
	s.nextID++
	e.listeners[id] = l
	s.mu.Unlock()

	if !ok {
		gen := e.coll.Invalidate()
		items, err := s.loadFeed(ctx, scope)
		if err != nil {
			s.failFeed(key, e, err)
			return nil, fmt.Errorf("load feed %s: %w", key, err)
		}
		e.coll.Replace(gen, items)
		close(e.loaded.ready)
	} else if err := e.loaded.wait(ctx); err != nil {
		// 首次加载失败或等待被取消
		s.unwatchFeed(key, id)
		return nil, fmt.Errorf("load feed %s: %w", key, err)
	}
	items, gen, _ := e.coll.Snapshot()
	l(Update{Key: key, Generation: gen, Items: items})
	return func() { s.unwatchFeed(key, id) }, nil
}

// failFeed releases watchers that joined during a failed first load and drops
// the entry so the next watcher loads afresh.
func (s *Synchronizer) failFeed(key string, e *feedEntry, err error) {
	s.mu.Lock()
	if s.feeds[key] == e {
		delete(s.feeds, key)
	}
	s.mu.Unlock()
	e.loaded.err = err
	close(e.loaded.ready)
}

func (s *Synchronizer) unwatchFeed(key string, id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.feeds[key]; ok {
		delete(e.listeners, id)
		if len(e.listeners) == 0 {
			delete(s.feeds, key)
		}
	}
}

// WatchThread is WatchFeed for a subject's comment thread.
func (s *Synchronizer) WatchThread(ctx context.Context, subjectID, viewerID string, l Listener) (func(), error) {
	key := ThreadKey(subjectID) + "|" + viewerID
	s.mu.Lock()
	e, ok := s.threads[key]
	if !ok {
		e = &threadEntry{subjectID: subjectID, viewerID: viewerID, coll: NewCollection[*feed.EnrichedComment](), listeners: make(map[int]Listener), loaded: newLoadGate()}
		s.threads[key] = e
	}
	id := s.nextID
	s.nextID++
	e.listeners[id] = l
	s.mu.Unlock()

	if !ok {
		gen := e.coll.Invalidate()
		items, err := s.loadThread(ctx, subjectID, viewerID)
		if err != nil {
			s.failThread(key, e, err)
			return nil, fmt.Errorf("load thread %s: %w", key, err)
		}
		e.coll.Replace(gen, items)
		close(e.loaded.ready)
	} else if err := e.loaded.wait(ctx); err != nil {
		s.unwatchThread(key, id)
		return nil, fmt.Errorf("load thread %s: %w", key, err)
	}
	items, gen, _ := e.coll.Snapshot()
	l(Update{Key: key, Generation: gen, Items: items})
	return func() { s.unwatchThread(key, id) }, nil
}

func (s *Synchronizer) failThread(key string, e *threadEntry, err error) {
	s.mu.Lock()
	if s.threads[key] == e {
		delete(s.threads, key)
	}
	s.mu.Unlock()
	e.loaded.err = err
	close(e.loaded.ready)
}

func (s *Synchronizer) unwatchThread(key string, id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.threads[key]; ok {
		delete(e.listeners, id)
		if len(e.listeners) == 0 {
			delete(s.threads, key)
		}
	}
}

// Handle reconciles one change event.
func (s *Synchronizer) Handle(ev changestream.Event) {
	switch ev.Table {
	case changestream.TableSubjects:
		s.handleSubject(ev)
	case changestream.TableComments:
		s.handleComment(ev)
	case changestream.TableReactions, changestream.TablePollVotes:
		// 计数需要重算
		s.invalidateFeedsContaining(ev.Field("subject_id"))
	case changestream.TableCommentReactions:
		s.invalidateThreadsContaining(ev.Field("comment_id"))
	case changestream.TableFollows:
		s.refetchFollowing(ev.Field("follower_id"))
	}
}

// refetchFollowing reloads the follower's "following" feeds after the follow
// graph changed.
func (s *Synchronizer) refetchFollowing(followerID string) {
	if followerID == "" {
		return
	}
	for _, e := range s.feedEntries() {
		if e.scope.Following && e.scope.ViewerID == followerID {
			s.refetchFeed(e)
		}
	}
}

func (s *Synchronizer) handleSubject(ev changestream.Event) {
	var subj model.Subject
	if err := ev.Decode(&subj); err != nil {
		logger.Warn("undecodable subject event", zap.String("event", ev.ID), zap.Error(err))
		return
	}
	switch ev.Type {
	case model.EventInsert:
		for _, e := range s.feedEntries() {
			if e.scope.Matches(&subj) {
				s.refetchFeed(e)
			}
		}
	case model.EventDelete:
		for _, e := range s.feedEntries() {
			if e.scope.Matches(&subj) || containsSubject(e.coll, subj.ID) {
				s.refetchFeed(e)
			}
		}
	case model.EventUpdate:
		for _, e := range s.feedEntries() {
			gen := e.coll.Generation()
			patched := e.coll.Patch(gen, func(items []*feed.EnrichedSubject) ([]*feed.EnrichedSubject, bool) {
				return replaceSubject(items, &subj)
			})
			if patched {
				s.notifyFeed(e)
			} else if staleOrMoved(e.coll, gen) && containsSubject(e.coll, subj.ID) {
				s.refetchFeed(e)
			}
		}
	}
}

func (s *Synchronizer) handleComment(ev changestream.Event) {
	var c model.Comment
	if err := ev.Decode(&c); err != nil {
		logger.Warn("undecodable comment event", zap.String("event", ev.ID), zap.Error(err))
		return
	}
	// comments_count on feed pages
	s.invalidateFeedsContaining(c.SubjectID)

	for _, e := range s.threadEntries() {
		if e.subjectID != c.SubjectID {
			continue
		}
		switch ev.Type {
		case model.EventInsert:
			rec, ok := s.decorateComment(&c, e.viewerID)
			if !ok {
				s.refetchThread(e)
				continue
			}
			gen := e.coll.Generation()
			if e.coll.Patch(gen, func(items []*feed.EnrichedComment) ([]*feed.EnrichedComment, bool) {
				return insertComment(items, rec)
			}) {
				s.notifyThread(e)
			} else if staleOrMoved(e.coll, gen) {
				s.refetchThread(e)
			}
		case model.EventUpdate:
			gen := e.coll.Generation()
			if e.coll.Patch(gen, func(items []*feed.EnrichedComment) ([]*feed.EnrichedComment, bool) {
				return replaceComment(items, &c)
			}) {
				s.notifyThread(e)
			}
		case model.EventDelete:
			s.refetchThread(e)
		}
	}
}

func (s *Synchronizer) decorateComment(c *model.Comment, viewerID string) (*feed.EnrichedComment, bool) {
	if s.decorate == nil {
		return &feed.EnrichedComment{Comment: *c, ReactionsByType: map[model.ReactionType]int64{}}, true
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	rec, err := s.decorate(ctx, c, viewerID)
	if err != nil {
		logger.Warn("comment decoration failed, refetching thread", zap.String("comment", c.ID), zap.Error(err))
		return nil, false
	}
	return rec, true
}

func staleOrMoved[T any](c *Collection[T], gen uint64) bool {
	_, cur, stale := c.Snapshot()
	return stale || cur != gen
}

func (s *Synchronizer) invalidateFeedsContaining(subjectID string) {
	if subjectID == "" {
		return
	}
	for _, e := range s.feedEntries() {
		if containsSubject(e.coll, subjectID) {
			s.refetchFeed(e)
		}
	}
}

func (s *Synchronizer) invalidateThreadsContaining(commentID string) {
	if commentID == "" {
		return
	}
	for _, e := range s.threadEntries() {
		items, _, _ := e.coll.Snapshot()
		for _, c := range items {
			if c.ID == commentID {
				s.refetchThread(e)
				break
			}
		}
	}
}

func (s *Synchronizer) refetchFeed(e *feedEntry) {
	gen := e.coll.Invalidate()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()
		items, err := s.loadFeed(ctx, e.scope)
		if err != nil {
			logger.Warn("feed refetch failed", zap.String("scope", e.scope.Key()), zap.Error(err))
			return
		}
		if !e.coll.Replace(gen, items) {
			logger.Debug("discarding superseded feed refetch", zap.String("scope", e.scope.Key()), zap.Uint64("generation", gen))
			return
		}
		s.notifyFeed(e)
	}()
}

func (s *Synchronizer) refetchThread(e *threadEntry) {
	gen := e.coll.Invalidate()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()
		items, err := s.loadThread(ctx, e.subjectID, e.viewerID)
		if err != nil {
			logger.Warn("thread refetch failed", zap.String("subject", e.subjectID), zap.Error(err))
			return
		}
		if !e.coll.Replace(gen, items) {
			logger.Debug("discarding superseded thread refetch", zap.String("subject", e.subjectID), zap.Uint64("generation", gen))
			return
		}
		s.notifyThread(e)
	}()
}

func (s *Synchronizer) notifyFeed(e *feedEntry) {
	items, gen, _ := e.coll.Snapshot()
	for _, l := range s.feedListeners(e) {
		l(Update{Key: e.scope.Key(), Generation: gen, Items: items})
	}
}

func (s *Synchronizer) notifyThread(e *threadEntry) {
	items, gen, _ := e.coll.Snapshot()
	key := ThreadKey(e.subjectID) + "|" + e.viewerID
	for _, l := range s.threadListeners(e) {
		l(Update{Key: key, Generation: gen, Items: items})
	}
}

func (s *Synchronizer) feedEntries() []*feedEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*feedEntry, 0, len(s.feeds))
	for _, e := range s.feeds {
		out = append(out, e)
	}
	return out
}

func (s *Synchronizer) threadEntries() []*threadEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*threadEntry, 0, len(s.threads))
	for _, e := range s.threads {
		out = append(out, e)
	}
	return out
}

func (s *Synchronizer) feedListeners(e *feedEntry) []Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedListeners(e.listeners)
}

func (s *Synchronizer) threadListeners(e *threadEntry) []Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedListeners(e.listeners)
}

func sortedListeners(m map[int]Listener) []Listener {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]Listener, len(ids))
	for i, id := range ids {
		out[i] = m[id]
	}
	return out
}

// Feed returns the cached snapshot for scope, if tracked.
func (s *Synchronizer) Feed(scope FeedScope) ([]*feed.EnrichedSubject, uint64, bool) {
	s.mu.Lock()
	e, ok := s.feeds[scope.Key()]
	s.mu.Unlock()
	if !ok {
		return nil, 0, false
	}
	items, gen, _ := e.coll.Snapshot()
	return items, gen, true
}

// Thread returns the cached thread snapshot, if tracked.
func (s *Synchronizer) Thread(subjectID, viewerID string) ([]*feed.EnrichedComment, uint64, bool) {
	s.mu.Lock()
	e, ok := s.threads[ThreadKey(subjectID)+"|"+viewerID]
	s.mu.Unlock()
	if !ok {
		return nil, 0, false
	}
	items, gen, _ := e.coll.Snapshot()
	return items, gen, true
}

func containsSubject(c *Collection[*feed.EnrichedSubject], id string) bool {
	items, _, _ := c.Snapshot()
	for _, it := range items {
		if it.ID == id {
			return true
		}
	}
	return false
}

// replaceSubject swaps the mutable columns of a cached subject, keeping its
// derived facets. Relay workers publish batches concurrently, so an edit
// older than the cached row is dropped.
func replaceSubject(items []*feed.EnrichedSubject, subj *model.Subject) ([]*feed.EnrichedSubject, bool) {
	for i, it := range items {
		if it.ID != subj.ID {
			continue
		}
		if subj.UpdatedAt.Before(it.UpdatedAt) {
			return items, false
		}
		out := make([]*feed.EnrichedSubject, len(items))
		copy(out, items)
		cp := *it
		cp.Body = subj.Body
		cp.PayloadJSON = subj.PayloadJSON
		cp.UpdatedAt = subj.UpdatedAt
		out[i] = &cp
		return out, true
	}
	return items, false
}

// insertComment places a new comment at the head of a newest-first thread.
func insertComment(items []*feed.EnrichedComment, rec *feed.EnrichedComment) ([]*feed.EnrichedComment, bool) {
	for _, it := range items {
		if it.ID == rec.ID {
			return items, false
		}
	}
	out := make([]*feed.EnrichedComment, 0, len(items)+1)
	out = append(out, rec)
	out = append(out, items...)
	return out, true
}

func replaceComment(items []*feed.EnrichedComment, c *model.Comment) ([]*feed.EnrichedComment, bool) {
	for i, it := range items {
		if it.ID != c.ID {
			continue
		}
		out := make([]*feed.EnrichedComment, len(items))
		copy(out, items)
		cp := *it
		cp.Body = c.Body
		out[i] = &cp
		return out, true
	}
	return items, false
}
