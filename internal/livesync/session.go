package livesync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/d60-Lab/feedsync/internal/changestream"
	"github.com/d60-Lab/feedsync/pkg/logger"
)

var (
	ErrSessionClosed   = errors.New("livesync: session closed")
	ErrSessionNotFound = errors.New("livesync: session not found")
)

// Scope is what a live client is currently looking at.
type Scope struct {
	Feed      *FeedScope `json:"feed,omitempty"`
	SubjectID string     `json:"subject_id,omitempty"` // open comment thread
	ChannelID string     `json:"channel_id,omitempty"` // open conversation
}

// Event kinds pushed to clients.
const (
	KindFeed    = "feed"
	KindThread  = "thread"
	KindMessage = "message"
)

// Notice is one item pushed to a live client.
type Notice struct {
	Kind string `json:"kind"`
	Data any    `json:"data"`
}

// ChannelAuthorizer rejects channels the viewer may not read.
type ChannelAuthorizer func(ctx context.Context, viewerID, channelID string) error

// Session is one live client. Rescope swaps its scope; work started for an
// older scope is discarded by epoch.
type Session struct {
	ID       string
	ViewerID string

	sync      *Synchronizer
	stream    changestream.Stream
	authorize ChannelAuthorizer

	mu      sync.Mutex
	scope   Scope
	subs    []*Subscription
	unwatch []func()
	epoch   atomic.Uint64

	out    chan Notice
	done   chan struct{}
	closed atomic.Bool
}

func newSession(viewerID string, syncer *Synchronizer, stream changestream.Stream, authorize ChannelAuthorizer, buffer int) *Session {
	if buffer <= 0 {
		buffer = 64
	}
	return &Session{
		ID:        uuid.NewString(),
		ViewerID:  viewerID,
		sync:      syncer,
		stream:    stream,
		authorize: authorize,
		out:       make(chan Notice, buffer),
		done:      make(chan struct{}),
	}
}

// Notices is the outbound queue; it is never closed, select on Done.
func (s *Session) Notices() <-chan Notice { return s.out }

func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Scope() Scope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scope
}

// Subscriptions reports the live subscriptions of the current scope.
func (s *Session) Subscriptions() []*Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Subscription, len(s.subs))
	copy(out, s.subs)
	return out
}

// Rescope tears down everything bound to the old scope before subscribing
// to the new one, so no event is delivered twice.
func (s *Session) Rescope(ctx context.Context, scope Scope) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	epoch := s.epoch.Add(1)
	s.teardownLocked()

	if scope.ChannelID != "" && s.authorize != nil {
		if err := s.authorize(ctx, s.ViewerID, scope.ChannelID); err != nil {
			return err
		}
	}

	if scope.Feed != nil {
		fs := *scope.Feed
		fs.ViewerID = s.ViewerID
		scope.Feed = &fs
		stop, err := s.sync.WatchFeed(ctx, fs, s.listener(epoch, KindFeed))
		if err != nil {
			s.teardownLocked()
			return err
		}
		s.unwatch = append(s.unwatch, stop)
	}
	if scope.SubjectID != "" {
		stop, err := s.sync.WatchThread(ctx, scope.SubjectID, s.ViewerID, s.listener(epoch, KindThread))
		if err != nil {
			s.teardownLocked()
			return err
		}
		s.unwatch = append(s.unwatch, stop)
	}
	if scope.ChannelID != "" {
		sub := NewSubscription(s.stream, changestream.TableMessages, changestream.Eq("channel_id", scope.ChannelID),
			func(ev changestream.Event) {
				if s.epoch.Load() != epoch {
					return
				}
				s.emit(Notice{Kind: KindMessage, Data: ev})
			})
		if err := sub.Open(ctx); err != nil {
			s.teardownLocked()
			return fmt.Errorf("session %s: %w", s.ID, err)
		}
		s.subs = append(s.subs, sub)
	}
	s.scope = scope
	return nil
}

func (s *Session) listener(epoch uint64, kind string) Listener {
	return func(u Update) {
		if s.epoch.Load() != epoch {
			return
		}
		s.emit(Notice{Kind: kind, Data: u})
	}
}

func (s *Session) teardownLocked() {
	for _, sub := range s.subs {
		if err := sub.Close(); err != nil {
			logger.Warn("session unsubscribe failed", zap.String("session", s.ID), zap.Error(err))
		}
	}
	for _, stop := range s.unwatch {
		stop()
	}
	s.subs = nil
	s.unwatch = nil
	s.scope = Scope{}
}

func (s *Session) emit(n Notice) {
	select {
	case <-s.done:
	case s.out <- n:
	default:
		logger.Warn("live session queue full, dropping notice", zap.String("session", s.ID), zap.String("kind", n.Kind))
	}
}

// Close releases the session. It is idempotent.
func (s *Session) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	s.epoch.Add(1)
	s.teardownLocked()
	s.mu.Unlock()
	close(s.done)
}

// Hub tracks live sessions by id.
type Hub struct {
	sync      *Synchronizer
	stream    changestream.Stream
	authorize ChannelAuthorizer
	buffer    int

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewHub(syncer *Synchronizer, stream changestream.Stream, authorize ChannelAuthorizer) *Hub {
	return &Hub{sync: syncer, stream: stream, authorize: authorize, buffer: 64, sessions: make(map[string]*Session)}
}

func (h *Hub) Open(viewerID string) *Session {
	s := newSession(viewerID, h.sync, h.stream, h.authorize, h.buffer)
	h.mu.Lock()
	h.sessions[s.ID] = s
	h.mu.Unlock()
	return s
}

// Get returns the viewer's session; sessions of other viewers are not found.
func (h *Hub) Get(id, viewerID string) (*Session, error) {
	h.mu.RLock()
	s, ok := h.sessions[id]
	h.mu.RUnlock()
	if !ok || s.ViewerID != viewerID {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

func (h *Hub) Close(id string) {
	h.mu.Lock()
	s, ok := h.sessions[id]
	delete(h.sessions, id)
	h.mu.Unlock()
	if ok {
		s.Close()
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Shutdown closes every session.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	all := h.sessions
	h.sessions = make(map[string]*Session)
	h.mu.Unlock()
	for _, s := range all {
		s.Close()
	}
}
