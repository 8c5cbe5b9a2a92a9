package changestream

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/d60-Lab/feedsync/pkg/logger"
)

const defaultBuffer = 256

// Local is an in-process Stream, used for single-instance deployments and tests.
type Local struct {
	mu     sync.RWMutex
	subs   map[string]map[string]*localSub
	buffer int
	closed bool
}

type localSub struct {
	id     string
	table  string
	filter Filter
	ch     chan Event
	done   chan struct{}
	once   sync.Once
	owner  *Local
}

func NewLocal(buffer int) *Local {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Local{subs: make(map[string]map[string]*localSub), buffer: buffer}
}

func (l *Local) Publish(_ context.Context, ev Event) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	for _, s := range l.subs[ev.Table] {
		if !s.filter.Match(ev) {
			continue
		}
		select {
		case s.ch <- ev:
		case <-s.done:
		default:
			logger.Warn("change subscriber buffer full, dropping event",
				zap.String("table", ev.Table), zap.String("event", ev.ID), zap.String("sub", s.id))
		}
	}
	return nil
}

func (l *Local) Subscribe(ctx context.Context, table string, filter Filter, h Handler) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &localSub{
		id:     uuid.NewString(),
		table:  table,
		filter: filter,
		ch:     make(chan Event, l.buffer),
		done:   make(chan struct{}),
		owner:  l,
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrClosed
	}
	m, ok := l.subs[table]
	if !ok {
		m = make(map[string]*localSub)
		l.subs[table] = m
	}
	m[s.id] = s
	l.mu.Unlock()

	go func() {
		for {
			select {
			case <-s.done:
				return
			case ev := <-s.ch:
				h(ev)
			}
		}
	}()
	return s, nil
}

func (s *localSub) Unsubscribe() error {
	s.once.Do(func() {
		s.owner.mu.Lock()
		if m, ok := s.owner.subs[s.table]; ok {
			delete(m, s.id)
			if len(m) == 0 {
				delete(s.owner.subs, s.table)
			}
		}
		s.owner.mu.Unlock()
		close(s.done)
	})
	return nil
}

// SubscriberCount reports live subscriptions for table.
func (l *Local) SubscriberCount(table string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.subs[table])
}

func (l *Local) Close() error {
	l.mu.Lock()
	var all []*localSub
	for _, m := range l.subs {
		for _, s := range m {
			all = append(all, s)
		}
	}
	l.closed = true
	l.mu.Unlock()
	for _, s := range all {
		_ = s.Unsubscribe()
	}
	return nil
}
