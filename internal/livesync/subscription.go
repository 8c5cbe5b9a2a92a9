// Package livesync keeps cached feed collections consistent with the change
// stream, either by patching them in place or by invalidating and refetching.
package livesync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/d60-Lab/feedsync/internal/changestream"
	"github.com/d60-Lab/feedsync/pkg/logger"
)

var ErrIllegalTransition = errors.New("livesync: illegal subscription transition")

// State of a Subscription.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
	StateUnsubscribing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateUnsubscribing:
		return "unsubscribing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// legal 合法状态迁移
var legal = map[State][]State{
	StateDisconnected:  {StateConnecting},
	StateConnecting:    {StateSubscribed, StateDisconnected},
	StateSubscribed:    {StateUnsubscribing},
	StateUnsubscribing: {StateDisconnected},
}

// Subscription wraps one stream subscription with an explicit lifecycle:
// disconnected → connecting → subscribed → unsubscribing → disconnected.
// Events only reach the handler while subscribed.
type Subscription struct {
	stream  changestream.Stream
	table   string
	filter  changestream.Filter
	handler changestream.Handler

	mu    sync.Mutex
	state State
	sub   changestream.Subscription
}

func NewSubscription(stream changestream.Stream, table string, filter changestream.Filter, h changestream.Handler) *Subscription {
	return &Subscription{stream: stream, table: table, filter: filter, handler: h}
}

func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Subscription) String() string {
	return s.table + "[" + s.filter.String() + "]"
}

func (s *Subscription) transition(to State) error {
	for _, next := range legal[s.state] {
		if next == to {
			s.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s on %s", ErrIllegalTransition, s.state, to, s)
}

// Open subscribes and returns once events are flowing.
func (s *Subscription) Open(ctx context.Context) error {
	s.mu.Lock()
	if err := s.transition(StateConnecting); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	sub, err := s.stream.Subscribe(ctx, s.table, s.filter, s.deliver)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		_ = s.transition(StateDisconnected)
		return fmt.Errorf("subscribe %s: %w", s, err)
	}
	s.sub = sub
	return s.transition(StateSubscribed)
}

// Close tears the subscription down. Closing a subscription that is not
// subscribed is an illegal transition.
func (s *Subscription) Close() error {
	s.mu.Lock()
	if err := s.transition(StateUnsubscribing); err != nil {
		s.mu.Unlock()
		return err
	}
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	err := sub.Unsubscribe()
	if err != nil {
		logger.Warn("unsubscribe failed", zap.String("subscription", s.String()), zap.Error(err))
	}

	s.mu.Lock()
	_ = s.transition(StateDisconnected)
	s.mu.Unlock()
	return err
}

func (s *Subscription) deliver(ev changestream.Event) {
	if s.State() != StateSubscribed {
		return
	}
	s.handler(ev)
}
