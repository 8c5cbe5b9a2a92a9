package changestream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/d60-Lab/feedsync/pkg/logger"
)

// Redis fans events out through redis pub/sub, one channel per table
// ("<prefix>:<table>"), so every service instance sees every change.
type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "changes"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) channel(table string) string { return r.prefix + ":" + table }

func (r *Redis) Publish(ctx context.Context, ev Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel(ev.Table), raw).Err()
}

func (r *Redis) Subscribe(ctx context.Context, table string, filter Filter, h Handler) (Subscription, error) {
	ps := r.client.Subscribe(ctx, r.channel(table))
	// 等待订阅确认，保证返回后不会漏掉后续发布的事件
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", table, err)
	}

	s := &redisSub{ps: ps, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		for m := range ps.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
				logger.Warn("bad change event payload", zap.String("channel", m.Channel), zap.Error(err))
				continue
			}
			if filter.Match(ev) {
				h(ev)
			}
		}
	}()
	return s, nil
}

func (r *Redis) Close() error { return nil }

type redisSub struct {
	ps   *redis.PubSub
	done chan struct{}
	once sync.Once
	err  error
}

// Unsubscribe closes the pubsub connection; the delivery goroutine exits
// once the message channel drains.
func (s *redisSub) Unsubscribe() error {
	s.once.Do(func() { s.err = s.ps.Close() })
	return s.err
}
