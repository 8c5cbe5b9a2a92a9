package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/d60-Lab/feedsync/internal/changestream"
	"github.com/d60-Lab/feedsync/internal/model"
	"github.com/d60-Lab/feedsync/internal/repository"
	"github.com/d60-Lab/feedsync/pkg/logger"
)

// ChangeRelay 从 change_events 领取事件并发布到变更流
type ChangeRelay struct {
	changes      repository.ChangeRepository
	stream       changestream.Stream
	claimLimit   int
	pollInterval time.Duration
	workers      int
	lease        time.Duration
	metricsCh    chan time.Duration // commit->published latency
}

func NewChangeRelay(changes repository.ChangeRepository, stream changestream.Stream, workers, claimLimit int, pollInterval time.Duration) *ChangeRelay {
	if workers <= 0 {
		workers = 2
	}
	if claimLimit <= 0 {
		claimLimit = 128
	}
	if pollInterval <= 0 {
		pollInterval = 50 * time.Millisecond
	}
	return &ChangeRelay{
		changes:      changes,
		stream:       stream,
		workers:      workers,
		claimLimit:   claimLimit,
		pollInterval: pollInterval,
		lease:        30 * time.Second,
		metricsCh:    make(chan time.Duration, 65536),
	}
}

// WithLease sets how long a claimed batch stays with its worker. Rows still
// processing after that (worker died, MarkDone or Release failed) are claimed
// again, so an event may be published more than once but never lost.
func (r *ChangeRelay) WithLease(d time.Duration) *ChangeRelay {
	if d > 0 {
		r.lease = d
	}
	return r
}

// Metrics 返回发布延迟的只读通道（每条事件发送一次）
func (r *ChangeRelay) Metrics() <-chan time.Duration { return r.metricsCh }

// Start 启动若干 worker 轮询 outbox；返回停止函数。
func (r *ChangeRelay) Start() func(context.Context) error {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.loop(stop)
		}()
	}
	return func(ctx context.Context) error {
		close(stop)
		done := make(chan struct{})
		go func() { wg.Wait(); close(done) }()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *ChangeRelay) loop(stop <-chan struct{}) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			// 一直处理到队列为空再等待下一个 tick
			for {
				n, err := r.RelayOnce(context.Background())
				if err != nil {
					logger.Warn("change relay round failed", zap.Error(err))
					break
				}
				if n < r.claimLimit {
					break
				}
			}
		}
	}
}

// RelayOnce claims one batch and publishes it in commit order. Events that
// fail to publish go back to pending; returns how many were published.
func (r *ChangeRelay) RelayOnce(ctx context.Context) (int, error) {
	batch, err := r.changes.Claim(ctx, r.claimLimit, r.lease)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	done := make([]string, 0, len(batch))
	var failed []string
	for i, ce := range batch {
		if err := r.stream.Publish(ctx, toStreamEvent(ce)); err != nil {
			logger.Warn("publish change failed", zap.String("event", ce.ID), zap.String("table", ce.SourceTable), zap.Error(err))
			// 保序：失败之后的事件一并退回
			for _, rest := range batch[i:] {
				failed = append(failed, rest.ID)
			}
			break
		}
		done = append(done, ce.ID)
		select {
		case r.metricsCh <- time.Since(ce.CreatedAt):
		default:
		}
	}

	if err := r.changes.MarkDone(ctx, done); err != nil {
		return len(done), err
	}
	if err := r.changes.Release(ctx, failed); err != nil {
		return len(done), err
	}
	return len(done), nil
}

func toStreamEvent(ce *model.ChangeEvent) changestream.Event {
	return changestream.Event{
		ID:          ce.ID,
		Table:       ce.SourceTable,
		Type:        ce.EventType,
		New:         json.RawMessage(ce.NewRow),
		Old:         json.RawMessage(ce.OldRow),
		CommittedAt: ce.CreatedAt,
	}
}
