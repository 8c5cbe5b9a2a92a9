package livesync

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/feedsync/internal/changestream"
	"github.com/d60-Lab/feedsync/internal/model"
)

func event(table string, typ model.EventType, row any) changestream.Event {
	raw, _ := json.Marshal(row)
	ev := changestream.Event{ID: table + "-" + string(typ), Table: table, Type: typ, CommittedAt: time.Now().UTC()}
	if typ == model.EventDelete {
		ev.Old = raw
	} else {
		ev.New = raw
	}
	return ev
}

func TestSubscriptionLifecycle(t *testing.T) {
	stream := changestream.NewLocal(8)
	defer stream.Close()
	ctx := context.Background()

	var got atomic.Int32
	sub := NewSubscription(stream, changestream.TableMessages, changestream.Eq("channel_id", "c1"), func(changestream.Event) {
		got.Add(1)
	})
	assert.Equal(t, StateDisconnected, sub.State())
	assert.ErrorIs(t, sub.Close(), ErrIllegalTransition)

	require.NoError(t, sub.Open(ctx))
	assert.Equal(t, StateSubscribed, sub.State())
	assert.ErrorIs(t, sub.Open(ctx), ErrIllegalTransition)

	require.NoError(t, stream.Publish(ctx, event(changestream.TableMessages, model.EventInsert, map[string]string{"channel_id": "c1"})))
	require.NoError(t, stream.Publish(ctx, event(changestream.TableMessages, model.EventInsert, map[string]string{"channel_id": "c2"})))
	require.Eventually(t, func() bool { return got.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, sub.Close())
	assert.Equal(t, StateDisconnected, sub.State())
	assert.Zero(t, stream.SubscriberCount(changestream.TableMessages))

	require.NoError(t, stream.Publish(ctx, event(changestream.TableMessages, model.EventInsert, map[string]string{"channel_id": "c1"})))
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, got.Load())

	// reopen after a full cycle
	require.NoError(t, sub.Open(ctx))
	require.NoError(t, sub.Close())
}

func TestSubscriptionOpenFailureReturnsToDisconnected(t *testing.T) {
	stream := changestream.NewLocal(8)
	require.NoError(t, stream.Close())

	sub := NewSubscription(stream, changestream.TableSubjects, changestream.Filter{}, func(changestream.Event) {})
	err := sub.Open(context.Background())
	assert.ErrorIs(t, err, changestream.ErrClosed)
	assert.Equal(t, StateDisconnected, sub.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "subscribed", StateSubscribed.String())
	assert.Equal(t, "state(9)", State(9).String())
}

func TestCollectionGenerations(t *testing.T) {
	c := NewCollection[string]()
	_, _, stale := c.Snapshot()
	assert.True(t, stale)

	g1 := c.Invalidate()
	require.True(t, c.Replace(g1, []string{"a"}))

	appendB := func(items []string) ([]string, bool) { return append(items, "b"), true }
	assert.True(t, c.Patch(g1, appendB))

	g2 := c.Invalidate()
	// a patch computed before the invalidation is dropped
	assert.False(t, c.Patch(g1, appendB))
	// so is a patch while the refetch is pending
	assert.False(t, c.Patch(g2, appendB))

	g3 := c.Invalidate()
	assert.False(t, c.Replace(g2, []string{"old"}))
	assert.True(t, c.Replace(g3, []string{"new"}))

	items, gen, stale := c.Snapshot()
	assert.Equal(t, []string{"new"}, items)
	assert.Equal(t, g3, gen)
	assert.False(t, stale)
}
