package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/d60-Lab/feedsync/internal/model"
	"github.com/d60-Lab/feedsync/internal/repository"
	"github.com/d60-Lab/feedsync/internal/testutil"
)

const publicChannel = "00000000-0000-0000-0000-000000000001"

func newResolver(db *gorm.DB) *ChannelResolver {
	return NewChannelResolver(db, repository.NewChannelRepository(db), publicChannel)
}

func countChannels(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&model.Channel{}).Count(&n).Error)
	return n
}

func TestPairKeyIsOrderIndependent(t *testing.T) {
	assert.Equal(t, PairKey("a", "b"), PairKey("b", "a"))
	assert.NotEqual(t, PairKey("a", "b"), PairKey("a", "c"))
	assert.Len(t, PairKey("a", "b"), 64)
}

func TestResolveIsDeterministic(t *testing.T) {
	db := testutil.OpenDB(t)
	r := newResolver(db)
	ctx := context.Background()

	first, err := r.ResolveOrCreate(ctx, "alice", "bob")
	require.NoError(t, err)
	again, err := r.ResolveOrCreate(ctx, "alice", "bob")
	require.NoError(t, err)
	reverse, err := r.ResolveOrCreate(ctx, "bob", "alice")
	require.NoError(t, err)

	assert.Equal(t, first, again)
	assert.Equal(t, first, reverse)
	assert.EqualValues(t, 1, countChannels(t, db))

	other, err := r.ResolveOrCreate(ctx, "alice", "carol")
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}

func TestResolvePublicAndSelf(t *testing.T) {
	db := testutil.OpenDB(t)
	r := newResolver(db)
	ctx := context.Background()

	id, err := r.ResolveOrCreate(ctx, "alice", publicChannel)
	require.NoError(t, err)
	assert.Equal(t, publicChannel, id)

	_, err = r.ResolveOrCreate(ctx, "alice", "alice")
	assert.ErrorIs(t, err, ErrSameUser)
	_, err = r.ResolveOrCreate(ctx, "", "bob")
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Zero(t, countChannels(t, db))
}

func TestResolveSkipsMalformedChannels(t *testing.T) {
	db := testutil.OpenDB(t)
	r := newResolver(db)
	ctx := context.Background()
	now := time.Now().UTC()

	// a legacy three-member "private" channel that contains both users
	legacy := &model.Channel{ID: "legacy", IsPrivate: true, CreatedAt: now.Add(-time.Hour)}
	require.NoError(t, db.Create(legacy).Error)
	for _, u := range []string{"alice", "bob", "carol"} {
		require.NoError(t, db.Create(&model.ChannelMember{ChannelID: "legacy", UserID: u, JoinedAt: now}).Error)
	}

	id, err := r.ResolveOrCreate(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.NotEqual(t, "legacy", id)
	assert.EqualValues(t, 2, countChannels(t, db))
}

func TestResolveRecoversFromDuplicatePair(t *testing.T) {
	db := testutil.OpenDB(t)
	r := newResolver(db)
	ctx := context.Background()

	// Another writer created the pair but its membership rows are not
	// visible to the scan; creation must collapse onto that channel.
	key := PairKey("alice", "bob")
	require.NoError(t, db.Create(&model.Channel{ID: "winner", IsPrivate: true, PairKey: &key, CreatedAt: time.Now().UTC()}).Error)

	id, err := r.ResolveOrCreate(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, "winner", id)
	assert.EqualValues(t, 1, countChannels(t, db))

	var members int64
	require.NoError(t, db.Model(&model.ChannelMember{}).Count(&members).Error)
	assert.Zero(t, members, "losing transaction must roll back its members")
}

func TestResolveConcurrentCallsCreateOneChannel(t *testing.T) {
	db := testutil.OpenDB(t)
	r := newResolver(db)
	ctx := context.Background()

	const n = 8
	ids := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "alice", "bob"
			if i%2 == 1 {
				a, b = b, a
			}
			ids[i], errs[i] = r.ResolveOrCreate(ctx, a, b)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	assert.EqualValues(t, 1, countChannels(t, db))
}
