package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/feedsync/internal/model"
	"github.com/d60-Lab/feedsync/internal/repository"
	"github.com/d60-Lab/feedsync/internal/testutil"
)

func TestChangeClaimLifecycle(t *testing.T) {
	db := testutil.OpenDB(t)
	repo := repository.NewChangeRepository(db)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, repository.RecordChange(db, "subjects", model.EventInsert, map[string]int{"n": i}, nil))
	}

	batch, err := repo.Claim(ctx, 2, time.Minute)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Contains(t, string(batch[0].NewRow), `"n":0`)

	// claimed rows are not handed out twice
	rest, err := repo.Claim(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, rest, 1)

	require.NoError(t, repo.MarkDone(ctx, []string{batch[0].ID, batch[1].ID}))
	require.NoError(t, repo.Release(ctx, []string{rest[0].ID}))

	n, err := repo.Pending(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	var done model.ChangeEvent
	require.NoError(t, db.Where("id = ?", batch[0].ID).First(&done).Error)
	assert.Equal(t, model.ChangeStatusDone, done.Status)
	assert.NotNil(t, done.PublishedAt)
}

func TestChangeClaimReclaimsExpiredLease(t *testing.T) {
	db := testutil.OpenDB(t)
	repo := repository.NewChangeRepository(db)
	ctx := context.Background()

	require.NoError(t, repository.RecordChange(db, "subjects", model.EventInsert, map[string]int{"n": 1}, nil))
	first, err := repo.Claim(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.NotNil(t, first[0].ClaimedAt)

	// 租约内不会被其它 worker 领取
	again, err := repo.Claim(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again)

	// worker 在 MarkDone 之前消失：租约过期后重新领取
	expired := time.Now().UTC().Add(-2 * time.Minute)
	require.NoError(t, db.Model(&model.ChangeEvent{}).Where("id = ?", first[0].ID).Update("claimed_at", expired).Error)
	again, err = repo.Claim(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, first[0].ID, again[0].ID)

	require.NoError(t, repo.MarkDone(ctx, []string{again[0].ID}))
	require.NoError(t, db.Model(&model.ChangeEvent{}).Where("id = ?", first[0].ID).Update("claimed_at", expired).Error)
	done, err := repo.Claim(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, done, "published rows stay done")
}

func TestSubjectCountsAndLookups(t *testing.T) {
	db := testutil.OpenDB(t)
	subjects := repository.NewSubjectRepository(db)
	comments := repository.NewCommentRepository(db)
	ctx := context.Background()
	clock := testutil.NewClock()

	s := testutil.SeedSubject(t, db, "a", testutil.WithAt(clock.Next()))
	testutil.SeedSubject(t, db, "b", testutil.WithAt(clock.Next()), testutil.WithShare(s.ID))
	testutil.SeedComment(t, db, s.ID, "c", clock.Next())

	shares, err := subjects.CountShares(ctx, []string{s.ID, "none"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, shares[s.ID])
	assert.Zero(t, shares["none"])

	counts, err := comments.CountBySubjects(ctx, []string{s.ID})
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts[s.ID])

	_, err = subjects.Get(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	empty, err := subjects.ListByIDs(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestChannelMembership(t *testing.T) {
	db := testutil.OpenDB(t)
	repo := repository.NewChannelRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, db.Create(&model.Channel{ID: "c1", IsPrivate: true, CreatedAt: now}).Error)
	require.NoError(t, db.Create(&model.Channel{ID: "pub", IsPrivate: false, CreatedAt: now}).Error)
	for _, m := range []model.ChannelMember{
		{ChannelID: "c1", UserID: "a"}, {ChannelID: "c1", UserID: "b"}, {ChannelID: "pub", UserID: "a"},
	} {
		require.NoError(t, db.Create(&m).Error)
	}

	ids, err := repo.PrivateChannelIDs(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, ids)

	members, err := repo.Members(ctx, ids)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, members["c1"])

	ok, err := repo.IsMember(ctx, "c1", "b")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.IsMember(ctx, "c1", "z")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = repo.FindByPairKey(ctx, "nope")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}
