package feed

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/feedsync/internal/model"
	"github.com/d60-Lab/feedsync/internal/pagination"
	"github.com/d60-Lab/feedsync/internal/repository"
	"github.com/d60-Lab/feedsync/internal/testutil"
)

func TestPaginatorNoOverlap(t *testing.T) {
	db := testutil.OpenDB(t)
	p := NewPaginator(repository.NewSubjectRepository(db), 5)
	clock := testutil.NewClock()
	ctx := context.Background()

	var seeded []*model.Subject
	for i := 0; i < 45; i++ {
		seeded = append(seeded, testutil.SeedSubject(t, db, "author", testutil.WithAt(clock.Next())))
	}

	first, err := p.Page(ctx, repository.SubjectFilter{}, nil, 20)
	require.NoError(t, err)
	require.Len(t, first.Items, 20)
	require.NotNil(t, first.Next)
	assert.True(t, first.Next.CreatedAt.Equal(first.Items[19].CreatedAt))
	assert.Equal(t, seeded[44].ID, first.Items[0].ID)

	second, err := p.Page(ctx, repository.SubjectFilter{}, first.Next, 20)
	require.NoError(t, err)
	require.Len(t, second.Items, 20)
	assert.True(t, second.Items[0].CreatedAt.Before(first.Items[19].CreatedAt))

	third, err := p.Page(ctx, repository.SubjectFilter{}, second.Next, 20)
	require.NoError(t, err)
	require.Len(t, third.Items, 5)
	assert.Nil(t, third.Next)

	seen := map[string]bool{}
	for _, page := range []*RawPage{first, second, third} {
		for i, s := range page.Items {
			assert.False(t, seen[s.ID], "duplicate %s", s.ID)
			seen[s.ID] = true
			if i > 0 {
				assert.False(t, s.CreatedAt.After(page.Items[i-1].CreatedAt))
			}
		}
	}
	assert.Len(t, seen, 45)
}

func TestPaginatorExactMultipleEndsWithEmptyPage(t *testing.T) {
	db := testutil.OpenDB(t)
	p := NewPaginator(repository.NewSubjectRepository(db), 5)
	clock := testutil.NewClock()
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		testutil.SeedSubject(t, db, "author", testutil.WithAt(clock.Next()))
	}

	page, err := p.Page(ctx, repository.SubjectFilter{}, nil, 4)
	require.NoError(t, err)
	require.NotNil(t, page.Next)

	page, err = p.Page(ctx, repository.SubjectFilter{}, page.Next, 4)
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.Nil(t, page.Next)
}

func TestPaginatorTimestampTies(t *testing.T) {
	db := testutil.OpenDB(t)
	p := NewPaginator(repository.NewSubjectRepository(db), 5)
	at := testutil.NewClock().Next()
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		testutil.SeedSubject(t, db, "author", testutil.WithAt(at), testutil.WithID(id))
	}

	first, err := p.Page(ctx, repository.SubjectFilter{}, nil, 2)
	require.NoError(t, err)
	second, err := p.Page(ctx, repository.SubjectFilter{}, first.Next, 2)
	require.NoError(t, err)
	third, err := p.Page(ctx, repository.SubjectFilter{}, second.Next, 2)
	require.NoError(t, err)

	var ids []string
	for _, page := range []*RawPage{first, second, third} {
		for _, s := range page.Items {
			ids = append(ids, s.ID)
		}
	}
	assert.Equal(t, []string{"e", "d", "c", "b", "a"}, ids)
}

func TestPaginatorInsertsDoNotShiftPages(t *testing.T) {
	db := testutil.OpenDB(t)
	p := NewPaginator(repository.NewSubjectRepository(db), 5)
	clock := testutil.NewClock()
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		testutil.SeedSubject(t, db, "author", testutil.WithAt(clock.Next()))
	}

	first, err := p.Page(ctx, repository.SubjectFilter{}, nil, 3)
	require.NoError(t, err)
	token := first.Next.Encode()

	testutil.SeedSubject(t, db, "author", testutil.WithAt(clock.Next()))

	cursor, err := pagination.Decode(token)
	require.NoError(t, err)
	second, err := p.Page(ctx, repository.SubjectFilter{}, cursor, 3)
	require.NoError(t, err)
	require.Len(t, second.Items, 3)
	for _, s := range second.Items {
		for _, f := range first.Items {
			assert.NotEqual(t, f.ID, s.ID)
		}
	}

	again, err := p.Page(ctx, repository.SubjectFilter{}, cursor, 3)
	require.NoError(t, err)
	assert.Equal(t, ids(second.Items), ids(again.Items))
}

func TestPaginatorFilters(t *testing.T) {
	db := testutil.OpenDB(t)
	p := NewPaginator(repository.NewSubjectRepository(db), 5)
	clock := testutil.NewClock()
	ctx := context.Background()

	g := testutil.SeedGroup(t, db, "g")
	inGroup := testutil.SeedSubject(t, db, "alice", testutil.WithAt(clock.Next()), testutil.WithGroup(g.ID))
	byBob := testutil.SeedSubject(t, db, "bob", testutil.WithAt(clock.Next()))
	testutil.SeedSubject(t, db, "carol", testutil.WithAt(clock.Next()))

	page, err := p.Page(ctx, repository.SubjectFilter{GroupID: g.ID}, nil, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{inGroup.ID}, ids(page.Items))

	page, err = p.Page(ctx, repository.SubjectFilter{AuthorID: "bob"}, nil, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{byBob.ID}, ids(page.Items))

	_, err = repository.NewFollowRepository(db).Follow(ctx, "viewer", "bob")
	require.NoError(t, err)
	page, err = p.Page(ctx, repository.SubjectFilter{FollowerID: "viewer"}, nil, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{byBob.ID}, ids(page.Items))
}

func TestPaginatorPreview(t *testing.T) {
	db := testutil.OpenDB(t)
	p := NewPaginator(repository.NewSubjectRepository(db), 5)
	clock := testutil.NewClock()
	ctx := context.Background()

	g := testutil.SeedGroup(t, db, "private")
	for i := 0; i < 8; i++ {
		testutil.SeedSubject(t, db, "author", testutil.WithAt(clock.Next()))
	}
	testutil.SeedSubject(t, db, "author", testutil.WithAt(clock.Next()), testutil.WithGroup(g.ID))

	page, err := p.Preview(ctx)
	require.NoError(t, err)
	assert.Len(t, page.Items, 5)
	assert.Nil(t, page.Next)
	for _, s := range page.Items {
		assert.Nil(t, s.ScopedGroupID)
	}
}

func ids(items []*model.Subject) []string {
	out := make([]string, len(items))
	for i, s := range items {
		out[i] = s.ID
	}
	return out
}
