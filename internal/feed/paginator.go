package feed

import (
	"context"

	"github.com/d60-Lab/feedsync/internal/model"
	"github.com/d60-Lab/feedsync/internal/pagination"
	"github.com/d60-Lab/feedsync/internal/repository"
)

// RawPage is one page of unenriched subjects.
type RawPage struct {
	Items []*model.Subject
	// Next is nil once the filtered sequence is exhausted.
	Next *pagination.Cursor
}

// Paginator walks subjects newest first with a keyset cursor, so concurrent
// inserts never shift already-issued pages.
type Paginator struct {
	subjects    repository.SubjectRepository
	previewSize int
}

func NewPaginator(subjects repository.SubjectRepository, previewSize int) *Paginator {
	if previewSize <= 0 {
		previewSize = 5
	}
	return &Paginator{subjects: subjects, previewSize: previewSize}
}

// Page returns up to limit subjects strictly after cursor (nil for the first
// page).
func (p *Paginator) Page(ctx context.Context, filter repository.SubjectFilter, cursor *pagination.Cursor, limit int) (*RawPage, error) {
	if limit <= 0 {
		return &RawPage{}, nil
	}
	items, err := p.subjects.Page(ctx, filter, cursor, limit)
	if err != nil {
		return nil, err
	}
	page := &RawPage{Items: items}
	if len(items) == limit {
		last := items[len(items)-1]
		page.Next = pagination.After(last.CreatedAt, last.ID)
	}
	return page, nil
}

// Preview is the fixed-size page shown to anonymous viewers: ungrouped
// subjects only, never continued.
func (p *Paginator) Preview(ctx context.Context) (*RawPage, error) {
	items, err := p.subjects.Page(ctx, repository.SubjectFilter{PublicOnly: true}, nil, p.previewSize)
	if err != nil {
		return nil, err
	}
	return &RawPage{Items: items}, nil
}
