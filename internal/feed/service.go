package feed

import (
	"context"
	"errors"

	"github.com/d60-Lab/feedsync/internal/model"
	"github.com/d60-Lab/feedsync/internal/pagination"
	"github.com/d60-Lab/feedsync/internal/repository"
)

var ErrLoginRequired = errors.New("login required")

// Query is a feed request as received from a client.
type Query struct {
	ViewerID  string
	AuthorID  string
	GroupID   string
	CompanyID string
	Following bool
	Cursor    string
	Limit     int
}

// Page is an enriched, client-ready feed page.
type Page struct {
	Items      []*EnrichedSubject `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
	Preview    bool               `json:"preview,omitempty"`
}

// CommentPage is one page of an enriched comment thread.
type CommentPage struct {
	Items      []*EnrichedComment `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

type Options struct {
	PageSize    int
	MaxPageSize int
	PreviewSize int
}

// Service composes pagination and enrichment.
type Service struct {
	paginator *Paginator
	pipeline  *Pipeline
	comments  repository.CommentRepository
	enricher  *CommentEnricher
	opts      Options
}

func NewService(paginator *Paginator, pipeline *Pipeline, comments repository.CommentRepository, enricher *CommentEnricher, opts Options) *Service {
	if opts.PageSize <= 0 {
		opts.PageSize = 20
	}
	if opts.MaxPageSize < opts.PageSize {
		opts.MaxPageSize = opts.PageSize
	}
	return &Service{paginator: paginator, pipeline: pipeline, comments: comments, enricher: enricher, opts: opts}
}

// Feed returns one page. Anonymous viewers always get the preview page and
// cannot page further.
func (s *Service) Feed(ctx context.Context, q Query) (*Page, error) {
	if q.ViewerID == "" {
		if q.Cursor != "" || q.Following {
			return nil, ErrLoginRequired
		}
		raw, err := s.paginator.Preview(ctx)
		if err != nil {
			return nil, err
		}
		items, err := s.pipeline.Enrich(ctx, raw.Items, "")
		if err != nil {
			return nil, err
		}
		return &Page{Items: items, Preview: true}, nil
	}

	cursor, err := pagination.Decode(q.Cursor)
	if err != nil {
		return nil, err
	}
	filter := repository.SubjectFilter{AuthorID: q.AuthorID, GroupID: q.GroupID, CompanyID: q.CompanyID}
	if q.Following {
		filter.FollowerID = q.ViewerID
	}
	limit := pagination.Limit(q.Limit, s.opts.PageSize, s.opts.MaxPageSize)

	raw, err := s.paginator.Page(ctx, filter, cursor, limit)
	if err != nil {
		return nil, err
	}
	items, err := s.pipeline.Enrich(ctx, raw.Items, q.ViewerID)
	if err != nil {
		return nil, err
	}
	page := &Page{Items: items}
	if raw.Next != nil {
		page.NextCursor = raw.Next.Encode()
	}
	return page, nil
}

// Comments pages through a subject's comments, newest first.
func (s *Service) Comments(ctx context.Context, subjectID, viewerID, cursorToken string, limit int) (*CommentPage, error) {
	cursor, err := pagination.Decode(cursorToken)
	if err != nil {
		return nil, err
	}
	limit = pagination.Limit(limit, s.opts.PageSize, s.opts.MaxPageSize)
	rows, err := s.comments.List(ctx, subjectID, cursor, limit)
	if err != nil {
		return nil, err
	}
	items, err := s.enricher.Enrich(ctx, rows, viewerID)
	if err != nil {
		return nil, err
	}
	page := &CommentPage{Items: items}
	if len(rows) == limit {
		last := rows[len(rows)-1]
		page.NextCursor = (pagination.After(last.CreatedAt, last.ID)).Encode()
	}
	return page, nil
}

// EnrichComment enriches a single comment the same way Comments does a page.
func (s *Service) EnrichComment(ctx context.Context, c *model.Comment, viewerID string) (*EnrichedComment, error) {
	items, err := s.enricher.Enrich(ctx, []*model.Comment{c}, viewerID)
	if err != nil {
		return nil, err
	}
	return items[0], nil
}
