// Package feed turns raw subject rows into view-ready feed records and pages
// through them with keyset cursors.
package feed

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/d60-Lab/feedsync/internal/cache"
	"github.com/d60-Lab/feedsync/internal/model"
	"github.com/d60-Lab/feedsync/pkg/logger"
)

var tracer = otel.Tracer("github.com/d60-Lab/feedsync/internal/feed")

// EnrichedSubject is a subject with every derived facet attached.
type EnrichedSubject struct {
	model.Subject
	Author          *cache.Snapshot              `json:"author,omitempty"`
	ReactionsCount  int64                        `json:"reactions_count"`
	ReactionsByType map[model.ReactionType]int64 `json:"reactions_by_type"`
	UserReaction    *model.ReactionType          `json:"user_reaction"`
	CommentsCount   int64                        `json:"comments_count"`
	SharesCount     int64                        `json:"shares_count"`
	Group           *cache.Snapshot              `json:"group,omitempty"`
	Company         *cache.Snapshot              `json:"company,omitempty"`
	SharedSubject   *model.Subject               `json:"shared_subject,omitempty"`
	UserPollVote    *string                      `json:"user_poll_vote,omitempty"`
}

func newEnriched(s *model.Subject) *EnrichedSubject {
	return &EnrichedSubject{Subject: *s, ReactionsByType: map[model.ReactionType]int64{}}
}

// Batch is the page a facet fetches for.
type Batch struct {
	Subjects []*model.Subject
	IDs      []string
	ViewerID string
}

// Merge attaches a facet's data to one record.
type Merge func(*EnrichedSubject)

// Facet is one named, optional enrichment step. Fetch must issue a bounded
// number of queries for the whole batch, never one per subject. A nil Merge
// means the facet has nothing to contribute for this batch.
type Facet interface {
	Name() string
	// Table the facet reads; the facet is skipped while it is not provisioned.
	Table() string
	Fetch(ctx context.Context, b *Batch) (Merge, error)
}

// Pipeline runs facets concurrently and merges them in registration order.
// A failing or unavailable facet leaves its fields at their zero value.
type Pipeline struct {
	facets []Facet
	caps   *capabilities
}

func NewPipeline(db *gorm.DB, facets ...Facet) *Pipeline {
	return &Pipeline{facets: facets, caps: newCapabilities(db, time.Minute)}
}

// Enrich returns exactly one record per input subject, in input order. It
// only fails when ctx is done.
func (p *Pipeline) Enrich(ctx context.Context, subjects []*model.Subject, viewerID string) ([]*EnrichedSubject, error) {
	out := make([]*EnrichedSubject, len(subjects))
	for i, s := range subjects {
		out[i] = newEnriched(s)
	}
	if len(subjects) == 0 {
		return out, nil
	}

	ctx, span := tracer.Start(ctx, "feed.Enrich")
	defer span.End()
	span.SetAttributes(attribute.Int("feed.batch_size", len(subjects)))

	b := &Batch{Subjects: subjects, IDs: subjectIDs(subjects), ViewerID: viewerID}
	merges := make([]Merge, len(p.facets))

	g, gctx := errgroup.WithContext(ctx)
	for i, f := range p.facets {
		i, f := i, f
		g.Go(func() error {
			merges[i] = p.runFacet(gctx, f, b)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	for _, m := range merges {
		if m == nil {
			continue
		}
		for _, rec := range out {
			m(rec)
		}
	}
	return out, nil
}

func (p *Pipeline) runFacet(ctx context.Context, f Facet, b *Batch) Merge {
	ctx, span := tracer.Start(ctx, "feed.facet."+f.Name())
	defer span.End()

	if !p.caps.available(ctx, f.Table()) {
		span.SetAttributes(attribute.Bool("feed.facet.skipped", true))
		logger.Debug("enrichment facet unavailable", zap.String("facet", f.Name()), zap.String("table", f.Table()))
		return nil
	}
	m, err := f.Fetch(ctx, b)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() == nil {
			logger.Warn("enrichment facet failed, treating as empty",
				zap.String("facet", f.Name()), zap.Int("batch", len(b.IDs)), zap.Error(err))
		}
		return nil
	}
	return m
}

func subjectIDs(subjects []*model.Subject) []string {
	ids := make([]string, len(subjects))
	for i, s := range subjects {
		ids[i] = s.ID
	}
	return ids
}

// capabilities caches table existence; missing tables are rechecked after ttl
// so a facet comes online once its migration lands.
type capabilities struct {
	db  *gorm.DB
	ttl time.Duration

	mu    sync.Mutex
	known map[string]capEntry
}

type capEntry struct {
	ok        bool
	checkedAt time.Time
}

func newCapabilities(db *gorm.DB, ttl time.Duration) *capabilities {
	return &capabilities{db: db, ttl: ttl, known: make(map[string]capEntry)}
}

func (c *capabilities) available(ctx context.Context, table string) bool {
	if c.db == nil || table == "" {
		return true
	}
	c.mu.Lock()
	e, ok := c.known[table]
	c.mu.Unlock()
	if ok && (e.ok || time.Since(e.checkedAt) < c.ttl) {
		return e.ok
	}

	has := c.db.WithContext(ctx).Migrator().HasTable(table)
	if ctx.Err() != nil {
		return false
	}
	c.mu.Lock()
	c.known[table] = capEntry{ok: has, checkedAt: time.Now()}
	c.mu.Unlock()
	return has
}
