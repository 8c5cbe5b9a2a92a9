package feed

import (
	"context"

	"go.uber.org/zap"

	"github.com/d60-Lab/feedsync/internal/cache"
	"github.com/d60-Lab/feedsync/internal/model"
	"github.com/d60-Lab/feedsync/internal/reaction"
	"github.com/d60-Lab/feedsync/pkg/logger"
)

// EnrichedComment 评论及其反应汇总
type EnrichedComment struct {
	model.Comment
	Author          *cache.Snapshot              `json:"author,omitempty"`
	ReactionsCount  int64                        `json:"reactions_count"`
	ReactionsByType map[model.ReactionType]int64 `json:"reactions_by_type"`
	UserReaction    *model.ReactionType          `json:"user_reaction"`
}

// CommentEnricher attaches comment reaction aggregates in one pass per page.
// Like subject facets, each part is best effort.
type CommentEnricher struct {
	ledger *reaction.Ledger
	scopes *cache.ScopeCache
}

func NewCommentEnricher(ledger *reaction.Ledger, scopes *cache.ScopeCache) *CommentEnricher {
	return &CommentEnricher{ledger: ledger, scopes: scopes}
}

func (e *CommentEnricher) Enrich(ctx context.Context, comments []*model.Comment, viewerID string) ([]*EnrichedComment, error) {
	out := make([]*EnrichedComment, len(comments))
	ids := make([]string, len(comments))
	authors := make([]string, len(comments))
	for i, c := range comments {
		out[i] = &EnrichedComment{Comment: *c, ReactionsByType: map[model.ReactionType]int64{}}
		ids[i] = c.ID
		authors[i] = c.AuthorID
	}
	if len(comments) == 0 {
		return out, nil
	}

	ctx, span := tracer.Start(ctx, "feed.EnrichComments")
	defer span.End()

	if tallies, err := e.ledger.Aggregate(ctx, reaction.Comments, ids); err != nil {
		e.degraded(ctx, "comment_reactions", err)
	} else {
		for _, rec := range out {
			if t, ok := tallies[rec.ID]; ok {
				rec.ReactionsCount = t.Count
				rec.ReactionsByType = t.ByType
			}
		}
	}

	if viewerID != "" {
		if mine, err := e.ledger.ViewerReactions(ctx, reaction.Comments, ids, viewerID); err != nil {
			e.degraded(ctx, "comment_viewer_reaction", err)
		} else {
			for _, rec := range out {
				if typ, ok := mine[rec.ID]; ok {
					rec.UserReaction = &typ
				}
			}
		}
	}

	if e.scopes != nil {
		if snaps, err := e.scopes.Load(ctx, cache.KindUser, authors); err != nil {
			e.degraded(ctx, "comment_author", err)
		} else {
			for _, rec := range out {
				if snap, ok := snaps[rec.AuthorID]; ok {
					rec.Author = &snap
				}
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *CommentEnricher) degraded(ctx context.Context, part string, err error) {
	if ctx.Err() != nil {
		return
	}
	logger.Warn("comment enrichment failed, treating as empty", zap.String("facet", part), zap.Error(err))
}
