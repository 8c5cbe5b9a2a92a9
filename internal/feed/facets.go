package feed

import (
	"context"

	"github.com/d60-Lab/feedsync/internal/cache"
	"github.com/d60-Lab/feedsync/internal/model"
	"github.com/d60-Lab/feedsync/internal/reaction"
	"github.com/d60-Lab/feedsync/internal/repository"
)

// Deps are the stores the standard facets read from.
type Deps struct {
	Ledger   *reaction.Ledger
	Subjects repository.SubjectRepository
	Comments repository.CommentRepository
	Polls    repository.PollVoteRepository
	Scopes   *cache.ScopeCache
}

// DefaultFacets returns the facets a feed page carries, in merge order.
func DefaultFacets(d Deps) []Facet {
	return []Facet{
		AuthorFacet{Scopes: d.Scopes},
		ReactionsFacet{Ledger: d.Ledger},
		ViewerReactionFacet{Ledger: d.Ledger},
		CommentsCountFacet{Comments: d.Comments},
		SharesCountFacet{Subjects: d.Subjects},
		SharedSubjectFacet{Subjects: d.Subjects},
		PollVoteFacet{Polls: d.Polls},
		GroupFacet{Scopes: d.Scopes},
		CompanyFacet{Scopes: d.Scopes},
	}
}

// ReactionsFacet attaches per-type reaction aggregates.
type ReactionsFacet struct{ Ledger *reaction.Ledger }

func (ReactionsFacet) Name() string  { return "reactions" }
func (ReactionsFacet) Table() string { return reaction.Subjects.Table }

func (f ReactionsFacet) Fetch(ctx context.Context, b *Batch) (Merge, error) {
	tallies, err := f.Ledger.Aggregate(ctx, reaction.Subjects, b.IDs)
	if err != nil {
		return nil, err
	}
	return func(rec *EnrichedSubject) {
		t, ok := tallies[rec.ID]
		if !ok {
			return
		}
		rec.ReactionsCount = t.Count
		rec.ReactionsByType = t.ByType
	}, nil
}

// ViewerReactionFacet attaches the viewer's own reaction, if any.
type ViewerReactionFacet struct{ Ledger *reaction.Ledger }

func (ViewerReactionFacet) Name() string  { return "viewer_reaction" }
func (ViewerReactionFacet) Table() string { return reaction.Subjects.Table }

func (f ViewerReactionFacet) Fetch(ctx context.Context, b *Batch) (Merge, error) {
	if b.ViewerID == "" {
		return nil, nil
	}
	mine, err := f.Ledger.ViewerReactions(ctx, reaction.Subjects, b.IDs, b.ViewerID)
	if err != nil {
		return nil, err
	}
	return func(rec *EnrichedSubject) {
		if typ, ok := mine[rec.ID]; ok {
			rec.UserReaction = &typ
		}
	}, nil
}

type CommentsCountFacet struct{ Comments repository.CommentRepository }

func (CommentsCountFacet) Name() string  { return "comments_count" }
func (CommentsCountFacet) Table() string { return "comments" }

func (f CommentsCountFacet) Fetch(ctx context.Context, b *Batch) (Merge, error) {
	counts, err := f.Comments.CountBySubjects(ctx, b.IDs)
	if err != nil {
		return nil, err
	}
	return func(rec *EnrichedSubject) { rec.CommentsCount = counts[rec.ID] }, nil
}

type SharesCountFacet struct{ Subjects repository.SubjectRepository }

func (SharesCountFacet) Name() string  { return "shares_count" }
func (SharesCountFacet) Table() string { return "subjects" }

func (f SharesCountFacet) Fetch(ctx context.Context, b *Batch) (Merge, error) {
	counts, err := f.Subjects.CountShares(ctx, b.IDs)
	if err != nil {
		return nil, err
	}
	return func(rec *EnrichedSubject) { rec.SharesCount = counts[rec.ID] }, nil
}

// SharedSubjectFacet embeds the raw subject a share points at. Only one level
// is resolved; the embedded subject carries no facets of its own.
type SharedSubjectFacet struct{ Subjects repository.SubjectRepository }

func (SharedSubjectFacet) Name() string  { return "shared_subject" }
func (SharedSubjectFacet) Table() string { return "subjects" }

func (f SharedSubjectFacet) Fetch(ctx context.Context, b *Batch) (Merge, error) {
	var ids []string
	for _, s := range b.Subjects {
		if s.SharedSubjectID != nil && *s.SharedSubjectID != "" {
			ids = append(ids, *s.SharedSubjectID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	shared, err := f.Subjects.ListByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*model.Subject, len(shared))
	for _, s := range shared {
		byID[s.ID] = s
	}
	return func(rec *EnrichedSubject) {
		if rec.SharedSubjectID == nil {
			return
		}
		if s, ok := byID[*rec.SharedSubjectID]; ok {
			cp := *s
			rec.SharedSubject = &cp
		}
	}, nil
}

// PollVoteFacet attaches the viewer's chosen option on poll subjects.
type PollVoteFacet struct{ Polls repository.PollVoteRepository }

func (PollVoteFacet) Name() string  { return "poll_vote" }
func (PollVoteFacet) Table() string { return "poll_votes" }

func (f PollVoteFacet) Fetch(ctx context.Context, b *Batch) (Merge, error) {
	if b.ViewerID == "" {
		return nil, nil
	}
	var ids []string
	for _, s := range b.Subjects {
		if s.HasPoll() {
			ids = append(ids, s.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	votes, err := f.Polls.ViewerVotes(ctx, ids, b.ViewerID)
	if err != nil {
		return nil, err
	}
	return func(rec *EnrichedSubject) {
		if opt, ok := votes[rec.ID]; ok {
			rec.UserPollVote = &opt
		}
	}, nil
}

type GroupFacet struct{ Scopes *cache.ScopeCache }

func (GroupFacet) Name() string  { return "group" }
func (GroupFacet) Table() string { return "groups" }

func (f GroupFacet) Fetch(ctx context.Context, b *Batch) (Merge, error) {
	snaps, err := loadScoped(ctx, f.Scopes, cache.KindGroup, b.Subjects, func(s *model.Subject) *string { return s.ScopedGroupID })
	if err != nil || snaps == nil {
		return nil, err
	}
	return func(rec *EnrichedSubject) {
		if rec.ScopedGroupID == nil {
			return
		}
		if snap, ok := snaps[*rec.ScopedGroupID]; ok {
			rec.Group = &snap
		}
	}, nil
}

type CompanyFacet struct{ Scopes *cache.ScopeCache }

func (CompanyFacet) Name() string  { return "company" }
func (CompanyFacet) Table() string { return "companies" }

func (f CompanyFacet) Fetch(ctx context.Context, b *Batch) (Merge, error) {
	snaps, err := loadScoped(ctx, f.Scopes, cache.KindCompany, b.Subjects, func(s *model.Subject) *string { return s.ScopedCompanyID })
	if err != nil || snaps == nil {
		return nil, err
	}
	return func(rec *EnrichedSubject) {
		if rec.ScopedCompanyID == nil {
			return
		}
		if snap, ok := snaps[*rec.ScopedCompanyID]; ok {
			rec.Company = &snap
		}
	}, nil
}

// AuthorFacet attaches author display info.
type AuthorFacet struct{ Scopes *cache.ScopeCache }

func (AuthorFacet) Name() string  { return "author" }
func (AuthorFacet) Table() string { return "users" }

func (f AuthorFacet) Fetch(ctx context.Context, b *Batch) (Merge, error) {
	snaps, err := loadScoped(ctx, f.Scopes, cache.KindUser, b.Subjects, func(s *model.Subject) *string { return &s.AuthorID })
	if err != nil || snaps == nil {
		return nil, err
	}
	return func(rec *EnrichedSubject) {
		if snap, ok := snaps[rec.AuthorID]; ok {
			rec.Author = &snap
		}
	}, nil
}

func loadScoped(ctx context.Context, scopes *cache.ScopeCache, kind cache.Kind, subjects []*model.Subject, ref func(*model.Subject) *string) (map[string]cache.Snapshot, error) {
	var ids []string
	for _, s := range subjects {
		if id := ref(s); id != nil && *id != "" {
			ids = append(ids, *id)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return scopes.Load(ctx, kind, ids)
}
