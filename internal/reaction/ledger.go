// Package reaction keeps at most one reaction per (target, user) and
// derives per-target aggregates from the reaction rows.
package reaction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/feedsync/internal/model"
	"github.com/d60-Lab/feedsync/internal/repository"
)

var (
	ErrInvalidReaction = errors.New("invalid reaction type")
	// ErrContended 同一用户对同一目标的并发切换连续冲突
	ErrContended = errors.New("reaction toggle contended")
)

const maxToggleAttempts = 3

// Action is the outcome of a toggle.
type Action string

const (
	ActionAdded   Action = "added"
	ActionUpdated Action = "updated"
	ActionRemoved Action = "removed"
)

// Target describes a reactable table: posts or comments.
type Target struct {
	Table  string
	Key    string
	parent func() any
	model  func() any
	row    func(targetID, userID string, typ model.ReactionType, now time.Time) any
}

var (
	Subjects = Target{
		Table:  "reactions",
		Key:    "subject_id",
		parent: func() any { return &model.Subject{} },
		model:  func() any { return &model.Reaction{} },
		row: func(id, user string, typ model.ReactionType, now time.Time) any {
			return &model.Reaction{SubjectID: id, UserID: user, ReactionType: typ, CreatedAt: now, UpdatedAt: now}
		},
	}
	Comments = Target{
		Table:  "comment_reactions",
		Key:    "comment_id",
		parent: func() any { return &model.Comment{} },
		model:  func() any { return &model.CommentReaction{} },
		row: func(id, user string, typ model.ReactionType, now time.Time) any {
			return &model.CommentReaction{CommentID: id, UserID: user, ReactionType: typ, CreatedAt: now, UpdatedAt: now}
		},
	}
)

// Result of a toggle. Type is the reaction now held ("" after removal).
type Result struct {
	Action   Action             `json:"action"`
	Type     model.ReactionType `json:"reaction_type,omitempty"`
	Previous model.ReactionType `json:"previous,omitempty"`
}

// Tally aggregates reactions of one target.
type Tally struct {
	Count  int64                        `json:"count"`
	ByType map[model.ReactionType]int64 `json:"by_type"`
}

func emptyTally() Tally { return Tally{ByType: map[model.ReactionType]int64{}} }

// Ledger 反应账本
type Ledger struct {
	db *gorm.DB
}

func NewLedger(db *gorm.DB) *Ledger { return &Ledger{db: db} }

// React toggles userID's reaction on targetID:
// none -> added, same type -> removed, other type -> updated in place.
// A missing target yields repository.ErrNotFound.
//
// The target row is share-locked for the transaction, so a concurrent delete
// of the target either runs first (not found) or waits and removes the
// reaction with it. Each branch is a single conditional statement evaluated by the store and
// the (target, user) primary key rejects duplicates, so concurrent toggles
// cannot leave two rows behind.
func (l *Ledger) React(ctx context.Context, t Target, targetID, userID string, typ model.ReactionType) (Result, error) {
	if !typ.Valid() {
		return Result{}, ErrInvalidReaction
	}

	var res Result
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var found []string
		if err := repository.Locked(tx.Model(t.parent()), "SHARE").
			Where("id = ?", targetID).Limit(1).Pluck("id", &found).Error; err != nil {
			return err
		}
		if len(found) == 0 {
			return repository.ErrNotFound
		}

		for attempt := 0; attempt < maxToggleAttempts; attempt++ {
			now := time.Now().UTC()
			pair := tx.Where(t.Key+" = ? AND user_id = ?", targetID, userID)

			del := pair.Session(&gorm.Session{}).Where("reaction_type = ?", typ).Delete(t.model())
			if del.Error != nil {
				return del.Error
			}
			if del.RowsAffected > 0 {
				res = Result{Action: ActionRemoved, Previous: typ}
				return repository.RecordChange(tx, t.Table, model.EventDelete, nil, rowImage(t, targetID, userID, typ))
			}

			var prev model.ReactionType
			if err := pair.Session(&gorm.Session{}).Model(t.model()).Select("reaction_type").Scan(&prev).Error; err != nil {
				return err
			}
			upd := pair.Session(&gorm.Session{}).Model(t.model()).
				Where("reaction_type <> ?", typ).
				Updates(map[string]any{"reaction_type": typ, "updated_at": now})
			if upd.Error != nil {
				return upd.Error
			}
			if upd.RowsAffected > 0 {
				res = Result{Action: ActionUpdated, Type: typ, Previous: prev}
				return repository.RecordChange(tx, t.Table, model.EventUpdate,
					rowImage(t, targetID, userID, typ), rowImage(t, targetID, userID, prev))
			}

			ins := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(t.row(targetID, userID, typ, now))
			if ins.Error != nil {
				return ins.Error
			}
			if ins.RowsAffected > 0 {
				res = Result{Action: ActionAdded, Type: typ}
				return repository.RecordChange(tx, t.Table, model.EventInsert, rowImage(t, targetID, userID, typ), nil)
			}
			// 并发插入抢先落地，重新评估
		}
		return ErrContended
	})
	if err != nil {
		return Result{}, fmt.Errorf("react on %s %s: %w", t.Table, targetID, err)
	}
	return res, nil
}

func rowImage(t Target, targetID, userID string, typ model.ReactionType) map[string]any {
	return map[string]any{t.Key: targetID, "user_id": userID, "reaction_type": typ}
}

// Aggregate returns a tally for every requested id in one grouped query;
// ids without rows get a zero tally.
func (l *Ledger) Aggregate(ctx context.Context, t Target, ids []string) (map[string]Tally, error) {
	out := make(map[string]Tally, len(ids))
	for _, id := range ids {
		out[id] = emptyTally()
	}
	if len(ids) == 0 {
		return out, nil
	}

	var rows []struct {
		TargetID     string
		ReactionType model.ReactionType
		N            int64
	}
	err := l.db.WithContext(ctx).Model(t.model()).
		Select(t.Key+" AS target_id, reaction_type, COUNT(*) AS n").
		Where(t.Key+" IN ?", ids).
		Group(t.Key + ", reaction_type").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		tally := out[r.TargetID]
		if tally.ByType == nil {
			tally = emptyTally()
		}
		tally.Count += r.N
		tally.ByType[r.ReactionType] += r.N
		out[r.TargetID] = tally
	}
	return out, nil
}

// ViewerReactions returns userID's reaction per target id, one query.
func (l *Ledger) ViewerReactions(ctx context.Context, t Target, ids []string, userID string) (map[string]model.ReactionType, error) {
	out := make(map[string]model.ReactionType)
	if len(ids) == 0 || userID == "" {
		return out, nil
	}
	var rows []struct {
		TargetID     string
		ReactionType model.ReactionType
	}
	err := l.db.WithContext(ctx).Model(t.model()).
		Select(t.Key+" AS target_id, reaction_type").
		Where("user_id = ? AND "+t.Key+" IN ?", userID, ids).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		out[r.TargetID] = r.ReactionType
	}
	return out, nil
}

// Count returns how many rows exist for (targetID, userID); always 0 or 1.
func (l *Ledger) Count(ctx context.Context, t Target, targetID, userID string) (int64, error) {
	var n int64
	err := l.db.WithContext(ctx).Model(t.model()).
		Where(t.Key+" = ? AND user_id = ?", targetID, userID).
		Count(&n).Error
	return n, err
}
