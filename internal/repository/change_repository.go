package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/feedsync/internal/model"
)

// RecordChange 在调用方事务 tx 内写入一条 outbox 变更事件；newRow/oldRow 可为 nil
func RecordChange(tx *gorm.DB, table string, typ model.EventType, newRow, oldRow any) error {
	ev := &model.ChangeEvent{
		ID:          uuid.New().String(),
		SourceTable: table,
		EventType:   typ,
		Status:      model.ChangeStatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	var err error
	if ev.NewRow, err = rowImage(newRow); err != nil {
		return err
	}
	if ev.OldRow, err = rowImage(oldRow); err != nil {
		return err
	}
	return tx.Create(ev).Error
}

func rowImage(row any) (datatypes.JSON, error) {
	if row == nil {
		return nil, nil
	}
	raw, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("encode row image: %w", err)
	}
	return datatypes.JSON(raw), nil
}

// ChangeRepository outbox 领取与确认
type ChangeRepository interface {
	// Claim 领取一批 pending 事件以及租约已过期的 processing 事件，置为 processing 并记录领取时间
	// （Postgres 使用 SKIP LOCKED，多 worker 互不阻塞）
	Claim(ctx context.Context, limit int, lease time.Duration) ([]*model.ChangeEvent, error)
	MarkDone(ctx context.Context, ids []string) error
	// Release 发布失败时退回 pending，等待下一轮
	Release(ctx context.Context, ids []string) error
	Pending(ctx context.Context) (int64, error)
}

type changeRepository struct{ db *gorm.DB }

func NewChangeRepository(db *gorm.DB) ChangeRepository { return &changeRepository{db: db} }

func (r *changeRepository) Claim(ctx context.Context, limit int, lease time.Duration) ([]*model.ChangeEvent, error) {
	var batch []*model.ChangeEvent
	now := time.Now().UTC()
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Where("status = ? OR (status = ? AND claimed_at < ?)",
			model.ChangeStatusPending, model.ChangeStatusProcessing, now.Add(-lease)).
			Order("created_at ASC").Limit(limit)
		if tx.Dialector.Name() == "postgres" {
			q = q.Clauses(clauseForUpdateSkipLocked())
		}
		if err := q.Find(&batch).Error; err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		ids := make([]string, len(batch))
		for i, b := range batch {
			ids[i] = b.ID
		}
		for _, b := range batch {
			b.Status = model.ChangeStatusProcessing
			b.ClaimedAt = &now
		}
		return tx.Model(&model.ChangeEvent{}).Where("id IN ?", ids).
			Updates(map[string]any{"status": model.ChangeStatusProcessing, "claimed_at": now}).Error
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

func (r *changeRepository) MarkDone(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now().UTC()
	return r.db.WithContext(ctx).Model(&model.ChangeEvent{}).
		Where("id IN ?", ids).
		Updates(map[string]any{"status": model.ChangeStatusDone, "published_at": now}).Error
}

func (r *changeRepository) Release(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Model(&model.ChangeEvent{}).
		Where("id IN ?", ids).
		Updates(map[string]any{"status": model.ChangeStatusPending, "claimed_at": nil}).Error
}

func (r *changeRepository) Pending(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.ChangeEvent{}).Where("status = ?", model.ChangeStatusPending).Count(&n).Error
	return n, err
}

func clauseForUpdateSkipLocked() clause.Locking {
	return clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}
}

// Locked adds a row lock of the given strength (UPDATE, SHARE) on postgres.
// SQLite has no row locks; its single writer already serialises transactions.
func Locked(tx *gorm.DB, strength string) *gorm.DB {
	if tx.Dialector.Name() != "postgres" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: strength})
}
