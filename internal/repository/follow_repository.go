package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/feedsync/internal/changestream"
	"github.com/d60-Lab/feedsync/internal/model"
)

// FollowRepository 关注图；写入与 outbox 事件同事务，实时层据此刷新关注流
type FollowRepository interface {
	// Follow returns false when the edge already existed.
	Follow(ctx context.Context, followerID, followeeID string) (bool, error)
	// Unfollow returns false when there was nothing to remove.
	Unfollow(ctx context.Context, followerID, followeeID string) (bool, error)
	// Followees 最近关注的在前
	Followees(ctx context.Context, followerID string, offset, limit int) ([]string, error)
}

type followRepository struct {
	db *gorm.DB
}

func NewFollowRepository(db *gorm.DB) FollowRepository { return &followRepository{db: db} }

func (r *followRepository) Follow(ctx context.Context, followerID, followeeID string) (bool, error) {
	f := &model.Follow{FollowerID: followerID, FolloweeID: followeeID, CreatedAt: time.Now().UTC()}
	created := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(f)
		if res.Error != nil || res.RowsAffected == 0 {
			return res.Error
		}
		created = true
		return RecordChange(tx, changestream.TableFollows, model.EventInsert, f, nil)
	})
	return created, err
}

func (r *followRepository) Unfollow(ctx context.Context, followerID, followeeID string) (bool, error) {
	removed := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("follower_id = ? AND followee_id = ?", followerID, followeeID).Delete(&model.Follow{})
		if res.Error != nil || res.RowsAffected == 0 {
			return res.Error
		}
		removed = true
		return RecordChange(tx, changestream.TableFollows, model.EventDelete, nil, &model.Follow{FollowerID: followerID, FolloweeID: followeeID})
	})
	return removed, err
}

func (r *followRepository) Followees(ctx context.Context, followerID string, offset, limit int) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&model.Follow{}).
		Where("follower_id = ?", followerID).
		Order("created_at DESC, followee_id DESC").
		Offset(offset).Limit(limit).
		Pluck("followee_id", &ids).Error
	return ids, err
}
