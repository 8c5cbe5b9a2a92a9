package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/d60-Lab/feedsync/internal/model"
)

// ScopeRepository 群组 / 公司 / 用户的展示信息批量读取
type ScopeRepository interface {
	Groups(ctx context.Context, ids []string) ([]*model.Group, error)
	Companies(ctx context.Context, ids []string) ([]*model.Company, error)
	Users(ctx context.Context, ids []string) ([]*model.User, error)
}

type scopeRepository struct{ db *gorm.DB }

func NewScopeRepository(db *gorm.DB) ScopeRepository { return &scopeRepository{db: db} }

func (r *scopeRepository) Groups(ctx context.Context, ids []string) ([]*model.Group, error) {
	var res []*model.Group
	if len(ids) == 0 {
		return res, nil
	}
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&res).Error
	return res, err
}

func (r *scopeRepository) Companies(ctx context.Context, ids []string) ([]*model.Company, error) {
	var res []*model.Company
	if len(ids) == 0 {
		return res, nil
	}
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&res).Error
	return res, err
}

func (r *scopeRepository) Users(ctx context.Context, ids []string) ([]*model.User, error) {
	var res []*model.User
	if len(ids) == 0 {
		return res, nil
	}
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&res).Error
	return res, err
}
