package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/d60-Lab/feedsync/internal/model"
	"github.com/d60-Lab/feedsync/internal/pagination"
)

var ErrNotFound = errors.New("record not found")

// SubjectFilter 信息流过滤条件；多个条件同时生效
type SubjectFilter struct {
	AuthorID   string
	GroupID    string
	CompanyID  string
	FollowerID string // 只看该用户关注的人
	PublicOnly bool   // 排除群组内容（未登录预览）
}

type SubjectRepository interface {
	Get(ctx context.Context, id string) (*model.Subject, error)
	ListByIDs(ctx context.Context, ids []string) ([]*model.Subject, error)
	// Page 按 (created_at DESC, id DESC) 返回游标之后的至多 limit 条
	Page(ctx context.Context, filter SubjectFilter, cursor *pagination.Cursor, limit int) ([]*model.Subject, error)
	// CountShares 统计 shared_subject_id 指向给定 id 的内容数量
	CountShares(ctx context.Context, ids []string) (map[string]int64, error)
}

type subjectRepository struct{ db *gorm.DB }

func NewSubjectRepository(db *gorm.DB) SubjectRepository { return &subjectRepository{db: db} }

func (r *subjectRepository) Get(ctx context.Context, id string) (*model.Subject, error) {
	var s model.Subject
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *subjectRepository) ListByIDs(ctx context.Context, ids []string) ([]*model.Subject, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var res []*model.Subject
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&res).Error
	return res, err
}

func (r *subjectRepository) Page(ctx context.Context, filter SubjectFilter, cursor *pagination.Cursor, limit int) ([]*model.Subject, error) {
	q := r.db.WithContext(ctx).Model(&model.Subject{})
	if filter.AuthorID != "" {
		q = q.Where("subjects.author_id = ?", filter.AuthorID)
	}
	if filter.GroupID != "" {
		q = q.Where("subjects.scoped_group_id = ?", filter.GroupID)
	}
	if filter.CompanyID != "" {
		q = q.Where("subjects.scoped_company_id = ?", filter.CompanyID)
	}
	if filter.PublicOnly {
		q = q.Where("subjects.scoped_group_id IS NULL")
	}
	if filter.FollowerID != "" {
		followees := r.db.Model(&model.Follow{}).Select("followee_id").Where("follower_id = ?", filter.FollowerID)
		q = q.Where("subjects.author_id IN (?)", followees)
	}

	var res []*model.Subject
	err := q.Scopes(pagination.Scope("subjects", cursor)).Limit(limit).Find(&res).Error
	return res, err
}

func (r *subjectRepository) CountShares(ctx context.Context, ids []string) (map[string]int64, error) {
	out := make(map[string]int64, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []struct {
		SharedSubjectID string
		N               int64
	}
	err := r.db.WithContext(ctx).Model(&model.Subject{}).
		Select("shared_subject_id, COUNT(*) AS n").
		Where("shared_subject_id IN ?", ids).
		Group("shared_subject_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.SharedSubjectID] = row.N
	}
	return out, nil
}
