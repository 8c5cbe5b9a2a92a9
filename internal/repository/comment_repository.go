package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/d60-Lab/feedsync/internal/model"
	"github.com/d60-Lab/feedsync/internal/pagination"
)

type CommentRepository interface {
	Get(ctx context.Context, id string) (*model.Comment, error)
	List(ctx context.Context, subjectID string, cursor *pagination.Cursor, limit int) ([]*model.Comment, error)
	// CountBySubjects 一次 GROUP BY 查询统计整页内容的评论数
	CountBySubjects(ctx context.Context, subjectIDs []string) (map[string]int64, error)
}

type commentRepository struct{ db *gorm.DB }

func NewCommentRepository(db *gorm.DB) CommentRepository { return &commentRepository{db: db} }

func (r *commentRepository) Get(ctx context.Context, id string) (*model.Comment, error) {
	var c model.Comment
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *commentRepository) List(ctx context.Context, subjectID string, cursor *pagination.Cursor, limit int) ([]*model.Comment, error) {
	var res []*model.Comment
	err := r.db.WithContext(ctx).
		Where("subject_id = ?", subjectID).
		Scopes(pagination.Scope("", cursor)).
		Limit(limit).
		Find(&res).Error
	return res, err
}

func (r *commentRepository) CountBySubjects(ctx context.Context, subjectIDs []string) (map[string]int64, error) {
	out := make(map[string]int64, len(subjectIDs))
	if len(subjectIDs) == 0 {
		return out, nil
	}
	var rows []struct {
		SubjectID string
		N         int64
	}
	err := r.db.WithContext(ctx).Model(&model.Comment{}).
		Select("subject_id, COUNT(*) AS n").
		Where("subject_id IN ?", subjectIDs).
		Group("subject_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.SubjectID] = row.N
	}
	return out, nil
}
