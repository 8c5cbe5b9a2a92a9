package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/feedsync/internal/model"
)

type PollVoteRepository interface {
	// ViewerVotes 返回 userID 在这些投票中选择的选项
	ViewerVotes(ctx context.Context, subjectIDs []string, userID string) (map[string]string, error)
	// Upsert 每人每个投票只保留一条，重复投票覆盖选项；返回旧选项（无则为空）
	Upsert(ctx context.Context, tx *gorm.DB, vote *model.PollVote) (string, error)
	Tally(ctx context.Context, subjectID string) (map[string]int64, error)
}

type pollVoteRepository struct{ db *gorm.DB }

func NewPollVoteRepository(db *gorm.DB) PollVoteRepository { return &pollVoteRepository{db: db} }

func (r *pollVoteRepository) ViewerVotes(ctx context.Context, subjectIDs []string, userID string) (map[string]string, error) {
	out := make(map[string]string)
	if len(subjectIDs) == 0 || userID == "" {
		return out, nil
	}
	var rows []model.PollVote
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND subject_id IN ?", userID, subjectIDs).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, v := range rows {
		out[v.SubjectID] = v.OptionID
	}
	return out, nil
}

func (r *pollVoteRepository) Upsert(ctx context.Context, tx *gorm.DB, vote *model.PollVote) (string, error) {
	if tx == nil {
		tx = r.db
	}
	tx = tx.WithContext(ctx)
	var prev model.PollVote
	res := tx.Where("subject_id = ? AND user_id = ?", vote.SubjectID, vote.UserID).Limit(1).Find(&prev)
	if res.Error != nil {
		return "", res.Error
	}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "subject_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"option_id", "updated_at"}),
	}).Create(vote).Error
	if err != nil {
		return "", err
	}
	if res.RowsAffected == 0 {
		return "", nil
	}
	return prev.OptionID, nil
}

func (r *pollVoteRepository) Tally(ctx context.Context, subjectID string) (map[string]int64, error) {
	var rows []struct {
		OptionID string
		N        int64
	}
	err := r.db.WithContext(ctx).Model(&model.PollVote{}).
		Select("option_id, COUNT(*) AS n").
		Where("subject_id = ?", subjectID).
		Group("option_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.OptionID] = row.N
	}
	return out, nil
}
