package model

import "time"

// Comment 内容下的评论
type Comment struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	SubjectID string    `gorm:"type:varchar(36);index:idx_comment_subject_created,priority:1;not null" json:"subject_id"`
	AuthorID  string    `gorm:"type:varchar(36);not null" json:"author_id"`
	Body      string    `gorm:"type:text" json:"body"`
	CreatedAt time.Time `gorm:"index:idx_comment_subject_created,priority:2" json:"created_at"`
}

func (Comment) TableName() string { return "comments" }

// PollVote 投票记录，每人每个投票一条
type PollVote struct {
	SubjectID string    `gorm:"primaryKey;type:varchar(36)" json:"subject_id"`
	UserID    string    `gorm:"primaryKey;type:varchar(36)" json:"user_id"`
	OptionID  string    `gorm:"type:varchar(64);not null" json:"option_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (PollVote) TableName() string { return "poll_votes" }
