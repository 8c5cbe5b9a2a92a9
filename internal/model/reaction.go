package model

import "time"

// ReactionType 反应类型（封闭枚举）
type ReactionType string

const (
	ReactionLike       ReactionType = "like"
	ReactionLove       ReactionType = "love"
	ReactionCelebrate  ReactionType = "celebrate"
	ReactionSupport    ReactionType = "support"
	ReactionInsightful ReactionType = "insightful"
	ReactionFunny      ReactionType = "funny"
)

// ReactionTypes 按展示顺序返回全部反应类型
func ReactionTypes() []ReactionType {
	return []ReactionType{ReactionLike, ReactionLove, ReactionCelebrate, ReactionSupport, ReactionInsightful, ReactionFunny}
}

func (t ReactionType) Valid() bool {
	for _, v := range ReactionTypes() {
		if v == t {
			return true
		}
	}
	return false
}

// Reaction 用户对内容的反应；(subject_id, user_id) 为主键，保证每人每条内容至多一条
type Reaction struct {
	SubjectID    string       `gorm:"primaryKey;type:varchar(36)" json:"subject_id"`
	UserID       string       `gorm:"primaryKey;type:varchar(36);index:idx_reaction_user" json:"user_id"`
	ReactionType ReactionType `gorm:"type:varchar(16);not null" json:"reaction_type"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

func (Reaction) TableName() string { return "reactions" }

// CommentReaction 评论上的反应，约束同 Reaction
type CommentReaction struct {
	CommentID    string       `gorm:"primaryKey;type:varchar(36)" json:"comment_id"`
	UserID       string       `gorm:"primaryKey;type:varchar(36);index:idx_comment_reaction_user" json:"user_id"`
	ReactionType ReactionType `gorm:"type:varchar(16);not null" json:"reaction_type"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

func (CommentReaction) TableName() string { return "comment_reactions" }
