package model

import "time"

// Follow A 关注 B；(follower_id, followee_id) 即主键，重复关注天然幂等。
// 关注流按 followee_id 反查作者，所以 follower_id 在前。
type Follow struct {
	FollowerID string    `gorm:"primaryKey;type:varchar(36)" json:"follower_id"`
	FolloweeID string    `gorm:"primaryKey;type:varchar(36);index:idx_follow_followee" json:"followee_id"`
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
}

func (Follow) TableName() string { return "follows" }
