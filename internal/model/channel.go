package model

import "time"

// Channel 会话；私聊恰好两名成员，公共频道使用固定 ID
type Channel struct {
	ID        string `gorm:"primaryKey;type:varchar(36)" json:"id"`
	IsPrivate bool   `gorm:"not null;default:false;index" json:"is_private"`
	// 私聊的规范化成员对键，唯一索引保证一对用户至多一个私聊
	PairKey   *string   `gorm:"type:varchar(64);uniqueIndex:ux_channel_pair" json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

func (Channel) TableName() string { return "channels" }

// ChannelMember 会话成员，(channel_id, user_id) 为主键
type ChannelMember struct {
	ChannelID string    `gorm:"primaryKey;type:varchar(36)" json:"channel_id"`
	UserID    string    `gorm:"primaryKey;type:varchar(36);index:idx_member_user" json:"user_id"`
	JoinedAt  time.Time `json:"joined_at"`
}

func (ChannelMember) TableName() string { return "channel_members" }

// Message 会话消息
type Message struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	ChannelID string    `gorm:"type:varchar(36);index:idx_message_channel_created,priority:1;not null" json:"channel_id"`
	AuthorID  string    `gorm:"type:varchar(36);not null" json:"author_id"`
	Body      string    `gorm:"type:text" json:"body"`
	CreatedAt time.Time `gorm:"index:idx_message_channel_created,priority:2" json:"created_at"`
}

func (Message) TableName() string { return "messages" }
