package model

import (
	"time"

	"gorm.io/datatypes"
)

// EventType 行级变更类型
type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// outbox 状态
const (
	ChangeStatusPending    = "pending"
	ChangeStatusProcessing = "processing"
	ChangeStatusDone       = "done"
)

// ChangeEvent 事务外发盒：业务写入与变更事件在同一事务内落地，由 relay 推送到变更流
type ChangeEvent struct {
	ID          string         `gorm:"primaryKey;type:varchar(36)"`
	SourceTable string         `gorm:"type:varchar(32);index;not null"`
	EventType   EventType      `gorm:"type:varchar(8);not null"`
	NewRow      datatypes.JSON `gorm:"column:new_row"`
	OldRow      datatypes.JSON `gorm:"column:old_row"`
	Status      string         `gorm:"type:varchar(16);index:idx_change_status_created,priority:1"`
	CreatedAt   time.Time      `gorm:"index:idx_change_status_created,priority:2"`
	ClaimedAt   *time.Time     // processing 租约起点，超时后可被重新领取
	PublishedAt *time.Time
}

func (ChangeEvent) TableName() string { return "change_events" }
