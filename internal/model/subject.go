package model

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// PayloadKind 内容附带的结构化载荷类型
type PayloadKind string

const (
	PayloadPoll  PayloadKind = "poll"
	PayloadIdea  PayloadKind = "idea"
	PayloadEvent PayloadKind = "event"
	PayloadShare PayloadKind = "share"
)

// Subject 可出现在信息流中的内容主体（帖子、分享、想法、活动、投票帖）
// 计数字段不落库，由 feed 流水线按请求批量计算
type Subject struct {
	ID              string         `gorm:"primaryKey;type:varchar(36)" json:"id"`
	AuthorID        string         `gorm:"type:varchar(36);index:idx_subject_author_created,priority:1;not null" json:"author_id"`
	Body            string         `gorm:"type:text" json:"body"`
	ScopedGroupID   *string        `gorm:"type:varchar(36);index:idx_subject_group_created,priority:1" json:"scoped_group_id,omitempty"`
	ScopedCompanyID *string        `gorm:"type:varchar(36);index:idx_subject_company_created,priority:1" json:"scoped_company_id,omitempty"`
	SharedSubjectID *string        `gorm:"type:varchar(36);index:idx_subject_shared" json:"shared_subject_id,omitempty"`
	PayloadJSON     datatypes.JSON `gorm:"column:payload_json" json:"payload,omitempty"`
	// 复合索引 (scope, created_at, id) 支撑游标分页
	CreatedAt time.Time `gorm:"index:idx_subject_created;index:idx_subject_author_created,priority:2;index:idx_subject_group_created,priority:2;index:idx_subject_company_created,priority:2" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Subject) TableName() string { return "subjects" }

// Payload 解析后的载荷
type Payload struct {
	Kind  PayloadKind `json:"kind"`
	Poll  *Poll       `json:"poll,omitempty"`
	Idea  *Idea       `json:"idea,omitempty"`
	Event *Event      `json:"event,omitempty"`
}

type Poll struct {
	Question string       `json:"question"`
	Options  []PollOption `json:"options"`
}

type PollOption struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

type Idea struct {
	Title string   `json:"title"`
	Tags  []string `json:"tags,omitempty"`
}

type Event struct {
	Title    string    `json:"title"`
	StartsAt time.Time `json:"starts_at"`
	Location string    `json:"location,omitempty"`
}

// DecodePayload 解析 payload_json；为空或格式不合法时返回 nil
func (s *Subject) DecodePayload() *Payload {
	if len(s.PayloadJSON) == 0 {
		return nil
	}
	var p Payload
	if err := json.Unmarshal(s.PayloadJSON, &p); err != nil {
		return nil
	}
	return &p
}

// HasPoll 是否携带投票
func (s *Subject) HasPoll() bool {
	p := s.DecodePayload()
	return p != nil && p.Kind == PayloadPoll && p.Poll != nil
}

// HasOption 判断投票中是否存在该选项
func (p *Poll) HasOption(optionID string) bool {
	for _, o := range p.Options {
		if o.ID == optionID {
			return true
		}
	}
	return false
}
