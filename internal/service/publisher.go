package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/d60-Lab/feedsync/internal/changestream"
	"github.com/d60-Lab/feedsync/internal/model"
	"github.com/d60-Lab/feedsync/internal/repository"
)

// PublishInput 发布参数
type PublishInput struct {
	AuthorID        string
	Body            string
	GroupID         string
	CompanyID       string
	SharedSubjectID string
	Payload         *model.Payload
}

// Publisher 负责事务内写 subjects + change_events
type Publisher struct {
	db *gorm.DB
}

func NewPublisher(db *gorm.DB) *Publisher { return &Publisher{db: db} }

// Publish 在一个事务内落地 Subject 与变更事件
func (p *Publisher) Publish(ctx context.Context, in PublishInput) (*model.Subject, error) {
	if err := validatePublish(&in); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	s := &model.Subject{
		ID:        uuid.New().String(),
		AuthorID:  in.AuthorID,
		Body:      in.Body,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if in.GroupID != "" {
		s.ScopedGroupID = &in.GroupID
	}
	if in.CompanyID != "" {
		s.ScopedCompanyID = &in.CompanyID
	}
	if in.SharedSubjectID != "" {
		s.SharedSubjectID = &in.SharedSubjectID
		if in.Payload == nil {
			in.Payload = &model.Payload{Kind: model.PayloadShare}
		}
	}
	if in.Payload != nil {
		raw, err := json.Marshal(in.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		s.PayloadJSON = datatypes.JSON(raw)
	}

	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if in.SharedSubjectID != "" {
			var n int64
			if err := tx.Model(&model.Subject{}).Where("id = ?", in.SharedSubjectID).Count(&n).Error; err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("%w: shared subject %s", repository.ErrNotFound, in.SharedSubjectID)
			}
		}
		if err := tx.Create(s).Error; err != nil {
			return err
		}
		return repository.RecordChange(tx, changestream.TableSubjects, model.EventInsert, s, nil)
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Edit 修改正文；仅作者本人
func (p *Publisher) Edit(ctx context.Context, subjectID, userID, body string) (*model.Subject, error) {
	var out *model.Subject
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		old, err := ownedSubject(tx, subjectID, userID)
		if err != nil {
			return err
		}
		updated := *old
		updated.Body = body
		updated.UpdatedAt = time.Now().UTC()
		if err := tx.Model(&model.Subject{}).Where("id = ?", subjectID).
			Updates(map[string]any{"body": updated.Body, "updated_at": updated.UpdatedAt}).Error; err != nil {
			return err
		}
		out = &updated
		return repository.RecordChange(tx, changestream.TableSubjects, model.EventUpdate, &updated, old)
	})
	return out, err
}

// Delete 删除内容及其反应、评论；仅作者本人
func (p *Publisher) Delete(ctx context.Context, subjectID, userID string) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		old, err := ownedSubject(tx, subjectID, userID)
		if err != nil {
			return err
		}
		for _, m := range []any{&model.Reaction{}, &model.PollVote{}} {
			if err := tx.Where("subject_id = ?", subjectID).Delete(m).Error; err != nil {
				return err
			}
		}
		comments := tx.Model(&model.Comment{}).Select("id").Where("subject_id = ?", subjectID)
		if err := tx.Where("comment_id IN (?)", comments).Delete(&model.CommentReaction{}).Error; err != nil {
			return err
		}
		if err := tx.Where("subject_id = ?", subjectID).Delete(&model.Comment{}).Error; err != nil {
			return err
		}
		if err := tx.Where("id = ?", subjectID).Delete(&model.Subject{}).Error; err != nil {
			return err
		}
		return repository.RecordChange(tx, changestream.TableSubjects, model.EventDelete, nil, old)
	})
}

func ownedSubject(tx *gorm.DB, subjectID, userID string) (*model.Subject, error) {
	var s model.Subject
	err := repository.Locked(tx, "UPDATE").Where("id = ?", subjectID).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if s.AuthorID != userID {
		return nil, ErrForbidden
	}
	return &s, nil
}

func validatePublish(in *PublishInput) error {
	in.Body = strings.TrimSpace(in.Body)
	if in.AuthorID == "" {
		return fmt.Errorf("%w: author required", ErrInvalidInput)
	}
	if in.Body == "" && in.Payload == nil && in.SharedSubjectID == "" {
		return fmt.Errorf("%w: empty subject", ErrInvalidInput)
	}
	if in.Payload == nil {
		return nil
	}
	switch in.Payload.Kind {
	case model.PayloadPoll:
		poll := in.Payload.Poll
		if poll == nil || len(poll.Options) < 2 {
			return fmt.Errorf("%w: poll needs at least two options", ErrInvalidInput)
		}
		seen := make(map[string]bool, len(poll.Options))
		for _, o := range poll.Options {
			if o.ID == "" || seen[o.ID] {
				return fmt.Errorf("%w: poll option ids must be unique and non-empty", ErrInvalidInput)
			}
			seen[o.ID] = true
		}
	case model.PayloadIdea, model.PayloadEvent:
	case model.PayloadShare:
		if in.SharedSubjectID == "" {
			return fmt.Errorf("%w: share without target", ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: unknown payload kind %q", ErrInvalidInput, in.Payload.Kind)
	}
	return nil
}
