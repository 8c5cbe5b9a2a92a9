package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/d60-Lab/feedsync/internal/changestream"
	"github.com/d60-Lab/feedsync/internal/model"
	"github.com/d60-Lab/feedsync/internal/pagination"
	"github.com/d60-Lab/feedsync/internal/repository"
)

// MessagePage 消息历史，新消息在前
type MessagePage struct {
	Items      []*model.Message `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

// ChannelService 会话消息收发；公共频道对所有人开放
type ChannelService struct {
	db              *gorm.DB
	channels        repository.ChannelRepository
	publicChannelID string
	pageSize        int
	maxPageSize     int
}

func NewChannelService(db *gorm.DB, channels repository.ChannelRepository, publicChannelID string, pageSize, maxPageSize int) *ChannelService {
	if pageSize <= 0 {
		pageSize = 100
	}
	if maxPageSize < pageSize {
		maxPageSize = pageSize
	}
	return &ChannelService{db: db, channels: channels, publicChannelID: publicChannelID, pageSize: pageSize, maxPageSize: maxPageSize}
}

// Authorize returns ErrForbidden unless userID may read channelID.
func (s *ChannelService) Authorize(ctx context.Context, userID, channelID string) error {
	if channelID == s.publicChannelID {
		return nil
	}
	ok, err := s.channels.IsMember(ctx, channelID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}

func (s *ChannelService) Send(ctx context.Context, channelID, authorID, body string) (*model.Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, fmt.Errorf("%w: empty message", ErrInvalidInput)
	}
	if err := s.Authorize(ctx, authorID, channelID); err != nil {
		return nil, err
	}
	m := &model.Message{
		ID:        uuid.New().String(),
		ChannelID: channelID,
		AuthorID:  authorID,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(m).Error; err != nil {
			return err
		}
		return repository.RecordChange(tx, changestream.TableMessages, model.EventInsert, m, nil)
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *ChannelService) History(ctx context.Context, channelID, userID, cursorToken string, limit int) (*MessagePage, error) {
	if err := s.Authorize(ctx, userID, channelID); err != nil {
		return nil, err
	}
	cursor, err := pagination.Decode(cursorToken)
	if err != nil {
		return nil, err
	}
	limit = pagination.Limit(limit, s.pageSize, s.maxPageSize)
	items, err := s.channels.Messages(ctx, channelID, cursor, limit)
	if err != nil {
		return nil, err
	}
	page := &MessagePage{Items: items}
	if len(items) == limit {
		last := items[len(items)-1]
		page.NextCursor = pagination.After(last.CreatedAt, last.ID).Encode()
	}
	return page, nil
}
