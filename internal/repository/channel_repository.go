package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/d60-Lab/feedsync/internal/model"
	"github.com/d60-Lab/feedsync/internal/pagination"
)

type ChannelRepository interface {
	// PrivateChannelIDs 用户参与的全部私聊
	PrivateChannelIDs(ctx context.Context, userID string) ([]string, error)
	// Members 一次查询返回多个会话的成员
	Members(ctx context.Context, channelIDs []string) (map[string][]string, error)
	FindByPairKey(ctx context.Context, pairKey string) (*model.Channel, error)
	IsMember(ctx context.Context, channelID, userID string) (bool, error)
	Messages(ctx context.Context, channelID string, cursor *pagination.Cursor, limit int) ([]*model.Message, error)
}

type channelRepository struct{ db *gorm.DB }

func NewChannelRepository(db *gorm.DB) ChannelRepository { return &channelRepository{db: db} }

func (r *channelRepository) PrivateChannelIDs(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Table("channel_members").
		Select("channel_members.channel_id").
		Joins("JOIN channels ON channels.id = channel_members.channel_id").
		Where("channel_members.user_id = ? AND channels.is_private = ?", userID, true).
		Order("channels.created_at ASC").
		Scan(&ids).Error
	return ids, err
}

func (r *channelRepository) Members(ctx context.Context, channelIDs []string) (map[string][]string, error) {
	out := make(map[string][]string, len(channelIDs))
	if len(channelIDs) == 0 {
		return out, nil
	}
	var rows []model.ChannelMember
	if err := r.db.WithContext(ctx).Where("channel_id IN ?", channelIDs).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, m := range rows {
		out[m.ChannelID] = append(out[m.ChannelID], m.UserID)
	}
	return out, nil
}

func (r *channelRepository) FindByPairKey(ctx context.Context, pairKey string) (*model.Channel, error) {
	var ch model.Channel
	err := r.db.WithContext(ctx).Where("pair_key = ?", pairKey).First(&ch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

func (r *channelRepository) IsMember(ctx context.Context, channelID, userID string) (bool, error) {
	var cnt int64
	err := r.db.WithContext(ctx).Model(&model.ChannelMember{}).
		Where("channel_id = ? AND user_id = ?", channelID, userID).
		Count(&cnt).Error
	return cnt > 0, err
}

func (r *channelRepository) Messages(ctx context.Context, channelID string, cursor *pagination.Cursor, limit int) ([]*model.Message, error) {
	var res []*model.Message
	err := r.db.WithContext(ctx).
		Where("channel_id = ?", channelID).
		Scopes(pagination.Scope("", cursor)).
		Limit(limit).
		Find(&res).Error
	return res, err
}
