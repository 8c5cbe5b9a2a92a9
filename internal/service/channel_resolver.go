package service

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
	"gorm.io/gorm"

	"github.com/d60-Lab/feedsync/internal/model"
	"github.com/d60-Lab/feedsync/internal/repository"
	"github.com/d60-Lab/feedsync/pkg/logger"
)

// PairKey 私聊双方的规范化键：与参数顺序无关
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	sum := blake2b.Sum256([]byte(a + "\x00" + b))
	return hex.EncodeToString(sum[:])
}

// ChannelResolver finds or creates the private channel between two users.
type ChannelResolver struct {
	db              *gorm.DB
	channels        repository.ChannelRepository
	publicChannelID string
}

func NewChannelResolver(db *gorm.DB, channels repository.ChannelRepository, publicChannelID string) *ChannelResolver {
	return &ChannelResolver{db: db, channels: channels, publicChannelID: publicChannelID}
}

// ResolveOrCreate returns the channel id for a conversation between userA
// and peer. The public channel id resolves to itself. Repeated and concurrent
// calls for the same pair return the same channel.
func (r *ChannelResolver) ResolveOrCreate(ctx context.Context, userA, peer string) (string, error) {
	if userA == "" || peer == "" {
		return "", fmt.Errorf("%w: both users required", ErrInvalidInput)
	}
	if peer == r.publicChannelID {
		return r.publicChannelID, nil
	}
	if userA == peer {
		return "", ErrSameUser
	}

	if id, ok, err := r.findExisting(ctx, userA, peer); err != nil || ok {
		return id, err
	}
	return r.create(ctx, userA, peer)
}

// findExisting scans A's private channels in creation order for the first
// one whose members are exactly {A, B}. Channels with any other member count
// are skipped.
func (r *ChannelResolver) findExisting(ctx context.Context, userA, peer string) (string, bool, error) {
	ids, err := r.channels.PrivateChannelIDs(ctx, userA)
	if err != nil {
		return "", false, fmt.Errorf("list channels of %s: %w", userA, err)
	}
	if len(ids) == 0 {
		return "", false, nil
	}
	members, err := r.channels.Members(ctx, ids)
	if err != nil {
		return "", false, fmt.Errorf("load channel members: %w", err)
	}
	for _, id := range ids {
		m := members[id]
		if !contains(m, peer) {
			continue
		}
		if len(m) != 2 {
			logger.Warn("skipping malformed private channel",
				zap.String("channel", id), zap.Int("members", len(m)))
			continue
		}
		return id, true, nil
	}
	return "", false, nil
}

func (r *ChannelResolver) create(ctx context.Context, userA, peer string) (string, error) {
	key := PairKey(userA, peer)
	now := time.Now().UTC()
	ch := &model.Channel{ID: uuid.New().String(), IsPrivate: true, PairKey: &key, CreatedAt: now}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(ch).Error; err != nil {
			return err
		}
		members := []model.ChannelMember{
			{ChannelID: ch.ID, UserID: userA, JoinedAt: now},
			{ChannelID: ch.ID, UserID: peer, JoinedAt: now},
		}
		return tx.Create(&members).Error
	})
	if err == nil {
		return ch.ID, nil
	}

	// 并发创建：唯一索引拒绝后以胜出方为准
	existing, findErr := r.channels.FindByPairKey(ctx, key)
	if findErr == nil {
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			logger.Debug("channel create failed but pair exists", zap.String("pair", key), zap.Error(err))
		}
		return existing.ID, nil
	}
	return "", fmt.Errorf("create channel: %w", err)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
