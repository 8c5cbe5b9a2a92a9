package service

import (
	"context"
	"fmt"

	"github.com/d60-Lab/feedsync/internal/repository"
)

// RelationshipService 关注关系，驱动"关注的人"信息流；关注/取关经 outbox 通知实时层
type RelationshipService interface {
	Follow(ctx context.Context, fromUserID, toUserID string) error
	Unfollow(ctx context.Context, fromUserID, toUserID string) error
	ListFollowing(ctx context.Context, userID string, page, pageSize int) ([]string, error)
}

type relationshipService struct {
	followRepo repository.FollowRepository
}

func NewRelationshipService(followRepo repository.FollowRepository) RelationshipService {
	return &relationshipService{followRepo: followRepo}
}

func (s *relationshipService) Follow(ctx context.Context, fromUserID, toUserID string) error {
	if fromUserID == toUserID {
		return ErrFollowSelf
	}
	if toUserID == "" {
		return fmt.Errorf("%w: followee required", ErrInvalidInput)
	}
	_, err := s.followRepo.Follow(ctx, fromUserID, toUserID)
	return err
}

func (s *relationshipService) Unfollow(ctx context.Context, fromUserID, toUserID string) error {
	_, err := s.followRepo.Unfollow(ctx, fromUserID, toUserID)
	return err
}

func (s *relationshipService) ListFollowing(ctx context.Context, userID string, page, pageSize int) ([]string, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}
	if pageSize > 100 {
		pageSize = 100
	}
	ids, err := s.followRepo.Followees(ctx, userID, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, fmt.Errorf("list followees of %s: %w", userID, err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}
