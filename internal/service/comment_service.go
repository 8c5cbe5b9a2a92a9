package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/d60-Lab/feedsync/internal/changestream"
	"github.com/d60-Lab/feedsync/internal/model"
	"github.com/d60-Lab/feedsync/internal/repository"
)

// CommentService 评论写入；读取走 feed.Service.Comments
type CommentService struct {
	db *gorm.DB
}

func NewCommentService(db *gorm.DB) *CommentService { return &CommentService{db: db} }

func (s *CommentService) Add(ctx context.Context, subjectID, authorID, body string) (*model.Comment, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, fmt.Errorf("%w: empty comment", ErrInvalidInput)
	}
	c := &model.Comment{
		ID:        uuid.New().String(),
		SubjectID: subjectID,
		AuthorID:  authorID,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&model.Subject{}).Where("id = ?", subjectID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return repository.ErrNotFound
		}
		if err := tx.Create(c).Error; err != nil {
			return err
		}
		return repository.RecordChange(tx, changestream.TableComments, model.EventInsert, c, nil)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Delete 评论作者或内容作者可删除
func (s *CommentService) Delete(ctx context.Context, commentID, userID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c model.Comment
		err := repository.Locked(tx, "UPDATE").Where("id = ?", commentID).First(&c).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return repository.ErrNotFound
		}
		if err != nil {
			return err
		}
		if c.AuthorID != userID {
			var owner model.Subject
			if err := tx.Select("author_id").Where("id = ?", c.SubjectID).First(&owner).Error; err != nil || owner.AuthorID != userID {
				return ErrForbidden
			}
		}
		if err := tx.Where("comment_id = ?", commentID).Delete(&model.CommentReaction{}).Error; err != nil {
			return err
		}
		if err := tx.Where("id = ?", commentID).Delete(&model.Comment{}).Error; err != nil {
			return err
		}
		return repository.RecordChange(tx, changestream.TableComments, model.EventDelete, nil, &c)
	})
}
