package service

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/d60-Lab/feedsync/internal/changestream"
	"github.com/d60-Lab/feedsync/internal/model"
	"github.com/d60-Lab/feedsync/internal/repository"
)

// VoteResult 投票结果与最新计票
type VoteResult struct {
	OptionID string           `json:"option_id"`
	Previous string           `json:"previous,omitempty"`
	Tally    map[string]int64 `json:"tally"`
}

// PollService 每人每个投票一票，重复投票替换选项
type PollService struct {
	db       *gorm.DB
	subjects repository.SubjectRepository
	votes    repository.PollVoteRepository
}

func NewPollService(db *gorm.DB, subjects repository.SubjectRepository, votes repository.PollVoteRepository) *PollService {
	return &PollService{db: db, subjects: subjects, votes: votes}
}

func (s *PollService) Vote(ctx context.Context, subjectID, userID, optionID string) (*VoteResult, error) {
	subj, err := s.subjects.Get(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	p := subj.DecodePayload()
	if p == nil || p.Kind != model.PayloadPoll || p.Poll == nil {
		return nil, fmt.Errorf("%w: subject %s has no poll", ErrInvalidInput, subjectID)
	}
	if !p.Poll.HasOption(optionID) {
		return nil, fmt.Errorf("%w: unknown option %q", ErrInvalidInput, optionID)
	}

	now := time.Now().UTC()
	vote := &model.PollVote{SubjectID: subjectID, UserID: userID, OptionID: optionID, CreatedAt: now, UpdatedAt: now}
	var prev string
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		prev, err = s.votes.Upsert(ctx, tx, vote)
		if err != nil {
			return err
		}
		if prev == optionID {
			return nil
		}
		typ := model.EventInsert
		var old any
		if prev != "" {
			typ = model.EventUpdate
			old = &model.PollVote{SubjectID: subjectID, UserID: userID, OptionID: prev}
		}
		return repository.RecordChange(tx, changestream.TablePollVotes, typ, vote, old)
	})
	if err != nil {
		return nil, err
	}
	tally, err := s.votes.Tally(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	return &VoteResult{OptionID: optionID, Previous: prev, Tally: tally}, nil
}
