// Package testutil provides an in-memory store and seed helpers for tests.
package testutil

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/d60-Lab/feedsync/internal/model"
	"github.com/d60-Lab/feedsync/pkg/database"
)

// OpenDB returns a migrated in-memory SQLite database. A single connection
// keeps every query on the same in-memory instance.
func OpenDB(tb testing.TB) *gorm.DB {
	tb.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		tb.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		tb.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	tb.Cleanup(func() { _ = sqlDB.Close() })

	if err := database.Migrate(db); err != nil {
		tb.Fatalf("migrate: %v", err)
	}
	return db
}

// Clock hands out strictly increasing UTC timestamps.
type Clock struct {
	t time.Time
}

func NewClock() *Clock {
	return &Clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *Clock) Next() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

// SubjectOpt customises a seeded subject.
type SubjectOpt func(*model.Subject)

func WithGroup(id string) SubjectOpt   { return func(s *model.Subject) { s.ScopedGroupID = &id } }
func WithCompany(id string) SubjectOpt { return func(s *model.Subject) { s.ScopedCompanyID = &id } }
func WithShare(id string) SubjectOpt {
	return func(s *model.Subject) {
		s.SharedSubjectID = &id
		s.PayloadJSON = mustJSON(model.Payload{Kind: model.PayloadShare})
	}
}
func WithAt(at time.Time) SubjectOpt { return func(s *model.Subject) { s.CreatedAt = at; s.UpdatedAt = at } }
func WithID(id string) SubjectOpt    { return func(s *model.Subject) { s.ID = id } }
func WithPoll(options ...string) SubjectOpt {
	return func(s *model.Subject) {
		poll := &model.Poll{Question: "pick one"}
		for _, o := range options {
			poll.Options = append(poll.Options, model.PollOption{ID: o, Label: o})
		}
		s.PayloadJSON = mustJSON(model.Payload{Kind: model.PayloadPoll, Poll: poll})
	}
}

func SeedSubject(tb testing.TB, db *gorm.DB, authorID string, opts ...SubjectOpt) *model.Subject {
	tb.Helper()
	now := time.Now().UTC()
	s := &model.Subject{ID: uuid.NewString(), AuthorID: authorID, Body: "hello", CreatedAt: now, UpdatedAt: now}
	for _, o := range opts {
		o(s)
	}
	if err := db.WithContext(context.Background()).Create(s).Error; err != nil {
		tb.Fatalf("seed subject: %v", err)
	}
	return s
}

func SeedComment(tb testing.TB, db *gorm.DB, subjectID, authorID string, at time.Time) *model.Comment {
	tb.Helper()
	c := &model.Comment{ID: uuid.NewString(), SubjectID: subjectID, AuthorID: authorID, Body: "nice", CreatedAt: at}
	if err := db.Create(c).Error; err != nil {
		tb.Fatalf("seed comment: %v", err)
	}
	return c
}

func SeedReaction(tb testing.TB, db *gorm.DB, subjectID, userID string, typ model.ReactionType) {
	tb.Helper()
	now := time.Now().UTC()
	r := &model.Reaction{SubjectID: subjectID, UserID: userID, ReactionType: typ, CreatedAt: now, UpdatedAt: now}
	if err := db.Create(r).Error; err != nil {
		tb.Fatalf("seed reaction: %v", err)
	}
}

func SeedGroup(tb testing.TB, db *gorm.DB, name string) *model.Group {
	tb.Helper()
	g := &model.Group{ID: uuid.NewString(), Name: name, Slug: name, AvatarURL: "https://cdn.example.com/" + name + ".png"}
	if err := db.Create(g).Error; err != nil {
		tb.Fatalf("seed group: %v", err)
	}
	return g
}

func SeedCompany(tb testing.TB, db *gorm.DB, name string) *model.Company {
	tb.Helper()
	c := &model.Company{ID: uuid.NewString(), Name: name, Slug: name}
	if err := db.Create(c).Error; err != nil {
		tb.Fatalf("seed company: %v", err)
	}
	return c
}

func SeedUser(tb testing.TB, db *gorm.DB, username string) *model.User {
	tb.Helper()
	u := &model.User{ID: uuid.NewString(), Username: username, DisplayName: username}
	if err := db.Create(u).Error; err != nil {
		tb.Fatalf("seed user: %v", err)
	}
	return u
}

func mustJSON(v any) datatypes.JSON {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return datatypes.JSON(raw)
}
