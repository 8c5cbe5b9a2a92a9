// Package changestream delivers row-level insert/update/delete notifications
// for the feed tables. Events originate from the change_events outbox and are
// published by the relay worker; subscribers filter by table and column.
package changestream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/d60-Lab/feedsync/internal/model"
)

// Tables carried by the stream.
const (
	TableSubjects         = "subjects"
	TableReactions        = "reactions"
	TableComments         = "comments"
	TableCommentReactions = "comment_reactions"
	TablePollVotes        = "poll_votes"
	TableMessages         = "messages"
	TableFollows          = "follows"
)

var ErrClosed = errors.New("changestream: closed")

// Event is a single row change.
type Event struct {
	ID          string          `json:"id"`
	Table       string          `json:"table"`
	Type        model.EventType `json:"event_type"`
	New         json.RawMessage `json:"new_row,omitempty"`
	Old         json.RawMessage `json:"old_row,omitempty"`
	CommittedAt time.Time       `json:"committed_at"`
}

// Row returns the new row image, falling back to the old one for deletes.
func (e Event) Row() json.RawMessage {
	if len(e.New) > 0 {
		return e.New
	}
	return e.Old
}

// Decode unmarshals Row() into dst.
func (e Event) Decode(dst any) error {
	row := e.Row()
	if len(row) == 0 {
		return fmt.Errorf("changestream: event %s has no row image", e.ID)
	}
	return json.Unmarshal(row, dst)
}

// Field returns the string value of col in the row image, "" if absent.
func (e Event) Field(col string) string {
	row := e.Row()
	if len(row) == 0 {
		return ""
	}
	var m map[string]any
	if err := json.Unmarshal(row, &m); err != nil {
		return ""
	}
	switch v := m[col].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Filter is an equality predicate on a single column. The zero Filter
// matches every event.
type Filter struct {
	Column string
	Value  string
}

func Eq(column, value string) Filter { return Filter{Column: column, Value: value} }

func (f Filter) IsZero() bool { return f.Column == "" }

func (f Filter) Match(e Event) bool {
	if f.IsZero() {
		return true
	}
	return e.Field(f.Column) == f.Value
}

func (f Filter) String() string {
	if f.IsZero() {
		return "*"
	}
	return f.Column + "=eq." + f.Value
}

// Handler receives events in publish order for one subscription.
type Handler func(Event)

// Subscription is an active listener; Unsubscribe is idempotent.
type Subscription interface {
	Unsubscribe() error
}

// Stream publishes and fans out change events.
type Stream interface {
	Publish(ctx context.Context, ev Event) error
	// Subscribe returns once the subscription is live.
	Subscribe(ctx context.Context, table string, filter Filter, h Handler) (Subscription, error)
	Close() error
}
