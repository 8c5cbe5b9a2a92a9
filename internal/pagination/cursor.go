// Package pagination implements keyset cursors over (created_at DESC, id DESC).
package pagination

import (
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
)

var ErrBadCursor = errors.New("invalid cursor")

// Cursor is the exclusive upper bound of the next page: the creation time of
// the last returned item, with its id breaking timestamp ties.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// After builds the cursor that follows an item.
func After(createdAt time.Time, id string) *Cursor {
	return &Cursor{CreatedAt: createdAt, ID: id}
}

// Encode renders the cursor as an opaque url-safe token.
func (c *Cursor) Encode() string {
	if c == nil {
		return ""
	}
	raw := c.CreatedAt.UTC().Format(time.RFC3339Nano) + "|" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses a token produced by Encode; "" yields a nil cursor.
func Decode(token string) (*Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrBadCursor
	}
	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok {
		return nil, ErrBadCursor
	}
	at, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, ErrBadCursor
	}
	return &Cursor{CreatedAt: at, ID: id}, nil
}

// Scope applies keyset ordering and the cursor bound. table qualifies the
// columns when the query joins other tables.
func Scope(table string, c *Cursor) func(*gorm.DB) *gorm.DB {
	col := func(name string) string {
		if table == "" {
			return name
		}
		return table + "." + name
	}
	return func(db *gorm.DB) *gorm.DB {
		if c != nil {
			db = db.Where(
				col("created_at")+" < ? OR ("+col("created_at")+" = ? AND "+col("id")+" < ?)",
				c.CreatedAt, c.CreatedAt, c.ID,
			)
		}
		return db.Order(col("created_at") + " DESC").Order(col("id") + " DESC")
	}
}

// Limit clamps a requested page size into [1, max], using def for <= 0.
func Limit(requested, def, max int) int {
	if requested <= 0 {
		requested = def
	}
	if max > 0 && requested > max {
		requested = max
	}
	if requested <= 0 {
		requested = 1
	}
	return requested
}
