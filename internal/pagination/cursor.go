// Package pagination implements keyset cursors for the reservation and
// drift exception listings.
//
// Both listings order rows by (created_at, decision_id) descending. A
// cursor names the last row of a page together with a fingerprint of the
// filter the page was read under; replaying it against another tenant,
// state or status set is rejected instead of silently skipping rows.
package pagination

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	ErrInvalidCursor  = errors.New("invalid cursor")
	ErrCursorMismatch = errors.New("cursor belongs to a different listing filter")
)

// Cursor is the position after which the next page starts.
type Cursor struct {
	CreatedAt  time.Time `json:"t"`
	DecisionID string    `json:"d"`
	Filter     string    `json:"f"`
}

// Filter fingerprints a listing and its filter values. Values are order
// sensitive; callers sort multi-valued filters first.
func Filter(listing string, values ...string) string {
	sum := sha256.Sum256([]byte(listing + "\x00" + strings.Join(values, "\x00")))
	return hex.EncodeToString(sum[:8])
}

// Encode returns the opaque form of c.
func Encode(c Cursor) string {
	c.CreatedAt = c.CreatedAt.UTC()
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// Decode parses s and checks that it was issued under filter. An empty s
// means the first page and yields nil.
func Decode(s, filter string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil || c.DecisionID == "" || c.CreatedAt.IsZero() {
		return nil, ErrInvalidCursor
	}
	if c.Filter != filter {
		return nil, ErrCursorMismatch
	}
	return &c, nil
}

// Page trims rows fetched with limit+1 to limit and returns the cursor
// for the next page, if there is one.
func Page[T any](rows []T, limit int, filter string, key func(T) (time.Time, string)) ([]T, string, bool) {
	if len(rows) <= limit {
		return rows, "", false
	}
	rows = rows[:limit]
	createdAt, id := key(rows[len(rows)-1])
	return rows, Encode(Cursor{CreatedAt: createdAt, DecisionID: id, Filter: filter}), true
}
