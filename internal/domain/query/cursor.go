package query

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Cursor is the opaque, base64-encoded sort-key token from §3: the last
// returned (timestamp, document id) pair under the composite sort
// (timestamp desc, id desc).
type Cursor struct {
	Timestamp time.Time `json:"ts"`
	DocID     string    `json:"id"`
}

// Encode renders the cursor as the opaque wire token.
func (c Cursor) Encode() (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("query: encode cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeCursor parses an opaque cursor token produced by Encode.
func DecodeCursor(token string) (Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("query: decode cursor: %w", err)
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return Cursor{}, fmt.Errorf("query: unmarshal cursor: %w", err)
	}
	return c, nil
}

// Pagination selects offset or cursor-based paging for one search call.
type Pagination struct {
	// Offset mode.
	From int
	Size int

	// Cursor mode; UseCursor implies Size still bounds the page.
	UseCursor bool
	After     *Cursor
}

// DefaultSize and MaxSize bound offset-mode paging (§4.7).
const (
	DefaultSize     = 100
	MaxSize         = 1000
	DeepPaginationLimit = 10000 // from+size above this forces cursor rewrite
)

// NeedsCursorRewrite reports whether an offset-mode request exceeds the
// store's deep-pagination limit and must be rewritten to cursor mode (§4.8
// edge case).
func NeedsCursorRewrite(p Pagination) bool {
	return !p.UseCursor && p.From+p.Size > DeepPaginationLimit
}
