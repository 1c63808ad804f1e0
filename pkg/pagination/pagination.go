package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultLimit = 25
	MaxLimit     = 100

	cursorVersion = 1
)

// Params holds the raw page request of a list endpoint.
type Params struct {
	Limit  int
	Cursor string
}

// Cursor marks the last item of a page. Pages are ordered by At descending,
// ties broken by Key ascending.
type Cursor struct {
	At  time.Time
	Key string
}

type wireCursor struct {
	V   int    `json:"v"`
	At  int64  `json:"t"`
	Key string `json:"k"`
}

// NormalizeLimit clamps limit into [1, MaxLimit], mapping zero and negatives
// to DefaultLimit.
func NormalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}

// LimitWithBuffer is the row count to fetch so that Trim can tell whether a
// further page exists.
func LimitWithBuffer(limit int) int {
	return NormalizeLimit(limit) + 1
}

// EncodeCursor renders c as an opaque URL-safe token.
func EncodeCursor(c Cursor) string {
	raw, _ := json.Marshal(wireCursor{V: cursorVersion, At: c.At.UnixMicro(), Key: c.Key})
	return base64.RawURLEncoding.EncodeToString(raw)
}

// ParseCursor decodes a token produced by EncodeCursor. Blank input yields a
// nil cursor.
func ParseCursor(value string) (*Cursor, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	var wire wireCursor
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	if wire.V != cursorVersion {
		return nil, fmt.Errorf("unsupported cursor version %d", wire.V)
	}
	if wire.Key == "" {
		return nil, errors.New("cursor key is empty")
	}
	return &Cursor{At: time.UnixMicro(wire.At).UTC(), Key: wire.Key}, nil
}

// Less reports whether (aAt, aKey) sorts before (bAt, bKey) in page order.
func Less(aAt time.Time, aKey string, bAt time.Time, bKey string) bool {
	if !aAt.Equal(bAt) {
		return aAt.After(bAt)
	}
	return aKey < bKey
}

// After reports whether an item sorts strictly after the cursor.
func (c Cursor) After(at time.Time, key string) bool {
	return Less(c.At, c.Key, at, key)
}

// Trim cuts rows fetched with LimitWithBuffer down to one page and returns
// the cursor of its last row when more rows follow.
func Trim[T any](rows []T, limit int, cursorOf func(T) Cursor) ([]T, *Cursor) {
	limit = NormalizeLimit(limit)
	if len(rows) <= limit {
		return rows, nil
	}
	rows = rows[:limit]
	next := cursorOf(rows[limit-1])
	return rows, &next
}
