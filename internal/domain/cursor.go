package domain

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Cursor is a position in a room's (created_at, id) order.
// A cursor with zero CreatedAt was parsed from a bare message id and
// must be resolved against the store before use.
type Cursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

type cursorWire struct {
	TS int64  `json:"ts"`
	ID string `json:"id"`
}

func (c Cursor) Encode() string {
	raw, _ := json.Marshal(cursorWire{TS: c.CreatedAt.UnixMicro(), ID: c.ID.String()})
	return base64.RawURLEncoding.EncodeToString(raw)
}

func (c Cursor) Resolved() bool {
	return !c.CreatedAt.IsZero()
}

// Before reports whether c sorts strictly before o.
func (c Cursor) Before(o Cursor) bool {
	if !c.CreatedAt.Equal(o.CreatedAt) {
		return c.CreatedAt.Before(o.CreatedAt)
	}
	return bytes.Compare(c.ID[:], o.ID[:]) < 0
}

// DecodeCursor accepts an encoded cursor or a bare message id.
func DecodeCursor(s string) (*Cursor, error) {
	if id, err := uuid.Parse(s); err == nil {
		return &Cursor{ID: id}, nil
	}

	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	var w cursorWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	id, err := uuid.Parse(w.ID)
	if err != nil {
		return nil, fmt.Errorf("decode cursor id: %w", err)
	}
	if w.TS <= 0 {
		return nil, fmt.Errorf("decode cursor: missing timestamp")
	}
	return &Cursor{CreatedAt: time.UnixMicro(w.TS).UTC(), ID: id}, nil
}
