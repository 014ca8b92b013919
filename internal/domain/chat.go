package domain

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

type Message struct {
	ID          uuid.UUID  `json:"id"`
	RoomID      uuid.UUID  `json:"room_id"`
	SenderID    *uuid.UUID `json:"sender_id,omitempty"`
	Content     *string    `json:"content"`
	MessageType string     `json:"message_type"`
	ReplyToID   *uuid.UUID `json:"reply_to_id,omitempty"`
	IsEdited    bool       `json:"is_edited"`
	IsDeleted   bool       `json:"is_deleted"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	Files       []*File    `json:"files,omitempty"`
}

type File struct {
	ID           uuid.UUID  `json:"id"`
	MessageID    *uuid.UUID `json:"message_id,omitempty"`
	RoomID       uuid.UUID  `json:"room_id"`
	UploaderID   uuid.UUID  `json:"uploader_id"`
	FileName     string     `json:"file_name"`
	MimeType     string     `json:"mime_type"`
	Kind         string     `json:"kind"`
	Size         int64      `json:"size"`
	SizeLabel    string     `json:"size_label,omitempty"`
	URL          string     `json:"url"`
	ThumbnailURL *string    `json:"thumbnail_url,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// MessageView is a message as rendered for one viewer.
type MessageView struct {
	*Message
	ReplyTo   *Message        `json:"reply_to,omitempty"`
	Reactions []ReactionGroup `json:"reactions"`
	IsRead    *bool           `json:"is_read,omitempty"`
	LocalID   string          `json:"local_id,omitempty"`
	Pending   bool            `json:"pending,omitempty"`
}

type MessagePage struct {
	Messages   []*MessageView `json:"messages"`
	HasMore    bool           `json:"has_more"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

const (
	MessageTypeText   = "text"
	MessageTypeSystem = "system"
)

const (
	FileKindImage = "image"
	FileKindFile  = "file"
)

const previewLength = 100

func (m *Message) IsSystem() bool {
	return m.MessageType == MessageTypeSystem
}

func (m *Message) Cursor() Cursor {
	return Cursor{CreatedAt: m.CreatedAt, ID: m.ID}
}

// Tombstone returns the client-visible form of a deleted message.
// Live messages are returned unchanged.
func (m *Message) Tombstone() *Message {
	if !m.IsDeleted {
		return m
	}
	t := *m
	t.Content = nil
	t.Files = nil
	return &t
}

// Preview is the room list snippet for the message.
func (m *Message) Preview() string {
	if m.Content != nil {
		text := strings.TrimSpace(*m.Content)
		if text != "" {
			if utf8.RuneCountInString(text) > previewLength {
				r := []rune(text)
				return string(r[:previewLength]) + "…"
			}
			return text
		}
	}
	if len(m.Files) > 0 {
		if m.Files[0].Kind == FileKindImage {
			return "[image]"
		}
		return "[file] " + m.Files[0].FileName
	}
	return ""
}

// Less orders messages by (created_at, id).
func Less(a, b *Message) bool {
	return a.Cursor().Before(b.Cursor())
}

func FileKindForMime(mime string) string {
	if strings.HasPrefix(mime, "image/") {
		return FileKindImage
	}
	return FileKindFile
}
