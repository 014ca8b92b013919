package domain

import (
	"time"

	"github.com/google/uuid"
)

type Room struct {
	ID                 uuid.UUID  `json:"id"`
	Kind               string     `json:"kind"`
	Name               *string    `json:"name,omitempty"`
	DirectKey          *string    `json:"-"`
	CreatedBy          uuid.UUID  `json:"created_by"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	LastMessageAt      *time.Time `json:"last_message_at,omitempty"`
	LastMessagePreview *string    `json:"last_message_preview,omitempty"`
}

type Participant struct {
	RoomID              uuid.UUID  `json:"room_id"`
	UserID              uuid.UUID  `json:"user_id"`
	Role                string     `json:"role"`
	JoinedAt            time.Time  `json:"joined_at"`
	LastReadAt          *time.Time `json:"last_read_at,omitempty"`
	NotificationSetting string     `json:"notification_setting"`
	IsPinned            bool       `json:"is_pinned"`
}

// RoomSummary is one row of a user's room list.
type RoomSummary struct {
	*Room
	Participants []*Participant `json:"participants"`
	Me           *Participant   `json:"me"`
	OtherUser    *User          `json:"other_user,omitempty"`
	UnreadCount  int            `json:"unread_count"`
}

// ParticipantSettings is a partial update; nil fields are left unchanged.
type ParticipantSettings struct {
	NotificationSetting *string `json:"notification_setting,omitempty"`
	IsPinned            *bool   `json:"is_pinned,omitempty"`
}

const (
	RoomKindDirect = "direct"
	RoomKindGroup  = "group"
)

const (
	ParticipantRoleAdmin  = "admin"
	ParticipantRoleMember = "member"
)

const (
	NotifyAll      = "all"
	NotifyMentions = "mentions"
	NotifyNone     = "none"
)

// DirectKey identifies the unordered pair of users of a direct room.
func DirectKey(a, b uuid.UUID) string {
	x, y := a.String(), b.String()
	if y < x {
		x, y = y, x
	}
	return x + ":" + y
}

func (r *Room) IsDirect() bool {
	return r.Kind == RoomKindDirect
}

// HasRead reports whether the participant's watermark covers t.
func (p *Participant) HasRead(t time.Time) bool {
	return p.LastReadAt != nil && !p.LastReadAt.Before(t)
}

func ValidNotificationSetting(s string) bool {
	switch s {
	case NotifyAll, NotifyMentions, NotifyNone:
		return true
	}
	return false
}

// OtherParticipant returns the member of a direct room that is not userID.
func OtherParticipant(participants []*Participant, userID uuid.UUID) *Participant {
	for _, p := range participants {
		if p.UserID != userID {
			return p
		}
	}
	return nil
}
