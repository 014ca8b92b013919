package domain

import (
	"time"

	"github.com/google/uuid"
)

// Notification is a push request handed to the delivery service.
type Notification struct {
	ID          uuid.UUID  `json:"id"`
	RecipientID uuid.UUID  `json:"recipient_id"`
	RoomID      uuid.UUID  `json:"room_id"`
	MessageID   uuid.UUID  `json:"message_id"`
	SenderID    *uuid.UUID `json:"sender_id,omitempty"`
	SenderName  string     `json:"sender_name"`
	RoomName    string     `json:"room_name,omitempty"`
	Preview     string     `json:"preview"`
	Reason      string     `json:"reason"`
	CreatedAt   time.Time  `json:"created_at"`
}

const (
	NotificationReasonMessage = "message"
	NotificationReasonMention = "mention"
)
