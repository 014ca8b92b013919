package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is a room state change fanned out to live sessions.
type Event struct {
	Type    string          `json:"type"`
	RoomID  uuid.UUID       `json:"room_id"`
	ActorID *uuid.UUID      `json:"actor_id,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	At      time.Time       `json:"at"`
	Origin  string          `json:"origin,omitempty"`
}

const (
	EventMessageCreated     = "message.created"
	EventMessageUpdated     = "message.updated"
	EventMessageDeleted     = "message.deleted"
	EventReactionUpdated    = "reaction.updated"
	EventTypingUpdated      = "typing.updated"
	EventReadUpdated        = "read.updated"
	EventParticipantUpdated = "participant.updated"
	EventParticipantJoined  = "participant.joined"
	EventParticipantLeft    = "participant.left"
	EventRoomUpdated        = "room.updated"
)

type ReactionEvent struct {
	MessageID uuid.UUID  `json:"message_id"`
	UserID    uuid.UUID  `json:"user_id"`
	Emoji     string     `json:"emoji"`
	Added     bool       `json:"added"`
	Reactions []Reaction `json:"reactions"`
}

type TypingEvent struct {
	UserID   uuid.UUID `json:"user_id"`
	IsTyping bool      `json:"is_typing"`
}

type ReadEvent struct {
	UserID     uuid.UUID `json:"user_id"`
	LastReadAt time.Time `json:"last_read_at"`
}

func NewEvent(eventType string, roomID uuid.UUID, actorID *uuid.UUID, payload interface{}) (Event, error) {
	ev := Event{Type: eventType, RoomID: roomID, ActorID: actorID, At: time.Now().UTC()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Event{}, err
		}
		ev.Data = raw
	}
	return ev, nil
}

// DecodeMessage returns the message carried by a message.* event.
func (e Event) DecodeMessage() (*Message, error) {
	var m Message
	if err := json.Unmarshal(e.Data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
