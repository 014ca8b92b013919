package domain

import (
	"time"

	"github.com/google/uuid"
)

type AuditLog struct {
	ID          uuid.UUID              `json:"id"`
	EventTime   time.Time              `json:"event_time"`
	ActorUserID *uuid.UUID             `json:"actor_user_id,omitempty"`
	ActorRole   string                 `json:"actor_role"`
	RoomID      *uuid.UUID             `json:"room_id,omitempty"`
	EventType   string                 `json:"event_type"`
	Payload     map[string]interface{} `json:"payload"`
}

const (
	ActorRoleUser   = "user"
	ActorRoleAdmin  = "room_admin"
	ActorRoleSystem = "system"
)

const (
	AuditRoomCreated       = "ROOM_CREATED"
	AuditRoomRenamed       = "ROOM_RENAMED"
	AuditParticipantsAdded = "PARTICIPANTS_ADDED"
	AuditParticipantLeft   = "PARTICIPANT_LEFT"
	AuditAdminHandedOff    = "ADMIN_HANDED_OFF"
	AuditMessageDeleted    = "MESSAGE_DELETED"
)
