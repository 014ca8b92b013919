package repository

import (
	"context"
	"encoding/json"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"crm_chat/internal/domain"
	"crm_chat/pkg/logger"
)

type AuditRepository interface {
	CreateLog(ctx context.Context, log *domain.AuditLog) error
	ListByRoom(ctx context.Context, roomID uuid.UUID, limit int) ([]*domain.AuditLog, error)
}

type auditRepository struct {
	db  *DB
	log logger.Logger
}

func NewAuditRepository(db *DB, log logger.Logger) AuditRepository {
	return &auditRepository{db: db, log: log}
}

func (r *auditRepository) CreateLog(ctx context.Context, auditLog *domain.AuditLog) error {
	if auditLog.ID == uuid.Nil {
		auditLog.ID = uuid.New()
	}
	payload, err := json.Marshal(auditLog.Payload)
	if err != nil {
		return err
	}

	_, err = r.db.exec(ctx, r.db.sb.Insert("chat_audit_log").
		Columns("id", "event_time", "actor_user_id", "actor_role", "room_id", "event_type", "payload").
		Values(auditLog.ID.String(), toMicro(auditLog.EventTime), nullID(auditLog.ActorUserID), auditLog.ActorRole,
			nullID(auditLog.RoomID), auditLog.EventType, string(payload)))
	if err != nil {
		r.log.Error("Failed to create audit log", "error", err)
		return err
	}

	return nil
}

func (r *auditRepository) ListByRoom(ctx context.Context, roomID uuid.UUID, limit int) ([]*domain.AuditLog, error) {
	rows, err := r.db.query(ctx, r.db.sb.Select("id", "event_time", "actor_user_id", "actor_role", "room_id", "event_type", "payload").
		From("chat_audit_log").
		Where(sq.Eq{"room_id": roomID.String()}).
		OrderBy("event_time DESC", "id").
		Limit(uint64(limit)))
	if err != nil {
		r.log.Error("Failed to list audit log", "error", err)
		return nil, err
	}
	defer rows.Close()

	var logs []*domain.AuditLog
	for rows.Next() {
		entry := &domain.AuditLog{}
		var eventTime int64
		var actor, room uuid.NullUUID
		var payload string
		if err := rows.Scan(&entry.ID, &eventTime, &actor, &entry.ActorRole, &room, &entry.EventType, &payload); err != nil {
			r.log.Error("Failed to scan audit log", "error", err)
			return nil, err
		}
		entry.EventTime = fromMicro(eventTime)
		entry.ActorUserID = fromNullUUID(actor)
		entry.RoomID = fromNullUUID(room)
		if err := json.Unmarshal([]byte(payload), &entry.Payload); err != nil {
			r.log.Warn("Failed to decode audit payload", "error", err, "id", entry.ID)
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}
