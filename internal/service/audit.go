package service

import (
	"context"

	"github.com/google/uuid"

	"crm_chat/internal/domain"
	"crm_chat/internal/repository"
	"crm_chat/pkg/logger"
)

type AuditService interface {
	LogEvent(ctx context.Context, actorUserID *uuid.UUID, actorRole string, roomID *uuid.UUID, eventType string, payload map[string]interface{})
	RoomHistory(ctx context.Context, roomID uuid.UUID, limit int) ([]*domain.AuditLog, error)
}

type auditService struct {
	auditRepo repository.AuditRepository
	now       Clock
	log       logger.Logger
}

func NewAuditService(auditRepo repository.AuditRepository, log logger.Logger) AuditService {
	return &auditService{
		auditRepo: auditRepo,
		now:       systemClock,
		log:       log,
	}
}

// LogEvent records an audit entry. A failed write is logged and does not fail
// the operation being audited.
func (s *auditService) LogEvent(ctx context.Context, actorUserID *uuid.UUID, actorRole string, roomID *uuid.UUID, eventType string, payload map[string]interface{}) {
	if payload == nil {
		payload = make(map[string]interface{})
	}

	auditLog := &domain.AuditLog{
		EventTime:   s.now().UTC(),
		ActorUserID: actorUserID,
		ActorRole:   actorRole,
		RoomID:      roomID,
		EventType:   eventType,
		Payload:     payload,
	}

	if err := s.auditRepo.CreateLog(ctx, auditLog); err != nil {
		s.log.Warn("Failed to write audit log", "error", err, "event_type", eventType)
	}
}

func (s *auditService) RoomHistory(ctx context.Context, roomID uuid.UUID, limit int) ([]*domain.AuditLog, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.auditRepo.ListByRoom(ctx, roomID, limit)
}
