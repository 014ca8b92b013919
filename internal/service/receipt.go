package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"crm_chat/internal/domain"
	"crm_chat/internal/metrics"
	"crm_chat/internal/realtime"
	"crm_chat/internal/repository"
	apperrors "crm_chat/pkg/errors"
	"crm_chat/pkg/logger"
)

type ReceiptService interface {
	// MarkRead moves the caller's watermark to at (or now) unless it is
	// already later. It reports whether anything was written.
	MarkRead(ctx context.Context, roomID, userID uuid.UUID, at *time.Time) (bool, error)
	IsReadByOther(ctx context.Context, message *domain.Message) (bool, error)
	UnreadCount(ctx context.Context, roomID, userID uuid.UUID) (int, error)
}

type receiptService struct {
	roomRepo    repository.RoomRepository
	messageRepo repository.MessageRepository
	events      eventPublisher
	now         Clock
	log         logger.Logger
}

func NewReceiptService(repos *repository.Repositories, pub realtime.Publisher, log logger.Logger) ReceiptService {
	return newReceiptService(repos, pub, systemClock, log)
}

func newReceiptService(repos *repository.Repositories, pub realtime.Publisher, now Clock, log logger.Logger) *receiptService {
	return &receiptService{
		roomRepo:    repos.Room,
		messageRepo: repos.Message,
		events:      eventPublisher{pub: pub, log: log},
		now:         now,
		log:         log,
	}
}

func (s *receiptService) MarkRead(ctx context.Context, roomID, userID uuid.UUID, at *time.Time) (bool, error) {
	_, p, err := requireParticipant(ctx, s.roomRepo, roomID, userID)
	if err != nil {
		return false, err
	}

	target := s.now()
	if at != nil {
		target = *at
	} else {
		// message timestamps can run ahead of the wall clock under bursts
		latest, err := s.messageRepo.LatestCreatedAt(ctx, roomID)
		if err != nil {
			return false, err
		}
		if latest != nil && latest.After(target) {
			target = *latest
		}
	}
	target = target.UTC().Truncate(time.Microsecond)
	if p.HasRead(target) {
		return false, nil
	}

	moved, err := s.roomRepo.AdvanceLastRead(ctx, roomID, userID, target)
	if err != nil {
		return false, err
	}
	if !moved {
		return false, nil
	}

	metrics.ReadWatermarkWrites.Inc()
	s.events.publish(ctx, domain.EventReadUpdated, roomID, &userID, domain.ReadEvent{UserID: userID, LastReadAt: target})
	return true, nil
}

func (s *receiptService) IsReadByOther(ctx context.Context, message *domain.Message) (bool, error) {
	room, err := s.roomRepo.GetByID(ctx, message.RoomID)
	if err != nil {
		return false, err
	}
	if !room.IsDirect() {
		return false, apperrors.InvalidState("read status is only tracked for direct rooms")
	}
	participants, err := s.roomRepo.ListParticipants(ctx, room.ID)
	if err != nil {
		return false, err
	}
	return readByOther(participants, message), nil
}

// readByOther reports whether the direct-room partner of the sender has read message.
func readByOther(participants []*domain.Participant, message *domain.Message) bool {
	if message.SenderID == nil {
		return false
	}
	other := domain.OtherParticipant(participants, *message.SenderID)
	return other != nil && other.HasRead(message.CreatedAt)
}

func (s *receiptService) UnreadCount(ctx context.Context, roomID, userID uuid.UUID) (int, error) {
	_, p, err := requireParticipant(ctx, s.roomRepo, roomID, userID)
	if err != nil {
		return 0, err
	}
	return s.messageRepo.CountUnread(ctx, roomID, userID, p.LastReadAt)
}
