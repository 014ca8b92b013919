package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"crm_chat/internal/domain"
	"crm_chat/internal/realtime"
	"crm_chat/internal/repository"
	"crm_chat/pkg/logger"
)

// TypingService tracks who is typing. Entries expire on their own and are
// never used for anything persistent.
type TypingService interface {
	SetTyping(ctx context.Context, roomID, userID uuid.UUID, isTyping bool) error
	ListTypingUsers(ctx context.Context, roomID, excludeUserID uuid.UUID) ([]uuid.UUID, error)
}

type typingService struct {
	roomRepo   repository.RoomRepository
	typingRepo repository.TypingRepository
	events     eventPublisher
	ttl        time.Duration
	now        Clock
	log        logger.Logger
}

func NewTypingService(repos *repository.Repositories, pub realtime.Publisher, ttl time.Duration, log logger.Logger) TypingService {
	return newTypingService(repos, pub, ttl, systemClock, log)
}

func newTypingService(repos *repository.Repositories, pub realtime.Publisher, ttl time.Duration, now Clock, log logger.Logger) *typingService {
	if ttl <= 0 {
		ttl = 3 * time.Second
	}
	return &typingService{
		roomRepo:   repos.Room,
		typingRepo: repos.Typing,
		events:     eventPublisher{pub: pub, log: log},
		ttl:        ttl,
		now:        now,
		log:        log,
	}
}

func (s *typingService) SetTyping(ctx context.Context, roomID, userID uuid.UUID, isTyping bool) error {
	if _, _, err := requireParticipant(ctx, s.roomRepo, roomID, userID); err != nil {
		return err
	}

	if isTyping {
		// key TTL outlives entries so an idle room's set disappears by itself
		if err := s.typingRepo.Set(ctx, roomID, userID, s.now().Add(s.ttl), 2*s.ttl); err != nil {
			return err
		}
	} else if err := s.typingRepo.Remove(ctx, roomID, userID); err != nil {
		return err
	}

	s.events.publish(ctx, domain.EventTypingUpdated, roomID, &userID, domain.TypingEvent{UserID: userID, IsTyping: isTyping})
	return nil
}

func (s *typingService) ListTypingUsers(ctx context.Context, roomID, excludeUserID uuid.UUID) ([]uuid.UUID, error) {
	active, err := s.typingRepo.ListActive(ctx, roomID, s.now())
	if err != nil {
		return nil, err
	}
	out := make([]uuid.UUID, 0, len(active))
	for _, id := range active {
		if id != excludeUserID {
			out = append(out, id)
		}
	}
	return out, nil
}
