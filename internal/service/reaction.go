package service

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"crm_chat/internal/domain"
	"crm_chat/internal/metrics"
	"crm_chat/internal/realtime"
	"crm_chat/internal/repository"
	apperrors "crm_chat/pkg/errors"
	"crm_chat/pkg/logger"
)

type ReactionService interface {
	// Toggle removes the user's emoji reaction if present, else adds it, and
	// returns the message's groups as seen by that user.
	Toggle(ctx context.Context, messageID, userID uuid.UUID, emoji string) ([]domain.ReactionGroup, error)
	Groups(ctx context.Context, messageID, viewerID uuid.UUID) ([]domain.ReactionGroup, error)
}

type reactionService struct {
	roomRepo     repository.RoomRepository
	messageRepo  repository.MessageRepository
	reactionRepo repository.ReactionRepository
	events       eventPublisher
	now          Clock
	log          logger.Logger
}

func NewReactionService(repos *repository.Repositories, pub realtime.Publisher, log logger.Logger) ReactionService {
	return newReactionService(repos, pub, systemClock, log)
}

func newReactionService(repos *repository.Repositories, pub realtime.Publisher, now Clock, log logger.Logger) *reactionService {
	return &reactionService{
		roomRepo:     repos.Room,
		messageRepo:  repos.Message,
		reactionRepo: repos.Reaction,
		events:       eventPublisher{pub: pub, log: log},
		now:          now,
		log:          log,
	}
}

func (s *reactionService) Toggle(ctx context.Context, messageID, userID uuid.UUID, emoji string) ([]domain.ReactionGroup, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return nil, apperrors.Validation("emoji is required")
	}
	if len(emoji) > domain.MaxEmojiBytes {
		return nil, apperrors.Validation("emoji is too long")
	}

	msg, err := s.messageRepo.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if _, _, err := requireParticipant(ctx, s.roomRepo, msg.RoomID, userID); err != nil {
		return nil, err
	}
	if msg.IsDeleted {
		return nil, apperrors.InvalidState("cannot react to a deleted message")
	}

	removed, err := s.reactionRepo.Remove(ctx, messageID, userID, emoji)
	if err != nil {
		return nil, err
	}
	added := false
	if !removed {
		added, err = s.reactionRepo.Add(ctx, &domain.Reaction{
			MessageID: messageID,
			UserID:    userID,
			Emoji:     emoji,
			ReactedAt: s.now().UTC(),
		})
		if err != nil {
			return nil, err
		}
	}

	reactions, err := s.reactionRepo.ListByMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}

	if added {
		metrics.ReactionsToggled.WithLabelValues("add").Inc()
	} else {
		metrics.ReactionsToggled.WithLabelValues("remove").Inc()
	}

	payload := domain.ReactionEvent{MessageID: messageID, UserID: userID, Emoji: emoji, Added: added}
	for _, r := range reactions {
		payload.Reactions = append(payload.Reactions, *r)
	}
	s.events.publish(ctx, domain.EventReactionUpdated, msg.RoomID, &userID, payload)

	return domain.AggregateReactions(reactions, userID), nil
}

func (s *reactionService) Groups(ctx context.Context, messageID, viewerID uuid.UUID) ([]domain.ReactionGroup, error) {
	msg, err := s.messageRepo.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if _, _, err := requireParticipant(ctx, s.roomRepo, msg.RoomID, viewerID); err != nil {
		return nil, err
	}
	reactions, err := s.reactionRepo.ListByMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	return domain.AggregateReactions(reactions, viewerID), nil
}
