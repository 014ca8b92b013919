package service

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"crm_chat/internal/domain"
	"crm_chat/internal/metrics"
	"crm_chat/internal/repository"
	"crm_chat/pkg/logger"
)

// NotificationService queues push notifications for the delivery gateway,
// which drains the Redis outbox.
type NotificationService interface {
	Dispatch(ctx context.Context, msg *domain.Message) error
}

type notificationService struct {
	roomRepo  repository.RoomRepository
	notifRepo repository.NotificationRepository
	directory DirectoryService
	now       Clock
	log       logger.Logger
}

func NewNotificationService(repos *repository.Repositories, directory DirectoryService, log logger.Logger) NotificationService {
	return &notificationService{
		roomRepo:  repos.Room,
		notifRepo: repos.Notification,
		directory: directory,
		now:       systemClock,
		log:       log,
	}
}

func (s *notificationService) Dispatch(ctx context.Context, msg *domain.Message) error {
	if msg.SenderID == nil || msg.IsDeleted {
		return nil
	}

	room, err := s.roomRepo.GetByID(ctx, msg.RoomID)
	if err != nil {
		return err
	}
	participants, err := s.roomRepo.ListParticipants(ctx, msg.RoomID)
	if err != nil {
		return err
	}

	userIDs := make([]uuid.UUID, 0, len(participants))
	for _, p := range participants {
		userIDs = append(userIDs, p.UserID)
	}
	users, err := s.directory.GetUsers(ctx, userIDs)
	if err != nil {
		return err
	}

	sender := users[*msg.SenderID]
	roomName := ""
	if room.Name != nil {
		roomName = *room.Name
	}
	content := ""
	if msg.Content != nil {
		content = *msg.Content
	}

	var out []*domain.Notification
	for _, p := range participants {
		if p.UserID == *msg.SenderID {
			continue
		}
		mentioned := mentions(content, p.UserID, users[p.UserID])
		reason := domain.NotificationReasonMessage
		if mentioned {
			reason = domain.NotificationReasonMention
		}

		switch p.NotificationSetting {
		case domain.NotifyNone:
			continue
		case domain.NotifyMentions:
			if !mentioned {
				continue
			}
		}

		out = append(out, &domain.Notification{
			ID:          uuid.New(),
			RecipientID: p.UserID,
			RoomID:      msg.RoomID,
			MessageID:   msg.ID,
			SenderID:    msg.SenderID,
			SenderName:  sender.Name(),
			RoomName:    roomName,
			Preview:     msg.Preview(),
			Reason:      reason,
			CreatedAt:   s.now().UTC(),
		})
	}
	if len(out) == 0 {
		return nil
	}

	if err := s.notifRepo.Enqueue(ctx, out...); err != nil {
		return err
	}
	for _, n := range out {
		metrics.NotificationsQueued.WithLabelValues(n.Reason).Inc()
	}
	return nil
}

// mentions matches "@<user id>" or "@<display name>", the latter case-insensitively.
func mentions(content string, userID uuid.UUID, user *domain.User) bool {
	if content == "" {
		return false
	}
	if strings.Contains(content, "@"+userID.String()) {
		return true
	}
	if user == nil || user.DisplayName == "" {
		return false
	}
	return strings.Contains(strings.ToLower(content), "@"+strings.ToLower(user.DisplayName))
}
