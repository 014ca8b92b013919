package service

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"crm_chat/internal/domain"
	"crm_chat/internal/metrics"
	"crm_chat/internal/realtime"
	"crm_chat/internal/repository"
	apperrors "crm_chat/pkg/errors"
	"crm_chat/pkg/logger"
)

type SendInput struct {
	RoomID    uuid.UUID
	SenderID  uuid.UUID
	Content   string
	ReplyToID *uuid.UUID
	FileIDs   []uuid.UUID
}

type MessageService interface {
	Send(ctx context.Context, in SendInput) (*domain.Message, error)
	Get(ctx context.Context, messageID, viewerID uuid.UUID) (*domain.Message, error)
	Edit(ctx context.Context, messageID, editorID uuid.UUID, content string) (*domain.Message, error)
	// SoftDelete tombstones the message. A repeated call returns the tombstone with changed=false.
	SoftDelete(ctx context.Context, messageID, requesterID uuid.UUID) (*domain.Message, bool, error)
	AttachFiles(ctx context.Context, messageID, senderID uuid.UUID, fileIDs []uuid.UUID) (*domain.Message, error)
	PostSystem(ctx context.Context, roomID uuid.UUID, content string) (*domain.Message, error)
}

type messageService struct {
	db           *repository.DB
	roomRepo     repository.RoomRepository
	messageRepo  repository.MessageRepository
	fileRepo     repository.FileRepository
	audit        AuditService
	events       eventPublisher
	roomLocks    *keyedMutex
	messageLocks *keyedMutex
	clock        *roomClock
	now          Clock
	maxContent   int
	log          logger.Logger
}

func NewMessageService(repos *repository.Repositories, audit AuditService, pub realtime.Publisher, maxContent int, log logger.Logger) MessageService {
	return newMessageService(repos, audit, pub, maxContent, systemClock, log)
}

func newMessageService(repos *repository.Repositories, audit AuditService, pub realtime.Publisher, maxContent int, now Clock, log logger.Logger) *messageService {
	return &messageService{
		db:           repos.DB,
		roomRepo:     repos.Room,
		messageRepo:  repos.Message,
		fileRepo:     repos.File,
		audit:        audit,
		events:       eventPublisher{pub: pub, log: log},
		roomLocks:    newKeyedMutex(),
		messageLocks: newKeyedMutex(),
		clock:        newRoomClock(now),
		now:          now,
		maxContent:   maxContent,
		log:          log,
	}
}

func (s *messageService) Send(ctx context.Context, in SendInput) (*domain.Message, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" && len(in.FileIDs) == 0 {
		return nil, apperrors.Validation("message must have content or attachments")
	}
	if s.maxContent > 0 && utf8.RuneCountInString(content) > s.maxContent {
		return nil, apperrors.Validation("message exceeds %d characters", s.maxContent)
	}

	if _, _, err := requireParticipant(ctx, s.roomRepo, in.RoomID, in.SenderID); err != nil {
		return nil, err
	}

	if in.ReplyToID != nil {
		target, err := s.messageRepo.GetByID(ctx, *in.ReplyToID)
		if err != nil {
			return nil, err
		}
		if target.RoomID != in.RoomID {
			return nil, apperrors.NotFound("reply target not found")
		}
	}

	fileIDs := dedupeIDs(in.FileIDs)
	files, err := s.checkFiles(ctx, in.RoomID, in.SenderID, fileIDs)
	if err != nil {
		return nil, err
	}

	msg := &domain.Message{
		ID:          newMessageID(),
		RoomID:      in.RoomID,
		SenderID:    &in.SenderID,
		MessageType: domain.MessageTypeText,
		ReplyToID:   in.ReplyToID,
		Files:       files,
	}
	if content != "" {
		msg.Content = &content
	}

	if err := s.insert(ctx, msg, func(ctx context.Context) error {
		n, err := s.fileRepo.Attach(ctx, msg.ID, msg.RoomID, in.SenderID, fileIDs)
		if err != nil {
			return err
		}
		if n != int64(len(fileIDs)) {
			return apperrors.Conflict("attachment is already linked to another message")
		}
		return nil
	}); err != nil {
		return nil, err
	}

	for _, f := range msg.Files {
		f.MessageID = &msg.ID
	}

	metrics.MessagesTotal.WithLabelValues("send").Inc()
	s.events.publish(ctx, domain.EventMessageCreated, msg.RoomID, msg.SenderID, msg)

	return msg, nil
}

// insert assigns the room timestamp and stores msg in one transaction.
// The room lock keeps timestamp order equal to commit order on this instance.
func (s *messageService) insert(ctx context.Context, msg *domain.Message, extra func(ctx context.Context) error) error {
	unlock := s.roomLocks.Lock(msg.RoomID)
	defer unlock()

	var floor *time.Time
	if !s.clock.Seen(msg.RoomID) {
		latest, err := s.messageRepo.LatestCreatedAt(ctx, msg.RoomID)
		if err != nil {
			return err
		}
		floor = latest
	}
	msg.CreatedAt = s.clock.Next(msg.RoomID, floor)
	msg.UpdatedAt = msg.CreatedAt

	err := s.db.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.messageRepo.Create(ctx, msg); err != nil {
			return err
		}
		if extra != nil {
			if err := extra(ctx); err != nil {
				return err
			}
		}
		return s.roomRepo.TouchLastMessage(ctx, msg.RoomID, msg.CreatedAt, msg.Preview())
	})
	if err != nil {
		s.log.Error("Failed to store message", "error", err, "room_id", msg.RoomID)
	}
	return err
}

func (s *messageService) checkFiles(ctx context.Context, roomID, senderID uuid.UUID, fileIDs []uuid.UUID) ([]*domain.File, error) {
	if len(fileIDs) == 0 {
		return nil, nil
	}
	files, err := s.fileRepo.GetByIDs(ctx, fileIDs)
	if err != nil {
		return nil, err
	}
	if len(files) != len(fileIDs) {
		return nil, apperrors.NotFound("attachment not found")
	}
	for _, f := range files {
		switch {
		case f.UploaderID != senderID:
			return nil, apperrors.Authorization("attachment %s was uploaded by another user", f.ID)
		case f.RoomID != roomID:
			return nil, apperrors.Validation("attachment %s belongs to another room", f.ID)
		case f.MessageID != nil:
			return nil, apperrors.Conflict("attachment %s is already linked to a message", f.ID)
		}
	}
	return files, nil
}

func (s *messageService) Get(ctx context.Context, messageID, viewerID uuid.UUID) (*domain.Message, error) {
	msg, err := s.load(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if _, _, err := requireParticipant(ctx, s.roomRepo, msg.RoomID, viewerID); err != nil {
		return nil, err
	}
	return msg.Tombstone(), nil
}

func (s *messageService) load(ctx context.Context, messageID uuid.UUID) (*domain.Message, error) {
	msg, err := s.messageRepo.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	files, err := s.fileRepo.ListByMessages(ctx, []uuid.UUID{msg.ID})
	if err != nil {
		return nil, err
	}
	msg.Files = files[msg.ID]
	return msg, nil
}

// authorOnly checks that actorID may change msg.
func authorOnly(msg *domain.Message, actorID uuid.UUID) error {
	if msg.IsSystem() {
		return apperrors.InvalidState("system messages cannot be changed")
	}
	if msg.SenderID == nil || *msg.SenderID != actorID {
		return apperrors.Authorization("only the sender can change this message")
	}
	return nil
}

func (s *messageService) Edit(ctx context.Context, messageID, editorID uuid.UUID, content string) (*domain.Message, error) {
	unlock := s.messageLocks.Lock(messageID)
	defer unlock()

	msg, err := s.messageRepo.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if err := authorOnly(msg, editorID); err != nil {
		return nil, err
	}
	if msg.IsDeleted {
		return nil, apperrors.InvalidState("message is deleted")
	}

	content = strings.TrimSpace(content)
	if content == "" {
		return nil, apperrors.Validation("content is required")
	}
	if s.maxContent > 0 && utf8.RuneCountInString(content) > s.maxContent {
		return nil, apperrors.Validation("message exceeds %d characters", s.maxContent)
	}

	changed, err := s.messageRepo.UpdateContent(ctx, messageID, content, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, apperrors.InvalidState("message is deleted")
	}

	updated, err := s.load(ctx, messageID)
	if err != nil {
		return nil, err
	}

	metrics.MessagesTotal.WithLabelValues("edit").Inc()
	s.events.publish(ctx, domain.EventMessageUpdated, updated.RoomID, &editorID, updated)
	return updated, nil
}

func (s *messageService) SoftDelete(ctx context.Context, messageID, requesterID uuid.UUID) (*domain.Message, bool, error) {
	unlock := s.messageLocks.Lock(messageID)
	defer unlock()

	msg, err := s.messageRepo.GetByID(ctx, messageID)
	if err != nil {
		return nil, false, err
	}
	if err := authorOnly(msg, requesterID); err != nil {
		return nil, false, err
	}
	if msg.IsDeleted {
		return msg.Tombstone(), false, nil
	}

	changed, err := s.messageRepo.SoftDelete(ctx, messageID, s.now().UTC())
	if err != nil {
		return nil, false, err
	}

	deleted, err := s.messageRepo.GetByID(ctx, messageID)
	if err != nil {
		return nil, false, err
	}
	deleted = deleted.Tombstone()
	if !changed {
		return deleted, false, nil
	}

	s.clearPreview(ctx, deleted)

	metrics.MessagesTotal.WithLabelValues("delete").Inc()
	s.audit.LogEvent(ctx, &requesterID, domain.ActorRoleUser, &deleted.RoomID, domain.AuditMessageDeleted, map[string]interface{}{
		"message_id": deleted.ID.String(),
	})
	s.events.publish(ctx, domain.EventMessageDeleted, deleted.RoomID, &requesterID, deleted)
	return deleted, true, nil
}

// clearPreview drops the room list snippet when it shows the deleted message.
func (s *messageService) clearPreview(ctx context.Context, msg *domain.Message) {
	room, err := s.roomRepo.GetByID(ctx, msg.RoomID)
	if err != nil {
		s.log.Warn("Failed to load room for preview refresh", "error", err, "room_id", msg.RoomID)
		return
	}
	if room.LastMessageAt == nil || !room.LastMessageAt.Equal(msg.CreatedAt) {
		return
	}
	if err := s.roomRepo.TouchLastMessage(ctx, msg.RoomID, msg.CreatedAt, ""); err != nil {
		s.log.Warn("Failed to clear room preview", "error", err, "room_id", msg.RoomID)
	}
}

func (s *messageService) AttachFiles(ctx context.Context, messageID, senderID uuid.UUID, fileIDs []uuid.UUID) (*domain.Message, error) {
	fileIDs = dedupeIDs(fileIDs)
	if len(fileIDs) == 0 {
		return nil, apperrors.Validation("no attachments given")
	}

	unlock := s.messageLocks.Lock(messageID)
	defer unlock()

	msg, err := s.messageRepo.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if err := authorOnly(msg, senderID); err != nil {
		return nil, err
	}
	if msg.IsDeleted {
		return nil, apperrors.InvalidState("message is deleted")
	}
	if _, err := s.checkFiles(ctx, msg.RoomID, senderID, fileIDs); err != nil {
		return nil, err
	}

	n, err := s.fileRepo.Attach(ctx, msg.ID, msg.RoomID, senderID, fileIDs)
	if err != nil {
		return nil, err
	}
	if n != int64(len(fileIDs)) {
		s.log.Warn("Some attachments were linked concurrently", "message_id", msg.ID, "requested", len(fileIDs), "attached", n)
	}

	updated, err := s.load(ctx, messageID)
	if err != nil {
		return nil, err
	}
	s.events.publish(ctx, domain.EventMessageUpdated, updated.RoomID, &senderID, updated)
	return updated, nil
}

func (s *messageService) PostSystem(ctx context.Context, roomID uuid.UUID, content string) (*domain.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, apperrors.Validation("content is required")
	}

	msg := &domain.Message{
		ID:          newMessageID(),
		RoomID:      roomID,
		Content:     &content,
		MessageType: domain.MessageTypeSystem,
	}
	if err := s.insert(ctx, msg, nil); err != nil {
		return nil, err
	}

	metrics.MessagesTotal.WithLabelValues("system").Inc()
	s.events.publish(ctx, domain.EventMessageCreated, roomID, nil, msg)
	return msg, nil
}

func newMessageID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

func dedupeIDs(ids []uuid.UUID) []uuid.UUID {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
