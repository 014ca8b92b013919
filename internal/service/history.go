package service

import (
	"context"

	"github.com/google/uuid"

	"crm_chat/internal/domain"
	"crm_chat/internal/repository"
	apperrors "crm_chat/pkg/errors"
	"crm_chat/pkg/logger"
)

type HistoryService interface {
	// GetPage returns messages strictly older than before, newest first.
	GetPage(ctx context.Context, roomID, viewerID uuid.UUID, before *domain.Cursor, limit int) (*domain.MessagePage, error)
	// BuildViews renders messages of one room for viewerID.
	BuildViews(ctx context.Context, roomID, viewerID uuid.UUID, messages []*domain.Message) ([]*domain.MessageView, error)
}

type historyService struct {
	roomRepo     repository.RoomRepository
	messageRepo  repository.MessageRepository
	fileRepo     repository.FileRepository
	reactionRepo repository.ReactionRepository
	pageSize     int
	maxPageSize  int
	log          logger.Logger
}

func NewHistoryService(repos *repository.Repositories, pageSize, maxPageSize int, log logger.Logger) HistoryService {
	if pageSize <= 0 {
		pageSize = 50
	}
	if maxPageSize < pageSize {
		maxPageSize = pageSize
	}
	return &historyService{
		roomRepo:     repos.Room,
		messageRepo:  repos.Message,
		fileRepo:     repos.File,
		reactionRepo: repos.Reaction,
		pageSize:     pageSize,
		maxPageSize:  maxPageSize,
		log:          log,
	}
}

func (s *historyService) GetPage(ctx context.Context, roomID, viewerID uuid.UUID, before *domain.Cursor, limit int) (*domain.MessagePage, error) {
	if _, _, err := requireParticipant(ctx, s.roomRepo, roomID, viewerID); err != nil {
		return nil, err
	}

	switch {
	case limit <= 0:
		limit = s.pageSize
	case limit > s.maxPageSize:
		limit = s.maxPageSize
	}

	if before != nil && !before.Resolved() {
		resolved, err := s.resolveCursor(ctx, roomID, before.ID)
		if err != nil {
			return nil, err
		}
		before = resolved
	}

	messages, err := s.messageRepo.Page(ctx, roomID, before, limit+1)
	if err != nil {
		return nil, err
	}

	page := &domain.MessagePage{Messages: []*domain.MessageView{}}
	if len(messages) > limit {
		page.HasMore = true
		messages = messages[:limit]
	}
	if len(messages) == 0 {
		return page, nil
	}

	views, err := s.BuildViews(ctx, roomID, viewerID, messages)
	if err != nil {
		return nil, err
	}
	page.Messages = views
	page.NextCursor = messages[len(messages)-1].Cursor().Encode()
	return page, nil
}

func (s *historyService) resolveCursor(ctx context.Context, roomID, messageID uuid.UUID) (*domain.Cursor, error) {
	msg, err := s.messageRepo.GetByID(ctx, messageID)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.Validation("unknown cursor")
		}
		return nil, err
	}
	if msg.RoomID != roomID {
		return nil, apperrors.Validation("cursor belongs to another room")
	}
	c := msg.Cursor()
	return &c, nil
}

func (s *historyService) BuildViews(ctx context.Context, roomID, viewerID uuid.UUID, messages []*domain.Message) ([]*domain.MessageView, error) {
	room, err := s.roomRepo.GetByID(ctx, roomID)
	if err != nil {
		return nil, err
	}

	ids := make([]uuid.UUID, 0, len(messages))
	var replyIDs []uuid.UUID
	for _, m := range messages {
		ids = append(ids, m.ID)
		if m.ReplyToID != nil {
			replyIDs = append(replyIDs, *m.ReplyToID)
		}
	}

	files, err := s.fileRepo.ListByMessages(ctx, ids)
	if err != nil {
		return nil, err
	}
	reactions, err := s.reactionRepo.ListByMessages(ctx, ids)
	if err != nil {
		return nil, err
	}
	replies, err := s.messageRepo.GetByIDs(ctx, dedupeIDs(replyIDs))
	if err != nil {
		return nil, err
	}

	var participants []*domain.Participant
	if room.IsDirect() {
		if participants, err = s.roomRepo.ListParticipants(ctx, roomID); err != nil {
			return nil, err
		}
	}

	views := make([]*domain.MessageView, 0, len(messages))
	for _, m := range messages {
		m.Files = files[m.ID]
		view := &domain.MessageView{
			Message:   m.Tombstone(),
			Reactions: domain.AggregateReactions(reactions[m.ID], viewerID),
		}
		if m.ReplyToID != nil {
			if target, ok := replies[*m.ReplyToID]; ok {
				view.ReplyTo = target.Tombstone()
			}
		}
		if room.IsDirect() && !m.IsSystem() {
			read := readByOther(participants, m)
			view.IsRead = &read
		}
		views = append(views, view)
	}
	return views, nil
}
