package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"crm_chat/internal/domain"
	"crm_chat/internal/realtime"
	apperrors "crm_chat/pkg/errors"
	"crm_chat/pkg/logger"
)

// FailedUpload reports an attachment that could not be stored. The message
// itself was sent without it.
type FailedUpload struct {
	FileName string `json:"file_name"`
	Error    string `json:"error"`
}

type SendResult struct {
	Message       *domain.MessageView `json:"message"`
	FailedUploads []FailedUpload      `json:"failed_uploads,omitempty"`
}

// ChatService is the entry point for clients. It validates the caller,
// delegates to the stores and runs the side effects of each command.
type ChatService interface {
	OpenDirect(ctx context.Context, userID, otherID uuid.UUID) (*domain.RoomSummary, bool, error)
	CreateGroup(ctx context.Context, creatorID uuid.UUID, name string, memberIDs []uuid.UUID) (*domain.RoomSummary, error)
	ListRooms(ctx context.Context, userID uuid.UUID, search string) ([]*domain.RoomSummary, error)
	GetRoom(ctx context.Context, roomID, userID uuid.UUID) (*domain.RoomSummary, error)
	RenameRoom(ctx context.Context, roomID, userID uuid.UUID, name string) (*domain.Room, error)
	Invite(ctx context.Context, roomID, inviterID uuid.UUID, userIDs []uuid.UUID) ([]*domain.Participant, error)
	LeaveRoom(ctx context.Context, roomID, userID uuid.UUID) error
	UpdateSettings(ctx context.Context, roomID, userID uuid.UUID, settings domain.ParticipantSettings) (*domain.Participant, error)

	Send(ctx context.Context, in SendInput, uploads ...UploadInput) (*SendResult, error)
	Upload(ctx context.Context, in UploadInput) (*domain.File, error)
	RetryAttachment(ctx context.Context, messageID uuid.UUID, upload UploadInput) (*domain.MessageView, error)
	Edit(ctx context.Context, messageID, editorID uuid.UUID, content string) (*domain.MessageView, error)
	Delete(ctx context.Context, messageID, requesterID uuid.UUID) (*domain.MessageView, error)
	React(ctx context.Context, messageID, userID uuid.UUID, emoji string) ([]domain.ReactionGroup, error)
	MarkRead(ctx context.Context, roomID, userID uuid.UUID, at *time.Time) (bool, error)
	UnreadCount(ctx context.Context, roomID, userID uuid.UUID) (int, error)
	SetTyping(ctx context.Context, roomID, userID uuid.UUID, isTyping bool) error
	TypingUsers(ctx context.Context, roomID, userID uuid.UUID) ([]uuid.UUID, error)
	History(ctx context.Context, roomID, userID uuid.UUID, before *domain.Cursor, limit int) (*domain.MessagePage, error)
	Reactions(ctx context.Context, messageID, userID uuid.UUID) ([]domain.ReactionGroup, error)
	// AuditTrail lists the room's audit entries, newest first. Admins only.
	AuditTrail(ctx context.Context, roomID, userID uuid.UUID, limit int) ([]*domain.AuditLog, error)
	// Subscribe streams the room's live events until cancel is called.
	Subscribe(ctx context.Context, roomID, userID uuid.UUID) (<-chan domain.Event, func(), error)
}

type chatService struct {
	rooms         RoomService
	messages      MessageService
	receipts      ReceiptService
	typing        TypingService
	reactions     ReactionService
	history       HistoryService
	uploads       UploadService
	notifications NotificationService
	audit         AuditService
	broker        realtime.Subscriber
	log           logger.Logger
}

type ChatDeps struct {
	Rooms         RoomService
	Messages      MessageService
	Receipts      ReceiptService
	Typing        TypingService
	Reactions     ReactionService
	History       HistoryService
	Uploads       UploadService
	Notifications NotificationService
	Audit         AuditService
	Broker        realtime.Subscriber
}

func NewChatService(deps ChatDeps, log logger.Logger) ChatService {
	return &chatService{
		rooms:         deps.Rooms,
		messages:      deps.Messages,
		receipts:      deps.Receipts,
		typing:        deps.Typing,
		reactions:     deps.Reactions,
		history:       deps.History,
		uploads:       deps.Uploads,
		notifications: deps.Notifications,
		audit:         deps.Audit,
		broker:        deps.Broker,
		log:           log,
	}
}

func (s *chatService) OpenDirect(ctx context.Context, userID, otherID uuid.UUID) (*domain.RoomSummary, bool, error) {
	return s.rooms.OpenDirect(ctx, userID, otherID)
}

func (s *chatService) CreateGroup(ctx context.Context, creatorID uuid.UUID, name string, memberIDs []uuid.UUID) (*domain.RoomSummary, error) {
	return s.rooms.CreateGroup(ctx, creatorID, name, memberIDs)
}

func (s *chatService) ListRooms(ctx context.Context, userID uuid.UUID, search string) ([]*domain.RoomSummary, error) {
	return s.rooms.List(ctx, userID, search)
}

func (s *chatService) GetRoom(ctx context.Context, roomID, userID uuid.UUID) (*domain.RoomSummary, error) {
	return s.rooms.Get(ctx, roomID, userID)
}

func (s *chatService) RenameRoom(ctx context.Context, roomID, userID uuid.UUID, name string) (*domain.Room, error) {
	return s.rooms.Rename(ctx, roomID, userID, name)
}

func (s *chatService) Invite(ctx context.Context, roomID, inviterID uuid.UUID, userIDs []uuid.UUID) ([]*domain.Participant, error) {
	return s.rooms.Invite(ctx, roomID, inviterID, userIDs)
}

func (s *chatService) LeaveRoom(ctx context.Context, roomID, userID uuid.UUID) error {
	if err := s.rooms.Leave(ctx, roomID, userID); err != nil {
		return err
	}
	if err := s.typing.SetTyping(ctx, roomID, userID, false); err != nil && !apperrors.Is(err, apperrors.ErrAuthorization) {
		s.log.Warn("Failed to clear typing state", "error", err, "room_id", roomID)
	}
	return nil
}

func (s *chatService) UpdateSettings(ctx context.Context, roomID, userID uuid.UUID, settings domain.ParticipantSettings) (*domain.Participant, error) {
	return s.rooms.UpdateSettings(ctx, roomID, userID, settings)
}

// Send uploads the given files, then creates the message with every
// attachment that made it. Failed uploads are reported in the result so the
// client can retry them against the stored message.
func (s *chatService) Send(ctx context.Context, in SendInput, uploads ...UploadInput) (*SendResult, error) {
	result := &SendResult{}

	if len(uploads) > 0 {
		if _, err := s.rooms.Get(ctx, in.RoomID, in.SenderID); err != nil {
			return nil, err
		}
		files, failed := s.uploadAll(ctx, in, uploads)
		for _, f := range files {
			in.FileIDs = append(in.FileIDs, f.ID)
		}
		result.FailedUploads = failed
		if len(failed) > 0 && len(in.FileIDs) == 0 && strings.TrimSpace(in.Content) == "" {
			return nil, apperrors.Transport(nil, "all attachments failed to upload")
		}
	}

	msg, err := s.messages.Send(ctx, in)
	if err != nil {
		return nil, err
	}

	if err := s.typing.SetTyping(ctx, in.RoomID, in.SenderID, false); err != nil {
		s.log.Warn("Failed to clear typing state", "error", err, "room_id", in.RoomID)
	}
	if _, err := s.receipts.MarkRead(ctx, in.RoomID, in.SenderID, &msg.CreatedAt); err != nil {
		s.log.Warn("Failed to advance sender watermark", "error", err, "room_id", in.RoomID)
	}
	if err := s.notifications.Dispatch(ctx, msg); err != nil {
		s.log.Warn("Failed to queue notifications", "error", err, "message_id", msg.ID)
	}

	view, err := s.view(ctx, in.SenderID, msg)
	if err != nil {
		return nil, err
	}
	result.Message = view
	return result, nil
}

func (s *chatService) uploadAll(ctx context.Context, in SendInput, uploads []UploadInput) ([]*domain.File, []FailedUpload) {
	files := make([]*domain.File, len(uploads))
	errs := make([]error, len(uploads))

	var wg sync.WaitGroup
	for i := range uploads {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			u := uploads[i]
			u.RoomID, u.UploaderID = in.RoomID, in.SenderID
			files[i], errs[i] = s.uploads.Upload(ctx, u)
		}(i)
	}
	wg.Wait()

	var ok []*domain.File
	var failed []FailedUpload
	for i, err := range errs {
		if err != nil {
			s.log.Warn("Attachment upload failed", "error", err, "file_name", uploads[i].FileName)
			failed = append(failed, FailedUpload{FileName: uploads[i].FileName, Error: err.Error()})
			continue
		}
		ok = append(ok, files[i])
	}
	return ok, failed
}

func (s *chatService) Upload(ctx context.Context, in UploadInput) (*domain.File, error) {
	return s.uploads.Upload(ctx, in)
}

func (s *chatService) RetryAttachment(ctx context.Context, messageID uuid.UUID, upload UploadInput) (*domain.MessageView, error) {
	msg, err := s.messages.Get(ctx, messageID, upload.UploaderID)
	if err != nil {
		return nil, err
	}
	upload.RoomID = msg.RoomID
	file, err := s.uploads.Upload(ctx, upload)
	if err != nil {
		return nil, err
	}
	updated, err := s.messages.AttachFiles(ctx, messageID, upload.UploaderID, []uuid.UUID{file.ID})
	if err != nil {
		return nil, err
	}
	return s.view(ctx, upload.UploaderID, updated)
}

func (s *chatService) Edit(ctx context.Context, messageID, editorID uuid.UUID, content string) (*domain.MessageView, error) {
	msg, err := s.messages.Edit(ctx, messageID, editorID, content)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, editorID, msg)
}

func (s *chatService) Delete(ctx context.Context, messageID, requesterID uuid.UUID) (*domain.MessageView, error) {
	msg, _, err := s.messages.SoftDelete(ctx, messageID, requesterID)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, requesterID, msg)
}

func (s *chatService) React(ctx context.Context, messageID, userID uuid.UUID, emoji string) ([]domain.ReactionGroup, error) {
	return s.reactions.Toggle(ctx, messageID, userID, emoji)
}

func (s *chatService) Reactions(ctx context.Context, messageID, userID uuid.UUID) ([]domain.ReactionGroup, error) {
	return s.reactions.Groups(ctx, messageID, userID)
}

func (s *chatService) AuditTrail(ctx context.Context, roomID, userID uuid.UUID, limit int) ([]*domain.AuditLog, error) {
	room, err := s.rooms.Get(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	if room.Me == nil || room.Me.Role != domain.ParticipantRoleAdmin {
		return nil, apperrors.Authorization("only room admins can read the audit trail")
	}
	return s.audit.RoomHistory(ctx, roomID, limit)
}

func (s *chatService) MarkRead(ctx context.Context, roomID, userID uuid.UUID, at *time.Time) (bool, error) {
	return s.receipts.MarkRead(ctx, roomID, userID, at)
}

func (s *chatService) UnreadCount(ctx context.Context, roomID, userID uuid.UUID) (int, error) {
	return s.receipts.UnreadCount(ctx, roomID, userID)
}

func (s *chatService) SetTyping(ctx context.Context, roomID, userID uuid.UUID, isTyping bool) error {
	return s.typing.SetTyping(ctx, roomID, userID, isTyping)
}

func (s *chatService) TypingUsers(ctx context.Context, roomID, userID uuid.UUID) ([]uuid.UUID, error) {
	if _, err := s.rooms.Get(ctx, roomID, userID); err != nil {
		return nil, err
	}
	return s.typing.ListTypingUsers(ctx, roomID, userID)
}

func (s *chatService) History(ctx context.Context, roomID, userID uuid.UUID, before *domain.Cursor, limit int) (*domain.MessagePage, error) {
	return s.history.GetPage(ctx, roomID, userID, before, limit)
}

func (s *chatService) Subscribe(ctx context.Context, roomID, userID uuid.UUID) (<-chan domain.Event, func(), error) {
	if _, err := s.rooms.Get(ctx, roomID, userID); err != nil {
		return nil, nil, err
	}
	ch, cancel := s.broker.Subscribe(roomID)
	return ch, cancel, nil
}

func (s *chatService) view(ctx context.Context, viewerID uuid.UUID, msg *domain.Message) (*domain.MessageView, error) {
	views, err := s.history.BuildViews(ctx, msg.RoomID, viewerID, []*domain.Message{msg})
	if err != nil {
		return nil, err
	}
	return views[0], nil
}
