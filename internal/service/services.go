package service

import (
	"crm_chat/internal/blob"
	"crm_chat/internal/config"
	"crm_chat/internal/realtime"
	"crm_chat/internal/repository"
	"crm_chat/pkg/logger"
)

type Services struct {
	Directory    DirectoryService
	Room         RoomService
	Message      MessageService
	Receipt      ReceiptService
	Typing       TypingService
	Reaction     ReactionService
	History      HistoryService
	Upload       UploadService
	Notification NotificationService
	Chat         ChatService
	RateLimit    RateLimitService
	Audit        AuditService
}

func NewServices(repos *repository.Repositories, store blob.Store, broker realtime.Broker, cfg *config.Config, log logger.Logger) *Services {
	audit := NewAuditService(repos.Audit, log)
	directory := NewDirectoryService(repos.User, cfg.Chat.DirectoryCacheMax, cfg.Chat.DirectoryCacheTTL, log)
	messages := NewMessageService(repos, audit, broker, cfg.Chat.MaxContentLength, log)

	services := &Services{
		Directory:    directory,
		Room:         NewRoomService(repos, messages, directory, audit, broker, log),
		Message:      messages,
		Receipt:      NewReceiptService(repos, broker, log),
		Typing:       NewTypingService(repos, broker, cfg.Chat.TypingTTL, log),
		Reaction:     NewReactionService(repos, broker, log),
		History:      NewHistoryService(repos, cfg.Chat.PageSize, cfg.Chat.MaxPageSize, log),
		Upload:       NewUploadService(store, repos, cfg.Chat.UploadRetries, cfg.Blob.MaxUploadSize, log),
		Notification: NewNotificationService(repos, directory, log),
		RateLimit:    NewRateLimitService(repos.RateLimit, log),
		Audit:        audit,
	}

	services.Chat = NewChatService(ChatDeps{
		Rooms:         services.Room,
		Messages:      services.Message,
		Receipts:      services.Receipt,
		Typing:        services.Typing,
		Reactions:     services.Reaction,
		History:       services.History,
		Uploads:       services.Upload,
		Notifications: services.Notification,
		Audit:         audit,
		Broker:        broker,
	}, log)

	log.Info("Services initialized")

	return services
}
