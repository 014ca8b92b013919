package repository

import (
	"github.com/redis/go-redis/v9"

	"crm_chat/pkg/logger"
)

type Repositories struct {
	DB           *DB
	User         UserRepository
	Room         RoomRepository
	Message      MessageRepository
	File         FileRepository
	Reaction     ReactionRepository
	Typing       TypingRepository
	Notification NotificationRepository
	Audit        AuditRepository
	RateLimit    RateLimitRepository
}

func NewRepositories(db *DB, redis *redis.Client, log logger.Logger) *Repositories {
	repos := &Repositories{
		DB:           db,
		User:         NewUserRepository(db, log),
		Room:         NewRoomRepository(db, log),
		Message:      NewMessageRepository(db, log),
		File:         NewFileRepository(db, log),
		Reaction:     NewReactionRepository(db, log),
		Typing:       NewTypingRepository(redis, log),
		Notification: NewNotificationRepository(redis, log),
		Audit:        NewAuditRepository(db, log),
		RateLimit:    NewRateLimitRepository(redis, log),
	}

	log.Info("Repositories initialized", "dialect", db.Dialect())

	return repos
}
