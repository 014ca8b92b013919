package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"crm_chat/internal/config"
	"crm_chat/internal/service"
	"crm_chat/pkg/logger"
)

type Handlers struct {
	Health    *HealthHandler
	User      *UserHandler
	Room      *RoomHandler
	Chat      *ChatHandler
	WebSocket *WebSocketHandler
}

func NewHandlers(services *service.Services, checks map[string]func(context.Context) error, cfg *config.Config, log logger.Logger) *Handlers {
	return &Handlers{
		Health:    NewHealthHandler(checks),
		User:      NewUserHandler(services.Directory, log),
		Room:      NewRoomHandler(services.Chat, log),
		Chat:      NewChatHandler(services.Chat, cfg.Blob.MaxUploadSize, log),
		WebSocket: NewWebSocketHandler(services.Chat, cfg, log),
	}
}

// pathID parses a uuid route parameter and answers 400 when it is malformed.
func pathID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return uuid.Nil, false
	}
	return id, true
}
