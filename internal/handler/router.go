package handler

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"crm_chat/internal/config"
	"crm_chat/internal/middleware"
	"crm_chat/pkg/logger"
)

func NewRouter(
	handlers *Handlers,
	authMiddleware *middleware.AuthMiddleware,
	rateLimitMiddleware *middleware.RateLimitMiddleware,
	cfg *config.Config,
	log logger.Logger,
) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.AllowedOrigins))
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.ErrorHandler(log))

	router.GET("/health", handlers.Health.Check)
	router.GET("/ready", handlers.Health.Ready)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if strings.HasPrefix(cfg.Blob.PublicURL, "/") {
		router.Static(cfg.Blob.PublicURL, cfg.Blob.Dir)
	}

	sendLimit := rateLimitMiddleware.Limit("send", cfg.RateLimit.SendPerMinute, time.Minute)

	v1 := router.Group("/api/v1")
	v1.Use(authMiddleware.RequireAuth())
	{
		users := v1.Group("/users")
		{
			users.GET("/me", handlers.User.GetMe)
			users.GET("/:userId", handlers.User.GetByID)
		}

		rooms := v1.Group("/rooms")
		{
			rooms.GET("", handlers.Room.List)
			rooms.POST("", handlers.Room.CreateGroup)
			rooms.POST("/direct", handlers.Room.OpenDirect)
			rooms.GET("/:id", handlers.Room.Get)
			rooms.PATCH("/:id", handlers.Room.Rename)
			rooms.POST("/:id/participants", handlers.Room.Invite)
			rooms.POST("/:id/leave", handlers.Room.Leave)
			rooms.PATCH("/:id/settings", handlers.Room.UpdateSettings)
			rooms.POST("/:id/read", handlers.Room.MarkRead)
			rooms.GET("/:id/unread", handlers.Room.Unread)
			rooms.GET("/:id/typing", handlers.Room.TypingUsers)
			rooms.POST("/:id/typing", handlers.Room.SetTyping)
			rooms.GET("/:id/audit", handlers.Room.Audit)

			rooms.GET("/:id/messages", handlers.Chat.GetMessages)
			rooms.POST("/:id/messages", sendLimit, handlers.Chat.SendMessage)
			rooms.POST("/:id/files", sendLimit, handlers.Chat.Upload)
		}

		messages := v1.Group("/messages")
		{
			messages.PATCH("/:messageId", handlers.Chat.EditMessage)
			messages.DELETE("/:messageId", handlers.Chat.DeleteMessage)
			messages.GET("/:messageId/reactions", handlers.Chat.Reactions)
			messages.POST("/:messageId/reactions", handlers.Chat.React)
			messages.POST("/:messageId/files", sendLimit, handlers.Chat.RetryAttachment)
		}
	}

	ws := router.Group("/ws")
	ws.Use(authMiddleware.RequireAuth())
	ws.GET("/rooms/:id", handlers.WebSocket.HandleRoom)

	return router
}
