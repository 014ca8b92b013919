package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"crm_chat/internal/domain"
	"crm_chat/internal/middleware"
	"crm_chat/internal/service"
	"crm_chat/pkg/logger"
)

type RoomHandler struct {
	chatService service.ChatService
	log         logger.Logger
}

func NewRoomHandler(chatService service.ChatService, log logger.Logger) *RoomHandler {
	return &RoomHandler{
		chatService: chatService,
		log:         log,
	}
}

func (h *RoomHandler) List(c *gin.Context) {
	rooms, err := h.chatService.ListRooms(c.Request.Context(), middleware.UserID(c), c.Query("q"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

type OpenDirectRequest struct {
	UserID uuid.UUID `json:"user_id" binding:"required"`
}

func (h *RoomHandler) OpenDirect(c *gin.Context) {
	var req OpenDirectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	room, created, err := h.chatService.OpenDirect(c.Request.Context(), middleware.UserID(c), req.UserID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, room)
}

type CreateGroupRequest struct {
	Name      string      `json:"name" binding:"required"`
	MemberIDs []uuid.UUID `json:"member_ids" binding:"required"`
}

func (h *RoomHandler) CreateGroup(c *gin.Context) {
	var req CreateGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	room, err := h.chatService.CreateGroup(c.Request.Context(), middleware.UserID(c), req.Name, req.MemberIDs)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, room)
}

func (h *RoomHandler) Get(c *gin.Context) {
	roomID, ok := pathID(c, "id")
	if !ok {
		return
	}
	room, err := h.chatService.GetRoom(c.Request.Context(), roomID, middleware.UserID(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, room)
}

type RenameRoomRequest struct {
	Name string `json:"name" binding:"required"`
}

func (h *RoomHandler) Rename(c *gin.Context) {
	roomID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req RenameRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	room, err := h.chatService.RenameRoom(c.Request.Context(), roomID, middleware.UserID(c), req.Name)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, room)
}

type InviteRequest struct {
	UserIDs []uuid.UUID `json:"user_ids" binding:"required"`
}

func (h *RoomHandler) Invite(c *gin.Context) {
	roomID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req InviteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	added, err := h.chatService.Invite(c.Request.Context(), roomID, middleware.UserID(c), req.UserIDs)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"added": added})
}

func (h *RoomHandler) Leave(c *gin.Context) {
	roomID, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.chatService.LeaveRoom(c.Request.Context(), roomID, middleware.UserID(c)); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *RoomHandler) UpdateSettings(c *gin.Context) {
	roomID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req domain.ParticipantSettings
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	p, err := h.chatService.UpdateSettings(c.Request.Context(), roomID, middleware.UserID(c), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type MarkReadRequest struct {
	At *time.Time `json:"at,omitempty"`
}

func (h *RoomHandler) MarkRead(c *gin.Context) {
	roomID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req MarkReadRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	moved, err := h.chatService.MarkRead(c.Request.Context(), roomID, middleware.UserID(c), req.At)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": moved})
}

func (h *RoomHandler) Unread(c *gin.Context) {
	roomID, ok := pathID(c, "id")
	if !ok {
		return
	}
	n, err := h.chatService.UnreadCount(c.Request.Context(), roomID, middleware.UserID(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread_count": n})
}

// Audit returns the room's audit trail to admins.
func (h *RoomHandler) Audit(c *gin.Context) {
	roomID, ok := pathID(c, "id")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	entries, err := h.chatService.AuditTrail(c.Request.Context(), roomID, middleware.UserID(c), limit)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

type TypingRequest struct {
	IsTyping bool `json:"is_typing"`
}

func (h *RoomHandler) SetTyping(c *gin.Context) {
	roomID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req TypingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.chatService.SetTyping(c.Request.Context(), roomID, middleware.UserID(c), req.IsTyping); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *RoomHandler) TypingUsers(c *gin.Context) {
	roomID, ok := pathID(c, "id")
	if !ok {
		return
	}
	users, err := h.chatService.TypingUsers(c.Request.Context(), roomID, middleware.UserID(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_ids": users})
}
