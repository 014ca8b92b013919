package handler

import (
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"crm_chat/internal/domain"
	"crm_chat/internal/middleware"
	"crm_chat/internal/service"
	"crm_chat/pkg/logger"
)

// ChatHandler serves message history and message commands.
type ChatHandler struct {
	chatService   service.ChatService
	maxUploadSize int64
	log           logger.Logger
}

func NewChatHandler(chatService service.ChatService, maxUploadSize int64, log logger.Logger) *ChatHandler {
	return &ChatHandler{
		chatService:   chatService,
		maxUploadSize: maxUploadSize,
		log:           log,
	}
}

func (h *ChatHandler) GetMessages(c *gin.Context) {
	roomID, ok := pathID(c, "id")
	if !ok {
		return
	}

	var before *domain.Cursor
	if raw := c.Query("before"); raw != "" {
		cursor, err := domain.DecodeCursor(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cursor"})
			return
		}
		before = cursor
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))

	page, err := h.chatService.History(c.Request.Context(), roomID, middleware.UserID(c), before, limit)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, page)
}

type SendMessageRequest struct {
	Content   string      `json:"content" form:"content"`
	ReplyToID *uuid.UUID  `json:"reply_to_id,omitempty"`
	FileIDs   []uuid.UUID `json:"file_ids,omitempty"`
}

// SendMessage accepts JSON, or multipart form data carrying the text in
// "content" and attachments in "files".
func (h *ChatHandler) SendMessage(c *gin.Context) {
	roomID, ok := pathID(c, "id")
	if !ok {
		return
	}
	userID := middleware.UserID(c)

	var req SendMessageRequest
	var uploads []service.UploadInput
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		form, err := h.multipartForm(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		req.Content = firstValue(form.Value["content"])
		if raw := firstValue(form.Value["reply_to_id"]); raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid reply_to_id"})
				return
			}
			req.ReplyToID = &id
		}
		for _, fh := range form.File["files"] {
			f, err := fh.Open()
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable file " + fh.Filename})
				return
			}
			defer f.Close()
			uploads = append(uploads, service.UploadInput{FileName: fh.Filename, Body: f})
		}
	} else if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.chatService.Send(c.Request.Context(), service.SendInput{
		RoomID:    roomID,
		SenderID:  userID,
		Content:   req.Content,
		ReplyToID: req.ReplyToID,
		FileIDs:   req.FileIDs,
	}, uploads...)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// Upload stores a file ahead of the message that will reference it.
func (h *ChatHandler) Upload(c *gin.Context) {
	roomID, ok := pathID(c, "id")
	if !ok {
		return
	}
	in, closeFile, ok := h.formFile(c)
	if !ok {
		return
	}
	defer closeFile()
	in.RoomID = roomID

	file, err := h.chatService.Upload(c.Request.Context(), in)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, file)
}

// RetryAttachment uploads a file that failed during send and attaches it to
// the stored message.
func (h *ChatHandler) RetryAttachment(c *gin.Context) {
	messageID, ok := pathID(c, "messageId")
	if !ok {
		return
	}
	in, closeFile, ok := h.formFile(c)
	if !ok {
		return
	}
	defer closeFile()

	view, err := h.chatService.RetryAttachment(c.Request.Context(), messageID, in)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type EditMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

func (h *ChatHandler) EditMessage(c *gin.Context) {
	messageID, ok := pathID(c, "messageId")
	if !ok {
		return
	}
	var req EditMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	message, err := h.chatService.Edit(c.Request.Context(), messageID, middleware.UserID(c), req.Content)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, message)
}

func (h *ChatHandler) DeleteMessage(c *gin.Context) {
	messageID, ok := pathID(c, "messageId")
	if !ok {
		return
	}
	message, err := h.chatService.Delete(c.Request.Context(), messageID, middleware.UserID(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, message)
}

type ReactRequest struct {
	Emoji string `json:"emoji" binding:"required"`
}

func (h *ChatHandler) React(c *gin.Context) {
	messageID, ok := pathID(c, "messageId")
	if !ok {
		return
	}
	var req ReactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	groups, err := h.chatService.React(c.Request.Context(), messageID, middleware.UserID(c), req.Emoji)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reactions": groups})
}

func (h *ChatHandler) Reactions(c *gin.Context) {
	messageID, ok := pathID(c, "messageId")
	if !ok {
		return
	}
	groups, err := h.chatService.Reactions(c.Request.Context(), messageID, middleware.UserID(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reactions": groups})
}

func (h *ChatHandler) multipartForm(c *gin.Context) (*multipart.Form, error) {
	if h.maxUploadSize > 0 {
		// room for several files plus form overhead
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 10*h.maxUploadSize)
	}
	return c.MultipartForm()
}

func (h *ChatHandler) formFile(c *gin.Context) (service.UploadInput, func(), bool) {
	if h.maxUploadSize > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadSize+1<<20)
	}
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return service.UploadInput{}, nil, false
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable file"})
		return service.UploadInput{}, nil, false
	}
	in := service.UploadInput{
		UploaderID: middleware.UserID(c),
		FileName:   fh.Filename,
		Body:       f,
	}
	return in, func() { _ = f.Close() }, true
}

func firstValue(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
