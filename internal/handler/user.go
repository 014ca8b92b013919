package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"crm_chat/internal/middleware"
	"crm_chat/internal/service"
	"crm_chat/pkg/logger"
)

type UserHandler struct {
	directory service.DirectoryService
	log       logger.Logger
}

func NewUserHandler(directory service.DirectoryService, log logger.Logger) *UserHandler {
	return &UserHandler{
		directory: directory,
		log:       log,
	}
}

func (h *UserHandler) GetMe(c *gin.Context) {
	user, err := h.directory.GetUser(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (h *UserHandler) GetByID(c *gin.Context) {
	userID, ok := pathID(c, "userId")
	if !ok {
		return
	}
	user, err := h.directory.GetUser(c.Request.Context(), userID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, user)
}
