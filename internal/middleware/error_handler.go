package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"crm_chat/pkg/errors"
	"crm_chat/pkg/logger"
)

// ErrorHandler renders the last error attached with c.Error. Handlers that
// already wrote a response are left alone.
func ErrorHandler(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err
		statusCode := errors.HTTPStatusFromError(err)

		if statusCode >= http.StatusInternalServerError {
			log.Error("Request failed", "error", err, "path", c.FullPath())
		}
		if c.Writer.Written() {
			return
		}

		body := gin.H{"error": err.Error()}
		if statusCode == http.StatusInternalServerError {
			body["error"] = "Internal server error"
		}
		if errors.Retryable(err) {
			body["retryable"] = true
		}
		c.JSON(statusCode, body)
	}
}
