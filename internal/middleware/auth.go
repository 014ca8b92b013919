package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"crm_chat/internal/domain"
	"crm_chat/internal/service"
	"crm_chat/pkg/jwt"
	"crm_chat/pkg/logger"
)

const userIDKey = "user_id"

// AuthMiddleware accepts access tokens issued by the CRM identity service and
// keeps the user directory in sync with their claims.
type AuthMiddleware struct {
	secret    string
	issuer    string
	directory service.DirectoryService
	log       logger.Logger
}

func NewAuthMiddleware(secret, issuer string, directory service.DirectoryService, log logger.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		secret:    secret,
		issuer:    issuer,
		directory: directory,
		log:       log,
	}
}

func (m *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			return
		}

		claims, err := jwt.ValidateToken(token, m.secret, m.issuer)
		if err != nil {
			m.log.Debug("Token validation failed", "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			return
		}

		user := &domain.User{
			ID:          claims.UserID,
			Email:       claims.Email,
			DisplayName: claims.DisplayName,
			IsActive:    true,
		}
		if err := m.directory.EnsureUser(c.Request.Context(), user); err != nil {
			m.log.Error("Failed to sync user from token", "error", err, "user_id", claims.UserID)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}

		c.Set(userIDKey, claims.UserID)
		c.Set("user_email", claims.Email)
		c.Next()
	}
}

// bearerToken reads the Authorization header. Browsers cannot set headers on
// websocket upgrades, so the access_token query parameter is accepted too.
func bearerToken(c *gin.Context) (string, bool) {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			return "", false
		}
		return parts[1], true
	}
	if token := c.Query("access_token"); token != "" {
		return token, true
	}
	return "", false
}

// UserID returns the authenticated user set by RequireAuth.
func UserID(c *gin.Context) uuid.UUID {
	if v, ok := c.Get(userIDKey); ok {
		if id, ok := v.(uuid.UUID); ok {
			return id
		}
	}
	return uuid.Nil
}
