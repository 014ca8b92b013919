package domain

import (
	"time"

	"github.com/google/uuid"
)

// User is the directory record for a CRM employee. The chat tables store
// user ids only; names are resolved through the directory at read time.
type User struct {
	ID          uuid.UUID `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	AvatarURL   *string   `json:"avatar_url,omitempty"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (u *User) Name() string {
	if u == nil || u.DisplayName == "" {
		return "user"
	}
	return u.DisplayName
}
