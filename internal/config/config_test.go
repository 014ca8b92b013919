package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "")
	t.Setenv("CHAT_TYPING_TTL", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 3*time.Second, cfg.Chat.TypingTTL)
	assert.Equal(t, 50, cfg.Chat.PageSize)
	assert.Equal(t, 100, cfg.Chat.MaxPageSize)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("DATABASE_DSN", "file:chat.db")
	t.Setenv("CHAT_TYPING_TTL", "5s")
	t.Setenv("SERVER_ALLOWED_ORIGINS", "https://crm.local, https://admin.crm.local")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 5*time.Second, cfg.Chat.TypingTTL)
	assert.Equal(t, []string{"https://crm.local", "https://admin.crm.local"}, cfg.Server.AllowedOrigins)
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "mysql")

	_, err := Load()
	assert.Error(t, err)
}
