package domain

import "time"

// RateLimitRule is a fixed window counter limit.
type RateLimitRule struct {
	Scope  string
	Limit  int
	Window time.Duration
}

const (
	RateLimitScopeUser = "user"
	RateLimitScopeIP   = "ip"
	RateLimitScopeRoom = "room"
)
