package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"crm_chat/internal/domain"
	"crm_chat/internal/repository"
	"crm_chat/pkg/logger"
)

// DirectoryService resolves user ids to directory records. Records come from
// the identity provider's tokens and are cached in memory.
type DirectoryService interface {
	GetUser(ctx context.Context, id uuid.UUID) (*domain.User, error)
	GetUsers(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*domain.User, error)
	EnsureUser(ctx context.Context, user *domain.User) error
}

type directoryService struct {
	userRepo repository.UserRepository
	cache    *expirable.LRU[uuid.UUID, *domain.User]
	now      Clock
	log      logger.Logger
}

func NewDirectoryService(userRepo repository.UserRepository, size int, ttl time.Duration, log logger.Logger) DirectoryService {
	if size <= 0 {
		size = 1024
	}
	return &directoryService{
		userRepo: userRepo,
		cache:    expirable.NewLRU[uuid.UUID, *domain.User](size, nil, ttl),
		now:      systemClock,
		log:      log,
	}
}

func (s *directoryService) GetUser(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	if u, ok := s.cache.Get(id); ok {
		return u, nil
	}
	u, err := s.userRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache.Add(id, u)
	return u, nil
}

// GetUsers returns the known users among ids. Unknown ids are absent from the map.
func (s *directoryService) GetUsers(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*domain.User, error) {
	out := make(map[uuid.UUID]*domain.User, len(ids))
	var missing []uuid.UUID
	for _, id := range ids {
		if _, done := out[id]; done {
			continue
		}
		if u, ok := s.cache.Get(id); ok {
			out[id] = u
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return out, nil
	}

	found, err := s.userRepo.GetByIDs(ctx, missing)
	if err != nil {
		return nil, err
	}
	for id, u := range found {
		s.cache.Add(id, u)
		out[id] = u
	}
	return out, nil
}

// EnsureUser records the caller's identity on first sight and refreshes it
// when the token carries a new name or email.
func (s *directoryService) EnsureUser(ctx context.Context, user *domain.User) error {
	if cached, ok := s.cache.Get(user.ID); ok && cached.Email == user.Email && cached.DisplayName == user.DisplayName {
		return nil
	}

	now := s.now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now
	user.IsActive = true

	if err := s.userRepo.Upsert(ctx, user); err != nil {
		s.log.Error("Failed to provision user", "error", err, "user_id", user.ID)
		return err
	}
	s.cache.Add(user.ID, user)
	return nil
}
