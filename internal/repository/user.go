package repository

import (
	"context"
	"database/sql"
	"errors"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"crm_chat/internal/domain"
	apperrors "crm_chat/pkg/errors"
	"crm_chat/pkg/logger"
)

// UserRepository reads the local copy of the CRM user directory.
type UserRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error)
	GetByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*domain.User, error)
	// Upsert provisions or refreshes a user from identity token claims.
	Upsert(ctx context.Context, user *domain.User) error
}

type userRepository struct {
	db  *DB
	log logger.Logger
}

func NewUserRepository(db *DB, log logger.Logger) UserRepository {
	return &userRepository{db: db, log: log}
}

var userColumns = []string{"id", "email", "display_name", "avatar_url", "is_active", "created_at", "updated_at"}

func scanUser(scan func(dest ...any) error) (*domain.User, error) {
	u := &domain.User{}
	var avatar sql.NullString
	var createdAt, updatedAt int64
	if err := scan(&u.ID, &u.Email, &u.DisplayName, &avatar, &u.IsActive, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	u.AvatarURL = fromNullString(avatar)
	u.CreatedAt = fromMicro(createdAt)
	u.UpdatedAt = fromMicro(updatedAt)
	return u, nil
}

func (r *userRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	row, err := r.db.queryRow(ctx, r.db.sb.Select(userColumns...).From("users").Where(sq.Eq{"id": id.String()}))
	if err != nil {
		return nil, err
	}
	u, err := scanUser(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("user not found")
		}
		r.log.Error("Failed to get user by ID", "error", err)
		return nil, err
	}
	return u, nil
}

func (r *userRepository) GetByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*domain.User, error) {
	out := make(map[uuid.UUID]*domain.User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := r.db.query(ctx, r.db.sb.Select(userColumns...).From("users").Where(sq.Eq{"id": uuidStrings(ids)}))
	if err != nil {
		r.log.Error("Failed to get users", "error", err)
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		u, err := scanUser(rows.Scan)
		if err != nil {
			r.log.Error("Failed to scan user", "error", err)
			return nil, err
		}
		out[u.ID] = u
	}
	return out, rows.Err()
}

func (r *userRepository) Upsert(ctx context.Context, u *domain.User) error {
	_, err := r.db.exec(ctx, r.db.sb.Insert("users").
		Columns(userColumns...).
		Values(u.ID.String(), u.Email, u.DisplayName, nullString(u.AvatarURL), u.IsActive, toMicro(u.CreatedAt), toMicro(u.UpdatedAt)).
		Suffix("ON CONFLICT (id) DO UPDATE SET email = excluded.email, display_name = excluded.display_name, updated_at = excluded.updated_at"))
	if err != nil {
		r.log.Error("Failed to upsert user", "error", err, "user_id", u.ID)
		return err
	}
	return nil
}
