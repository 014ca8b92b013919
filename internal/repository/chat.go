package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"crm_chat/internal/domain"
	apperrors "crm_chat/pkg/errors"
	"crm_chat/pkg/logger"
)

type MessageRepository interface {
	Create(ctx context.Context, message *domain.Message) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Message, error)
	GetByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*domain.Message, error)
	// Page returns up to limit messages strictly before the cursor, newest first.
	Page(ctx context.Context, roomID uuid.UUID, before *domain.Cursor, limit int) ([]*domain.Message, error)
	UpdateContent(ctx context.Context, id uuid.UUID, content string, at time.Time) (bool, error)
	SoftDelete(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	LatestCreatedAt(ctx context.Context, roomID uuid.UUID) (*time.Time, error)
	CountUnread(ctx context.Context, roomID, userID uuid.UUID, after *time.Time) (int, error)
}

type messageRepository struct {
	db  *DB
	log logger.Logger
}

func NewMessageRepository(db *DB, log logger.Logger) MessageRepository {
	return &messageRepository{db: db, log: log}
}

var messageColumns = []string{
	"id", "room_id", "sender_id", "content", "message_type", "reply_to_id",
	"is_edited", "is_deleted", "created_at", "updated_at",
}

func scanMessage(scan func(dest ...any) error) (*domain.Message, error) {
	m := &domain.Message{}
	var senderID, replyToID uuid.NullUUID
	var content sql.NullString
	var createdAt, updatedAt int64
	if err := scan(
		&m.ID, &m.RoomID, &senderID, &content, &m.MessageType, &replyToID,
		&m.IsEdited, &m.IsDeleted, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	m.SenderID = fromNullUUID(senderID)
	m.ReplyToID = fromNullUUID(replyToID)
	m.Content = fromNullString(content)
	m.CreatedAt = fromMicro(createdAt)
	m.UpdatedAt = fromMicro(updatedAt)
	return m, nil
}

func (r *messageRepository) Create(ctx context.Context, m *domain.Message) error {
	_, err := r.db.exec(ctx, r.db.sb.Insert("chat_messages").
		Columns(messageColumns...).
		Values(
			m.ID.String(), m.RoomID.String(), nullID(m.SenderID), nullString(m.Content), m.MessageType, nullID(m.ReplyToID),
			m.IsEdited, m.IsDeleted, toMicro(m.CreatedAt), toMicro(m.UpdatedAt),
		))
	if err != nil {
		r.log.Error("Failed to create message", "error", err, "room_id", m.RoomID)
		return err
	}
	return nil
}

func (r *messageRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Message, error) {
	row, err := r.db.queryRow(ctx, r.db.sb.Select(messageColumns...).From("chat_messages").Where(sq.Eq{"id": id.String()}))
	if err != nil {
		return nil, err
	}
	m, err := scanMessage(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("message not found")
		}
		r.log.Error("Failed to get message", "error", err)
		return nil, err
	}
	return m, nil
}

func (r *messageRepository) GetByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*domain.Message, error) {
	out := make(map[uuid.UUID]*domain.Message, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := r.db.query(ctx, r.db.sb.Select(messageColumns...).From("chat_messages").Where(sq.Eq{"id": uuidStrings(ids)}))
	if err != nil {
		r.log.Error("Failed to get messages", "error", err)
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			r.log.Error("Failed to scan message", "error", err)
			return nil, err
		}
		out[m.ID] = m
	}
	return out, rows.Err()
}

func (r *messageRepository) Page(ctx context.Context, roomID uuid.UUID, before *domain.Cursor, limit int) ([]*domain.Message, error) {
	q := r.db.sb.Select(messageColumns...).
		From("chat_messages").
		Where(sq.Eq{"room_id": roomID.String()})
	if before != nil {
		ts := toMicro(before.CreatedAt)
		q = q.Where(sq.Or{
			sq.Lt{"created_at": ts},
			sq.And{sq.Eq{"created_at": ts}, sq.Lt{"id": before.ID.String()}},
		})
	}
	q = q.OrderBy("created_at DESC", "id DESC").Limit(uint64(limit))

	rows, err := r.db.query(ctx, q)
	if err != nil {
		r.log.Error("Failed to get message page", "error", err, "room_id", roomID)
		return nil, err
	}
	defer rows.Close()

	messages := make([]*domain.Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			r.log.Error("Failed to scan message", "error", err)
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// UpdateContent edits a live text message. It reports false when the
// message is deleted or not editable.
func (r *messageRepository) UpdateContent(ctx context.Context, id uuid.UUID, content string, at time.Time) (bool, error) {
	n, err := r.db.exec(ctx, r.db.sb.Update("chat_messages").
		Set("content", content).
		Set("is_edited", true).
		Set("updated_at", toMicro(at)).
		Where(sq.Eq{"id": id.String(), "is_deleted": false, "message_type": domain.MessageTypeText}))
	if err != nil {
		r.log.Error("Failed to update message", "error", err)
		return false, err
	}
	return n == 1, nil
}

// SoftDelete tombstones a message. It reports false when it was already deleted.
func (r *messageRepository) SoftDelete(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	n, err := r.db.exec(ctx, r.db.sb.Update("chat_messages").
		Set("is_deleted", true).
		Set("content", nil).
		Set("updated_at", toMicro(at)).
		Where(sq.Eq{"id": id.String(), "is_deleted": false}))
	if err != nil {
		r.log.Error("Failed to delete message", "error", err)
		return false, err
	}
	return n == 1, nil
}

func (r *messageRepository) LatestCreatedAt(ctx context.Context, roomID uuid.UUID) (*time.Time, error) {
	row, err := r.db.queryRow(ctx, r.db.sb.Select("MAX(created_at)").From("chat_messages").Where(sq.Eq{"room_id": roomID.String()}))
	if err != nil {
		return nil, err
	}
	var latest sql.NullInt64
	if err := row.Scan(&latest); err != nil {
		r.log.Error("Failed to get latest message time", "error", err)
		return nil, err
	}
	return fromNullMicro(latest), nil
}

// CountUnread counts live messages from other senders after the watermark.
func (r *messageRepository) CountUnread(ctx context.Context, roomID, userID uuid.UUID, after *time.Time) (int, error) {
	q := r.db.sb.Select("COUNT(*)").
		From("chat_messages").
		Where(sq.Eq{"room_id": roomID.String(), "is_deleted": false}).
		Where(sq.NotEq{"sender_id": userID.String()})
	if after != nil {
		q = q.Where(sq.Gt{"created_at": toMicro(*after)})
	}

	row, err := r.db.queryRow(ctx, q)
	if err != nil {
		return 0, err
	}
	var count int
	if err := row.Scan(&count); err != nil {
		r.log.Error("Failed to count unread messages", "error", err)
		return 0, err
	}
	return count, nil
}
