package repository

import (
	"context"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"crm_chat/internal/domain"
	"crm_chat/pkg/logger"
)

type ReactionRepository interface {
	Add(ctx context.Context, reaction *domain.Reaction) (bool, error)
	Remove(ctx context.Context, messageID, userID uuid.UUID, emoji string) (bool, error)
	ListByMessage(ctx context.Context, messageID uuid.UUID) ([]*domain.Reaction, error)
	ListByMessages(ctx context.Context, messageIDs []uuid.UUID) (map[uuid.UUID][]*domain.Reaction, error)
}

type reactionRepository struct {
	db  *DB
	log logger.Logger
}

func NewReactionRepository(db *DB, log logger.Logger) ReactionRepository {
	return &reactionRepository{db: db, log: log}
}

func (r *reactionRepository) Add(ctx context.Context, reaction *domain.Reaction) (bool, error) {
	n, err := r.db.exec(ctx, r.db.sb.Insert("chat_reactions").
		Columns("message_id", "user_id", "emoji", "reacted_at").
		Values(reaction.MessageID.String(), reaction.UserID.String(), reaction.Emoji, toMicro(reaction.ReactedAt)).
		Suffix("ON CONFLICT (message_id, user_id, emoji) DO NOTHING"))
	if err != nil {
		r.log.Error("Failed to add reaction", "error", err)
		return false, err
	}
	return n == 1, nil
}

func (r *reactionRepository) Remove(ctx context.Context, messageID, userID uuid.UUID, emoji string) (bool, error) {
	n, err := r.db.exec(ctx, r.db.sb.Delete("chat_reactions").
		Where(sq.Eq{"message_id": messageID.String(), "user_id": userID.String(), "emoji": emoji}))
	if err != nil {
		r.log.Error("Failed to remove reaction", "error", err)
		return false, err
	}
	return n == 1, nil
}

func (r *reactionRepository) ListByMessage(ctx context.Context, messageID uuid.UUID) ([]*domain.Reaction, error) {
	byMessage, err := r.ListByMessages(ctx, []uuid.UUID{messageID})
	if err != nil {
		return nil, err
	}
	return byMessage[messageID], nil
}

func (r *reactionRepository) ListByMessages(ctx context.Context, messageIDs []uuid.UUID) (map[uuid.UUID][]*domain.Reaction, error) {
	out := make(map[uuid.UUID][]*domain.Reaction, len(messageIDs))
	if len(messageIDs) == 0 {
		return out, nil
	}

	rows, err := r.db.query(ctx, r.db.sb.Select("message_id", "user_id", "emoji", "reacted_at").
		From("chat_reactions").
		Where(sq.Eq{"message_id": uuidStrings(messageIDs)}).
		OrderBy("reacted_at", "user_id", "emoji"))
	if err != nil {
		r.log.Error("Failed to list reactions", "error", err)
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		reaction := &domain.Reaction{}
		var reactedAt int64
		if err := rows.Scan(&reaction.MessageID, &reaction.UserID, &reaction.Emoji, &reactedAt); err != nil {
			r.log.Error("Failed to scan reaction", "error", err)
			return nil, err
		}
		reaction.ReactedAt = fromMicro(reactedAt)
		out[reaction.MessageID] = append(out[reaction.MessageID], reaction)
	}
	return out, rows.Err()
}
