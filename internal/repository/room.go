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

type RoomRepository interface {
	Create(ctx context.Context, room *domain.Room) error
	// CreateDirect inserts the room unless one with the same direct key exists,
	// and returns the stored room either way.
	CreateDirect(ctx context.Context, room *domain.Room) (*domain.Room, bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Room, error)
	ListForUser(ctx context.Context, userID uuid.UUID) ([]*domain.Room, error)
	UpdateName(ctx context.Context, id uuid.UUID, name string, at time.Time) error
	TouchLastMessage(ctx context.Context, id uuid.UUID, at time.Time, preview string) error

	AddParticipant(ctx context.Context, participant *domain.Participant) (bool, error)
	GetParticipant(ctx context.Context, roomID, userID uuid.UUID) (*domain.Participant, error)
	ListParticipants(ctx context.Context, roomID uuid.UUID) ([]*domain.Participant, error)
	ListParticipantsForRooms(ctx context.Context, roomIDs []uuid.UUID) (map[uuid.UUID][]*domain.Participant, error)
	RemoveParticipant(ctx context.Context, roomID, userID uuid.UUID) (bool, error)
	UpdateParticipantSettings(ctx context.Context, roomID, userID uuid.UUID, settings domain.ParticipantSettings) error
	SetParticipantRole(ctx context.Context, roomID, userID uuid.UUID, role string) error
	AdvanceLastRead(ctx context.Context, roomID, userID uuid.UUID, at time.Time) (bool, error)
}

type roomRepository struct {
	db  *DB
	log logger.Logger
}

func NewRoomRepository(db *DB, log logger.Logger) RoomRepository {
	return &roomRepository{db: db, log: log}
}

var roomColumns = []string{
	"r.id", "r.kind", "r.name", "r.direct_key", "r.created_by",
	"r.created_at", "r.updated_at", "r.last_message_at", "r.last_message_preview",
}

var participantColumns = []string{
	"room_id", "user_id", "role", "joined_at", "last_read_at", "notification_setting", "is_pinned",
}

func scanRoom(scan func(dest ...any) error) (*domain.Room, error) {
	room := &domain.Room{}
	var name, directKey, preview sql.NullString
	var createdAt, updatedAt int64
	var lastMessageAt sql.NullInt64
	if err := scan(
		&room.ID, &room.Kind, &name, &directKey, &room.CreatedBy,
		&createdAt, &updatedAt, &lastMessageAt, &preview,
	); err != nil {
		return nil, err
	}
	room.Name = fromNullString(name)
	room.DirectKey = fromNullString(directKey)
	room.LastMessagePreview = fromNullString(preview)
	room.CreatedAt = fromMicro(createdAt)
	room.UpdatedAt = fromMicro(updatedAt)
	room.LastMessageAt = fromNullMicro(lastMessageAt)
	return room, nil
}

func scanParticipant(scan func(dest ...any) error) (*domain.Participant, error) {
	p := &domain.Participant{}
	var joinedAt int64
	var lastReadAt sql.NullInt64
	if err := scan(&p.RoomID, &p.UserID, &p.Role, &joinedAt, &lastReadAt, &p.NotificationSetting, &p.IsPinned); err != nil {
		return nil, err
	}
	p.JoinedAt = fromMicro(joinedAt)
	p.LastReadAt = fromNullMicro(lastReadAt)
	return p, nil
}

func (r *roomRepository) insertRoom(room *domain.Room) sq.InsertBuilder {
	return r.db.sb.Insert("chat_rooms").
		Columns("id", "kind", "name", "direct_key", "created_by", "created_at", "updated_at").
		Values(room.ID.String(), room.Kind, nullString(room.Name), nullString(room.DirectKey), room.CreatedBy.String(), toMicro(room.CreatedAt), toMicro(room.UpdatedAt))
}

func (r *roomRepository) Create(ctx context.Context, room *domain.Room) error {
	if _, err := r.db.exec(ctx, r.insertRoom(room)); err != nil {
		r.log.Error("Failed to create room", "error", err)
		return err
	}
	return nil
}

func (r *roomRepository) CreateDirect(ctx context.Context, room *domain.Room) (*domain.Room, bool, error) {
	if room.DirectKey == nil {
		return nil, false, apperrors.Validation("direct room requires a participant pair")
	}

	inserted, err := r.db.exec(ctx, r.insertRoom(room).Suffix("ON CONFLICT (direct_key) DO NOTHING"))
	if err != nil {
		r.log.Error("Failed to create direct room", "error", err)
		return nil, false, err
	}

	row, err := r.db.queryRow(ctx, r.db.sb.Select(roomColumns...).From("chat_rooms r").Where(sq.Eq{"r.direct_key": *room.DirectKey}))
	if err != nil {
		return nil, false, err
	}
	stored, err := scanRoom(row.Scan)
	if err != nil {
		r.log.Error("Failed to load direct room", "error", err, "direct_key", *room.DirectKey)
		return nil, false, err
	}
	return stored, inserted == 1, nil
}

func (r *roomRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Room, error) {
	row, err := r.db.queryRow(ctx, r.db.sb.Select(roomColumns...).From("chat_rooms r").Where(sq.Eq{"r.id": id.String()}))
	if err != nil {
		return nil, err
	}
	room, err := scanRoom(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("room not found")
		}
		r.log.Error("Failed to get room by ID", "error", err)
		return nil, err
	}
	return room, nil
}

// ListForUser returns the user's rooms, pinned first, then by last activity.
func (r *roomRepository) ListForUser(ctx context.Context, userID uuid.UUID) ([]*domain.Room, error) {
	q := r.db.sb.Select(roomColumns...).
		From("chat_rooms r").
		Join("chat_participants p ON p.room_id = r.id").
		Where(sq.Eq{"p.user_id": userID.String()}).
		OrderBy("p.is_pinned DESC", "COALESCE(r.last_message_at, r.created_at) DESC", "r.id")

	rows, err := r.db.query(ctx, q)
	if err != nil {
		r.log.Error("Failed to list rooms", "error", err)
		return nil, err
	}
	defer rows.Close()

	var rooms []*domain.Room
	for rows.Next() {
		room, err := scanRoom(rows.Scan)
		if err != nil {
			r.log.Error("Failed to scan room", "error", err)
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

func (r *roomRepository) UpdateName(ctx context.Context, id uuid.UUID, name string, at time.Time) error {
	n, err := r.db.exec(ctx, r.db.sb.Update("chat_rooms").
		Set("name", name).
		Set("updated_at", toMicro(at)).
		Where(sq.Eq{"id": id.String()}))
	if err != nil {
		r.log.Error("Failed to rename room", "error", err)
		return err
	}
	if n == 0 {
		return apperrors.NotFound("room not found")
	}
	return nil
}

// TouchLastMessage advances the room's last activity. Older timestamps are ignored.
func (r *roomRepository) TouchLastMessage(ctx context.Context, id uuid.UUID, at time.Time, preview string) error {
	_, err := r.db.exec(ctx, r.db.sb.Update("chat_rooms").
		Set("last_message_at", toMicro(at)).
		Set("last_message_preview", preview).
		Set("updated_at", toMicro(at)).
		Where(sq.Eq{"id": id.String()}).
		Where(sq.Or{sq.Eq{"last_message_at": nil}, sq.LtOrEq{"last_message_at": toMicro(at)}}))
	if err != nil {
		r.log.Error("Failed to update room activity", "error", err, "room_id", id)
	}
	return err
}

func (r *roomRepository) AddParticipant(ctx context.Context, p *domain.Participant) (bool, error) {
	n, err := r.db.exec(ctx, r.db.sb.Insert("chat_participants").
		Columns(participantColumns...).
		Values(p.RoomID.String(), p.UserID.String(), p.Role, toMicro(p.JoinedAt), nullMicro(p.LastReadAt), p.NotificationSetting, p.IsPinned).
		Suffix("ON CONFLICT (room_id, user_id) DO NOTHING"))
	if err != nil {
		r.log.Error("Failed to add participant", "error", err, "room_id", p.RoomID)
		return false, err
	}
	return n == 1, nil
}

func (r *roomRepository) GetParticipant(ctx context.Context, roomID, userID uuid.UUID) (*domain.Participant, error) {
	row, err := r.db.queryRow(ctx, r.db.sb.Select(participantColumns...).
		From("chat_participants").
		Where(sq.Eq{"room_id": roomID.String(), "user_id": userID.String()}))
	if err != nil {
		return nil, err
	}
	p, err := scanParticipant(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("participant not found")
		}
		r.log.Error("Failed to get participant", "error", err)
		return nil, err
	}
	return p, nil
}

func (r *roomRepository) ListParticipants(ctx context.Context, roomID uuid.UUID) ([]*domain.Participant, error) {
	byRoom, err := r.ListParticipantsForRooms(ctx, []uuid.UUID{roomID})
	if err != nil {
		return nil, err
	}
	return byRoom[roomID], nil
}

func (r *roomRepository) ListParticipantsForRooms(ctx context.Context, roomIDs []uuid.UUID) (map[uuid.UUID][]*domain.Participant, error) {
	out := make(map[uuid.UUID][]*domain.Participant, len(roomIDs))
	if len(roomIDs) == 0 {
		return out, nil
	}

	rows, err := r.db.query(ctx, r.db.sb.Select(participantColumns...).
		From("chat_participants").
		Where(sq.Eq{"room_id": uuidStrings(roomIDs)}).
		OrderBy("joined_at", "user_id"))
	if err != nil {
		r.log.Error("Failed to list participants", "error", err)
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanParticipant(rows.Scan)
		if err != nil {
			r.log.Error("Failed to scan participant", "error", err)
			return nil, err
		}
		out[p.RoomID] = append(out[p.RoomID], p)
	}
	return out, rows.Err()
}

func (r *roomRepository) RemoveParticipant(ctx context.Context, roomID, userID uuid.UUID) (bool, error) {
	n, err := r.db.exec(ctx, r.db.sb.Delete("chat_participants").Where(sq.Eq{"room_id": roomID.String(), "user_id": userID.String()}))
	if err != nil {
		r.log.Error("Failed to remove participant", "error", err)
		return false, err
	}
	return n == 1, nil
}

func (r *roomRepository) UpdateParticipantSettings(ctx context.Context, roomID, userID uuid.UUID, settings domain.ParticipantSettings) error {
	q := r.db.sb.Update("chat_participants").Where(sq.Eq{"room_id": roomID.String(), "user_id": userID.String()})
	changed := false
	if settings.NotificationSetting != nil {
		q = q.Set("notification_setting", *settings.NotificationSetting)
		changed = true
	}
	if settings.IsPinned != nil {
		q = q.Set("is_pinned", *settings.IsPinned)
		changed = true
	}
	if !changed {
		return nil
	}

	n, err := r.db.exec(ctx, q)
	if err != nil {
		r.log.Error("Failed to update participant settings", "error", err)
		return err
	}
	if n == 0 {
		return apperrors.NotFound("participant not found")
	}
	return nil
}

func (r *roomRepository) SetParticipantRole(ctx context.Context, roomID, userID uuid.UUID, role string) error {
	_, err := r.db.exec(ctx, r.db.sb.Update("chat_participants").
		Set("role", role).
		Where(sq.Eq{"room_id": roomID.String(), "user_id": userID.String()}))
	if err != nil {
		r.log.Error("Failed to set participant role", "error", err)
	}
	return err
}

// AdvanceLastRead moves the read watermark forward only. It reports whether a row changed.
func (r *roomRepository) AdvanceLastRead(ctx context.Context, roomID, userID uuid.UUID, at time.Time) (bool, error) {
	n, err := r.db.exec(ctx, r.db.sb.Update("chat_participants").
		Set("last_read_at", toMicro(at)).
		Where(sq.Eq{"room_id": roomID.String(), "user_id": userID.String()}).
		Where(sq.Or{sq.Eq{"last_read_at": nil}, sq.Lt{"last_read_at": toMicro(at)}}))
	if err != nil {
		r.log.Error("Failed to advance read watermark", "error", err)
		return false, err
	}
	return n == 1, nil
}
