package repository

import (
	"context"
	"database/sql"

	sq "github.com/Masterminds/squirrel"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"crm_chat/internal/domain"
	"crm_chat/pkg/logger"
)

type FileRepository interface {
	Create(ctx context.Context, file *domain.File) error
	GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*domain.File, error)
	// Attach links unattached files owned by uploaderID in roomID to a message.
	Attach(ctx context.Context, messageID, roomID, uploaderID uuid.UUID, fileIDs []uuid.UUID) (int64, error)
	ListByMessages(ctx context.Context, messageIDs []uuid.UUID) (map[uuid.UUID][]*domain.File, error)
}

type fileRepository struct {
	db  *DB
	log logger.Logger
}

func NewFileRepository(db *DB, log logger.Logger) FileRepository {
	return &fileRepository{db: db, log: log}
}

var fileColumns = []string{
	"id", "message_id", "room_id", "uploader_id", "file_name", "mime_type",
	"kind", "size", "url", "thumbnail_url", "created_at",
}

func scanFile(scan func(dest ...any) error) (*domain.File, error) {
	f := &domain.File{}
	var messageID uuid.NullUUID
	var thumb sql.NullString
	var createdAt int64
	if err := scan(
		&f.ID, &messageID, &f.RoomID, &f.UploaderID, &f.FileName, &f.MimeType,
		&f.Kind, &f.Size, &f.URL, &thumb, &createdAt,
	); err != nil {
		return nil, err
	}
	f.MessageID = fromNullUUID(messageID)
	f.ThumbnailURL = fromNullString(thumb)
	f.CreatedAt = fromMicro(createdAt)
	f.SizeLabel = humanize.Bytes(uint64(f.Size))
	return f, nil
}

func (r *fileRepository) Create(ctx context.Context, f *domain.File) error {
	_, err := r.db.exec(ctx, r.db.sb.Insert("chat_files").
		Columns(fileColumns...).
		Values(
			f.ID.String(), nullID(f.MessageID), f.RoomID.String(), f.UploaderID.String(), f.FileName, f.MimeType,
			f.Kind, f.Size, f.URL, nullString(f.ThumbnailURL), toMicro(f.CreatedAt),
		))
	if err != nil {
		r.log.Error("Failed to create file", "error", err)
		return err
	}
	f.SizeLabel = humanize.Bytes(uint64(f.Size))
	return nil
}

func (r *fileRepository) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*domain.File, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return r.list(ctx, sq.Eq{"id": uuidStrings(ids)})
}

func (r *fileRepository) Attach(ctx context.Context, messageID, roomID, uploaderID uuid.UUID, fileIDs []uuid.UUID) (int64, error) {
	if len(fileIDs) == 0 {
		return 0, nil
	}
	n, err := r.db.exec(ctx, r.db.sb.Update("chat_files").
		Set("message_id", messageID.String()).
		Where(sq.Eq{
			"id":          uuidStrings(fileIDs),
			"message_id":  nil,
			"room_id":     roomID.String(),
			"uploader_id": uploaderID.String(),
		}))
	if err != nil {
		r.log.Error("Failed to attach files", "error", err, "message_id", messageID)
		return 0, err
	}
	return n, nil
}

func (r *fileRepository) ListByMessages(ctx context.Context, messageIDs []uuid.UUID) (map[uuid.UUID][]*domain.File, error) {
	out := make(map[uuid.UUID][]*domain.File, len(messageIDs))
	if len(messageIDs) == 0 {
		return out, nil
	}
	files, err := r.list(ctx, sq.Eq{"message_id": uuidStrings(messageIDs)})
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		out[*f.MessageID] = append(out[*f.MessageID], f)
	}
	return out, nil
}

func (r *fileRepository) list(ctx context.Context, where sq.Sqlizer) ([]*domain.File, error) {
	rows, err := r.db.query(ctx, r.db.sb.Select(fileColumns...).From("chat_files").Where(where).OrderBy("created_at", "id"))
	if err != nil {
		r.log.Error("Failed to list files", "error", err)
		return nil, err
	}
	defer rows.Close()

	var files []*domain.File
	for rows.Next() {
		f, err := scanFile(rows.Scan)
		if err != nil {
			r.log.Error("Failed to scan file", "error", err)
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}
