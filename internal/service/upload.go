package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"crm_chat/internal/blob"
	"crm_chat/internal/domain"
	"crm_chat/internal/metrics"
	"crm_chat/internal/repository"
	apperrors "crm_chat/pkg/errors"
	"crm_chat/pkg/logger"
)

type UploadInput struct {
	RoomID     uuid.UUID
	UploaderID uuid.UUID
	FileName   string
	Body       io.Reader
}

// UploadService stores a file and registers it as an unattached attachment.
type UploadService interface {
	Upload(ctx context.Context, in UploadInput) (*domain.File, error)
}

type uploadService struct {
	store    blob.Store
	roomRepo repository.RoomRepository
	fileRepo repository.FileRepository
	retries  uint64
	backoff  time.Duration
	maxSize  int64
	now      Clock
	log      logger.Logger
}

func NewUploadService(store blob.Store, repos *repository.Repositories, retries int, maxSize int64, log logger.Logger) UploadService {
	if retries < 0 {
		retries = 0
	}
	return &uploadService{
		store:    store,
		roomRepo: repos.Room,
		fileRepo: repos.File,
		retries:  uint64(retries),
		backoff:  200 * time.Millisecond,
		maxSize:  maxSize,
		now:      systemClock,
		log:      log,
	}
}

func (s *uploadService) Upload(ctx context.Context, in UploadInput) (*domain.File, error) {
	if in.FileName == "" {
		return nil, apperrors.Validation("file name is required")
	}
	if _, _, err := requireParticipant(ctx, s.roomRepo, in.RoomID, in.UploaderID); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(io.LimitReader(in.Body, s.maxSize+1))
	if err != nil {
		metrics.UploadFailures.Inc()
		return nil, apperrors.Transport(err, "failed to read upload")
	}
	if int64(len(data)) > s.maxSize {
		return nil, apperrors.Validation("file exceeds %d bytes", s.maxSize)
	}
	if len(data) == 0 {
		return nil, apperrors.Validation("file is empty")
	}

	fileID := uuid.New()
	var obj *blob.Object
	backoff := retry.WithMaxRetries(s.retries, retry.NewExponential(s.backoff))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		o, err := s.store.Put(ctx, fileID.String(), in.FileName, bytes.NewReader(data))
		if err != nil {
			if errors.Is(err, blob.ErrTooLarge) {
				return err
			}
			s.log.Warn("Upload attempt failed", "error", err, "file_id", fileID)
			return retry.RetryableError(err)
		}
		obj = o
		return nil
	})
	if err != nil {
		metrics.UploadFailures.Inc()
		if errors.Is(err, blob.ErrTooLarge) {
			return nil, apperrors.Validation("file exceeds %d bytes", s.maxSize)
		}
		return nil, apperrors.Transport(err, "failed to store %s", in.FileName)
	}

	file := &domain.File{
		ID:           fileID,
		RoomID:       in.RoomID,
		UploaderID:   in.UploaderID,
		FileName:     in.FileName,
		MimeType:     obj.MimeType,
		Kind:         domain.FileKindForMime(obj.MimeType),
		Size:         obj.Size,
		URL:          obj.URL,
		ThumbnailURL: obj.ThumbnailURL,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.fileRepo.Create(ctx, file); err != nil {
		if delErr := s.store.Delete(ctx, obj.Key); delErr != nil {
			s.log.Warn("Failed to remove orphaned blob", "error", delErr, "key", obj.Key)
		}
		return nil, err
	}
	return file, nil
}
