package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"crm_chat/pkg/logger"
)

var ErrTooLarge = errors.New("file exceeds upload limit")

// Object describes a stored blob.
type Object struct {
	Key          string
	URL          string
	ThumbnailURL *string
	MimeType     string
	Size         int64
}

// Store accepts file streams and returns stable content URLs.
type Store interface {
	Put(ctx context.Context, key, fileName string, r io.Reader) (*Object, error)
	Delete(ctx context.Context, key string) error
}

// LocalStore keeps blobs on the local filesystem and serves them under baseURL.
type LocalStore struct {
	dir       string
	baseURL   string
	maxSize   int64
	thumbSize int
	log       logger.Logger
}

func NewLocalStore(dir, baseURL string, maxSize int64, thumbSize int, log logger.Logger) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	if thumbSize <= 0 {
		thumbSize = 320
	}
	return &LocalStore{
		dir:       dir,
		baseURL:   strings.TrimRight(baseURL, "/"),
		maxSize:   maxSize,
		thumbSize: thumbSize,
		log:       log,
	}, nil
}

func (s *LocalStore) Put(ctx context.Context, key, fileName string, r io.Reader) (*Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(io.LimitReader(r, s.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > s.maxSize {
		return nil, ErrTooLarge
	}

	name := sanitizeName(fileName)
	objDir := filepath.Join(s.dir, key)
	if err := os.MkdirAll(objDir, 0o755); err != nil {
		return nil, fmt.Errorf("create object dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(objDir, name), data, 0o644); err != nil {
		return nil, fmt.Errorf("write object: %w", err)
	}

	mtype := mimetype.Detect(data)
	obj := &Object{
		Key:      key,
		URL:      s.url(key, name),
		MimeType: mtype.String(),
		Size:     int64(len(data)),
	}

	if strings.HasPrefix(mtype.String(), "image/") {
		thumb, err := s.writeThumbnail(objDir, data)
		if err != nil {
			s.log.Warn("Failed to render thumbnail", "error", err, "key", key, "mime", mtype.String())
		} else {
			u := s.url(key, thumb)
			obj.ThumbnailURL = &u
		}
	}

	return obj, nil
}

func (s *LocalStore) Delete(_ context.Context, key string) error {
	return os.RemoveAll(filepath.Join(s.dir, key))
}

func (s *LocalStore) writeThumbnail(objDir string, data []byte) (string, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", err
	}

	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w > s.thumbSize || h > s.thumbSize {
		if w >= h {
			h = h * s.thumbSize / w
			w = s.thumbSize
		} else {
			w = w * s.thumbSize / h
			h = s.thumbSize
		}
	}
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 80}); err != nil {
		return "", err
	}
	const thumbName = "thumb.jpg"
	if err := os.WriteFile(filepath.Join(objDir, thumbName), buf.Bytes(), 0o644); err != nil {
		return "", err
	}
	return thumbName, nil
}

func (s *LocalStore) url(key, name string) string {
	return s.baseURL + "/" + path.Join(key, url.PathEscape(name))
}

func sanitizeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == '/' || r == ':' {
			return '_'
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." {
		return "file"
	}
	return name
}
