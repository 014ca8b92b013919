package blob

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crm_chat/pkg/logger"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, 0, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestPutImageCreatesThumbnail(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir, "/files/", 1<<20, 64, logger.NewNop())
	require.NoError(t, err)

	obj, err := store.Put(context.Background(), "k1", "chart.png", bytes.NewReader(pngBytes(t, 400, 200)))
	require.NoError(t, err)

	assert.Equal(t, "image/png", obj.MimeType)
	assert.Equal(t, "/files/k1/chart.png", obj.URL)
	require.NotNil(t, obj.ThumbnailURL)
	assert.Equal(t, "/files/k1/thumb.jpg", *obj.ThumbnailURL)

	f, err := os.Open(filepath.Join(dir, "k1", "thumb.jpg"))
	require.NoError(t, err)
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Width)
	assert.Equal(t, 32, cfg.Height)
}

func TestPutPlainFile(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), "/files", 1<<20, 0, logger.NewNop())
	require.NoError(t, err)

	obj, err := store.Put(context.Background(), "k2", "../../etc/notes.txt", strings.NewReader("quarterly numbers"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(obj.MimeType, "text/plain"))
	assert.Nil(t, obj.ThumbnailURL)
	assert.Equal(t, "/files/k2/notes.txt", obj.URL)
	assert.EqualValues(t, len("quarterly numbers"), obj.Size)
}

func TestPutRejectsOversizedFile(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), "/files", 4, 0, logger.NewNop())
	require.NoError(t, err)

	_, err = store.Put(context.Background(), "k3", "big.bin", strings.NewReader("12345"))
	assert.ErrorIs(t, err, ErrTooLarge)
}
