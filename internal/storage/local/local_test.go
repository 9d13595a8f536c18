package local

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinaykr8807/WhispShare-qz/internal/storage"
)

func TestWriter_WriteReadDelete(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, "http://files.local")
	ctx := context.Background()

	loc, err := w.Write(ctx, "anonymous/a.txt", bytes.NewReader([]byte("payload")))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "anonymous", "a.txt"), loc.Path)
	assert.Equal(t, "http://files.local/anonymous/a.txt", loc.URL)

	rc, err := w.Read(ctx, "anonymous/a.txt")
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, "payload", string(body))

	require.NoError(t, w.Delete(ctx, "anonymous/a.txt"))
	require.NoError(t, w.Delete(ctx, "anonymous/a.txt"), "delete is idempotent")

	_, err = w.Read(ctx, "anonymous/a.txt")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestWriter_KeyCannotEscapeBaseDir(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, "")

	loc, err := w.Write(context.Background(), "../../escape.txt", bytes.NewReader([]byte("x")))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "escape.txt"), loc.Path)

	_, err = os.Stat(loc.Path)
	assert.NoError(t, err)
}

func TestWriter_CanceledContext(t *testing.T) {
	w := NewWriter(t.TempDir(), "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := w.Write(ctx, "k", bytes.NewReader(nil))
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, w.Delete(ctx, "k"), context.Canceled)
}
