package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gocloud.dev/blob"
)

type failingReader struct {
	data []byte
	err  error
	done bool
}

func (r *failingReader) Read(p []byte) (int, error) {
	if r.done {
		return 0, r.err
	}
	r.done = true
	return copy(p, r.data), nil
}

func TestLocalSink_Save(t *testing.T) {
	tempDir := t.TempDir()
	sink := NewLocalSink(tempDir, zap.NewNop())

	t.Run("saves file and creates parent directories", func(t *testing.T) {
		content := []byte("%PDF-1.4 content")

		location, size, err := sink.Save(context.Background(), "chat/om_1/invoice.pdf", bytes.NewReader(content), "application/pdf")

		require.NoError(t, err)
		assert.Equal(t, filepath.Join(tempDir, "chat", "om_1", "invoice.pdf"), location)
		assert.Equal(t, int64(len(content)), size)

		saved, err := os.ReadFile(location)
		require.NoError(t, err)
		assert.Equal(t, content, saved)
	})

	t.Run("overwrites existing file", func(t *testing.T) {
		_, _, err := sink.Save(context.Background(), "dup.txt", bytes.NewReader([]byte("one")), "")
		require.NoError(t, err)
		location, _, err := sink.Save(context.Background(), "dup.txt", bytes.NewReader([]byte("two")), "")
		require.NoError(t, err)

		saved, err := os.ReadFile(location)
		require.NoError(t, err)
		assert.Equal(t, "two", string(saved))
	})

	t.Run("rejects traversal", func(t *testing.T) {
		_, _, err := sink.Save(context.Background(), "../outside.txt", bytes.NewReader(nil), "")
		assert.Error(t, err)
		assert.NoFileExists(t, filepath.Join(filepath.Dir(tempDir), "outside.txt"))
	})

	t.Run("leaves nothing behind on read failure", func(t *testing.T) {
		boom := errors.New("connection reset")
		_, _, err := sink.Save(context.Background(), "partial/file.bin", &failingReader{data: []byte("half"), err: boom}, "")
		require.ErrorIs(t, err, boom)

		entries, err := os.ReadDir(filepath.Join(tempDir, "partial"))
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("stops when context is cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, _, err := sink.Save(ctx, "cancelled.bin", bytes.NewReader([]byte("data")), "")
		assert.ErrorIs(t, err, context.Canceled)
		assert.NoFileExists(t, filepath.Join(tempDir, "cancelled.bin"))
	})
}

func TestLocalSink_ValidatePath(t *testing.T) {
	tempDir := t.TempDir()
	sink := NewLocalSink(tempDir, zap.NewNop())

	assert.NoError(t, sink.ValidatePath(filepath.Join(tempDir, "a", "b.txt")))
	assert.Error(t, sink.ValidatePath(tempDir))
	assert.Error(t, sink.ValidatePath(filepath.Join(tempDir, "..", "escape.txt")))
	assert.Error(t, sink.ValidatePath(tempDir+"-sibling/file.txt"))
}

func TestBlobSink_Save(t *testing.T) {
	ctx := context.Background()
	sink, err := OpenBlobSink(ctx, "mem://", "attachments", zap.NewNop())
	require.NoError(t, err)
	defer sink.Close()

	key, size, err := sink.Save(ctx, "om_1/photo.png", bytes.NewReader([]byte("png-bytes")), "image/png")
	require.NoError(t, err)
	assert.Equal(t, "attachments/om_1/photo.png", key)
	assert.Equal(t, int64(9), size)

	r, err := sink.bucket.NewReader(ctx, key, nil)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))
	assert.Equal(t, "image/png", r.ContentType())

	_, _, err = sink.Save(ctx, "../escape", bytes.NewReader(nil), "")
	assert.Error(t, err)
}

func TestBlobSink_FailedUploadIsDiscarded(t *testing.T) {
	ctx := context.Background()
	bucket, err := blob.OpenBucket(ctx, "mem://")
	require.NoError(t, err)
	sink := NewBlobSink(bucket, "", zap.NewNop())
	defer sink.Close()

	_, _, err = sink.Save(ctx, "broken.bin", &failingReader{data: []byte("half"), err: errors.New("eof early")}, "")
	require.Error(t, err)

	exists, err := bucket.Exists(ctx, "broken.bin")
	require.NoError(t, err)
	assert.False(t, exists)
}
