package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"go.uber.org/zap"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
)

// BlobSink implements Sink on a gocloud.dev bucket
type BlobSink struct {
	bucket *blob.Bucket
	prefix string
	logger *zap.Logger
}

// OpenBlobSink opens the bucket at bucketURL (mem://, file:///path, ...)
func OpenBlobSink(ctx context.Context, bucketURL, prefix string, logger *zap.Logger) (*BlobSink, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open bucket %q: %w", bucketURL, err)
	}
	return NewBlobSink(bucket, prefix, logger), nil
}

// NewBlobSink wraps an already opened bucket
func NewBlobSink(bucket *blob.Bucket, prefix string, logger *zap.Logger) *BlobSink {
	return &BlobSink{
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: logger,
	}
}

// Save uploads content to the object key derived from relPath.
// The object only becomes visible when the writer closes without error.
func (s *BlobSink) Save(ctx context.Context, relPath string, content io.Reader, mimeType string) (string, int64, error) {
	key := path.Clean(strings.TrimPrefix(relPath, "/"))
	if key == "." || key == ".." || strings.HasPrefix(key, "../") {
		return "", 0, fmt.Errorf("invalid object key: %s", relPath)
	}
	if s.prefix != "" {
		key = s.prefix + "/" + key
	}

	writeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := s.bucket.NewWriter(writeCtx, key, &blob.WriterOptions{ContentType: mimeType})
	if err != nil {
		return "", 0, fmt.Errorf("failed to open object writer: %w", err)
	}

	size, err := io.Copy(w, content)
	if err != nil {
		// Cancelling before Close discards the partial object
		cancel()
		_ = w.Close()
		s.logger.Error("Failed to upload object", zap.String("key", key), zap.Error(err))
		return "", 0, fmt.Errorf("failed to upload object: %w", err)
	}

	if err := w.Close(); err != nil {
		return "", 0, fmt.Errorf("failed to finalize object: %w", err)
	}

	s.logger.Debug("Object saved successfully",
		zap.String("key", key),
		zap.Int64("size", size))

	return key, size, nil
}

// Close releases the bucket
func (s *BlobSink) Close() error {
	return s.bucket.Close()
}
