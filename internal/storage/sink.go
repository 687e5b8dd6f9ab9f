package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// Sink persists downloaded attachment bytes under a relative destination
type Sink interface {
	// Save writes content to relPath and returns the final location and
	// byte count. A failed Save never leaves a partial file at relPath.
	Save(ctx context.Context, relPath string, content io.Reader, mimeType string) (location string, size int64, err error)
}

// LocalSink implements Sink for the local filesystem
type LocalSink struct {
	baseDir string
	logger  *zap.Logger
}

// NewLocalSink creates a sink rooted at baseDir
func NewLocalSink(baseDir string, logger *zap.Logger) *LocalSink {
	return &LocalSink{
		baseDir: baseDir,
		logger:  logger,
	}
}

// Save streams content into a temp file next to the destination, then renames it
func (s *LocalSink) Save(ctx context.Context, relPath string, content io.Reader, _ string) (string, int64, error) {
	fullPath := filepath.Join(s.baseDir, filepath.FromSlash(relPath))
	if err := s.ValidatePath(fullPath); err != nil {
		return "", 0, err
	}

	parentDir := filepath.Dir(fullPath)
	if err := os.MkdirAll(parentDir, 0755); err != nil {
		s.logger.Error("Failed to create parent directories",
			zap.String("path", parentDir),
			zap.Error(err))
		return "", 0, fmt.Errorf("failed to create directories: %w", err)
	}

	tmp, err := os.CreateTemp(parentDir, "."+filepath.Base(fullPath)+".part-*")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()

	size, err := io.Copy(tmp, &contextReader{ctx: ctx, r: content})
	if err != nil {
		_ = tmp.Close()
		s.logger.Error("Failed to write file",
			zap.String("path", fullPath),
			zap.Error(err))
		return "", 0, fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, fullPath); err != nil {
		return "", 0, fmt.Errorf("failed to move file into place: %w", err)
	}
	committed = true

	s.logger.Debug("File saved successfully",
		zap.String("path", fullPath),
		zap.Int64("size", size))

	return fullPath, size, nil
}

// ValidatePath checks that the path is safe and within baseDir
func (s *LocalSink) ValidatePath(fullPath string) error {
	absPath, err := filepath.Abs(fullPath)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	absBase, err := filepath.Abs(s.baseDir)
	if err != nil {
		return fmt.Errorf("failed to resolve base path: %w", err)
	}

	// The base directory itself is not a valid file destination
	if !strings.HasPrefix(absPath, absBase+string(filepath.Separator)) {
		return fmt.Errorf("path escapes base directory: %s", fullPath)
	}

	return nil
}

// contextReader stops a copy once ctx is done
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
