package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/garyjia/attachment-queue/internal/domain/entity"
	"github.com/garyjia/attachment-queue/internal/queue"
	"github.com/garyjia/attachment-queue/internal/storage"
	"go.uber.org/zap"
)

// ErrContentTooLarge is returned when a remote file exceeds the configured size cap
var ErrContentTooLarge = errors.New("attachment exceeds maximum size")

// HTTPClient interface for testability
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPConfig configures the HTTP executor
type HTTPConfig struct {
	Timeout   time.Duration // whole transfer, including retries
	MaxBytes  int64         // 0 disables the cap
	UserAgent string
	Retry     *RetryStrategy
	Client    HTTPClient
}

// DefaultHTTPConfig returns the executor defaults
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Timeout:   2 * time.Minute,
		MaxBytes:  100 << 20,
		UserAgent: "attachment-queue/1.0",
		Retry:     NewRetryStrategy(),
	}
}

// HTTPExecutor downloads RemoteLocation with a GET request and persists the
// body through a storage sink
type HTTPExecutor struct {
	config   HTTPConfig
	client   HTTPClient
	retry    *RetryStrategy
	sink     storage.Sink
	verifier Verifier
	logger   *zap.Logger
}

// NewHTTPExecutor creates an HTTP executor. verifier may be nil.
func NewHTTPExecutor(cfg HTTPConfig, sink storage.Sink, verifier Verifier, logger *zap.Logger) *HTTPExecutor {
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	retry := cfg.Retry
	if retry == nil {
		retry = &RetryStrategy{MaxAttempts: 1}
	}

	return &HTTPExecutor{
		config:   cfg,
		client:   client,
		retry:    retry,
		sink:     sink,
		verifier: verifier,
		logger:   logger,
	}
}

var _ queue.Executor = (*HTTPExecutor)(nil)

// Transfer downloads and stores one attachment
func (e *HTTPExecutor) Transfer(ctx context.Context, desc entity.AttachmentDescriptor) (*queue.TransferResult, error) {
	if e.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.Timeout)
		defer cancel()
	}

	var content []byte
	var contentType string
	err := e.retry.Do(ctx, e.logger.With(zap.String("attachment_id", desc.ID)), func(ctx context.Context) error {
		var fetchErr error
		content, contentType, fetchErr = e.fetch(ctx, desc.RemoteLocation)
		return fetchErr
	})
	if err != nil {
		return nil, classifyError(ctx, err, e.config.Timeout)
	}

	mimeType := detectMimeType(contentType, desc.Destination, content)
	return persist(ctx, e.sink, e.verifier, desc, content, mimeType)
}

func (e *HTTPExecutor) fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}
	if e.config.UserAgent != "" {
		req.Header.Set("User-Agent", e.config.UserAgent)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		e.logger.Warn("Download request failed",
			zap.String("url", url),
			zap.Error(err))
		return nil, "", fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		e.logger.Warn("Download returned non-2xx status",
			zap.Int("status", resp.StatusCode),
			zap.String("url", url))
		return nil, "", &StatusError{StatusCode: resp.StatusCode, Status: http.StatusText(resp.StatusCode)}
	}

	content, err := readLimited(resp.Body, e.config.MaxBytes)
	if err != nil {
		return nil, "", err
	}

	return content, resp.Header.Get("Content-Type"), nil
}

// classifyError maps a fetch error onto the queue failure taxonomy
func classifyError(ctx context.Context, err error, timeout time.Duration) *queue.TransferError {
	switch {
	case errors.Is(err, ErrContentTooLarge):
		return queue.StorageError(err)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return queue.NetworkError(fmt.Errorf("transfer timed out after %s: %w", timeout, err))
	case errors.Is(err, context.Canceled):
		return queue.CancelledError(err)
	default:
		return queue.NetworkError(err)
	}
}

// readLimited reads r fully, failing once more than maxBytes are seen
func readLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		content, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read body: %w", err)
		}
		return content, nil
	}

	content, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	if int64(len(content)) > maxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrContentTooLarge, maxBytes)
	}
	return content, nil
}

// persist verifies content and writes it through sink
func persist(ctx context.Context, sink storage.Sink, verifier Verifier, desc entity.AttachmentDescriptor, content []byte, mimeType string) (*queue.TransferResult, error) {
	if verifier != nil {
		if err := verifier.Verify(desc, mimeType, content); err != nil {
			return nil, queue.StorageError(err)
		}
	}

	location, size, err := sink.Save(ctx, desc.Destination, bytes.NewReader(content), mimeType)
	if err != nil {
		return nil, queue.StorageError(err)
	}

	return &queue.TransferResult{
		LocalPath: location,
		Size:      size,
		MimeType:  mimeType,
	}, nil
}
