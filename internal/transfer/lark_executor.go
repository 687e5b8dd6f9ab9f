package transfer

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/garyjia/attachment-queue/internal/domain/entity"
	"github.com/garyjia/attachment-queue/internal/queue"
	"github.com/garyjia/attachment-queue/internal/storage"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	"go.uber.org/zap"
)

// MessageResourceGetter is the slice of the Lark IM API used to fetch message attachments
type MessageResourceGetter interface {
	Get(ctx context.Context, req *larkim.GetMessageResourceReq, options ...larkcore.RequestOptionFunc) (*larkim.GetMessageResourceResp, error)
}

// LarkExecutor downloads message resources through the Lark IM API.
// RemoteLocation carries the resource file key.
type LarkExecutor struct {
	resources MessageResourceGetter
	retry     *RetryStrategy
	timeout   time.Duration
	maxBytes  int64
	sink      storage.Sink
	verifier  Verifier
	logger    *zap.Logger
}

// NewLarkExecutor creates a Lark executor. verifier may be nil.
func NewLarkExecutor(resources MessageResourceGetter, cfg HTTPConfig, sink storage.Sink, verifier Verifier, logger *zap.Logger) *LarkExecutor {
	retry := cfg.Retry
	if retry == nil {
		retry = &RetryStrategy{MaxAttempts: 1}
	}

	return &LarkExecutor{
		resources: resources,
		retry:     retry,
		timeout:   cfg.Timeout,
		maxBytes:  cfg.MaxBytes,
		sink:      sink,
		verifier:  verifier,
		logger:    logger,
	}
}

var _ queue.Executor = (*LarkExecutor)(nil)

// resourceType maps an attachment kind to the IM resource type
func resourceType(kind entity.AttachmentKind) string {
	if kind == entity.KindImage {
		return "image"
	}
	return "file"
}

// Transfer fetches the message resource and stores it
func (e *LarkExecutor) Transfer(ctx context.Context, desc entity.AttachmentDescriptor) (*queue.TransferResult, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	req := larkim.NewGetMessageResourceReqBuilder().
		MessageId(desc.MessageID).
		FileKey(desc.RemoteLocation).
		Type(resourceType(desc.Kind)).
		Build()

	var content []byte
	var fileName string
	err := e.retry.Do(ctx, e.logger.With(zap.String("attachment_id", desc.ID)), func(ctx context.Context) error {
		resp, err := e.resources.Get(ctx, req)
		if err != nil {
			e.logger.Warn("Failed to fetch message resource",
				zap.String("message_id", desc.MessageID),
				zap.Error(err))
			return fmt.Errorf("failed to fetch message resource: %w", err)
		}

		if !resp.Success() {
			e.logger.Warn("API returned failure",
				zap.String("message_id", desc.MessageID),
				zap.Int("code", resp.Code),
				zap.String("msg", resp.Msg))
			if resp.ApiResp != nil && resp.StatusCode >= 400 {
				return &StatusError{StatusCode: resp.StatusCode, Status: resp.Msg}
			}
			return fmt.Errorf("API error: code=%d, msg=%s", resp.Code, resp.Msg)
		}

		if resp.File == nil {
			return fmt.Errorf("API returned no file content for %s", desc.RemoteLocation)
		}

		content, err = readLimited(resp.File, e.maxBytes)
		if err != nil {
			return err
		}
		fileName = resp.FileName
		return nil
	})
	if err != nil {
		return nil, classifyError(ctx, err, e.timeout)
	}

	mimeType := detectMimeType("", desc.Destination, content)
	if mimeType == "application/octet-stream" && fileName != "" {
		if byName := mimeTypeByExtension(filepath.Base(fileName)); byName != "" {
			mimeType = byName
		}
	}

	return persist(ctx, e.sink, e.verifier, desc, content, mimeType)
}
