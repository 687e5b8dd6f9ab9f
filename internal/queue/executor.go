package queue

import (
	"context"

	"github.com/garyjia/attachment-queue/internal/domain/entity"
)

// TransferResult describes a successfully persisted attachment
type TransferResult struct {
	LocalPath string
	Size      int64
	MimeType  string
}

// Executor performs the byte transfer of one attachment.
//
// Transfer is only invoked for records that reached Processing, so a record
// cancelled while Queued never reaches the executor. Once started a transfer
// runs to completion; per-transfer timeouts are the executor's concern and
// must surface as a returned error. Failures should be *TransferError values;
// any other error is classified with AsTransferError.
type Executor interface {
	Transfer(ctx context.Context, desc entity.AttachmentDescriptor) (*TransferResult, error)
}

// ExecutorFunc adapts an ordinary function to the Executor interface
type ExecutorFunc func(ctx context.Context, desc entity.AttachmentDescriptor) (*TransferResult, error)

// Transfer calls f(ctx, desc)
func (f ExecutorFunc) Transfer(ctx context.Context, desc entity.AttachmentDescriptor) (*TransferResult, error) {
	return f(ctx, desc)
}
