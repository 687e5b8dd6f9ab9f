package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/garyjia/attachment-queue/internal/domain/entity"
	"go.uber.org/zap"
)

// interruptedError is recorded on records found Processing at Start
const interruptedError = "transfer interrupted before completion"

// Config holds queue engine configuration
type Config struct {
	// MaxConcurrent bounds the number of Processing records
	MaxConcurrent int
}

// DefaultConfig returns default engine configuration
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 3,
	}
}

// Engine owns the attachment record store and schedules transfers.
//
// Every store mutation happens under mu, which makes the engine the single
// logical writer. Transfers run in their own goroutines without holding mu and
// hand their outcome back through finish. Snapshots are published while mu is
// held, so subscribers observe them in mutation order.
type Engine struct {
	config   Config
	store    Store
	executor Executor
	stats    *Aggregator
	logger   *zap.Logger
	now      func() time.Time

	mu          sync.Mutex
	seq         int64
	inflight    map[string]struct{}
	running     bool
	stopped     bool
	transferCtx context.Context
	wg          sync.WaitGroup
}

// NewEngine creates a queue engine over an injected store and executor.
// Scheduling begins once Start is called; records enqueued earlier stay Queued.
func NewEngine(config Config, store Store, executor Executor, logger *zap.Logger) (*Engine, error) {
	if config.MaxConcurrent <= 0 {
		return nil, fmt.Errorf("max concurrent must be positive, got %d", config.MaxConcurrent)
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	seq, err := store.MaxSeq()
	if err != nil {
		return nil, fmt.Errorf("failed to read store sequence: %w", err)
	}

	return &Engine{
		config:   config,
		store:    store,
		executor: executor,
		stats:    NewAggregator(store),
		logger:   logger,
		now:      time.Now,
		seq:      seq,
		inflight: make(map[string]struct{}),
	}, nil
}

// Name returns the worker name for identification
func (e *Engine) Name() string {
	return "AttachmentQueueEngine"
}

// Start recovers interrupted records and begins scheduling transfers.
// Transfers receive a context derived from ctx that is never cancelled, since
// in-flight transfers are not interruptible.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return ErrEngineStopped
	}
	if e.running {
		return fmt.Errorf("queue engine already running")
	}

	recovered, err := e.recoverInterruptedLocked()
	if err != nil {
		return err
	}

	e.transferCtx = context.WithoutCancel(ctx)
	e.running = true

	e.logger.Info("Queue engine started",
		zap.Int("max_concurrent", e.config.MaxConcurrent),
		zap.Int("recovered", recovered))

	e.scheduleLocked()
	e.publishLocked()
	return nil
}

// Stop halts scheduling and waits for in-flight transfers to finish.
// Queued records stay in the store.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.stopped = true
	inflight := len(e.inflight)
	e.mu.Unlock()

	e.logger.Info("Queue engine stopping", zap.Int("in_flight", inflight))
	e.wg.Wait()
	e.stats.Close()
	e.logger.Info("Queue engine stopped")
}

// Enqueue requests a download. It validates desc synchronously and returns
// ErrDescriptorInvalid for malformed input; transfers happen asynchronously.
//
// Enqueue is idempotent per identifier: Queued, Processing and Completed
// records are left untouched, and a Failed record is reset to Queued with
// its attempt count incremented.
func (e *Engine) Enqueue(desc entity.AttachmentDescriptor) error {
	if err := ValidateDescriptor(desc); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return ErrEngineStopped
	}

	existing, err := e.store.Get(desc.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		e.seq++
		rec := entity.NewAttachmentRecord(desc, e.seq, e.now())
		if err := e.store.Upsert(rec); err != nil {
			return fmt.Errorf("failed to store attachment record: %w", err)
		}
		e.logger.Debug("Attachment enqueued",
			zap.String("attachment_id", desc.ID),
			zap.String("message_id", desc.MessageID),
			zap.String("kind", string(desc.Kind)))

	case err != nil:
		return fmt.Errorf("failed to load attachment record: %w", err)

	case existing.Status == entity.StatusFailed:
		if err := e.requeueLocked(existing, desc); err != nil {
			return err
		}

	default:
		e.logger.Debug("Attachment already tracked, enqueue ignored",
			zap.String("attachment_id", desc.ID),
			zap.String("status", existing.Status.String()))
		return nil
	}

	e.publishLocked()
	e.scheduleLocked()
	return nil
}

// Retry re-enqueues a Failed record with its stored descriptor.
// It returns ErrNotFound for unknown ids and ErrNotRetryable for other statuses.
func (e *Engine) Retry(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return ErrEngineStopped
	}

	rec, err := e.store.Get(id)
	if err != nil {
		return err
	}
	if rec.Status != entity.StatusFailed {
		return fmt.Errorf("%w: %s is %s", ErrNotRetryable, id, rec.Status)
	}

	if err := e.requeueLocked(rec, rec.Descriptor); err != nil {
		return err
	}

	e.publishLocked()
	e.scheduleLocked()
	return nil
}

// Cancel removes a Queued record and reports whether it did so.
// Processing, Completed, Failed and unknown records are left untouched.
func (e *Engine) Cancel(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.store.Get(id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			e.logger.Error("Failed to load record for cancel",
				zap.String("attachment_id", id),
				zap.Error(err))
		}
		return false
	}
	if rec.Status != entity.StatusQueued {
		return false
	}

	if err := e.store.Remove(id); err != nil {
		e.logger.Error("Failed to remove cancelled record",
			zap.String("attachment_id", id),
			zap.Error(err))
		return false
	}

	e.logger.Debug("Attachment cancelled", zap.String("attachment_id", id))
	e.publishLocked()
	return true
}

// ClearFinished removes every Completed and Failed record and returns how
// many were removed. Queued and Processing records are unaffected.
func (e *Engine) ClearFinished() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	removed := 0
	for _, status := range []entity.Status{entity.StatusCompleted, entity.StatusFailed} {
		records, err := e.store.ListByStatus(status)
		if err != nil {
			return removed, fmt.Errorf("failed to list %s records: %w", status, err)
		}
		for _, rec := range records {
			if err := e.store.Remove(rec.ID); err != nil {
				e.publishLocked()
				return removed, fmt.Errorf("failed to remove record %s: %w", rec.ID, err)
			}
			removed++
		}
	}

	if removed > 0 {
		e.logger.Debug("Cleared finished attachments", zap.Int("removed", removed))
		e.publishLocked()
	}
	return removed, nil
}

// Snapshot returns the current aggregate counts
func (e *Engine) Snapshot() (Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats.Snapshot()
}

// Subscribe registers for snapshot updates. The current snapshot is delivered
// immediately, followed by one after every store mutation (coalesced when the
// subscriber falls behind). The channel closes on unsubscribe or Stop.
func (e *Engine) Subscribe() (<-chan Snapshot, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		ch := make(chan Snapshot)
		close(ch)
		return ch, func() {}
	}

	ch, unsubscribe := e.stats.Subscribe()
	if snap, err := e.stats.Snapshot(); err == nil {
		e.stats.publishTo(ch, snap)
	} else {
		e.logger.Warn("Failed to compute initial snapshot", zap.Error(err))
	}
	return ch, unsubscribe
}

// Get returns a copy of the record for id
func (e *Engine) Get(id string) (*entity.AttachmentRecord, error) {
	return e.store.Get(id)
}

// List returns records with status, or all records when status is empty
func (e *Engine) List(status entity.Status) ([]*entity.AttachmentRecord, error) {
	if status == "" {
		return e.store.List()
	}
	return e.store.ListByStatus(status)
}

// requeueLocked moves a Failed record back to the end of the queue
func (e *Engine) requeueLocked(rec *entity.AttachmentRecord, desc entity.AttachmentDescriptor) error {
	if err := rec.Status.ValidateTransition(entity.StatusQueued); err != nil {
		return err
	}

	e.seq++
	rec.Descriptor = desc
	rec.Status = entity.StatusQueued
	rec.AttemptCount++
	rec.LastError = ""
	rec.ErrorKind = ""
	rec.Seq = e.seq
	rec.UpdatedAt = e.now()

	if err := e.store.Upsert(rec); err != nil {
		return fmt.Errorf("failed to requeue attachment record: %w", err)
	}

	e.logger.Info("Attachment requeued",
		zap.String("attachment_id", rec.ID),
		zap.Int("attempt_count", rec.AttemptCount))
	return nil
}

// scheduleLocked fills free concurrency slots with the oldest Queued records
func (e *Engine) scheduleLocked() {
	if !e.running {
		return
	}

	free := e.config.MaxConcurrent - len(e.inflight)
	if free <= 0 {
		return
	}

	queued, err := e.store.ListByStatus(entity.StatusQueued)
	if err != nil {
		e.logger.Error("Failed to list queued attachments", zap.Error(err))
		return
	}

	for _, rec := range queued {
		if free == 0 {
			break
		}

		rec.Status = entity.StatusProcessing
		rec.UpdatedAt = e.now()
		if err := e.store.Upsert(rec); err != nil {
			e.logger.Error("Failed to mark attachment processing",
				zap.String("attachment_id", rec.ID),
				zap.Error(err))
			return
		}

		e.inflight[rec.ID] = struct{}{}
		free--
		e.wg.Add(1)
		go e.run(rec.Descriptor)

		e.publishLocked()
	}
}

// run executes one transfer outside the writer lock
func (e *Engine) run(desc entity.AttachmentDescriptor) {
	defer e.wg.Done()

	start := time.Now()
	result, err := e.transfer(desc)

	e.finish(desc.ID, result, err, time.Since(start))
}

// transfer invokes the executor, converting panics into failures
func (e *Engine) transfer(desc entity.AttachmentDescriptor) (result *TransferResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("Executor panicked",
				zap.String("attachment_id", desc.ID),
				zap.Any("panic", p))
			result = nil
			err = fmt.Errorf("executor panic: %v", p)
		}
	}()

	e.mu.Lock()
	ctx := e.transferCtx
	e.mu.Unlock()

	return e.executor.Transfer(ctx, desc)
}

// finish applies a transfer outcome through the single-writer path
func (e *Engine) finish(id string, result *TransferResult, transferErr error, elapsed time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.inflight, id)

	rec, err := e.store.Get(id)
	if err != nil {
		e.logger.Error("Finished transfer has no record",
			zap.String("attachment_id", id),
			zap.Error(err))
		e.scheduleLocked()
		return
	}

	now := e.now()
	rec.UpdatedAt = now

	if transferErr == nil && result == nil {
		transferErr = StorageError(errors.New("executor returned no result"))
	}

	if transferErr != nil {
		te := AsTransferError(transferErr)
		rec.Status = entity.StatusFailed
		rec.LastError = te.Error()
		rec.ErrorKind = string(te.Kind)

		e.logger.Warn("Attachment transfer failed",
			zap.String("attachment_id", id),
			zap.String("error_kind", string(te.Kind)),
			zap.Int("attempt_count", rec.AttemptCount),
			zap.Duration("elapsed", elapsed),
			zap.Error(te.Err))
	} else {
		rec.Status = entity.StatusCompleted
		rec.LocalPath = result.LocalPath
		rec.FileSize = result.Size
		rec.MimeType = result.MimeType
		rec.LastError = ""
		rec.ErrorKind = ""
		rec.CompletedAt = &now

		e.logger.Info("Attachment downloaded",
			zap.String("attachment_id", id),
			zap.String("local_path", result.LocalPath),
			zap.Int64("file_size", result.Size),
			zap.Duration("elapsed", elapsed))
	}

	if err := e.store.Upsert(rec); err != nil {
		e.logger.Error("Failed to record transfer outcome",
			zap.String("attachment_id", id),
			zap.String("status", rec.Status.String()),
			zap.Error(err))
	}

	e.publishLocked()
	e.scheduleLocked()
}

// recoverInterruptedLocked fails records a previous process left Processing
func (e *Engine) recoverInterruptedLocked() (int, error) {
	stale, err := e.store.ListByStatus(entity.StatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("failed to list processing records: %w", err)
	}

	recovered := 0
	for _, rec := range stale {
		if _, ok := e.inflight[rec.ID]; ok {
			continue
		}
		rec.Status = entity.StatusFailed
		rec.LastError = interruptedError
		rec.ErrorKind = string(FailureCancelled)
		rec.UpdatedAt = e.now()
		if err := e.store.Upsert(rec); err != nil {
			return 0, fmt.Errorf("failed to recover record %s: %w", rec.ID, err)
		}
		e.logger.Warn("Recovered interrupted attachment", zap.String("attachment_id", rec.ID))
		recovered++
	}
	return recovered, nil
}

// publishLocked recomputes the snapshot and fans it out
func (e *Engine) publishLocked() {
	snap, err := e.stats.Snapshot()
	if err != nil {
		e.logger.Error("Failed to compute snapshot", zap.Error(err))
		return
	}
	e.stats.Publish(snap)
}
