package http

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/garyjia/attachment-queue/internal/container"
	"github.com/garyjia/attachment-queue/internal/domain/entity"
	"github.com/garyjia/attachment-queue/internal/queue"
	"github.com/garyjia/attachment-queue/internal/report"
)

// QueueService is the queue surface the API depends on; *queue.Engine implements it
type QueueService interface {
	Enqueue(desc entity.AttachmentDescriptor) error
	Cancel(id string) bool
	Retry(id string) error
	ClearFinished() (int, error)
	Snapshot() (queue.Snapshot, error)
	Subscribe() (<-chan queue.Snapshot, func())
	Get(id string) (*entity.AttachmentRecord, error)
	List(status entity.Status) ([]*entity.AttachmentRecord, error)
}

// HealthChecker reports component health; *container.Container implements it
type HealthChecker interface {
	Health() *container.HealthStatus
}

// Handlers contains all HTTP request handlers
type Handlers struct {
	queue  QueueService
	health HealthChecker
	done   <-chan struct{}
	logger *zap.Logger
}

// NewHandlers creates a new Handlers instance. Streams end when done closes.
func NewHandlers(queue QueueService, health HealthChecker, done <-chan struct{}, logger *zap.Logger) *Handlers {
	return &Handlers{
		queue:  queue,
		health: health,
		done:   done,
		logger: logger,
	}
}

// Response represents a standard JSON response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status     string                               `json:"status"`
	Timestamp  string                               `json:"timestamp"`
	Version    string                               `json:"version"`
	Components map[string]container.ComponentHealth `json:"components,omitempty"`
}

// CancelResponse reports whether a cancel removed the record
type CancelResponse struct {
	ID        string `json:"id"`
	Cancelled bool   `json:"cancelled"`
}

// ClearResponse reports how many finished records were removed
type ClearResponse struct {
	Removed int `json:"removed"`
}

// HealthCheck handles GET /health
func (h *Handlers) HealthCheck(c *gin.Context) {
	health := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   "1.0.0",
	}

	if h.health != nil {
		status := h.health.Health()
		health.Components = status.Components
		if !status.Overall {
			health.Status = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, Response{
				Success: false,
				Data:    health,
				Error:   "one or more components are unhealthy",
			})
			return
		}
	}

	c.JSON(http.StatusOK, Response{Success: true, Data: health})
}

// EnqueueAttachment handles POST /api/v1/attachments
func (h *Handlers) EnqueueAttachment(c *gin.Context) {
	var desc entity.AttachmentDescriptor
	if err := c.ShouldBindJSON(&desc); err != nil {
		h.fail(c, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.queue.Enqueue(desc); err != nil {
		h.respondError(c, err)
		return
	}

	rec, err := h.queue.Get(desc.ID)
	if err != nil {
		// Already cleared or cancelled by a concurrent request
		c.JSON(http.StatusAccepted, Response{Success: true})
		return
	}
	c.JSON(http.StatusAccepted, Response{Success: true, Data: rec})
}

// ListAttachments handles GET /api/v1/attachments?status=
func (h *Handlers) ListAttachments(c *gin.Context) {
	var status entity.Status
	if raw := c.Query("status"); raw != "" {
		parsed, err := entity.ParseStatus(raw)
		if err != nil {
			h.fail(c, http.StatusBadRequest, err.Error())
			return
		}
		status = parsed
	}

	records, err := h.queue.List(status)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if records == nil {
		records = []*entity.AttachmentRecord{}
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: records})
}

// GetAttachment handles GET /api/v1/attachments/:id
func (h *Handlers) GetAttachment(c *gin.Context) {
	rec, err := h.queue.Get(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: rec})
}

// CancelAttachment handles DELETE /api/v1/attachments/:id
func (h *Handlers) CancelAttachment(c *gin.Context) {
	id := c.Param("id")
	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    CancelResponse{ID: id, Cancelled: h.queue.Cancel(id)},
	})
}

// RetryAttachment handles POST /api/v1/attachments/:id/retry
func (h *Handlers) RetryAttachment(c *gin.Context) {
	id := c.Param("id")
	if err := h.queue.Retry(id); err != nil {
		h.respondError(c, err)
		return
	}

	rec, err := h.queue.Get(id)
	if err != nil {
		c.JSON(http.StatusAccepted, Response{Success: true})
		return
	}
	c.JSON(http.StatusAccepted, Response{Success: true, Data: rec})
}

// ClearFinished handles POST /api/v1/queue/clear
func (h *Handlers) ClearFinished(c *gin.Context) {
	removed, err := h.queue.ClearFinished()
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: ClearResponse{Removed: removed}})
}

// GetSnapshot handles GET /api/v1/queue/snapshot
func (h *Handlers) GetSnapshot(c *gin.Context) {
	snap, err := h.queue.Snapshot()
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: snap})
}

// StreamSnapshots handles GET /api/v1/queue/stream as Server-Sent Events
func (h *Handlers) StreamSnapshots(c *gin.Context) {
	ch, unsubscribe := h.queue.Subscribe()
	defer unsubscribe()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-h.done:
			return false
		case snap, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent("snapshot", snap)
			return true
		}
	})
}

// ExportRecords handles GET /api/v1/queue/export.xlsx
func (h *Handlers) ExportRecords(c *gin.Context) {
	records, err := h.queue.List("")
	if err != nil {
		h.respondError(c, err)
		return
	}
	snap, err := h.queue.Snapshot()
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.Header("Content-Disposition", `attachment; filename="attachments.xlsx"`)
	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Status(http.StatusOK)
	if err := report.WriteRecords(c.Writer, records, snap); err != nil {
		h.logger.Error("Failed to write export", zap.Error(err))
	}
}

// respondError maps queue errors to HTTP statuses
func (h *Handlers) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, queue.ErrDescriptorInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, queue.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, queue.ErrNotRetryable):
		status = http.StatusConflict
	case errors.Is(err, queue.ErrEngineStopped):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	h.fail(c, status, err.Error())
}

func (h *Handlers) fail(c *gin.Context, status int, msg string) {
	c.JSON(status, Response{Success: false, Error: msg})
}
