package container

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/garyjia/attachment-queue/internal/config"
	"github.com/garyjia/attachment-queue/internal/interfaces/websocket"
	"github.com/garyjia/attachment-queue/internal/metrics"
	"github.com/garyjia/attachment-queue/internal/queue"
	"github.com/garyjia/attachment-queue/internal/worker"
	"github.com/garyjia/attachment-queue/pkg/database"
)

// Container owns every long-lived component of the attachment queue.
// Components are initialized in dependency order and torn down in reverse.
type Container struct {
	config *config.Config
	logger *zap.Logger

	// Data
	db    *database.DB
	store queue.Store

	// Transfer
	sink       io.Closer
	executor   queue.Executor
	engine     *queue.Engine
	registry   *prometheus.Registry
	httpMetric *metrics.HTTPMetrics

	workers *worker.Manager

	mu     sync.Mutex
	ready  atomic.Bool
	closed atomic.Bool
}

// HealthStatus represents the health of all components.
type HealthStatus struct {
	Overall    bool                       `json:"overall"`
	Components map[string]ComponentHealth `json:"components"`
}

// ComponentHealth represents health of a single component.
type ComponentHealth struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// NewContainer creates a container from configuration.
// It does not initialize components; call Start.
func NewContainer(cfg *config.Config, logger *zap.Logger) (*Container, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Container{
		config: cfg,
		logger: logger,
	}, nil
}

// Start initializes all components and starts the workers:
// 1. Record store
// 2. Storage sink and transfer executor
// 3. Queue engine and metrics
// 4. Workers
func (c *Container) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return fmt.Errorf("container has been closed")
	}
	if c.ready.Load() {
		return fmt.Errorf("container already started")
	}

	c.logger.Info("Starting container initialization")

	bundle, err := ProvideStore(ctx, c.config, c.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	c.store, c.db = bundle.Store, bundle.DB

	sink, closer, err := ProvideSink(ctx, c.config.Storage, c.logger)
	if err != nil {
		c.release()
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	c.sink = closer

	c.executor, err = ProvideExecutor(c.config, sink, c.logger)
	if err != nil {
		c.release()
		return fmt.Errorf("failed to initialize executor: %w", err)
	}

	c.engine, err = queue.NewEngine(queue.Config{MaxConcurrent: c.config.Queue.MaxConcurrent}, c.store, c.executor, c.logger)
	if err != nil {
		c.release()
		return fmt.Errorf("failed to initialize queue engine: %w", err)
	}

	c.registry = ProvideRegistry()
	c.httpMetric = metrics.NewHTTPMetrics(c.registry)

	// Workers stop in reverse order: the engine drains in-flight transfers
	// before the publisher, so the gauges observe the final snapshot.
	c.workers = worker.NewManager(c.logger)
	c.workers.Register(metrics.NewPublisher(c.engine, c.registry, c.logger))
	c.workers.Register(c.engine)
	if c.config.Lark.SubscribeEvents {
		c.workers.Register(websocket.NewLarkAdapter(websocket.LarkAdapterConfig{
			AppID:     c.config.Lark.AppID,
			AppSecret: c.config.Lark.AppSecret,
		}, c.engine, c.logger))
	}

	if err := c.workers.StartAll(ctx); err != nil {
		c.release()
		return fmt.Errorf("failed to start workers: %w", err)
	}

	c.ready.Store(true)
	c.logger.Info("Container started successfully",
		zap.String("store", c.config.Store.Driver),
		zap.String("transfer", c.config.Transfer.Driver),
		zap.String("storage", c.config.Storage.Driver),
		zap.Int("workers", c.workers.Count()))
	return nil
}

// Close stops the workers and releases storage and the database.
func (c *Container) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return fmt.Errorf("container already closed")
	}
	c.logger.Info("Closing container")

	if c.workers != nil {
		c.workers.StopAll()
		c.logger.Info("Workers stopped")
	}

	errs := c.release()
	c.closed.Store(true)
	c.ready.Store(false)

	if len(errs) > 0 {
		c.logger.Error("Container closed with errors", zap.Int("error_count", len(errs)))
		return fmt.Errorf("container closed with %d errors: %w", len(errs), errs[0])
	}

	c.logger.Info("Container closed successfully")
	return nil
}

// release closes the sink and the database, newest first
func (c *Container) release() []error {
	var errs []error

	if c.sink != nil {
		if err := c.sink.Close(); err != nil {
			c.logger.Error("Failed to close storage", zap.Error(err))
			errs = append(errs, fmt.Errorf("close storage: %w", err))
		}
		c.sink = nil
	}

	if c.db != nil {
		if err := c.db.Close(); err != nil {
			c.logger.Error("Failed to close database", zap.Error(err))
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
		c.db = nil
	}

	return errs
}

// Ready returns true when all components are initialized.
func (c *Container) Ready() bool {
	return c.ready.Load()
}

// Queue returns the queue engine. Nil before Start.
func (c *Container) Queue() *queue.Engine {
	return c.engine
}

// Registry returns the metrics registry. Nil before Start.
func (c *Container) Registry() *prometheus.Registry {
	return c.registry
}

// HTTPMetrics returns the request metrics middleware source. Nil before Start.
func (c *Container) HTTPMetrics() *metrics.HTTPMetrics {
	return c.httpMetric
}

// Health returns health status of all components.
func (c *Container) Health() *HealthStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := &HealthStatus{
		Overall:    true,
		Components: make(map[string]ComponentHealth),
	}

	switch {
	case c.store == nil:
		status.Components["store"] = ComponentHealth{Healthy: false, Message: "not initialized"}
		status.Overall = false
	case c.db != nil:
		if err := c.db.Ping(); err != nil {
			status.Components["store"] = ComponentHealth{Healthy: false, Message: fmt.Sprintf("ping failed: %v", err)}
			status.Overall = false
		} else {
			status.Components["store"] = ComponentHealth{Healthy: true}
		}
	default:
		status.Components["store"] = ComponentHealth{Healthy: true, Message: "memory"}
	}

	if c.workers != nil && c.ready.Load() {
		status.Components["workers"] = ComponentHealth{
			Healthy: true,
			Message: fmt.Sprintf("worker count: %d", c.workers.Count()),
		}
	} else {
		status.Components["workers"] = ComponentHealth{Healthy: false, Message: "not running"}
		status.Overall = false
	}

	return status
}
