// Package http exposes the attachment queue over a JSON/SSE API.
package http

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/garyjia/attachment-queue/internal/metrics"
)

const requestIDHeader = "X-Request-ID"

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration // 0 keeps SSE streams open indefinitely
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:        "0.0.0.0",
		Port:        8080,
		ReadTimeout: 30 * time.Second,
	}
}

// Server is the HTTP server adapter
type Server struct {
	config      ServerConfig
	httpServer  *http.Server
	router      *gin.Engine
	queue       QueueService
	gatherer    prometheus.Gatherer
	httpMetrics *metrics.HTTPMetrics
	health      HealthChecker
	logger      *zap.Logger

	// closed when shutdown begins so long-lived streams return
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewServer creates a new HTTP server. httpMetrics and health may be nil.
func NewServer(
	config ServerConfig,
	queue QueueService,
	gatherer prometheus.Gatherer,
	httpMetrics *metrics.HTTPMetrics,
	health HealthChecker,
	logger *zap.Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)

	server := &Server{
		config:      config,
		router:      gin.New(),
		queue:       queue,
		gatherer:    gatherer,
		httpMetrics: httpMetrics,
		health:      health,
		logger:      logger,
		shutdown:    make(chan struct{}),
	}

	server.setupMiddleware()
	server.setupRoutes()

	return server
}

// setupMiddleware configures middleware for the router
func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())
	s.router.Use(requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
	if s.httpMetrics != nil {
		s.router.Use(s.httpMetrics.Middleware())
	}
}

// requestIDMiddleware propagates or assigns a request id
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// loggingMiddleware creates a logging middleware
func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		s.logger.Info("HTTP request",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.String("request_id", c.GetString("request_id")),
		)
	}
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	handlers := NewHandlers(s.queue, s.health, s.shutdown, s.logger)

	s.router.GET("/health", handlers.HealthCheck)
	if s.gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	api := s.router.Group("/api/v1")
	{
		api.POST("/attachments", handlers.EnqueueAttachment)
		api.GET("/attachments", handlers.ListAttachments)
		api.GET("/attachments/:id", handlers.GetAttachment)
		api.DELETE("/attachments/:id", handlers.CancelAttachment)
		api.POST("/attachments/:id/retry", handlers.RetryAttachment)

		api.GET("/queue/snapshot", handlers.GetSnapshot)
		api.GET("/queue/stream", handlers.StreamSnapshots)
		api.POST("/queue/clear", handlers.ClearFinished)
		api.GET("/queue/export.xlsx", handlers.ExportRecords)
	}
}

// Start runs the HTTP server until ctx is cancelled or serving fails
func (s *Server) Start(ctx context.Context) error {
	addr := s.Address()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	s.httpServer.RegisterOnShutdown(s.closeStreams)

	s.logger.Info("Starting HTTP server", zap.String("address", addr))

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("HTTP server shutdown requested")
		return s.Stop()
	case err := <-errCh:
		s.logger.Error("HTTP server error", zap.Error(err))
		return err
	}
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}

	s.logger.Info("Stopping HTTP server")
	s.closeStreams()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP server shutdown error", zap.Error(err))
		return err
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

// Router returns the underlying gin router (for testing)
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Address returns the server address
func (s *Server) Address() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}

// closeStreams ends open SSE streams; Shutdown does not cancel request contexts
func (s *Server) closeStreams() {
	s.shutdownOnce.Do(func() { close(s.shutdown) })
}
