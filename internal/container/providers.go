package container

import (
	"context"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/garyjia/attachment-queue/internal/config"
	"github.com/garyjia/attachment-queue/internal/infrastructure/persistence/repository"
	"github.com/garyjia/attachment-queue/internal/lark"
	"github.com/garyjia/attachment-queue/internal/queue"
	"github.com/garyjia/attachment-queue/internal/storage"
	"github.com/garyjia/attachment-queue/internal/transfer"
	"github.com/garyjia/attachment-queue/pkg/database"
)

// StoreBundle holds the record store and, for the sqlite driver, its database.
type StoreBundle struct {
	Store queue.Store
	DB    *database.DB
}

// ProvideStore creates the record store selected by store.driver.
// The sqlite driver opens the database and applies pending migrations.
func ProvideStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*StoreBundle, error) {
	if cfg.Store.Driver == "memory" {
		logger.Info("Using in-memory record store")
		return &StoreBundle{Store: queue.NewMemoryStore()}, nil
	}

	db, err := database.New(database.Config{
		Path:            cfg.Database.Path,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := database.NewMigrator(db, logger).RunMigrations(ctx, cfg.Database.MigrationsDir); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &StoreBundle{
		Store: repository.NewRecordRepository(db.DB, logger),
		DB:    db,
	}, nil
}

// ProvideSink creates the storage sink selected by storage.driver.
// The returned closer is nil when the sink holds no resources.
func ProvideSink(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (storage.Sink, io.Closer, error) {
	switch cfg.Driver {
	case "blob":
		sink, err := storage.OpenBlobSink(ctx, cfg.BucketURL, cfg.Prefix, logger)
		if err != nil {
			return nil, nil, err
		}
		return sink, sink, nil
	default:
		return storage.NewLocalSink(cfg.BaseDir, logger), nil, nil
	}
}

// ProvideRetryStrategy builds the per-transfer retry policy
func ProvideRetryStrategy(cfg config.TransferConfig) *transfer.RetryStrategy {
	retry := transfer.NewRetryStrategy()
	retry.MaxAttempts = cfg.RetryAttempts
	if cfg.RetryBaseBackoff > 0 {
		retry.BaseBackoff = cfg.RetryBaseBackoff
	}
	if cfg.RetryMaxBackoff > 0 {
		retry.MaxBackoff = cfg.RetryMaxBackoff
	}
	return retry
}

// ProvideExecutor creates the transfer executor selected by transfer.driver
func ProvideExecutor(cfg *config.Config, sink storage.Sink, logger *zap.Logger) (queue.Executor, error) {
	httpCfg := transfer.HTTPConfig{
		Timeout:   cfg.Transfer.Timeout,
		MaxBytes:  cfg.Transfer.MaxBytes,
		UserAgent: cfg.Transfer.UserAgent,
		Retry:     ProvideRetryStrategy(cfg.Transfer),
	}

	var verifier transfer.Verifier
	if cfg.Transfer.VerifyDocuments {
		verifier = transfer.NewPDFVerifier()
	}

	switch cfg.Transfer.Driver {
	case "lark":
		client, err := lark.NewClient(lark.Config{
			AppID:     cfg.Lark.AppID,
			AppSecret: cfg.Lark.AppSecret,
			BaseURL:   cfg.Lark.BaseURL,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create lark client: %w", err)
		}
		return transfer.NewLarkExecutor(client.MessageResources(), httpCfg, sink, verifier, logger), nil
	default:
		return transfer.NewHTTPExecutor(httpCfg, sink, verifier, logger), nil
	}
}

// ProvideRegistry creates the Prometheus registry with runtime collectors attached
func ProvideRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
