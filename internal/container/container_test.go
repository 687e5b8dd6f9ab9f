package container

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/garyjia/attachment-queue/internal/config"
	"github.com/garyjia/attachment-queue/internal/domain/entity"
	"github.com/garyjia/attachment-queue/internal/infrastructure/persistence/repository"
	"github.com/garyjia/attachment-queue/internal/queue"
	"github.com/garyjia/attachment-queue/internal/storage"
	"github.com/garyjia/attachment-queue/internal/transfer"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	return &config.Config{
		Database: config.DatabaseConfig{Path: filepath.Join(dir, "records.db")},
		Store:    config.StoreConfig{Driver: "sqlite"},
		Queue:    config.QueueConfig{MaxConcurrent: 2},
		Transfer: config.TransferConfig{
			Driver:           "http",
			Timeout:          5 * time.Second,
			MaxBytes:         1 << 20,
			UserAgent:        "attachment-queue-test",
			RetryAttempts:    1,
			RetryBaseBackoff: time.Millisecond,
			RetryMaxBackoff:  time.Millisecond,
		},
		Storage: config.StorageConfig{Driver: "local", BaseDir: filepath.Join(dir, "files")},
		Logger:  config.LoggerConfig{Level: "info", OutputPath: "stdout", Format: "json"},
	}
}

func TestNewContainer_Validation(t *testing.T) {
	_, err := NewContainer(nil, zap.NewNop())
	assert.Error(t, err)

	_, err = NewContainer(testConfig(t), nil)
	assert.Error(t, err)

	cfg := testConfig(t)
	cfg.Queue.MaxConcurrent = 0
	_, err = NewContainer(cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestContainer_DownloadsThroughSQLiteAndLocalStorage(t *testing.T) {
	payload := []byte("\x89PNG\r\n\x1a\nimage-bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	cfg := testConfig(t)
	c, err := NewContainer(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	assert.True(t, c.Ready())
	assert.Error(t, c.Start(context.Background()))

	_, isRepo := c.store.(*repository.RecordRepository)
	assert.True(t, isRepo)

	require.NoError(t, c.Queue().Enqueue(entity.AttachmentDescriptor{
		ID:             "img-1",
		MessageID:      "om_1",
		RemoteLocation: srv.URL + "/img-1",
		Kind:           entity.KindImage,
		Destination:    "chat/om_1/img-1.png",
	}))

	require.Eventually(t, func() bool {
		rec, err := c.Queue().Get("img-1")
		return err == nil && rec.Status == entity.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	rec, err := c.Queue().Get("img-1")
	require.NoError(t, err)
	assert.Equal(t, "image/png", rec.MimeType)
	content, err := os.ReadFile(rec.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, payload, content)

	health := c.Health()
	assert.True(t, health.Overall)
	assert.True(t, health.Components["store"].Healthy)

	families, err := c.Registry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["go_goroutines"])
	assert.True(t, names["attachment_queue_records"])

	require.NoError(t, c.Close())
	assert.False(t, c.Ready())
	assert.Error(t, c.Close())
	assert.ErrorIs(t, c.Queue().Enqueue(entity.AttachmentDescriptor{
		ID: "late", MessageID: "om_2", RemoteLocation: srv.URL, Kind: entity.KindImage, Destination: "late.png",
	}), queue.ErrEngineStopped)
}

func TestContainer_StartFailureReleasesDatabase(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.MigrationsDir = filepath.Join(t.TempDir(), "missing")

	c, err := NewContainer(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.Error(t, c.Start(context.Background()))
	assert.False(t, c.Ready())
	assert.Nil(t, c.db)
}

func TestContainer_HealthBeforeStart(t *testing.T) {
	c, err := NewContainer(testConfig(t), zap.NewNop())
	require.NoError(t, err)

	health := c.Health()
	assert.False(t, health.Overall)
	assert.False(t, health.Components["store"].Healthy)
	assert.False(t, health.Components["workers"].Healthy)
}

func TestProvideStore_Memory(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = "memory"

	bundle, err := ProvideStore(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, bundle.DB)
	_, ok := bundle.Store.(*queue.MemoryStore)
	assert.True(t, ok)
}

func TestProvideSink(t *testing.T) {
	sink, closer, err := ProvideSink(context.Background(), config.StorageConfig{Driver: "local", BaseDir: t.TempDir()}, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, closer)
	assert.IsType(t, &storage.LocalSink{}, sink)

	sink, closer, err = ProvideSink(context.Background(), config.StorageConfig{Driver: "blob", BucketURL: "mem://", Prefix: "att"}, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, closer)
	assert.IsType(t, &storage.BlobSink{}, sink)
	assert.NoError(t, closer.Close())
}

func TestProvideExecutor(t *testing.T) {
	cfg := testConfig(t)
	sink := storage.NewLocalSink(t.TempDir(), zap.NewNop())

	exec, err := ProvideExecutor(cfg, sink, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &transfer.HTTPExecutor{}, exec)

	cfg.Transfer.Driver = "lark"
	_, err = ProvideExecutor(cfg, sink, zap.NewNop())
	assert.Error(t, err)

	cfg.Lark = config.LarkConfig{AppID: "cli_test", AppSecret: "secret"}
	exec, err = ProvideExecutor(cfg, sink, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &transfer.LarkExecutor{}, exec)
}

func TestProvideRetryStrategy(t *testing.T) {
	retry := ProvideRetryStrategy(config.TransferConfig{
		RetryAttempts:    5,
		RetryBaseBackoff: 200 * time.Millisecond,
	})
	assert.Equal(t, 5, retry.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, retry.BaseBackoff)
	assert.Equal(t, 8*time.Second, retry.MaxBackoff)
}

func gaugeValue(t *testing.T, c *Container, name, status string) float64 {
	t.Helper()
	families, err := c.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "status" && lp.GetValue() == status {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	return -1
}

func TestContainer_CloseDrainsTransfersIntoGauges(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("\x89PNG\r\n\x1a\nslow"))
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.Store.Driver = "memory"
	c, err := NewContainer(cfg, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Start(ctx))

	require.NoError(t, c.Queue().Enqueue(entity.AttachmentDescriptor{
		ID:             "slow",
		MessageID:      "om_1",
		RemoteLocation: srv.URL + "/slow",
		Kind:           entity.KindImage,
		Destination:    "slow.png",
	}))
	require.Eventually(t, func() bool {
		return gaugeValue(t, c, "attachment_queue_records", "PROCESSING") == 1
	}, 2*time.Second, 10*time.Millisecond)

	// shutdown signal arrives while the transfer is still running
	cancel()
	closed := make(chan error, 1)
	go func() { closed <- c.Close() }()
	close(release)

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("container did not close")
	}

	assert.Equal(t, float64(1), gaugeValue(t, c, "attachment_queue_records", "COMPLETED"))
	assert.Equal(t, float64(0), gaugeValue(t, c, "attachment_queue_records", "PROCESSING"))
}
