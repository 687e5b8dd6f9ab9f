package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/garyjia/attachment-queue/internal/container"
	"github.com/garyjia/attachment-queue/internal/domain/entity"
	"github.com/garyjia/attachment-queue/internal/metrics"
	"github.com/garyjia/attachment-queue/internal/queue"
)

type testEnv struct {
	server *Server
	engine *queue.Engine
	health *MockHealthChecker
}

// MockHealthChecker is a mock implementation of HealthChecker
type MockHealthChecker struct {
	mu     sync.Mutex
	status *container.HealthStatus
}

func (m *MockHealthChecker) Health() *container.HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *MockHealthChecker) set(status *container.HealthStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = status
}

// newTestEnv wires the API to a real engine; ids starting with "fail-" fail
func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWithConfig(t, DefaultServerConfig())
}

func newTestEnvWithConfig(t *testing.T, config ServerConfig) *testEnv {
	t.Helper()

	executor := queue.ExecutorFunc(func(ctx context.Context, desc entity.AttachmentDescriptor) (*queue.TransferResult, error) {
		if strings.HasPrefix(desc.ID, "fail-") {
			return nil, queue.NetworkError(errors.New("connection reset"))
		}
		return &queue.TransferResult{LocalPath: "/data/" + desc.Destination, Size: 10, MimeType: "image/png"}, nil
	})

	engine, err := queue.NewEngine(queue.Config{MaxConcurrent: 2}, queue.NewMemoryStore(), executor, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(engine.Stop)

	reg := prometheus.NewRegistry()
	publisher := metrics.NewPublisher(engine, reg, zap.NewNop())
	require.NoError(t, publisher.Start(context.Background()))
	t.Cleanup(publisher.Stop)

	health := &MockHealthChecker{status: &container.HealthStatus{
		Overall:    true,
		Components: map[string]container.ComponentHealth{"store": {Healthy: true}},
	}}
	server := NewServer(config, engine, reg, metrics.NewHTTPMetrics(reg), health, zap.NewNop())
	return &testEnv{server: server, engine: engine, health: health}
}

func (e *testEnv) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.server.Router().ServeHTTP(w, req)
	return w
}

func (e *testEnv) waitForStatus(t *testing.T, id string, status entity.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		rec, err := e.engine.Get(id)
		return err == nil && rec.Status == status
	}, 2*time.Second, 5*time.Millisecond)
}

func decode(t *testing.T, w *httptest.ResponseRecorder, data interface{}) Response {
	t.Helper()
	resp := Response{Data: data}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func attachment(id string) entity.AttachmentDescriptor {
	return entity.AttachmentDescriptor{
		ID:             id,
		MessageID:      "om_" + id,
		RemoteLocation: "https://files.example.com/" + id,
		Kind:           entity.KindImage,
		Destination:    "img/" + id + ".png",
	}
}

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))

	var health HealthResponse
	resp := decode(t, w, &health)
	assert.True(t, resp.Success)
	assert.Equal(t, "healthy", health.Status)
	assert.True(t, health.Components["store"].Healthy)
}

func TestHealthCheck_UnhealthyComponent(t *testing.T) {
	env := newTestEnv(t)
	env.health.set(&container.HealthStatus{
		Overall: false,
		Components: map[string]container.ComponentHealth{
			"store":   {Healthy: false, Message: "ping failed: database is closed"},
			"workers": {Healthy: true},
		},
	})

	w := env.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var health HealthResponse
	resp := decode(t, w, &health)
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Error)
	assert.Equal(t, "unhealthy", health.Status)
	assert.Equal(t, "ping failed: database is closed", health.Components["store"].Message)
	assert.True(t, health.Components["workers"].Healthy)
}

func TestHealthCheck_NoChecker(t *testing.T) {
	engine, err := queue.NewEngine(queue.DefaultConfig(), queue.NewMemoryStore(), queue.ExecutorFunc(
		func(ctx context.Context, desc entity.AttachmentDescriptor) (*queue.TransferResult, error) {
			return &queue.TransferResult{}, nil
		}), zap.NewNop())
	require.NoError(t, err)
	server := NewServer(DefaultServerConfig(), engine, nil, nil, nil, zap.NewNop())

	w := httptest.NewRecorder()
	server.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequestIDIsPropagated(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(requestIDHeader, "req-123")
	w := httptest.NewRecorder()
	env.server.Router().ServeHTTP(w, req)

	assert.Equal(t, "req-123", w.Header().Get(requestIDHeader))
}

func TestEnqueueAndGet(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/v1/attachments", attachment("A"))
	assert.Equal(t, http.StatusAccepted, w.Code)

	env.waitForStatus(t, "A", entity.StatusCompleted)

	var rec entity.AttachmentRecord
	w = env.do(http.MethodGet, "/api/v1/attachments/A", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &rec)
	assert.Equal(t, entity.StatusCompleted, rec.Status)
	assert.Equal(t, "/data/img/A.png", rec.LocalPath)

	w = env.do(http.MethodGet, "/api/v1/attachments/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEnqueueRejectsInvalidInput(t *testing.T) {
	env := newTestEnv(t)

	invalid := attachment("B")
	invalid.Destination = "../escape.png"
	w := env.do(http.MethodPost, "/api/v1/attachments", invalid)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, decode(t, w, nil).Success)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/attachments", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	_, err := env.engine.Get("B")
	assert.ErrorIs(t, err, queue.ErrNotFound)
}

func TestListAttachments(t *testing.T) {
	env := newTestEnv(t)

	env.do(http.MethodPost, "/api/v1/attachments", attachment("ok-1"))
	env.do(http.MethodPost, "/api/v1/attachments", attachment("fail-1"))
	env.waitForStatus(t, "ok-1", entity.StatusCompleted)
	env.waitForStatus(t, "fail-1", entity.StatusFailed)

	var all []entity.AttachmentRecord
	w := env.do(http.MethodGet, "/api/v1/attachments", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &all)
	assert.Len(t, all, 2)

	var failed []entity.AttachmentRecord
	w = env.do(http.MethodGet, "/api/v1/attachments?status=FAILED", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &failed)
	require.Len(t, failed, 1)
	assert.Equal(t, "fail-1", failed[0].ID)
	assert.Equal(t, "NETWORK", failed[0].ErrorKind)

	w = env.do(http.MethodGet, "/api/v1/attachments?status=DONE", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelAttachment(t *testing.T) {
	env := newTestEnv(t)

	var result CancelResponse
	w := env.do(http.MethodDelete, "/api/v1/attachments/unknown", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &result)
	assert.False(t, result.Cancelled)
	assert.Equal(t, "unknown", result.ID)
}

func TestRetryAttachment(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/v1/attachments/nope/retry", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	env.do(http.MethodPost, "/api/v1/attachments", attachment("ok-2"))
	env.waitForStatus(t, "ok-2", entity.StatusCompleted)
	w = env.do(http.MethodPost, "/api/v1/attachments/ok-2/retry", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	env.do(http.MethodPost, "/api/v1/attachments", attachment("fail-2"))
	env.waitForStatus(t, "fail-2", entity.StatusFailed)
	w = env.do(http.MethodPost, "/api/v1/attachments/fail-2/retry", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)

	require.Eventually(t, func() bool {
		rec, err := env.engine.Get("fail-2")
		return err == nil && rec.Status == entity.StatusFailed && rec.AttemptCount == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSnapshotAndClear(t *testing.T) {
	env := newTestEnv(t)

	env.do(http.MethodPost, "/api/v1/attachments", attachment("ok-3"))
	env.do(http.MethodPost, "/api/v1/attachments", attachment("fail-3"))
	env.waitForStatus(t, "ok-3", entity.StatusCompleted)
	env.waitForStatus(t, "fail-3", entity.StatusFailed)

	var snap queue.Snapshot
	w := env.do(http.MethodGet, "/api/v1/queue/snapshot", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &snap)
	assert.Equal(t, 1, snap.CompletedCount)
	assert.Equal(t, 1, snap.FailedCount)
	assert.Equal(t, 100, snap.Percent)
	assert.False(t, snap.IsProcessing)

	var cleared ClearResponse
	w = env.do(http.MethodPost, "/api/v1/queue/clear", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &cleared)
	assert.Equal(t, 2, cleared.Removed)

	w = env.do(http.MethodGet, "/api/v1/queue/snapshot", nil)
	decode(t, w, &snap)
	assert.Equal(t, 0, snap.Total)
	assert.Equal(t, 0, snap.Percent)
}

func TestExportRecords(t *testing.T) {
	env := newTestEnv(t)

	env.do(http.MethodPost, "/api/v1/attachments", attachment("ok-4"))
	env.waitForStatus(t, "ok-4", entity.StatusCompleted)

	w := env.do(http.MethodGet, "/api/v1/queue/export.xlsx", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "attachments.xlsx")

	f, err := excelize.OpenReader(w.Body)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows("Attachments")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "ok-4", rows[1][0])
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	env.do(http.MethodPost, "/api/v1/attachments", attachment("ok-5"))
	env.waitForStatus(t, "ok-5", entity.StatusCompleted)

	require.Eventually(t, func() bool {
		w := env.do(http.MethodGet, "/metrics", nil)
		return w.Code == http.StatusOK &&
			strings.Contains(w.Body.String(), `attachment_queue_records{status="COMPLETED"} 1`)
	}, 2*time.Second, 10*time.Millisecond)

	w := env.do(http.MethodGet, "/metrics", nil)
	assert.Contains(t, w.Body.String(), "attachment_queue_http_requests_total")
}

func TestStreamSnapshots(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.server.Router())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/queue/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	reader := bufio.NewReader(resp.Body)
	readEvent := func() queue.Snapshot {
		var snap queue.Snapshot
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			if strings.HasPrefix(line, "data:") {
				require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &snap))
				return snap
			}
		}
	}

	first := readEvent()
	assert.Equal(t, 0, first.Total)

	env.do(http.MethodPost, "/api/v1/attachments", attachment("ok-6"))

	// Latest-wins delivery: keep reading until the completed state arrives.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if snap := readEvent(); snap.CompletedCount == 1 {
			return
		}
	}
	t.Fatal("completed snapshot not streamed")
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestStart_OpenStreamDoesNotBlockShutdown(t *testing.T) {
	config := DefaultServerConfig()
	config.Host = "127.0.0.1"
	config.Port = freePort(t)
	env := newTestEnvWithConfig(t, config)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startErr := make(chan error, 1)
	go func() {
		startErr <- env.server.Start(ctx)
	}()

	base := "http://" + env.server.Address()
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get(base + "/api/v1/queue/stream")
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event:snapshot", strings.TrimSpace(line))

	began := time.Now()
	cancel()

	select {
	case err := <-startErr:
		assert.NoError(t, err)
		assert.Less(t, time.Since(began), 2*time.Second)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop while a stream was open")
	}

	// the stream itself was ended by the server
	_, err = io.ReadAll(reader)
	assert.NoError(t, err)
}
