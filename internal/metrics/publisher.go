package metrics

import (
	"context"
	"sync"

	"github.com/garyjia/attachment-queue/internal/domain/entity"
	"github.com/garyjia/attachment-queue/internal/queue"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// SnapshotSource delivers queue snapshots, latest first
type SnapshotSource interface {
	Subscribe() (<-chan queue.Snapshot, func())
}

// Publisher mirrors queue snapshots into Prometheus gauges
type Publisher struct {
	source SnapshotSource
	logger *zap.Logger

	records    *prometheus.GaugeVec
	percent    prometheus.Gauge
	processing prometheus.Gauge
	updates    prometheus.Counter

	mu          sync.Mutex
	unsubscribe func()
	stop        chan struct{}
	done        chan struct{}
}

// NewPublisher registers the queue gauges on reg
func NewPublisher(source SnapshotSource, reg prometheus.Registerer, logger *zap.Logger) *Publisher {
	factory := promauto.With(reg)

	return &Publisher{
		source: source,
		logger: logger,
		records: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "attachment_queue_records",
			Help: "Number of attachment records per status",
		}, []string{"status"}),
		percent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "attachment_queue_progress_percent",
			Help: "Share of finished records among finished and queued records",
		}),
		processing: factory.NewGauge(prometheus.GaugeOpts{
			Name: "attachment_queue_is_processing",
			Help: "1 while any record is queued or processing",
		}),
		updates: factory.NewCounter(prometheus.CounterOpts{
			Name: "attachment_queue_snapshots_total",
			Help: "Number of queue snapshots observed",
		}),
	}
}

// Name returns the worker name
func (p *Publisher) Name() string {
	return "QueueMetricsPublisher"
}

// Start subscribes to the source and updates gauges until Stop or until the
// source closes the subscription. ctx is not used.
func (p *Publisher) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.done != nil {
		return nil
	}

	ch, unsubscribe := p.source.Subscribe()
	p.unsubscribe = unsubscribe
	p.stop = make(chan struct{})
	p.done = make(chan struct{})

	go p.run(ch, p.stop, p.done)
	return nil
}

// Stop unsubscribes and waits for the update loop to exit
func (p *Publisher) Stop() {
	p.mu.Lock()
	unsubscribe, stop, done := p.unsubscribe, p.stop, p.done
	p.unsubscribe, p.stop, p.done = nil, nil, nil
	p.mu.Unlock()

	if done == nil {
		return
	}
	close(stop)
	unsubscribe()
	<-done
}

func (p *Publisher) run(ch <-chan queue.Snapshot, stop <-chan struct{}, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-stop:
			return
		case snap, ok := <-ch:
			if !ok {
				p.logger.Debug("Snapshot stream closed")
				return
			}
			p.Observe(snap)
		}
	}
}

// Observe applies one snapshot to the gauges
func (p *Publisher) Observe(snap queue.Snapshot) {
	p.records.WithLabelValues(string(entity.StatusQueued)).Set(float64(snap.QueueCount))
	p.records.WithLabelValues(string(entity.StatusProcessing)).Set(float64(snap.ProcessingCount))
	p.records.WithLabelValues(string(entity.StatusCompleted)).Set(float64(snap.CompletedCount))
	p.records.WithLabelValues(string(entity.StatusFailed)).Set(float64(snap.FailedCount))
	p.percent.Set(float64(snap.Percent))

	if snap.IsProcessing {
		p.processing.Set(1)
	} else {
		p.processing.Set(0)
	}
	p.updates.Inc()
}
