package queue

import (
	"fmt"
	"math"
	"sync"

	"github.com/garyjia/attachment-queue/internal/domain/entity"
	"github.com/google/uuid"
)

// Snapshot is a point-in-time aggregate of the queue, safe to share
type Snapshot struct {
	QueueCount      int  `json:"queue_count"`
	ProcessingCount int  `json:"processing_count"`
	CompletedCount  int  `json:"completed_count"`
	FailedCount     int  `json:"failed_count"`
	Total           int  `json:"total"`
	IsProcessing    bool `json:"is_processing"`
	Percent         int  `json:"percent"`
}

// StatusCounter is the read-only view of the store used by the aggregator
type StatusCounter interface {
	CountByStatus() (map[entity.Status]int, error)
}

// ComputeSnapshot derives a Snapshot from per-status counts.
// Percent excludes processing records from the denominator, so a queue with
// only in-flight work reports 0.
func ComputeSnapshot(counts map[entity.Status]int) Snapshot {
	snap := Snapshot{
		QueueCount:      counts[entity.StatusQueued],
		ProcessingCount: counts[entity.StatusProcessing],
		CompletedCount:  counts[entity.StatusCompleted],
		FailedCount:     counts[entity.StatusFailed],
	}
	snap.Total = snap.QueueCount + snap.ProcessingCount + snap.CompletedCount + snap.FailedCount
	snap.IsProcessing = snap.ProcessingCount > 0 || snap.QueueCount > 0

	finished := snap.CompletedCount + snap.FailedCount
	denominator := finished + snap.QueueCount
	if denominator > 0 {
		snap.Percent = int(math.Round(100 * float64(finished) / float64(denominator)))
	}

	return snap
}

// Aggregator derives snapshots from the store and fans them out to subscribers.
// It keeps no counters of its own.
type Aggregator struct {
	counter StatusCounter

	mu   sync.Mutex
	subs map[string]chan Snapshot
}

// NewAggregator creates an aggregator reading from counter
func NewAggregator(counter StatusCounter) *Aggregator {
	return &Aggregator{
		counter: counter,
		subs:    make(map[string]chan Snapshot),
	}
}

// Snapshot computes the current snapshot from the store
func (a *Aggregator) Snapshot() (Snapshot, error) {
	counts, err := a.counter.CountByStatus()
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to count records: %w", err)
	}
	return ComputeSnapshot(counts), nil
}

// Subscribe registers a subscriber. The returned channel always holds the
// latest published snapshot; unread intermediate snapshots are replaced.
// Call the returned func to unsubscribe, which closes the channel.
func (a *Aggregator) Subscribe() (<-chan Snapshot, func()) {
	id := uuid.NewString()
	ch := make(chan Snapshot, 1)

	a.mu.Lock()
	a.subs[id] = ch
	a.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			a.mu.Lock()
			defer a.mu.Unlock()
			if sub, ok := a.subs[id]; ok {
				delete(a.subs, id)
				close(sub)
			}
		})
	}
}

// SubscriberCount returns the number of active subscribers
func (a *Aggregator) SubscriberCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.subs)
}

// Publish delivers snap to every subscriber without blocking
func (a *Aggregator) Publish(snap Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, ch := range a.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

// publishTo delivers snap to a single subscriber channel
func (a *Aggregator) publishTo(ch <-chan Snapshot, snap Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, sub := range a.subs {
		if sub == ch {
			select {
			case <-sub:
			default:
			}
			sub <- snap
			return
		}
	}
}

// Close unsubscribes and closes every subscriber channel
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for id, ch := range a.subs {
		delete(a.subs, id)
		close(ch)
	}
}
