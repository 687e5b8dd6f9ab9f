package queue

import (
	"fmt"
	"sort"
	"sync"

	"github.com/garyjia/attachment-queue/internal/domain/entity"
)

// Store maps attachment identifiers to records.
//
// Implementations must be safe for concurrent use and linearizable: each call
// observes the result of complete, single mutations only. Returned records are
// copies; mutating them never changes the store. The engine is the only writer.
type Store interface {
	// Get returns the record for id or an error wrapping ErrNotFound
	Get(id string) (*entity.AttachmentRecord, error)

	// Upsert inserts or replaces the record with the same ID
	Upsert(rec *entity.AttachmentRecord) error

	// Remove deletes the record for id; removing an unknown id is a no-op
	Remove(id string) error

	// ListByStatus returns records with status ordered by Seq ascending
	ListByStatus(status entity.Status) ([]*entity.AttachmentRecord, error)

	// List returns every record ordered by Seq ascending
	List() ([]*entity.AttachmentRecord, error)

	// CountByStatus returns the number of records per status
	CountByStatus() (map[entity.Status]int, error)

	// MaxSeq returns the highest Seq in the store, or 0 when empty
	MaxSeq() (int64, error)
}

// MemoryStore is an in-process Store
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*entity.AttachmentRecord
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*entity.AttachmentRecord),
	}
}

// Get returns a copy of the record for id
func (s *MemoryStore) Get(id string) (*entity.AttachmentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec.Clone(), nil
}

// Upsert stores a copy of rec
func (s *MemoryStore) Upsert(rec *entity.AttachmentRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("record id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec.Clone()
	return nil
}

// Remove deletes the record for id
func (s *MemoryStore) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

// ListByStatus returns copies of records in status, oldest first
func (s *MemoryStore) ListByStatus(status entity.Status) ([]*entity.AttachmentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*entity.AttachmentRecord
	for _, rec := range s.records {
		if rec.Status == status {
			out = append(out, rec.Clone())
		}
	}
	sortBySeq(out)
	return out, nil
}

// List returns copies of every record, oldest first
func (s *MemoryStore) List() ([]*entity.AttachmentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*entity.AttachmentRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	sortBySeq(out)
	return out, nil
}

// CountByStatus tallies records per status in a single read
func (s *MemoryStore) CountByStatus() (map[entity.Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[entity.Status]int, len(entity.AllStatuses))
	for _, rec := range s.records {
		counts[rec.Status]++
	}
	return counts, nil
}

// MaxSeq returns the highest sequence number stored
func (s *MemoryStore) MaxSeq() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var maxSeq int64
	for _, rec := range s.records {
		if rec.Seq > maxSeq {
			maxSeq = rec.Seq
		}
	}
	return maxSeq, nil
}

// Len returns the number of records
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func sortBySeq(records []*entity.AttachmentRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Seq < records[j].Seq
	})
}
