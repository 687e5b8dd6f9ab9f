package queue

import (
	"testing"
	"time"

	"github.com/garyjia/attachment-queue/internal/domain/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_GetUpsertRemove(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Get("A")
	assert.ErrorIs(t, err, ErrNotFound)

	rec := entity.NewAttachmentRecord(descriptor("A"), 1, time.Now())
	require.NoError(t, store.Upsert(rec))

	got, err := store.Get("A")
	require.NoError(t, err)
	assert.Equal(t, entity.StatusQueued, got.Status)

	// Returned records are copies.
	got.Status = entity.StatusFailed
	again, err := store.Get("A")
	require.NoError(t, err)
	assert.Equal(t, entity.StatusQueued, again.Status)

	// So are stored ones.
	rec.Status = entity.StatusCompleted
	again, err = store.Get("A")
	require.NoError(t, err)
	assert.Equal(t, entity.StatusQueued, again.Status)

	require.NoError(t, store.Remove("A"))
	require.NoError(t, store.Remove("A"))
	assert.Equal(t, 0, store.Len())

	assert.Error(t, store.Upsert(&entity.AttachmentRecord{}))
}

func TestMemoryStore_ListByStatusOrderedBySeq(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()

	for i, id := range []string{"c", "a", "d", "b"} {
		rec := entity.NewAttachmentRecord(descriptor(id), int64(10-i), now)
		if id == "d" {
			rec.Status = entity.StatusFailed
		}
		require.NoError(t, store.Upsert(rec))
	}

	queued, err := store.ListByStatus(entity.StatusQueued)
	require.NoError(t, err)
	require.Len(t, queued, 3)
	assert.Equal(t, "b", queued[0].ID)
	assert.Equal(t, "a", queued[1].ID)
	assert.Equal(t, "c", queued[2].ID)

	all, err := store.List()
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "b", all[0].ID)
	assert.Equal(t, "d", all[1].ID)

	counts, err := store.CountByStatus()
	require.NoError(t, err)
	assert.Equal(t, 3, counts[entity.StatusQueued])
	assert.Equal(t, 1, counts[entity.StatusFailed])
	assert.Equal(t, 0, counts[entity.StatusCompleted])

	maxSeq, err := store.MaxSeq()
	require.NoError(t, err)
	assert.Equal(t, int64(10), maxSeq)
}
