package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fortium/eventserver/adapters"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocumentStore(t *testing.T) {
	ctx := context.Background()

	t.Run("missing document", func(t *testing.T) {
		store := NewDocumentStore()
		_, err := store.GetDocument(ctx, "partners", "leo@x.com")
		assert.ErrorIs(t, err, ErrDocumentNotFound)
	})

	t.Run("save then get", func(t *testing.T) {
		store := NewDocumentStore()
		err := store.SaveDocument(ctx, adapters.DocumentWrite{
			Projection: "partners", Key: "leo@x.com", Data: []byte(`{"a":1}`),
			StreamID: "partner-leo@x.com", Sequence: 1,
		})
		require.NoError(t, err)

		doc, err := store.GetDocument(ctx, "partners", "leo@x.com")
		require.NoError(t, err)
		assert.Equal(t, `{"a":1}`, string(doc.Data))
		assert.Equal(t, int64(1), doc.Position("partner-leo@x.com"))

		pos, err := store.StreamPosition(ctx, "partners", "partner-leo@x.com")
		require.NoError(t, err)
		assert.Equal(t, int64(1), pos)

		n, err := store.CountDocuments(ctx, "partners")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("stale position is refused", func(t *testing.T) {
		store := NewDocumentStore()
		w := adapters.DocumentWrite{Projection: "partners", Key: "k", Data: []byte(`1`), StreamID: "s", Sequence: 2}
		require.NoError(t, store.SaveDocument(ctx, w))

		w.Data = []byte(`2`)
		assert.ErrorIs(t, store.SaveDocument(ctx, w), ErrStalePosition)
		w.Sequence = 1
		assert.ErrorIs(t, store.SaveDocument(ctx, w), ErrStalePosition)

		doc, err := store.GetDocument(ctx, "partners", "k")
		require.NoError(t, err)
		assert.Equal(t, "1", string(doc.Data))
	})

	t.Run("positions are tracked per source stream", func(t *testing.T) {
		store := NewDocumentStore()
		require.NoError(t, store.SaveDocument(ctx, adapters.DocumentWrite{Projection: "stats", Key: "p", Data: []byte(`1`), StreamID: "videoconference-1", Sequence: 1}))
		require.NoError(t, store.SaveDocument(ctx, adapters.DocumentWrite{Projection: "stats", Key: "p", Data: []byte(`2`), StreamID: "videoconference-2", Sequence: 1}))

		doc, err := store.GetDocument(ctx, "stats", "p")
		require.NoError(t, err)
		assert.Len(t, doc.Positions, 2)
	})

	t.Run("delete projection", func(t *testing.T) {
		store := NewDocumentStore()
		require.NoError(t, store.SaveDocument(ctx, adapters.DocumentWrite{Projection: "users", Key: "k", Data: []byte(`1`), StreamID: "s", Sequence: 1}))
		require.NoError(t, store.DeleteProjection(ctx, "users"))

		_, err := store.GetDocument(ctx, "users", "k")
		assert.ErrorIs(t, err, ErrDocumentNotFound)
		pos, _ := store.StreamPosition(ctx, "users", "s")
		assert.Equal(t, int64(0), pos)
	})

	t.Run("injected failure is a storage error", func(t *testing.T) {
		store := NewDocumentStore()
		store.FailWith(errors.New("down"))

		_, err := store.GetDocument(ctx, "users", "k")
		assert.ErrorIs(t, err, adapters.ErrStorageUnavailable)

		store.FailWith(nil)
		_, err = store.GetDocument(ctx, "users", "k")
		assert.ErrorIs(t, err, ErrDocumentNotFound)
	})
}

func TestIdempotencyStore(t *testing.T) {
	ctx := context.Background()
	store := NewIdempotencyStore()
	defer store.Close()

	ok, err := store.Exists(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Store(ctx, &adapters.IdempotencyRecord{
		Key: "k1", Success: true, ExpiresAt: farFuture(),
	}))
	rec, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.Success)

	require.NoError(t, store.Delete(ctx, "k1"))
	rec, err = store.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestOutboxStore(t *testing.T) {
	ctx := context.Background()
	store := NewOutboxStore()

	require.NoError(t, store.Schedule(ctx, []*adapters.OutboxMessage{
		{AggregateID: "partner-a", EventType: "PartnerCreated", Destination: "kafka:partners", Payload: []byte(`{}`)},
	}))

	claimed, err := store.FetchPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 1, claimed[0].Attempts)

	again, err := store.FetchPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, store.MarkFailed(ctx, claimed[0].ID, errors.New("broker down")))
	n, err := store.RetryFailed(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	claimed, err = store.FetchPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, store.MarkFailed(ctx, claimed[0].ID, errors.New("broker down")))

	n, err = store.MoveToDeadLetter(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 1, store.CountByStatus()[adapters.OutboxDeadLetter])

	assert.ErrorIs(t, store.MarkFailed(ctx, "missing", nil), adapters.ErrOutboxMessageNotFound)
}

func farFuture() time.Time {
	return time.Now().Add(time.Hour)
}
