package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/fortium/eventserver/adapters"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func partnerEvents(types ...string) []adapters.EventRecord {
	records := make([]adapters.EventRecord, len(types))
	for i, typ := range types {
		records[i] = adapters.EventRecord{Type: typ, Data: []byte(`{}`)}
	}
	return records
}

func TestMemoryAdapter_Append(t *testing.T) {
	ctx := context.Background()

	t.Run("append to new stream", func(t *testing.T) {
		adapter := NewAdapter()

		stored, err := adapter.Append(ctx, "partner-leo@x.com", partnerEvents("PartnerCreated"), NoStream)

		require.NoError(t, err)
		require.Len(t, stored, 1)
		assert.Equal(t, "partner-leo@x.com", stored[0].StreamID)
		assert.Equal(t, int64(1), stored[0].Version)
		assert.Equal(t, uint64(1), stored[0].GlobalPosition)
		assert.NotEmpty(t, stored[0].ID)
		assert.False(t, stored[0].Timestamp.IsZero())
	})

	t.Run("sequence numbers are gapless", func(t *testing.T) {
		adapter := NewAdapter()

		_, err := adapter.Append(ctx, "partner-a", partnerEvents("PartnerCreated"), NoStream)
		require.NoError(t, err)
		stored, err := adapter.Append(ctx, "partner-a", partnerEvents("PartnerSkillAdded", "PartnerBioUpdated"), 1)
		require.NoError(t, err)

		assert.Equal(t, int64(2), stored[0].Version)
		assert.Equal(t, int64(3), stored[1].Version)
	})

	t.Run("expected version zero rejects existing stream", func(t *testing.T) {
		adapter := NewAdapter()
		_, err := adapter.Append(ctx, "partner-a", partnerEvents("PartnerCreated"), NoStream)
		require.NoError(t, err)

		_, err = adapter.Append(ctx, "partner-a", partnerEvents("PartnerCreated"), NoStream)

		assert.ErrorIs(t, err, ErrConcurrencyConflict)
	})

	t.Run("failed append leaves stream untouched", func(t *testing.T) {
		adapter := NewAdapter()
		_, err := adapter.Append(ctx, "partner-a", partnerEvents("PartnerCreated", "PartnerSkillAdded"), NoStream)
		require.NoError(t, err)

		_, err = adapter.Append(ctx, "partner-a", partnerEvents("PartnerBioUpdated", "PartnerLoggedIn"), 1)
		require.ErrorIs(t, err, ErrConcurrencyConflict)

		events, err := adapter.Load(ctx, "partner-a", 0)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "PartnerSkillAdded", events[1].Type)
	})

	t.Run("rejects empty input", func(t *testing.T) {
		adapter := NewAdapter()

		_, err := adapter.Append(ctx, "", partnerEvents("X"), AnyVersion)
		assert.ErrorIs(t, err, ErrEmptyStreamID)

		_, err = adapter.Append(ctx, "partner-a", nil, AnyVersion)
		assert.ErrorIs(t, err, ErrNoEvents)
	})

	t.Run("hook error aborts append", func(t *testing.T) {
		boom := errors.New("disk gone")
		adapter := NewAdapter(WithAppendHook(func(ctx context.Context, streamID string, expected int64) error {
			return adapters.NewStorageError("append", boom)
		}))

		_, err := adapter.Append(ctx, "partner-a", partnerEvents("PartnerCreated"), NoStream)

		assert.ErrorIs(t, err, adapters.ErrStorageUnavailable)
		assert.Equal(t, 0, adapter.EventCount())
	})

	t.Run("closed adapter", func(t *testing.T) {
		adapter := NewAdapter()
		require.NoError(t, adapter.Close())

		_, err := adapter.Append(ctx, "partner-a", partnerEvents("PartnerCreated"), NoStream)
		assert.ErrorIs(t, err, ErrAdapterClosed)
		assert.ErrorIs(t, adapter.Ping(ctx), ErrAdapterClosed)
	})
}

func TestMemoryAdapter_ConcurrentAppend(t *testing.T) {
	adapter := NewAdapter()
	ctx := context.Background()
	_, err := adapter.Append(ctx, "partner-a", partnerEvents("PartnerCreated"), NoStream)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var wins, conflicts int
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := adapter.Append(ctx, "partner-a", partnerEvents("PartnerSkillAdded"), 1)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if errors.Is(err, ErrConcurrencyConflict) {
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, 9, conflicts)
}

func TestMemoryAdapter_Load(t *testing.T) {
	ctx := context.Background()
	adapter := NewAdapter()
	_, err := adapter.Append(ctx, "user-a@b.io", partnerEvents("UserCreated", "UserLoggedIn", "UserLoggedOut"), NoStream)
	require.NoError(t, err)

	t.Run("missing stream reads empty", func(t *testing.T) {
		events, err := adapter.Load(ctx, "user-nobody", 0)
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("from version", func(t *testing.T) {
		events, err := adapter.Load(ctx, "user-a@b.io", 1)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, int64(2), events[0].Version)
	})

	t.Run("returned events are copies", func(t *testing.T) {
		events, err := adapter.Load(ctx, "user-a@b.io", 0)
		require.NoError(t, err)
		events[0].Data[0] = 'X'

		again, err := adapter.Load(ctx, "user-a@b.io", 0)
		require.NoError(t, err)
		assert.Equal(t, "{}", string(again[0].Data))
	})
}

func TestMemoryAdapter_ReadAll(t *testing.T) {
	ctx := context.Background()
	adapter := NewAdapter()
	_, _ = adapter.Append(ctx, "partner-a", partnerEvents("PartnerCreated"), NoStream)
	_, _ = adapter.Append(ctx, "user-b", partnerEvents("UserCreated"), NoStream)
	_, _ = adapter.Append(ctx, "partner-a", partnerEvents("PartnerSkillAdded"), 1)

	all, err := adapter.ReadAll(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []uint64{1, 2, 3}, []uint64{all[0].GlobalPosition, all[1].GlobalPosition, all[2].GlobalPosition})

	page, err := adapter.ReadAll(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "user-b", page[0].StreamID)

	tail, err := adapter.ReadAll(ctx, 3, 10)
	require.NoError(t, err)
	assert.Empty(t, tail)

	last, err := adapter.GetLastPosition(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), last)
}

func TestMemoryAdapter_StreamInfoAndList(t *testing.T) {
	ctx := context.Background()
	adapter := NewAdapter()
	_, _ = adapter.Append(ctx, "partner-a", partnerEvents("PartnerCreated", "PartnerSkillAdded"), NoStream)
	_, _ = adapter.Append(ctx, "user-b", partnerEvents("UserCreated"), NoStream)

	info, err := adapter.GetStreamInfo(ctx, "partner-a")
	require.NoError(t, err)
	assert.Equal(t, "partner", info.Category)
	assert.Equal(t, int64(2), info.Version)

	_, err = adapter.GetStreamInfo(ctx, "partner-missing")
	assert.ErrorIs(t, err, ErrStreamNotFound)

	streams, err := adapter.ListStreams(ctx, "partner-", 0)
	require.NoError(t, err)
	require.Len(t, streams, 1)
	assert.Equal(t, "PartnerSkillAdded", streams[0].LastEventType)
}
