package cache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arxivdigest/internal/domain"
)

func newTestStore(t *testing.T, sizeLimit int64, ttl time.Duration) *Store {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := New(t.TempDir(), sizeLimit, ttl, log)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreRoundtrip(t *testing.T) {
	store := newTestStore(t, 1<<20, time.Hour)
	ctx := context.Background()

	payload := []byte(`{"score":0.9,"reasoning":"relevant"}`)
	require.NoError(t, store.Set(ctx, domain.StageOne, "2401.00001", "abcd1234", payload))

	got, ok, err := store.Get(ctx, domain.StageOne, "2401.00001", "abcd1234")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, payload, got)
}

func TestStoreMissOnUnknownKey(t *testing.T) {
	store := newTestStore(t, 1<<20, time.Hour)

	_, ok, err := store.Get(context.Background(), domain.StageOne, "2401.99999", "abcd1234")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreFingerprintSeparatesEntries(t *testing.T) {
	store := newTestStore(t, 1<<20, time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, domain.StageOne, "2401.00001", "aaaa0000", []byte("old")))

	// Same paper under a new scoring configuration reads as a miss.
	_, ok, err := store.Get(ctx, domain.StageOne, "2401.00001", "bbbb1111")
	require.NoError(t, err)
	assert.False(t, ok)

	// The old entry is still reachable under its own fingerprint.
	got, ok, err := store.Get(ctx, domain.StageOne, "2401.00001", "aaaa0000")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("old"), got)
}

func TestStorePartitionsAreIndependent(t *testing.T) {
	store := newTestStore(t, 1<<20, time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, domain.StageOne, "2401.00001", "abcd1234", []byte("one")))

	_, ok, err := store.Get(ctx, domain.StageTwo, "2401.00001", "abcd1234")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreRejectsUnknownStage(t *testing.T) {
	store := newTestStore(t, 1<<20, time.Hour)

	_, _, err := store.Get(context.Background(), "stage9", "id", "fp")
	assert.Error(t, err)
	assert.Error(t, store.Set(context.Background(), "stage9", "id", "fp", []byte("x")))
}

func TestStoreReplaceIsIdempotent(t *testing.T) {
	store := newTestStore(t, 1<<20, time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, domain.StageTwo, "2401.00001", "abcd1234", []byte("first")))
	require.NoError(t, store.Set(ctx, domain.StageTwo, "2401.00001", "abcd1234", []byte("second")))

	got, ok, err := store.Get(ctx, domain.StageTwo, "2401.00001", "abcd1234")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("second"), got)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats[domain.StageTwo].Entries)
}

func TestStoreExpiry(t *testing.T) {
	store := newTestStore(t, 1<<20, 10*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, domain.StageOne, "2401.00001", "abcd1234", []byte("soon gone")))
	time.Sleep(30 * time.Millisecond)

	_, ok, err := store.Get(ctx, domain.StageOne, "2401.00001", "abcd1234")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreEvictsOldestWhenOverLimit(t *testing.T) {
	// 4 partitions share the budget, so each gets 1KB here.
	store := newTestStore(t, 4096, time.Hour)
	ctx := context.Background()

	payload := make([]byte, 200)
	for i := 0; i < 40; i++ {
		id := fmt.Sprintf("2401.%05d", i)
		require.NoError(t, store.Set(ctx, domain.StageOne, id, "abcd1234", payload))
		// Distinct created_at ordering for deterministic eviction.
		time.Sleep(time.Millisecond)
	}

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, stats[domain.StageOne].Volume, int64(1024))

	// The earliest entries were evicted, the latest survives.
	_, ok, err := store.Get(ctx, domain.StageOne, "2401.00000", "abcd1234")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = store.Get(ctx, domain.StageOne, "2401.00039", "abcd1234")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStoreClearStage(t *testing.T) {
	store := newTestStore(t, 1<<20, time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, domain.StageOne, "a", "fp", []byte("1")))
	require.NoError(t, store.Set(ctx, domain.StageTwo, "a", "fp", []byte("2")))

	require.NoError(t, store.ClearStage(ctx, domain.StageOne))

	_, ok, err := store.Get(ctx, domain.StageOne, "a", "fp")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = store.Get(ctx, domain.StageTwo, "a", "fp")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStoreClearAll(t *testing.T) {
	store := newTestStore(t, 1<<20, time.Hour)
	ctx := context.Background()

	for _, stage := range partitionNames {
		require.NoError(t, store.Set(ctx, stage, "a", "fp", []byte("x")))
	}

	require.NoError(t, store.ClearAll(ctx))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	for _, stage := range partitionNames {
		assert.Equal(t, 0, stats[stage].Entries, stage)
	}
}

func TestStoreStats(t *testing.T) {
	store := newTestStore(t, 4096, time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, domain.StageThree, "a", "fp", []byte("12345")))
	require.NoError(t, store.Set(ctx, domain.StageThree, "b", "fp", []byte("123")))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)

	s3 := stats[domain.StageThree]
	assert.Equal(t, 2, s3.Entries)
	assert.Equal(t, int64(8), s3.Volume)
	assert.Equal(t, int64(1024), s3.SizeLimit)

	assert.Equal(t, 0, stats[domain.StageOne].Entries)
}
