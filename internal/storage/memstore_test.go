package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hmlr-memory/pkg/types"
)

func testBlock(id, dayID string, status types.BlockStatus, updatedAt time.Time) *types.BridgeBlock {
	return &types.BridgeBlock{
		ID: id, DayID: dayID, TopicLabel: "topic " + id,
		Status: status, CreatedAt: updatedAt.Add(-time.Hour), UpdatedAt: updatedAt,
	}
}

func TestBlockStoreRoundTrip(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.Blocks().Insert(ctx, testBlock("blk_1", "2026-08-24", types.BlockStatusActive, now)))

	got, err := store.Blocks().Get(ctx, "blk_1")
	require.NoError(t, err)
	assert.Equal(t, "topic blk_1", got.TopicLabel)

	_, err = store.Blocks().Get(ctx, "blk_missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestBlockStoreReturnsCopies(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.Blocks().Insert(ctx, testBlock("blk_1", "2026-08-24", types.BlockStatusActive, now)))

	got, err := store.Blocks().Get(ctx, "blk_1")
	require.NoError(t, err)
	got.TopicLabel = "mutated"

	again, err := store.Blocks().Get(ctx, "blk_1")
	require.NoError(t, err)
	assert.Equal(t, "topic blk_1", again.TopicLabel)
}

func TestBlocksByDaySortNewestFirst(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.Blocks().Insert(ctx, testBlock("blk_old", "2026-08-24", types.BlockStatusPaused, now.Add(-time.Hour))))
	require.NoError(t, store.Blocks().Insert(ctx, testBlock("blk_new", "2026-08-24", types.BlockStatusActive, now)))
	require.NoError(t, store.Blocks().Insert(ctx, testBlock("blk_other", "2026-08-23", types.BlockStatusClosed, now)))

	day, err := store.Blocks().GetByDay(ctx, "2026-08-24")
	require.NoError(t, err)
	require.Len(t, day, 2)
	assert.Equal(t, "blk_new", day[0].ID)
	assert.Equal(t, "blk_old", day[1].ID)

	active, err := store.Blocks().GetByDayAndStatus(ctx, "2026-08-24", types.BlockStatusActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "blk_new", active[0].ID)
}

func TestTurnWindowExcludesEvicted(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.Blocks().Insert(ctx, testBlock("blk_1", "2026-08-24", types.BlockStatusActive, now)))
	for i, id := range []string{"turn_a", "turn_b", "turn_c"} {
		require.NoError(t, store.Turns().Insert(ctx, &types.Turn{
			ID: id, BlockID: "blk_1", UserMessage: "msg " + id,
			Timestamp: now.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, store.Turns().MarkEvicted(ctx, "turn_a"))

	window, err := store.Turns().GetWindowByDay(ctx, "2026-08-24")
	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.Equal(t, "turn_b", window[0].ID)
	assert.Equal(t, "turn_c", window[1].ID)

	n, err := store.Turns().CountByBlock(ctx, "blk_1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestFactSupersessionQueries(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	now := time.Now().UTC()

	old := &types.Fact{ID: "fact_1", Key: "wife", Value: "Sara", Confidence: 0.8, CreatedAt: now.Add(-time.Minute)}
	cur := &types.Fact{ID: "fact_2", Key: "wife", Value: "Sarah", Confidence: 0.9, CreatedAt: now}
	require.NoError(t, store.Facts().Insert(ctx, old))
	require.NoError(t, store.Facts().Insert(ctx, cur))
	require.NoError(t, store.Facts().MarkSuperseded(ctx, "fact_1", "fact_2"))

	active, err := store.Facts().GetActiveByKey(ctx, "wife")
	require.NoError(t, err)
	assert.Equal(t, "fact_2", active.ID)

	all, err := store.Facts().GetAllByKey(ctx, "wife")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	byPrefix, err := store.Facts().SearchActiveByKeyPrefix(ctx, "WI")
	require.NoError(t, err)
	require.Len(t, byPrefix, 1)
	assert.Equal(t, "fact_2", byPrefix[0].ID)
}

func TestUsageBumpAccumulates(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	require.NoError(t, store.Usage().Bump(ctx, "turn_1", "turn", []string{"contracts"}))
	require.NoError(t, store.Usage().Bump(ctx, "turn_1", "turn", []string{"contracts", "legal"}))
	require.NoError(t, store.Usage().Bump(ctx, "turn_2", "turn", nil))

	stat, err := store.Usage().Get(ctx, "turn_1")
	require.NoError(t, err)
	assert.Equal(t, 2, stat.UsageCount)
	assert.Equal(t, []string{"contracts", "legal"}, stat.Topics)

	top, err := store.Usage().TopUsed(ctx, 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "turn_1", top[0].ItemID)
}

func TestJobsPendingUntilMarkedDone(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.Jobs().Insert(ctx, &SynthesisJob{ID: "job_1", Kind: "scribe", DayID: "2026-08-24", CreatedAt: now}))
	require.NoError(t, store.Jobs().Insert(ctx, &SynthesisJob{ID: "job_2", Kind: "scribe", DayID: "2026-08-24", CreatedAt: now.Add(time.Second)}))

	pending, err := store.Jobs().Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "job_1", pending[0].ID)

	require.NoError(t, store.Jobs().MarkDone(ctx, "job_1"))
	pending, err = store.Jobs().Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "job_2", pending[0].ID)
}

func TestVectorSearchRanksAndFilters(t *testing.T) {
	vectors := NewMemVectorStore()
	ctx := context.Background()

	require.NoError(t, vectors.UpsertMemory(ctx, &types.Memory{
		ID: "mem_close", TurnID: "t1", BlockID: "blk_1", Content: "x", Embedding: []float64{1, 0, 0},
	}))
	require.NoError(t, vectors.UpsertMemory(ctx, &types.Memory{
		ID: "mem_far", TurnID: "t2", BlockID: "blk_1", Content: "y", Embedding: []float64{0, 1, 0},
	}))
	require.NoError(t, vectors.UpsertMemory(ctx, &types.Memory{
		ID: "mem_other_block", TurnID: "t3", BlockID: "blk_2", Content: "z", Embedding: []float64{1, 0, 0},
	}))

	hits, err := vectors.SearchMemories(ctx, []float64{1, 0, 0}, 10, nil)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "mem_close", hits[0].ID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-9)

	filtered, err := vectors.SearchMemories(ctx, []float64{1, 0, 0}, 10, []string{"blk_2"})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "mem_other_block", filtered[0].ID)

	limited, err := vectors.SearchMemories(ctx, []float64{1, 0, 0}, 1, nil)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
