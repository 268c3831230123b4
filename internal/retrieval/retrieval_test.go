package retrieval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hmlr-memory/internal/config"
	"hmlr-memory/internal/storage"
	"hmlr-memory/pkg/types"
)

func testConfig() config.RetrievalConfig {
	return config.RetrievalConfig{
		VectorWeight:          0.7,
		LexicalWeight:         0.3,
		HybridMinScore:        0.3,
		TopK:                  10,
		GardenedMinSimilarity: 0.4,
		ExcludeCurrentDay:     true,
	}
}

func newTestService(cfg config.RetrievalConfig) (*Service, *storage.MemStore, *storage.MemVectorStore) {
	store := storage.NewMemStore()
	vectors := storage.NewMemVectorStore()
	svc := NewService(cfg, store.Memories(), store.Chunks(), store.Facts(), store.Blocks(), vectors)
	return svc, store, vectors
}

func addMemory(t *testing.T, store *storage.MemStore, vectors *storage.MemVectorStore, id, blockID, content string, embedding []float64, createdAt time.Time) {
	t.Helper()
	m := &types.Memory{
		ID: id, TurnID: "turn_" + id, BlockID: blockID,
		Content: content, Embedding: embedding, CreatedAt: createdAt,
	}
	require.NoError(t, store.Memories().Insert(context.Background(), m))
	require.NoError(t, vectors.UpsertMemory(context.Background(), m))
}

func addBlock(t *testing.T, store *storage.MemStore, id, dayID string, keywords []string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, store.Blocks().Insert(context.Background(), &types.BridgeBlock{
		ID: id, DayID: dayID, Status: types.BlockStatusPaused,
		Keywords: keywords, CreatedAt: now, UpdatedAt: now,
	}))
}

func TestLexicalScore(t *testing.T) {
	terms := ExtractQueryTerms("tell me about the contract details")
	require.Equal(t, []string{"tell", "contract", "details"}, terms)

	score, matched := LexicalScore("The contract details were finalized yesterday", terms)
	assert.InDelta(t, 2.0/3.0, score, 1e-9)
	assert.Equal(t, []string{"contract", "details"}, matched)

	score, matched = LexicalScore("nothing relevant here", terms)
	assert.Zero(t, score)
	assert.Empty(t, matched)
}

func TestLexicalScoreSubstringFallback(t *testing.T) {
	score, matched := LexicalScore("the contracts were signed", []string{"contract"})
	assert.Equal(t, 1.0, score)
	assert.Equal(t, []string{"contract"}, matched)
}

func TestHybridSearch(t *testing.T) {
	svc, store, vectors := newTestService(testConfig())
	ctx := context.Background()
	now := time.Now().UTC()

	addBlock(t, store, "B1", "2026-08-20", nil)
	addMemory(t, store, vectors, "mem_close", "B1",
		"User: contract terms\nAssistant: outlined", []float64{1, 0, 0, 0}, now)
	addMemory(t, store, vectors, "mem_far", "B1",
		"User: pasta recipe\nAssistant: boil water", []float64{0, 1, 0, 0}, now)

	got, err := svc.HybridSearchMemories(ctx, "contract terms", []float64{1, 0, 0, 0})
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, "mem_close", got[0].Memory.ID)
	// vector 1.0 * 0.7 + lexical 1.0 * 0.3
	assert.InDelta(t, 1.0, got[0].Score, 1e-9)

	for _, sm := range got {
		assert.GreaterOrEqual(t, sm.Score, 0.3)
	}
}

func TestHybridWeightMonotonicity(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	build := func(cfg config.RetrievalConfig) []*types.ScoredMemory {
		svc, store, vectors := newTestService(cfg)
		addBlock(t, store, "B1", "2026-08-20", nil)
		// High vector score, no lexical overlap.
		addMemory(t, store, vectors, "mem_vec", "B1",
			"completely unrelated words", []float64{1, 0, 0, 0}, now)
		// Moderate vector score, full lexical overlap.
		addMemory(t, store, vectors, "mem_lex", "B1",
			"contract terms outlined", []float64{0.8, 0.6, 0, 0}, now)
		got, err := svc.HybridSearchMemories(ctx, "contract terms", []float64{1, 0, 0, 0})
		require.NoError(t, err)
		require.NotEmpty(t, got)
		return got
	}

	vecHeavy := testConfig()
	vecHeavy.VectorWeight, vecHeavy.LexicalWeight = 0.9, 0.1
	assert.Equal(t, "mem_vec", build(vecHeavy)[0].Memory.ID)

	lexHeavy := testConfig()
	lexHeavy.VectorWeight, lexHeavy.LexicalWeight = 0.1, 0.9
	assert.Equal(t, "mem_lex", build(lexHeavy)[0].Memory.ID)
}

func TestGardenedSearchExcludesCurrentDay(t *testing.T) {
	svc, store, vectors := newTestService(testConfig())
	ctx := context.Background()
	now := time.Now().UTC()

	addBlock(t, store, "B_today", "2026-08-24", []string{"contracts"})
	addBlock(t, store, "B_past", "2026-08-20", []string{"law", "agreement"})
	addMemory(t, store, vectors, "mem_today", "B_today", "today's exchange", []float64{1, 0, 0, 0}, now)
	addMemory(t, store, vectors, "mem_past", "B_past", "an older exchange", []float64{0.9, 0.1, 0, 0}, now.Add(-96*time.Hour))

	got, err := svc.GardenedSearch(ctx, []float64{1, 0, 0, 0}, "2026-08-24")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "mem_past", got[0].Memory.ID)
	assert.Equal(t, []string{"law", "agreement"}, got[0].GlobalTags)
	assert.Equal(t, types.ChunkTypeSentence, got[0].ChunkType)
}

func TestGardenedSearchIncludesCurrentDayWhenDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.ExcludeCurrentDay = false
	svc, store, vectors := newTestService(cfg)
	ctx := context.Background()

	addBlock(t, store, "B_today", "2026-08-24", nil)
	addMemory(t, store, vectors, "mem_today", "B_today", "today's exchange", []float64{1, 0, 0, 0}, time.Now().UTC())

	got, err := svc.GardenedSearch(ctx, []float64{1, 0, 0, 0}, "2026-08-24")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestGardenedSearchMinSimilarity(t *testing.T) {
	svc, store, vectors := newTestService(testConfig())
	ctx := context.Background()

	addBlock(t, store, "B_past", "2026-08-20", nil)
	addMemory(t, store, vectors, "mem_far", "B_past", "distant content", []float64{0, 1, 0, 0}, time.Now().UTC())

	got, err := svc.GardenedSearch(ctx, []float64{1, 0, 0, 0}, "2026-08-24")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestClassifyByLength(t *testing.T) {
	short := "short sentence"
	medium := make([]byte, 300)
	long := make([]byte, 600)
	for i := range medium {
		medium[i] = 'a'
	}
	for i := range long {
		long[i] = 'a'
	}
	assert.Equal(t, types.ChunkTypeSentence, classifyByLength(short))
	assert.Equal(t, types.ChunkTypeParagraph, classifyByLength(string(medium)))
	assert.Equal(t, types.ChunkTypeTurn, classifyByLength(string(long)))
}

func TestSearchFactsSkipsDeleted(t *testing.T) {
	svc, store, _ := newTestService(testConfig())
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.Facts().Insert(ctx, &types.Fact{
		ID: "fact_1", Key: "HMLR", Value: "Hierarchical Memory Lookup & Routing",
		Confidence: 1, CreatedAt: now,
	}))
	require.NoError(t, store.Facts().Insert(ctx, &types.Fact{
		ID: "fact_2", Key: "old_key", Value: types.DeletedValue,
		Confidence: 1, CreatedAt: now,
	}))

	got, err := svc.SearchFacts(ctx, []string{"hmlr"}, "", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "fact_1", got[0].ID)
}
