package blocks

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hmlr-memory/internal/storage"
	"hmlr-memory/pkg/types"
)

func newTestManager() (*Manager, *storage.MemStore) {
	store := storage.NewMemStore()
	return NewManager(store.Blocks(), store.Turns(), nil), store
}

func TestCreatePausesPriorActive(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	first, err := m.Create(ctx, "2026-08-24", "contracts")
	require.NoError(t, err)
	assert.Equal(t, types.BlockStatusActive, first.Status)

	second, err := m.Create(ctx, "2026-08-24", "cooking")
	require.NoError(t, err)
	assert.Equal(t, types.BlockStatusActive, second.Status)

	reloaded, err := m.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BlockStatusPaused, reloaded.Status)

	active, err := m.GetActive(ctx, "2026-08-24")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, second.ID, active.ID)
}

func TestSingleActiveInvariant(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		b, err := m.Create(ctx, "2026-08-24", fmt.Sprintf("topic-%d", i))
		require.NoError(t, err)
		ids = append(ids, b.ID)
	}
	require.NoError(t, m.UpdateStatus(ctx, ids[1], types.BlockStatusActive))
	require.NoError(t, m.PauseWithSummary(ctx, ids[1]))
	require.NoError(t, m.UpdateStatus(ctx, ids[3], types.BlockStatusActive))

	blocksByDay, err := m.GetByDay(ctx, "2026-08-24")
	require.NoError(t, err)
	active := 0
	for _, b := range blocksByDay {
		if b.Status == types.BlockStatusActive {
			active++
		}
	}
	assert.Equal(t, 1, active)
}

func TestUpdateStatusActivationFlips(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	a, err := m.Create(ctx, "2026-08-24", "alpha")
	require.NoError(t, err)
	b, err := m.Create(ctx, "2026-08-24", "beta")
	require.NoError(t, err)

	require.NoError(t, m.UpdateStatus(ctx, a.ID, types.BlockStatusActive))

	ra, _ := m.Get(ctx, a.ID)
	rb, _ := m.Get(ctx, b.ID)
	assert.Equal(t, types.BlockStatusActive, ra.Status)
	assert.Equal(t, types.BlockStatusPaused, rb.Status)
}

func TestUpdateMetadataMergeAndClamp(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	b, err := m.Create(ctx, "2026-08-24", "alpha")
	require.NoError(t, err)

	require.NoError(t, m.UpdateMetadata(ctx, b.ID, MetadataUpdate{
		Summary:  "first summary",
		Keywords: []string{"contract", "law"},
	}))
	require.NoError(t, m.UpdateMetadata(ctx, b.ID, MetadataUpdate{
		Keywords:  []string{"law", "agreement", ""},
		OpenLoops: []string{"send draft"},
	}))

	got, err := m.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "first summary", got.Summary)
	assert.Equal(t, []string{"contract", "law", "agreement"}, got.Keywords)
	assert.Equal(t, []string{"send draft"}, got.OpenLoops)

	many := make([]string, 0, types.MaxKeywords+10)
	for i := 0; i < types.MaxKeywords+10; i++ {
		many = append(many, fmt.Sprintf("kw-%02d", i))
	}
	require.NoError(t, m.UpdateMetadata(ctx, b.ID, MetadataUpdate{Keywords: many}))
	got, err = m.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, got.Keywords, types.MaxKeywords)
	// Merge preserves earlier entries at their positions.
	assert.Equal(t, "contract", got.Keywords[0])
}

func TestAppendTurnBumpsCount(t *testing.T) {
	m, store := newTestManager()
	ctx := context.Background()

	b, err := m.Create(ctx, "2026-08-24", "alpha")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		turn := &types.Turn{
			ID:          fmt.Sprintf("turn_%d", i),
			BlockID:     b.ID,
			UserMessage: fmt.Sprintf("message %d", i),
			AIResponse:  "ok",
			Timestamp:   time.Now().UTC(),
		}
		require.NoError(t, m.AppendTurn(ctx, turn))
	}

	got, err := m.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.TurnCount)

	count, err := store.Turns().CountByBlock(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, got.TurnCount, count)
}

func TestGenerateSummaryHeuristic(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	b, err := m.Create(ctx, "2026-08-24", "alpha")
	require.NoError(t, err)

	_, err = m.GenerateSummary(ctx, b.ID)
	assert.Error(t, err, "no turns")

	require.NoError(t, m.AppendTurn(ctx, &types.Turn{
		ID: "turn_a", BlockID: b.ID, UserMessage: "What are the contract terms?",
		AIResponse: "ok", Timestamp: time.Now().UTC(),
	}))
	summary, err := m.GenerateSummary(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "What are the contract terms?", summary)

	require.NoError(t, m.AppendTurn(ctx, &types.Turn{
		ID: "turn_b", BlockID: b.ID, UserMessage: "And the payment schedule?",
		AIResponse: "ok", Timestamp: time.Now().UTC().Add(time.Second),
	}))
	summary, err = m.GenerateSummary(ctx, b.ID)
	require.NoError(t, err)
	assert.Contains(t, summary, "2 exchanges.")
	assert.Contains(t, summary, "Started with:")
	assert.Contains(t, summary, "Ended with:")
}

func TestPauseWithSummarySetsHeuristic(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	b, err := m.Create(ctx, "2026-08-24", "alpha")
	require.NoError(t, err)
	require.NoError(t, m.AppendTurn(ctx, &types.Turn{
		ID: "turn_a", BlockID: b.ID, UserMessage: "hello there friend",
		AIResponse: "hi", Timestamp: time.Now().UTC(),
	}))

	require.NoError(t, m.PauseWithSummary(ctx, b.ID))

	got, err := m.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BlockStatusPaused, got.Status)
	assert.Equal(t, "hello there friend", got.Summary)
}

func TestGetMetadataByDayLastActive(t *testing.T) {
	m, store := newTestManager()
	ctx := context.Background()

	a, err := m.Create(ctx, "2026-08-24", "alpha")
	require.NoError(t, err)
	b, err := m.Create(ctx, "2026-08-24", "beta")
	require.NoError(t, err)

	// Force identical updatedAt to exercise the tie-break.
	now := time.Now().UTC().Truncate(time.Second)
	for _, block := range []*types.BridgeBlock{a, b} {
		loaded, err := store.Blocks().Get(ctx, block.ID)
		require.NoError(t, err)
		loaded.UpdatedAt = now
		require.NoError(t, store.Blocks().Update(ctx, loaded))
	}

	meta, err := m.GetMetadataByDay(ctx, "2026-08-24")
	require.NoError(t, err)
	require.Len(t, meta, 2)

	winner := a.ID
	if b.ID > a.ID {
		winner = b.ID
	}
	for _, md := range meta {
		assert.Equal(t, md.ID == winner, md.IsLastActive)
	}
}

func TestExtractJSONObject(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare object", `{"a":1}`, `{"a":1}`},
		{"fenced", "```json\n{\"a\": {\"b\": 2}}\n```", `{"a": {"b": 2}}`},
		{"surrounding prose", `Sure! Here you go: {"x":"y"} Hope it helps.`, `{"x":"y"}`},
		{"braces in strings", `{"s":"{not a close}"}`, `{"s":"{not a close}"}`},
		{"no object", "nothing here", ""},
		{"unbalanced", `{"a":1`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractJSONObject(tt.in))
		})
	}
}
