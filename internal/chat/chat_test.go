package chat

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hmlr-memory/internal/blocks"
	"hmlr-memory/internal/config"
	"hmlr-memory/internal/facts"
	"hmlr-memory/internal/governor"
	"hmlr-memory/internal/lineage"
	"hmlr-memory/internal/retrieval"
	"hmlr-memory/internal/scrubber"
	"hmlr-memory/internal/storage"
	"hmlr-memory/pkg/types"
)

// stubLLM dispatches on the system prompt: the governor and scrubber use
// the fast path, the main completion uses Complete.
type stubLLM struct {
	routeJSON  string
	filterJSON string
	factsJSON  string
	answer     string
	answerErr  error
}

func (s *stubLLM) Complete(ctx context.Context, system, user string) (string, error) {
	return s.answer, s.answerErr
}

func (s *stubLLM) CompleteFast(ctx context.Context, system, user string) (string, error) {
	switch {
	case strings.Contains(system, "route conversation queries"):
		return s.routeJSON, nil
	case strings.Contains(system, "filter retrieved memories"):
		return s.filterJSON, nil
	case strings.Contains(system, "durable facts"):
		return s.factsJSON, nil
	default:
		return "{}", nil
	}
}

type stubEmbedder struct{}

func (stubEmbedder) GenerateEmbedding(ctx context.Context, text string) ([]float64, error) {
	return []float64{1, 0, 0}, nil
}

func (stubEmbedder) GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i := range texts {
		out[i] = []float64{1, 0, 0}
	}
	return out, nil
}

func (stubEmbedder) GetDimension() int                     { return 3 }
func (stubEmbedder) GetModel() string                      { return "stub" }
func (stubEmbedder) HealthCheck(ctx context.Context) error { return nil }

type captureScheduler struct {
	jobs []*storage.SynthesisJob
}

func (c *captureScheduler) Schedule(ctx context.Context, job *storage.SynthesisJob) error {
	c.jobs = append(c.jobs, job)
	return nil
}

func newTestOrchestrator(llm *stubLLM) (*Orchestrator, *storage.MemStore, *captureScheduler) {
	cfg := config.DefaultConfig()
	store := storage.NewMemStore()
	vectors := storage.NewMemVectorStore()

	blockMgr := blocks.NewManager(store.Blocks(), store.Turns(), llm)
	factSvc := facts.NewService(store.Facts())
	retrievalSvc := retrieval.NewService(cfg.Retrieval, store.Memories(), store.Chunks(),
		store.Facts(), store.Blocks(), vectors)
	gov := governor.New(blockMgr, retrievalSvc, factSvc, llm)
	scheduler := &captureScheduler{}

	o := NewOrchestrator(cfg, store, vectors, stubEmbedder{}, llm, gov, blockMgr, factSvc,
		scrubber.New(llm), lineage.NewTracker(store.Lineage()), Options{Scheduler: scheduler})
	return o, store, scheduler
}

func defaultLLM() *stubLLM {
	return &stubLLM{
		routeJSON:  `{"isNewTopic": true, "suggestedLabel": "Contracts"}`,
		filterJSON: `{"relevantIndices": [], "reasoning": "none"}`,
		factsJSON:  `[]`,
		answer:     "Happy to help with that contract.",
	}
}

func TestSendMessageFirstOfDay(t *testing.T) {
	llm := defaultLLM()
	o, store, scheduler := newTestOrchestrator(llm)
	ctx := context.Background()

	resp, err := o.SendMessage(ctx, "I need help reviewing a consulting contract.")
	require.NoError(t, err)

	assert.Equal(t, ScenarioFirstBlock, resp.Scenario)
	assert.True(t, resp.IsNewTopic)
	assert.NotEmpty(t, resp.BlockID)
	assert.NotEmpty(t, resp.TurnID)
	assert.Equal(t, llm.answer, resp.Response)
	assert.Greater(t, resp.ChunksCreated, 0)

	// The new block is the single ACTIVE block of the day.
	block, err := store.Blocks().Get(ctx, resp.BlockID)
	require.NoError(t, err)
	assert.Equal(t, types.BlockStatusActive, block.Status)
	assert.Equal(t, 1, block.TurnCount)

	// Turn, memory and vector row all landed.
	turn, err := store.Turns().Get(ctx, resp.TurnID)
	require.NoError(t, err)
	assert.Equal(t, resp.BlockID, turn.BlockID)
	assert.Contains(t, turn.Keywords, "contract")

	memory, err := store.Memories().Get(ctx, types.MemoryIDForTurn(resp.TurnID))
	require.NoError(t, err)
	assert.Contains(t, memory.Content, "User: I need help")
	assert.Contains(t, memory.Content, "Assistant: Happy to help")

	// Chunks were patched onto the routed block.
	chunks, err := store.Chunks().GetByTurn(ctx, resp.TurnID)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	for _, chunk := range chunks {
		assert.Equal(t, resp.BlockID, chunk.BlockID)
	}

	// Lineage edges for the turn and its memory.
	tracker := lineage.NewTracker(store.Lineage())
	ancestors, err := tracker.GetAncestors(ctx, types.MemoryIDForTurn(resp.TurnID), 0)
	require.NoError(t, err)
	assert.Contains(t, ancestors, resp.TurnID)
	assert.Contains(t, ancestors, resp.BlockID)

	// Scribe job scheduled.
	require.Len(t, scheduler.jobs, 1)
	assert.Equal(t, "scribe", scheduler.jobs[0].Kind)
}

func TestSendMessageContinuation(t *testing.T) {
	llm := defaultLLM()
	o, _, _ := newTestOrchestrator(llm)
	ctx := context.Background()

	first, err := o.SendMessage(ctx, "I need help reviewing a consulting contract.")
	require.NoError(t, err)

	llm.routeJSON = `{"matchedBlockId": "` + first.BlockID + `", "isNewTopic": false}`
	second, err := o.SendMessage(ctx, "What about the termination clause in it?")
	require.NoError(t, err)

	assert.Equal(t, ScenarioContinuation, second.Scenario)
	assert.False(t, second.IsNewTopic)
	assert.Equal(t, first.BlockID, second.BlockID)
}

func TestSendMessageTopicShift(t *testing.T) {
	llm := defaultLLM()
	o, store, _ := newTestOrchestrator(llm)
	ctx := context.Background()

	first, err := o.SendMessage(ctx, "I need help reviewing a consulting contract.")
	require.NoError(t, err)

	llm.routeJSON = `{"isNewTopic": true, "suggestedLabel": "Pasta Cooking"}`
	second, err := o.SendMessage(ctx, "Let's talk about cooking pasta instead.")
	require.NoError(t, err)

	assert.Equal(t, ScenarioTopicShift, second.Scenario)
	assert.NotEqual(t, first.BlockID, second.BlockID)
	assert.Equal(t, "Pasta Cooking", second.TopicLabel)

	// The previous block was paused with a summary.
	old, err := store.Blocks().Get(ctx, first.BlockID)
	require.NoError(t, err)
	assert.Equal(t, types.BlockStatusPaused, old.Status)
	assert.NotEmpty(t, old.Summary)
}

func TestSendMessageResumption(t *testing.T) {
	llm := defaultLLM()
	o, store, _ := newTestOrchestrator(llm)
	ctx := context.Background()

	first, err := o.SendMessage(ctx, "I need help reviewing a consulting contract.")
	require.NoError(t, err)

	llm.routeJSON = `{"isNewTopic": true, "suggestedLabel": "Pasta Cooking"}`
	second, err := o.SendMessage(ctx, "Let's talk about cooking pasta instead.")
	require.NoError(t, err)

	llm.routeJSON = `{"matchedBlockId": "` + first.BlockID + `", "isNewTopic": false}`
	third, err := o.SendMessage(ctx, "Back to that contract, what did we decide?")
	require.NoError(t, err)

	assert.Equal(t, ScenarioResumption, third.Scenario)
	assert.Equal(t, first.BlockID, third.BlockID)

	resumed, err := store.Blocks().Get(ctx, first.BlockID)
	require.NoError(t, err)
	assert.Equal(t, types.BlockStatusActive, resumed.Status)

	paused, err := store.Blocks().Get(ctx, second.BlockID)
	require.NoError(t, err)
	assert.Equal(t, types.BlockStatusPaused, paused.Status)
}

func TestSendMessageExtractsFacts(t *testing.T) {
	llm := defaultLLM()
	llm.factsJSON = `[{"key": "wife", "value": "Sarah", "category": "contact", "confidence": 0.9}]`
	o, store, _ := newTestOrchestrator(llm)
	ctx := context.Background()

	resp, err := o.SendMessage(ctx, "My wife Sarah signed the consulting contract yesterday.")
	require.NoError(t, err)
	assert.Equal(t, 1, resp.FactsExtracted)

	fact, err := store.Facts().GetActiveByKey(ctx, "wife")
	require.NoError(t, err)
	assert.Equal(t, "Sarah", fact.Value)
	assert.Equal(t, resp.TurnID, fact.TurnID)
	assert.Equal(t, resp.BlockID, fact.BlockID)
}

func TestSendMessageMetadataMerge(t *testing.T) {
	llm := defaultLLM()
	llm.answer = "Sure, here is the summary.\n```json\n" +
		`{"topic_label": "Contract Review", "keywords": ["contract", "review"], "summary": "Reviewing a consulting contract.", "affect": "curious"}` +
		"\n```"
	o, store, _ := newTestOrchestrator(llm)
	ctx := context.Background()

	resp, err := o.SendMessage(ctx, "I need help reviewing a consulting contract.")
	require.NoError(t, err)

	assert.Equal(t, "Sure, here is the summary.", resp.Response)
	assert.Equal(t, "Contract Review", resp.TopicLabel)

	block, err := store.Blocks().Get(ctx, resp.BlockID)
	require.NoError(t, err)
	assert.Equal(t, "Contract Review", block.TopicLabel)
	assert.Contains(t, block.Keywords, "review")
	assert.Equal(t, "Reviewing a consulting contract.", block.Summary)

	turn, err := store.Turns().Get(ctx, resp.TurnID)
	require.NoError(t, err)
	assert.Equal(t, types.AffectCurious, turn.Affect)
}

func TestSendMessageLLMFailureIsFatal(t *testing.T) {
	llm := defaultLLM()
	llm.answerErr = errors.New("model down")
	o, store, _ := newTestOrchestrator(llm)
	ctx := context.Background()

	_, err := o.SendMessage(ctx, "I need help reviewing a consulting contract.")
	require.Error(t, err)
	var stepError *StepError
	require.ErrorAs(t, err, &stepError)
	assert.Equal(t, StepLLM, stepError.Step)

	// The turn never landed.
	turns, err := store.Turns().GetWindowByDay(ctx, types.FormatDayID(time.Now()))
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestParseResponseMetadata(t *testing.T) {
	meta, cleaned := parseResponseMetadata("Answer text.\n```json\n{\"affect\": \"calm\"}\n```")
	require.NotNil(t, meta)
	assert.Equal(t, "calm", meta.Affect)
	assert.Equal(t, "Answer text.", cleaned)

	meta, cleaned = parseResponseMetadata("No metadata here.")
	assert.Nil(t, meta)
	assert.Equal(t, "No metadata here.", cleaned)

	meta, cleaned = parseResponseMetadata("Bad fence.\n```json\nnot json\n```")
	assert.Nil(t, meta)
	assert.Equal(t, "Bad fence.", cleaned)
}
