package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hmlr-memory/internal/blocks"
	"hmlr-memory/internal/chat"
	"hmlr-memory/internal/config"
	"hmlr-memory/internal/facts"
	"hmlr-memory/internal/governor"
	"hmlr-memory/internal/lineage"
	"hmlr-memory/internal/retrieval"
	"hmlr-memory/internal/scrubber"
	"hmlr-memory/internal/storage"
	"hmlr-memory/pkg/types"
)

type stubLLM struct{}

func (stubLLM) Complete(ctx context.Context, system, user string) (string, error) {
	return "Assistant answer.", nil
}

func (stubLLM) CompleteFast(ctx context.Context, system, user string) (string, error) {
	switch {
	case strings.Contains(system, "route conversation queries"):
		return `{"isNewTopic": true, "suggestedLabel": "Testing"}`, nil
	case strings.Contains(system, "filter retrieved memories"):
		return `{"relevantIndices": []}`, nil
	default:
		return `[]`, nil
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

func newTestServer(t *testing.T) (*httptest.Server, *storage.MemStore, *storage.MemVectorStore) {
	t.Helper()
	cfg := config.DefaultConfig()
	store := storage.NewMemStore()
	vectors := storage.NewMemVectorStore()
	llm := stubLLM{}

	blockMgr := blocks.NewManager(store.Blocks(), store.Turns(), llm)
	factSvc := facts.NewService(store.Facts())
	retrievalSvc := retrieval.NewService(cfg.Retrieval, store.Memories(), store.Chunks(),
		store.Facts(), store.Blocks(), vectors)
	gov := governor.New(blockMgr, retrievalSvc, factSvc, llm)
	tracker := lineage.NewTracker(store.Lineage())

	orchestrator := chat.NewOrchestrator(cfg, store, vectors, stubEmbedder{}, llm, gov,
		blockMgr, factSvc, scrubber.New(llm), tracker, chat.Options{})

	router := NewRouter(cfg, orchestrator, retrievalSvc, stubEmbedder{}, blockMgr, factSvc,
		tracker, store, vectors)
	srv := httptest.NewServer(router.Handler())
	t.Cleanup(srv.Close)
	return srv, store, vectors
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	return resp.StatusCode
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t)

	var body SuccessResponse
	status := getJSON(t, srv.URL+"/healthz", &body)
	assert.Equal(t, http.StatusOK, status)

	data := body.Data.(map[string]interface{})
	assert.Equal(t, true, data["healthy"])
}

func TestSendMessageEndpoint(t *testing.T) {
	srv, store, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/v1/chat/message", "application/json",
		strings.NewReader(`{"message": "I need help reviewing a consulting contract."}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Data types.ChatResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "Assistant answer.", body.Data.Response)
	assert.NotEmpty(t, body.Data.BlockID)

	block, err := store.Blocks().Get(context.Background(), body.Data.BlockID)
	require.NoError(t, err)
	assert.Equal(t, types.BlockStatusActive, block.Status)
}

func TestSendMessageRejectsEmpty(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/v1/chat/message", "application/json",
		strings.NewReader(`{"message": "  "}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSearchEndpoint(t *testing.T) {
	srv, store, vectors := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, store.Blocks().Insert(ctx, &types.BridgeBlock{
		ID: "B1", DayID: "2026-08-24", TopicLabel: "contracts",
		Status: types.BlockStatusPaused, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))
	memory := &types.Memory{
		ID: "mem_1", TurnID: "t1", BlockID: "B1",
		Content:   "contract termination clause details",
		Embedding: []float64{1, 0, 0}, CreatedAt: time.Now(),
	}
	require.NoError(t, store.Memories().Insert(ctx, memory))
	require.NoError(t, vectors.UpsertMemory(ctx, memory))

	var body struct {
		Data struct {
			Count   int `json:"count"`
			Results []struct {
				Score float64 `json:"score"`
			} `json:"results"`
		} `json:"data"`
	}
	status := getJSON(t, srv.URL+"/api/v1/search?q=contract+termination", &body)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, body.Data.Count)
}

func TestSearchRequiresQuery(t *testing.T) {
	srv, _, _ := newTestServer(t)
	var body ErrorResponse
	status := getJSON(t, srv.URL+"/api/v1/search", &body)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, ErrorCodeBadRequest, body.Error.Code)
}

func TestBlockEndpoints(t *testing.T) {
	srv, store, _ := newTestServer(t)
	ctx := context.Background()
	dayID := types.FormatDayID(time.Now())

	require.NoError(t, store.Blocks().Insert(ctx, &types.BridgeBlock{
		ID: "B1", DayID: dayID, TopicLabel: "contracts",
		Status: types.BlockStatusActive, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))

	var list struct {
		Data struct {
			Blocks []types.BlockMetadata `json:"blocks"`
		} `json:"data"`
	}
	status := getJSON(t, srv.URL+"/api/v1/blocks", &list)
	assert.Equal(t, http.StatusOK, status)
	require.Len(t, list.Data.Blocks, 1)
	assert.Equal(t, "B1", list.Data.Blocks[0].ID)

	var one struct {
		Data types.BridgeBlock `json:"data"`
	}
	status = getJSON(t, srv.URL+"/api/v1/blocks/B1", &one)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "contracts", one.Data.TopicLabel)

	var missing ErrorResponse
	status = getJSON(t, srv.URL+"/api/v1/blocks/nope", &missing)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestFactEndpoints(t *testing.T) {
	srv, store, _ := newTestServer(t)
	ctx := context.Background()

	factSvc := facts.NewService(store.Facts())
	_, err := factSvc.Store(ctx, facts.StoreInput{
		Key: "wife", Value: "Sarah", Category: types.FactCategoryContact,
		BlockID: "B1", TurnID: "t1",
	})
	require.NoError(t, err)

	var one struct {
		Data types.Fact `json:"data"`
	}
	status := getJSON(t, srv.URL+"/api/v1/facts/wife", &one)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Sarah", one.Data.Value)

	var missing ErrorResponse
	status = getJSON(t, srv.URL+"/api/v1/facts/unknown", &missing)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestLineageEndpoints(t *testing.T) {
	srv, store, _ := newTestServer(t)
	ctx := context.Background()

	tracker := lineage.NewTracker(store.Lineage())
	require.NoError(t, tracker.RecordLineage(ctx, "turn_1", types.LineageItemTurn, []string{"blk_1"}, "chat.sendMessage"))
	require.NoError(t, tracker.RecordLineage(ctx, "blk_1", types.LineageItemBlock, nil, "chat.sendMessage"))

	var anc struct {
		Data struct {
			Items []string `json:"items"`
		} `json:"data"`
	}
	status := getJSON(t, srv.URL+"/api/v1/lineage/turn_1", &anc)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, []string{"blk_1"}, anc.Data.Items)

	var report struct {
		Data lineage.IntegrityReport `json:"data"`
	}
	status = getJSON(t, srv.URL+"/api/v1/lineage/validate", &report)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, report.Data.Valid)
}
