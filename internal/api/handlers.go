package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"hmlr-memory/internal/chat"
	"hmlr-memory/pkg/types"
)

const defaultListLimit = 20

// handleHealth reports per-dependency status; 503 when any check fails.
func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	checks := map[string]string{
		"storage":  "ok",
		"vectors":  "ok",
		"embedder": "ok",
	}
	healthy := true
	if err := r.store.HealthCheck(ctx); err != nil {
		checks["storage"] = err.Error()
		healthy = false
	}
	if err := r.vectors.HealthCheck(ctx); err != nil {
		checks["vectors"] = err.Error()
		healthy = false
	}
	if err := r.embedder.HealthCheck(ctx); err != nil {
		checks["embedder"] = err.Error()
		healthy = false
	}
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	WriteSuccessStatus(w, status, map[string]interface{}{
		"healthy": healthy,
		"checks":  checks,
	})
}

type sendMessageRequest struct {
	Message string `json:"message"`
}

func (r *Router) handleSendMessage(w http.ResponseWriter, req *http.Request) {
	var body sendMessageRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, ErrorCodeBadRequest, "invalid JSON body", err.Error())
		return
	}
	if strings.TrimSpace(body.Message) == "" {
		WriteError(w, http.StatusBadRequest, ErrorCodeBadRequest, "message is required")
		return
	}

	resp, err := r.orchestrator.SendMessage(req.Context(), body.Message)
	if err != nil {
		var stepError *chat.StepError
		if errors.As(err, &stepError) {
			WriteError(w, http.StatusBadGateway, ErrorCodeUnavailable,
				"turn aborted at step "+stepError.Step, stepError.Err.Error())
			return
		}
		WriteError(w, http.StatusInternalServerError, ErrorCodeInternalError, "turn failed", err.Error())
		return
	}
	WriteSuccess(w, resp)
}

func (r *Router) handleSearch(w http.ResponseWriter, req *http.Request) {
	query := strings.TrimSpace(req.URL.Query().Get("q"))
	if query == "" {
		WriteError(w, http.StatusBadRequest, ErrorCodeBadRequest, "query parameter q is required")
		return
	}

	ctx := req.Context()
	embedding, err := r.embedder.GenerateEmbedding(ctx, query)
	if err != nil {
		WriteError(w, http.StatusBadGateway, ErrorCodeUnavailable, "embedding failed", err.Error())
		return
	}

	var results []*types.ScoredMemory
	switch req.URL.Query().Get("mode") {
	case "gardened":
		results, err = r.retrieval.GardenedSearch(ctx, embedding, types.FormatDayID(time.Now()))
	default:
		results, err = r.retrieval.HybridSearchMemories(ctx, query, embedding)
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, ErrorCodeInternalError, "search failed", err.Error())
		return
	}
	WriteSuccess(w, map[string]interface{}{
		"query":   query,
		"results": results,
		"count":   len(results),
	})
}

func (r *Router) handleListBlocks(w http.ResponseWriter, req *http.Request) {
	dayID := req.URL.Query().Get("day")
	if dayID == "" {
		dayID = types.FormatDayID(time.Now())
	}
	ledger, err := r.blocks.GetMetadataByDay(req.Context(), dayID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, ErrorCodeInternalError, "failed to load blocks", err.Error())
		return
	}
	WriteSuccess(w, map[string]interface{}{"day_id": dayID, "blocks": ledger})
}

func (r *Router) handleGetBlock(w http.ResponseWriter, req *http.Request) {
	id := chi.URLParam(req, "id")
	block, err := r.blocks.Get(req.Context(), id)
	if errors.Is(err, types.ErrNotFound) {
		WriteError(w, http.StatusNotFound, ErrorCodeNotFound, "block not found")
		return
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, ErrorCodeInternalError, "failed to load block", err.Error())
		return
	}
	WriteSuccess(w, block)
}

func (r *Router) handleGetBlockTurns(w http.ResponseWriter, req *http.Request) {
	id := chi.URLParam(req, "id")
	turns, err := r.blocks.GetTurns(req.Context(), id)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, ErrorCodeInternalError, "failed to load turns", err.Error())
		return
	}
	WriteSuccess(w, map[string]interface{}{"block_id": id, "turns": turns})
}

func (r *Router) handleListFacts(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	prefix := req.URL.Query().Get("prefix")

	var (
		result []*types.Fact
		err    error
	)
	if prefix != "" {
		result, err = r.facts.SearchByKeyPrefix(ctx, prefix)
	} else {
		result, err = r.facts.GetAllActive(ctx)
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, ErrorCodeInternalError, "failed to load facts", err.Error())
		return
	}
	WriteSuccess(w, map[string]interface{}{"facts": result, "count": len(result)})
}

func (r *Router) handleGetFact(w http.ResponseWriter, req *http.Request) {
	key := chi.URLParam(req, "key")
	fact, err := r.facts.Get(req.Context(), key)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, ErrorCodeInternalError, "failed to load fact", err.Error())
		return
	}
	if fact == nil || fact.IsDeleted() {
		WriteError(w, http.StatusNotFound, ErrorCodeNotFound, "fact not found")
		return
	}
	WriteSuccess(w, fact)
}

func (r *Router) handleGetLineage(w http.ResponseWriter, req *http.Request) {
	id := chi.URLParam(req, "id")
	depth := intQuery(req, "depth", 0)

	var (
		items []string
		err   error
	)
	direction := req.URL.Query().Get("direction")
	switch direction {
	case "descendants":
		items, err = r.lineage.GetDescendants(req.Context(), id, depth)
	default:
		direction = "ancestors"
		items, err = r.lineage.GetAncestors(req.Context(), id, depth)
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, ErrorCodeInternalError, "lineage traversal failed", err.Error())
		return
	}
	WriteSuccess(w, map[string]interface{}{
		"item_id":   id,
		"direction": direction,
		"items":     items,
	})
}

func (r *Router) handleValidateLineage(w http.ResponseWriter, req *http.Request) {
	report, err := r.lineage.ValidateIntegrity(req.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, ErrorCodeInternalError, "lineage validation failed", err.Error())
		return
	}
	WriteSuccess(w, report)
}

func (r *Router) handleTopUsage(w http.ResponseWriter, req *http.Request) {
	limit := intQuery(req, "limit", defaultListLimit)
	stats, err := r.store.Usage().TopUsed(req.Context(), limit)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, ErrorCodeInternalError, "failed to load usage stats", err.Error())
		return
	}
	WriteSuccess(w, map[string]interface{}{"stats": stats, "count": len(stats)})
}

func intQuery(req *http.Request, name string, fallback int) int {
	raw := req.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}
