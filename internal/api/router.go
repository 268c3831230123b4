// Package api exposes the memory layer over HTTP: the chat endpoint plus
// read-only search and inspection routes. Handlers are thin; all behavior
// lives in the internal services.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"hmlr-memory/internal/blocks"
	"hmlr-memory/internal/chat"
	"hmlr-memory/internal/config"
	"hmlr-memory/internal/embeddings"
	"hmlr-memory/internal/facts"
	"hmlr-memory/internal/lineage"
	"hmlr-memory/internal/logging"
	"hmlr-memory/internal/retrieval"
	"hmlr-memory/internal/storage"
)

const requestSizeLimit = 1 << 20 // 1MB; chat messages, not uploads

// Router wires middleware and routes over the service layer.
type Router struct {
	cfg          *config.Config
	mux          *chi.Mux
	orchestrator *chat.Orchestrator
	retrieval    *retrieval.Service
	embedder     embeddings.EmbeddingService
	blocks       *blocks.Manager
	facts        *facts.Service
	lineage      *lineage.Tracker
	store        storage.Store
	vectors      storage.VectorStore
	logger       logging.Logger
}

// NewRouter builds the HTTP surface.
func NewRouter(cfg *config.Config, orchestrator *chat.Orchestrator, retrievalSvc *retrieval.Service,
	embedder embeddings.EmbeddingService, blockMgr *blocks.Manager, factSvc *facts.Service,
	lin *lineage.Tracker, store storage.Store, vectors storage.VectorStore) *Router {
	r := &Router{
		cfg:          cfg,
		mux:          chi.NewRouter(),
		orchestrator: orchestrator,
		retrieval:    retrievalSvc,
		embedder:     embedder,
		blocks:       blockMgr,
		facts:        factSvc,
		lineage:      lin,
		store:        store,
		vectors:      vectors,
		logger:       logging.WithComponent("api"),
	}
	r.setupMiddleware()
	r.setupRoutes()
	return r
}

// Handler returns the http handler.
func (r *Router) Handler() http.Handler {
	return r.mux
}

func (r *Router) setupMiddleware() {
	r.mux.Use(chimiddleware.Recoverer)
	r.mux.Use(chimiddleware.RequestID)
	r.mux.Use(chimiddleware.RealIP)
	r.mux.Use(r.requestLogger)
	r.mux.Use(chimiddleware.Timeout(90 * time.Second))
	r.mux.Use(chimiddleware.RequestSize(requestSizeLimit))
	r.mux.Use(chimiddleware.Heartbeat("/ping"))
}

// requestLogger logs one line per request with the chi request id.
func (r *Router) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, req.ProtoMajor)
		next.ServeHTTP(ww, req)
		r.logger.WithTraceID(chimiddleware.GetReqID(req.Context())).Info("request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (r *Router) setupRoutes() {
	r.mux.Get("/healthz", r.handleHealth)

	r.mux.Route("/api/v1", func(rtr chi.Router) {
		rtr.Get("/health", r.handleHealth)

		rtr.Post("/chat/message", r.handleSendMessage)

		rtr.Get("/search", r.handleSearch)

		rtr.Get("/blocks", r.handleListBlocks)
		rtr.Get("/blocks/{id}", r.handleGetBlock)
		rtr.Get("/blocks/{id}/turns", r.handleGetBlockTurns)

		rtr.Get("/facts", r.handleListFacts)
		rtr.Get("/facts/{key}", r.handleGetFact)

		rtr.Get("/lineage/validate", r.handleValidateLineage)
		rtr.Get("/lineage/{id}", r.handleGetLineage)

		rtr.Get("/usage/top", r.handleTopUsage)
	})
}
