// Package storage provides the persistence contracts for the HMLR engine:
// typed document stores backed by database/sql and a qdrant-backed vector
// index for memories and chunks.
package storage

import (
	"context"
	"time"

	"hmlr-memory/pkg/types"
)

// BlockStore persists bridge blocks.
type BlockStore interface {
	Insert(ctx context.Context, block *types.BridgeBlock) error
	Get(ctx context.Context, id string) (*types.BridgeBlock, error)
	// GetByDay returns blocks for a day, newest updatedAt first.
	GetByDay(ctx context.Context, dayID string) ([]*types.BridgeBlock, error)
	// GetByStatus returns blocks in the given status across all days.
	GetByStatus(ctx context.Context, status types.BlockStatus) ([]*types.BridgeBlock, error)
	// GetByDayAndStatus returns blocks for a day in the given status.
	GetByDayAndStatus(ctx context.Context, dayID string, status types.BlockStatus) ([]*types.BridgeBlock, error)
	Update(ctx context.Context, block *types.BridgeBlock) error
}

// TurnStore persists turns. Turns are append-only; the only mutation is the
// sliding-window eviction marker.
type TurnStore interface {
	Insert(ctx context.Context, turn *types.Turn) error
	Get(ctx context.Context, id string) (*types.Turn, error)
	// GetByBlock returns a block's turns in ascending timestamp order.
	GetByBlock(ctx context.Context, blockID string) ([]*types.Turn, error)
	// GetWindowByDay returns the day's non-evicted turns, ascending timestamp.
	GetWindowByDay(ctx context.Context, dayID string) ([]*types.Turn, error)
	// MarkEvicted removes a turn from the sliding window.
	MarkEvicted(ctx context.Context, turnID string) error
	// CountByBlock returns the number of turns referencing a block.
	CountByBlock(ctx context.Context, blockID string) (int, error)
}

// FactStore persists facts and their supersession chains. Supersession
// atomicity is the responsibility of the caller (per-key lock in
// internal/facts); the store only offers the primitive mutations.
type FactStore interface {
	Insert(ctx context.Context, fact *types.Fact) error
	Get(ctx context.Context, id string) (*types.Fact, error)
	// GetActiveByKey returns the newest non-superseded fact for key, or
	// types.ErrNotFound.
	GetActiveByKey(ctx context.Context, key string) (*types.Fact, error)
	// GetAllByKey returns every row for a key, newest first.
	GetAllByKey(ctx context.Context, key string) ([]*types.Fact, error)
	// GetByBlock returns all facts for a block, newest first.
	GetByBlock(ctx context.Context, blockID string) ([]*types.Fact, error)
	// GetActiveByCategory returns non-superseded facts for a category.
	GetActiveByCategory(ctx context.Context, category types.FactCategory) ([]*types.Fact, error)
	// SearchActiveByKeyPrefix returns non-superseded facts whose key starts
	// with prefix, case-insensitive.
	SearchActiveByKeyPrefix(ctx context.Context, prefix string) ([]*types.Fact, error)
	// GetActive returns all non-superseded facts.
	GetActive(ctx context.Context) ([]*types.Fact, error)
	// MarkSuperseded links a fact to its successor.
	MarkSuperseded(ctx context.Context, id, successorID string) error
	// PatchBlockID sets blockID on every fact with the given turnID.
	PatchBlockID(ctx context.Context, turnID, blockID string) error
}

// MemoryStore persists memory rows. Embeddings live in the vector index;
// the document row carries only the content and references.
type MemoryStore interface {
	Insert(ctx context.Context, memory *types.Memory) error
	Get(ctx context.Context, id string) (*types.Memory, error)
	GetByTurn(ctx context.Context, turnID string) ([]*types.Memory, error)
	GetByBlock(ctx context.Context, blockID string) ([]*types.Memory, error)
	// GetAll returns every memory row, used by lexical search.
	GetAll(ctx context.Context) ([]*types.Memory, error)
}

// ChunkStore persists chunk rows.
type ChunkStore interface {
	Insert(ctx context.Context, chunk *types.Chunk) error
	Get(ctx context.Context, id string) (*types.Chunk, error)
	GetByTurn(ctx context.Context, turnID string) ([]*types.Chunk, error)
	GetByBlock(ctx context.Context, blockID string) ([]*types.Chunk, error)
	GetAll(ctx context.Context) ([]*types.Chunk, error)
	// PatchBlockID sets blockID on every chunk with the given turnID.
	PatchBlockID(ctx context.Context, turnID, blockID string) error
}

// UsageStore tracks per-item retrieval accounting.
type UsageStore interface {
	// Bump upserts the stat row, incrementing usage and merging topics.
	Bump(ctx context.Context, itemID, itemType string, topics []string) error
	Get(ctx context.Context, itemID string) (*types.UsageStat, error)
	TopUsed(ctx context.Context, limit int) ([]*types.UsageStat, error)
}

// LineageStore persists derivation edges.
type LineageStore interface {
	Upsert(ctx context.Context, edge *types.LineageEdge) error
	Get(ctx context.Context, itemID string) (*types.LineageEdge, error)
	GetByType(ctx context.Context, itemType types.LineageItemType) ([]*types.LineageEdge, error)
	All(ctx context.Context) ([]*types.LineageEdge, error)
}

// AffinityStore persists topic affinity aggregates.
type AffinityStore interface {
	Get(ctx context.Context, topic string) (*types.TopicAffinity, error)
	Upsert(ctx context.Context, affinity *types.TopicAffinity) error
	TopByEvictions(ctx context.Context, limit int) ([]*types.TopicAffinity, error)
}

// DebugLogStore records best-effort orchestrator diagnostics.
type DebugLogStore interface {
	Insert(ctx context.Context, log *types.DebugLog) error
}

// SynthesisJob is the outbox row written at turn commit.
type SynthesisJob struct {
	ID        string     `json:"id"`
	Kind      string     `json:"kind"` // scribe | day_synthesis | week_synthesis
	UserID    string     `json:"user_id,omitempty"`
	DayID     string     `json:"day_id,omitempty"`
	Payload   string     `json:"payload,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	DoneAt    *time.Time `json:"done_at,omitempty"`
}

// JobStore is the synthesis outbox.
type JobStore interface {
	Insert(ctx context.Context, job *SynthesisJob) error
	MarkDone(ctx context.Context, id string) error
	Pending(ctx context.Context, limit int) ([]*SynthesisJob, error)
}

// Store bundles every document collection plus lifecycle management.
type Store interface {
	Blocks() BlockStore
	Turns() TurnStore
	Facts() FactStore
	Memories() MemoryStore
	Chunks() ChunkStore
	Usage() UsageStore
	Lineage() LineageStore
	Affinity() AffinityStore
	DebugLogs() DebugLogStore
	Jobs() JobStore

	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error
	Close() error
}

// VectorHit is one vector search result.
type VectorHit struct {
	ID    string
	Score float64
}

// VectorStore is the cosine-similarity index over memories and chunks.
// Vectors must be unit-norm; scores are cosine similarity in [-1,1].
type VectorStore interface {
	Initialize(ctx context.Context) error
	UpsertMemory(ctx context.Context, memory *types.Memory) error
	UpsertChunk(ctx context.Context, chunk *types.Chunk) error
	SearchMemories(ctx context.Context, vector []float64, limit int, blockIDs []string) ([]VectorHit, error)
	SearchChunks(ctx context.Context, vector []float64, limit int, blockIDs []string) ([]VectorHit, error)
	HealthCheck(ctx context.Context) error
	Close() error
}
