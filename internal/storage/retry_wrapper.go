package storage

import (
	"context"

	"hmlr-memory/internal/retry"
	"hmlr-memory/pkg/types"
)

// RetryVectorStore wraps a VectorStore with retry on transient failures.
// Network blips against the vector index should not fail a turn.
type RetryVectorStore struct {
	inner   VectorStore
	retrier *retry.Retrier
}

// NewRetryVectorStore wraps store with the given retry config (nil for
// defaults).
func NewRetryVectorStore(store VectorStore, cfg *retry.Config) *RetryVectorStore {
	return &RetryVectorStore{inner: store, retrier: retry.New(cfg)}
}

func (r *RetryVectorStore) Initialize(ctx context.Context) error {
	return r.retrier.Do(ctx, func(ctx context.Context) error {
		return r.inner.Initialize(ctx)
	})
}

func (r *RetryVectorStore) UpsertMemory(ctx context.Context, m *types.Memory) error {
	return r.retrier.Do(ctx, func(ctx context.Context) error {
		return r.inner.UpsertMemory(ctx, m)
	})
}

func (r *RetryVectorStore) UpsertChunk(ctx context.Context, c *types.Chunk) error {
	return r.retrier.Do(ctx, func(ctx context.Context) error {
		return r.inner.UpsertChunk(ctx, c)
	})
}

func (r *RetryVectorStore) SearchMemories(ctx context.Context, vector []float64, limit int, blockIDs []string) ([]VectorHit, error) {
	var hits []VectorHit
	err := r.retrier.Do(ctx, func(ctx context.Context) error {
		var innerErr error
		hits, innerErr = r.inner.SearchMemories(ctx, vector, limit, blockIDs)
		return innerErr
	})
	return hits, err
}

func (r *RetryVectorStore) SearchChunks(ctx context.Context, vector []float64, limit int, blockIDs []string) ([]VectorHit, error) {
	var hits []VectorHit
	err := r.retrier.Do(ctx, func(ctx context.Context) error {
		var innerErr error
		hits, innerErr = r.inner.SearchChunks(ctx, vector, limit, blockIDs)
		return innerErr
	})
	return hits, err
}

func (r *RetryVectorStore) HealthCheck(ctx context.Context) error {
	return r.inner.HealthCheck(ctx)
}

func (r *RetryVectorStore) Close() error { return r.inner.Close() }
