// Package facts implements the keyed fact store with supersession. For any
// key at most one row is ever non-superseded; storing a new value links the
// prior row to its successor, and removal inserts a tombstone successor.
package facts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"hmlr-memory/internal/logging"
	"hmlr-memory/internal/storage"
	"hmlr-memory/pkg/types"
)

// StoreInput describes one fact to persist.
type StoreInput struct {
	Key             string
	Value           string
	Category        types.FactCategory
	BlockID         string
	TurnID          string
	EvidenceSnippet string
	SourceChunkID   string
	Confidence      float64
}

// Service provides fact operations over the document store. Supersession
// updates for one key are serialized through a per-key lock since the
// underlying store only offers single-row mutations.
type Service struct {
	store  storage.FactStore
	logger logging.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewService creates the fact service.
func NewService(store storage.FactStore) *Service {
	return &Service{
		store:  store,
		logger: logging.WithComponent("facts"),
		locks:  make(map[string]*sync.Mutex),
	}
}

func (s *Service) keyLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// Get returns the newest non-superseded fact for key, or nil when none
// exists.
func (s *Service) Get(ctx context.Context, key string) (*types.Fact, error) {
	fact, err := s.store.GetActiveByKey(ctx, key)
	if errors.Is(err, types.ErrNotFound) {
		return nil, nil
	}
	return fact, err
}

// GetByBlock returns all facts for a block, newest first.
func (s *Service) GetByBlock(ctx context.Context, blockID string) ([]*types.Fact, error) {
	return s.store.GetByBlock(ctx, blockID)
}

// GetByCategory returns non-superseded facts for a category.
func (s *Service) GetByCategory(ctx context.Context, category types.FactCategory) ([]*types.Fact, error) {
	return s.store.GetActiveByCategory(ctx, category)
}

// SearchByKeyPrefix returns non-superseded facts whose key starts with
// prefix, case-insensitive.
func (s *Service) SearchByKeyPrefix(ctx context.Context, prefix string) ([]*types.Fact, error) {
	return s.store.SearchActiveByKeyPrefix(ctx, prefix)
}

// Store inserts a fact and supersedes any prior rows with the same key.
// Returns the new fact.
func (s *Service) Store(ctx context.Context, in StoreInput) (*types.Fact, error) {
	if in.Key == "" {
		return nil, errors.New("fact key cannot be empty")
	}
	if in.Confidence == 0 {
		in.Confidence = 1.0
	}

	lock := s.keyLock(in.Key)
	lock.Lock()
	defer lock.Unlock()

	fact := &types.Fact{
		ID:              types.NewFactID(),
		Key:             in.Key,
		Value:           in.Value,
		Category:        in.Category,
		BlockID:         in.BlockID,
		TurnID:          in.TurnID,
		EvidenceSnippet: in.EvidenceSnippet,
		SourceChunkID:   in.SourceChunkID,
		Confidence:      in.Confidence,
		CreatedAt:       time.Now().UTC(),
	}
	// Supersede every previously active row before the successor is
	// visible, so readers never see two active facts for one key.
	prior, err := s.store.GetAllByKey(ctx, in.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to load supersession chain for %s: %w", in.Key, err)
	}
	for _, p := range prior {
		if p.SupersededBy != "" {
			continue
		}
		if err := s.store.MarkSuperseded(ctx, p.ID, fact.ID); err != nil {
			return nil, fmt.Errorf("failed to supersede fact %s: %w", p.ID, err)
		}
	}

	if err := s.store.Insert(ctx, fact); err != nil {
		return nil, fmt.Errorf("failed to store fact %s: %w", in.Key, err)
	}

	s.logger.DebugContext(ctx, "fact stored", "key", in.Key, "id", fact.ID)
	return fact, nil
}

// StoreBatch stores facts in order, returning those persisted. Individual
// failures abort the batch.
func (s *Service) StoreBatch(ctx context.Context, inputs []StoreInput) ([]*types.Fact, error) {
	out := make([]*types.Fact, 0, len(inputs))
	for _, in := range inputs {
		fact, err := s.Store(ctx, in)
		if err != nil {
			return out, err
		}
		out = append(out, fact)
	}
	return out, nil
}

// Remove soft-deletes a fact by inserting a tombstone successor. No-op when
// the target is already superseded.
func (s *Service) Remove(ctx context.Context, factID string) error {
	target, err := s.store.Get(ctx, factID)
	if errors.Is(err, types.ErrNotFound) {
		return types.ErrNotFound
	}
	if err != nil {
		return err
	}

	lock := s.keyLock(target.Key)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock; a concurrent store may have superseded it.
	target, err = s.store.Get(ctx, factID)
	if err != nil {
		return err
	}
	if target.SupersededBy != "" {
		return nil
	}

	tombstone := &types.Fact{
		ID:         types.NewFactID(),
		Key:        target.Key,
		Value:      types.DeletedValue,
		Category:   target.Category,
		BlockID:    target.BlockID,
		TurnID:     target.TurnID,
		Confidence: 1.0,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.MarkSuperseded(ctx, target.ID, tombstone.ID); err != nil {
		return fmt.Errorf("failed to link tombstone for %s: %w", factID, err)
	}
	if err := s.store.Insert(ctx, tombstone); err != nil {
		return fmt.Errorf("failed to insert tombstone for %s: %w", factID, err)
	}
	s.logger.DebugContext(ctx, "fact removed", "key", target.Key, "id", factID)
	return nil
}

// UpdateBlockID patches blockID onto every fact extracted from a turn.
// Used when fact extraction finished before routing.
func (s *Service) UpdateBlockID(ctx context.Context, turnID, blockID string) error {
	return s.store.PatchBlockID(ctx, turnID, blockID)
}

// GetAllActive returns every non-superseded fact.
func (s *Service) GetAllActive(ctx context.Context) ([]*types.Fact, error) {
	return s.store.GetActive(ctx)
}
