// Package retrieval implements lexical, semantic and hybrid search over
// memories, chunks and facts, plus the gardened search used for long-term
// recall across prior days.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"hmlr-memory/internal/chunking"
	"hmlr-memory/internal/config"
	"hmlr-memory/internal/logging"
	"hmlr-memory/internal/storage"
	"hmlr-memory/pkg/types"
)

// Service provides the retrieval surface.
type Service struct {
	cfg      config.RetrievalConfig
	memories storage.MemoryStore
	chunks   storage.ChunkStore
	facts    storage.FactStore
	blocks   storage.BlockStore
	vectors  storage.VectorStore
	logger   logging.Logger
}

// NewService creates the retrieval service.
func NewService(cfg config.RetrievalConfig, memories storage.MemoryStore, chunks storage.ChunkStore, facts storage.FactStore, blocks storage.BlockStore, vectors storage.VectorStore) *Service {
	return &Service{
		cfg:      cfg,
		memories: memories,
		chunks:   chunks,
		facts:    facts,
		blocks:   blocks,
		vectors:  vectors,
		logger:   logging.WithComponent("retrieval"),
	}
}

// ExtractQueryTerms derives query terms with the same normalization used
// for chunk lexical filters.
func ExtractQueryTerms(query string) []string {
	return chunking.LexicalFilters(query)
}

// LexicalScore scores content against query terms as the matched fraction
// of terms, counting exact word matches and substring fallbacks. Returns
// the score and the matched terms.
func LexicalScore(content string, terms []string) (float64, []string) {
	if len(terms) == 0 {
		return 0, nil
	}
	words := make(map[string]bool)
	for _, w := range chunking.LexicalFilters(content) {
		words[w] = true
	}
	lower := strings.ToLower(content)

	var matched []string
	for _, term := range terms {
		if words[term] || strings.Contains(lower, term) {
			matched = append(matched, term)
		}
	}
	return float64(len(matched)) / float64(len(terms)), matched
}

// SearchMemories ranks memories lexically against keywords.
func (s *Service) SearchMemories(ctx context.Context, keywords []string, limit int) ([]*types.ScoredMemory, error) {
	all, err := s.memories.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load memories: %w", err)
	}
	var scored []*types.ScoredMemory
	for _, m := range all {
		score, matched := LexicalScore(m.Content, keywords)
		if score <= 0 {
			continue
		}
		scored = append(scored, &types.ScoredMemory{Memory: m, Score: score, MatchedTerms: matched})
	}
	sortScored(scored)
	return clip(scored, limit), nil
}

// SearchChunks ranks chunks lexically against keywords, optionally
// filtered by chunk type.
func (s *Service) SearchChunks(ctx context.Context, keywords []string, chunkType types.ChunkType, limit int) ([]*types.Chunk, error) {
	all, err := s.chunks.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load chunks: %w", err)
	}
	type scoredChunk struct {
		chunk *types.Chunk
		score float64
	}
	var scored []scoredChunk
	for _, c := range all {
		if chunkType != "" && c.Type != chunkType {
			continue
		}
		score, _ := LexicalScore(c.TextVerbatim, keywords)
		if score <= 0 {
			continue
		}
		scored = append(scored, scoredChunk{chunk: c, score: score})
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		if !scored[i].chunk.CreatedAt.Equal(scored[j].chunk.CreatedAt) {
			return scored[i].chunk.CreatedAt.After(scored[j].chunk.CreatedAt)
		}
		return scored[i].chunk.ID < scored[j].chunk.ID
	})
	out := make([]*types.Chunk, 0, len(scored))
	for _, sc := range scored {
		out = append(out, sc.chunk)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// SearchFacts ranks non-superseded facts lexically against keywords,
// optionally filtered by category. Both key and value are matched.
func (s *Service) SearchFacts(ctx context.Context, keywords []string, category types.FactCategory, limit int) ([]*types.Fact, error) {
	var (
		all []*types.Fact
		err error
	)
	if category != "" {
		all, err = s.facts.GetActiveByCategory(ctx, category)
	} else {
		all, err = s.facts.GetActive(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load facts: %w", err)
	}
	type scoredFact struct {
		fact  *types.Fact
		score float64
	}
	var scored []scoredFact
	for _, f := range all {
		if f.IsDeleted() {
			continue
		}
		score, _ := LexicalScore(f.Key+" "+f.Value, keywords)
		if score <= 0 {
			continue
		}
		scored = append(scored, scoredFact{fact: f, score: score})
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		if !scored[i].fact.CreatedAt.Equal(scored[j].fact.CreatedAt) {
			return scored[i].fact.CreatedAt.After(scored[j].fact.CreatedAt)
		}
		return scored[i].fact.ID < scored[j].fact.ID
	})
	out := make([]*types.Fact, 0, len(scored))
	for _, sf := range scored {
		out = append(out, sf.fact)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// SemanticSearchMemories performs a pure vector search, loading the memory
// rows for each hit.
func (s *Service) SemanticSearchMemories(ctx context.Context, embedding []float64, limit int, blockIDs []string) ([]*types.ScoredMemory, error) {
	hits, err := s.vectors.SearchMemories(ctx, embedding, limit, blockIDs)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	out := make([]*types.ScoredMemory, 0, len(hits))
	for _, hit := range hits {
		m, err := s.memories.Get(ctx, hit.ID)
		if err != nil {
			s.logger.WarnContext(ctx, "vector hit without memory row", "id", hit.ID)
			continue
		}
		out = append(out, &types.ScoredMemory{Memory: m, Score: hit.Score})
	}
	return out, nil
}

// HybridSearchMemories combines vector and lexical scores:
// combined = w_v * vector + w_l * lexical, dropping results below the
// minimum score, clipped to topK.
func (s *Service) HybridSearchMemories(ctx context.Context, query string, embedding []float64) ([]*types.ScoredMemory, error) {
	terms := ExtractQueryTerms(query)

	semantic, err := s.SemanticSearchMemories(ctx, embedding, s.cfg.TopK*2, nil)
	if err != nil {
		return nil, err
	}

	var out []*types.ScoredMemory
	for _, sm := range semantic {
		lexScore, matched := LexicalScore(sm.Memory.Content, terms)
		combined := s.cfg.VectorWeight*sm.Score + s.cfg.LexicalWeight*lexScore
		if combined < s.cfg.HybridMinScore {
			continue
		}
		out = append(out, &types.ScoredMemory{
			Memory:       sm.Memory,
			Score:        combined,
			MatchedTerms: matched,
		})
	}
	sortScored(out)
	return clip(out, s.cfg.TopK), nil
}

// GardenedSearch recalls long-term memories for a query embedding. Results
// from the current day are excluded when configured, since they already
// live in the sliding window.
func (s *Service) GardenedSearch(ctx context.Context, embedding []float64, currentDayID string) ([]*types.ScoredMemory, error) {
	hits, err := s.vectors.SearchMemories(ctx, embedding, s.cfg.TopK*2, nil)
	if err != nil {
		return nil, fmt.Errorf("gardened vector search failed: %w", err)
	}

	blockCache := make(map[string]*types.BridgeBlock)
	var out []*types.ScoredMemory
	for _, hit := range hits {
		if hit.Score < s.cfg.GardenedMinSimilarity {
			continue
		}
		m, err := s.memories.Get(ctx, hit.ID)
		if err != nil {
			continue
		}
		block, ok := blockCache[m.BlockID]
		if !ok {
			block, err = s.blocks.Get(ctx, m.BlockID)
			if err != nil {
				continue
			}
			blockCache[m.BlockID] = block
		}
		if s.cfg.ExcludeCurrentDay && block.DayID == currentDayID {
			continue
		}
		out = append(out, &types.ScoredMemory{
			Memory:     m,
			Score:      hit.Score,
			ChunkType:  classifyByLength(m.Content),
			GlobalTags: block.Keywords,
		})
		if len(out) >= s.cfg.TopK {
			break
		}
	}
	sortScored(out)
	return out, nil
}

// classifyByLength maps content length to a presentation chunk type.
func classifyByLength(content string) types.ChunkType {
	switch {
	case len(content) < 200:
		return types.ChunkTypeSentence
	case len(content) < 500:
		return types.ChunkTypeParagraph
	default:
		return types.ChunkTypeTurn
	}
}

// sortScored orders by score descending, then createdAt descending, then
// lexicographic id.
func sortScored(scored []*types.ScoredMemory) {
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		if !scored[i].Memory.CreatedAt.Equal(scored[j].Memory.CreatedAt) {
			return scored[i].Memory.CreatedAt.After(scored[j].Memory.CreatedAt)
		}
		return scored[i].Memory.ID < scored[j].Memory.ID
	})
}

func clip(scored []*types.ScoredMemory, limit int) []*types.ScoredMemory {
	if limit > 0 && len(scored) > limit {
		return scored[:limit]
	}
	return scored
}
