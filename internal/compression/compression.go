// Package compression implements the adaptive sliding-window policy:
// graduated compression decisions based on semantic drift and time gaps,
// time and space based eviction, and rehydration of referenced turns.
package compression

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"hmlr-memory/internal/chunking"
	"hmlr-memory/internal/config"
	"hmlr-memory/internal/embeddings"
	"hmlr-memory/internal/logging"
	"hmlr-memory/internal/storage"
	"hmlr-memory/pkg/types"
)

// Level is a compression decision level.
type Level string

const (
	NoCompression   Level = "NO_COMPRESSION"
	CompressPartial Level = "COMPRESS_PARTIAL"
	CompressAll     Level = "COMPRESS_ALL"
)

// Decision is the result of decideCompression.
type Decision struct {
	Level                Level   `json:"level"`
	KeepVerbatimCount    int     `json:"keep_verbatim_count"`
	Reason               string  `json:"reason"`
	HasExplicitReference bool    `json:"has_explicit_reference"`
	SemanticDistance     float64 `json:"semantic_distance"`
	TimeGapHours         float64 `json:"time_gap_hours"`
}

// explicitReferencePatterns signal the user is pointing back at earlier
// conversation; compressing it away would break the reference.
var explicitReferencePatterns = []string{
	"we discussed",
	"you mentioned",
	"you said",
	"as i said",
	"earlier you",
	"previously",
	"going back to",
}

// Service implements the compression, eviction and rehydration policies.
// embedder may be nil; the decision then falls back to lexical distance.
type Service struct {
	cfg      config.MemoryConfig
	turns    storage.TurnStore
	blocks   storage.BlockStore
	affinity storage.AffinityStore
	usage    storage.UsageStore
	embedder embeddings.EmbeddingService
	logger   logging.Logger
}

// NewService creates the compression service.
func NewService(cfg config.MemoryConfig, turns storage.TurnStore, blocks storage.BlockStore, affinity storage.AffinityStore, usage storage.UsageStore, embedder embeddings.EmbeddingService) *Service {
	return &Service{
		cfg:      cfg,
		turns:    turns,
		blocks:   blocks,
		affinity: affinity,
		usage:    usage,
		embedder: embedder,
		logger:   logging.WithComponent("compression"),
	}
}

// DecideCompression chooses a compression level for the sliding window
// given the current query, recent queries and the last turn's timestamp.
// Deterministic for identical inputs.
func (s *Service) DecideCompression(ctx context.Context, query string, recentQueries []string, lastTurn time.Time) Decision {
	if len(recentQueries) == 0 {
		return Decision{Level: NoCompression, KeepVerbatimCount: 0, Reason: "no recent turns"}
	}

	keepAll := s.clamp(len(recentQueries))

	lower := strings.ToLower(query)
	for _, pattern := range explicitReferencePatterns {
		if strings.Contains(lower, pattern) {
			return Decision{
				Level:                NoCompression,
				KeepVerbatimCount:    keepAll,
				Reason:               fmt.Sprintf("explicit reference: %q", pattern),
				HasExplicitReference: true,
			}
		}
	}

	distance := s.semanticDistance(ctx, query, recentQueries)
	gapHours := time.Since(lastTurn).Hours()
	longGap := gapHours > s.cfg.LongGapHours

	d := Decision{SemanticDistance: distance, TimeGapHours: gapHours}
	switch {
	case distance > s.cfg.VeryDifferentThreshold && longGap:
		d.Level = CompressAll
		d.KeepVerbatimCount = s.clamp(s.cfg.CompressAllKeep)
		d.Reason = "very different topic after long gap"
	case distance > s.cfg.VeryDifferentThreshold:
		d.Level = CompressPartial
		d.KeepVerbatimCount = s.clamp(s.cfg.CompressPartialKeep)
		d.Reason = "very different topic"
	case distance > s.cfg.SomewhatDifferentThreshold && longGap:
		d.Level = CompressPartial
		d.KeepVerbatimCount = s.clamp(s.cfg.CompressPartialKeep)
		d.Reason = "somewhat different topic after long gap"
	default:
		d.Level = NoCompression
		d.KeepVerbatimCount = keepAll
		d.Reason = "topic continuation"
	}
	return d
}

func (s *Service) clamp(n int) int {
	if n > s.cfg.VerbatimHardCap {
		return s.cfg.VerbatimHardCap
	}
	return n
}

// semanticDistance is 1 - mean cosine similarity between the query and the
// recent queries when an embedder is available, otherwise a Jaccard word
// distance against the last three recent queries.
func (s *Service) semanticDistance(ctx context.Context, query string, recentQueries []string) float64 {
	if s.embedder != nil {
		if d, err := s.embeddingDistance(ctx, query, recentQueries); err == nil {
			return d
		} else {
			s.logger.WarnContext(ctx, "embedding distance failed, using lexical fallback", "error", err)
		}
	}
	return lexicalDistance(query, recentQueries)
}

func (s *Service) embeddingDistance(ctx context.Context, query string, recentQueries []string) (float64, error) {
	texts := append([]string{query}, recentQueries...)
	vecs, err := s.embedder.GenerateBatchEmbeddings(ctx, texts)
	if err != nil {
		return 0, err
	}
	queryVec := vecs[0]
	if queryVec == nil {
		return 0, fmt.Errorf("no embedding for query")
	}
	var sum float64
	n := 0
	for _, v := range vecs[1:] {
		if v == nil {
			continue
		}
		sum += embeddings.CosineSimilarity(queryVec, v)
		n++
	}
	if n == 0 {
		return 0, fmt.Errorf("no embeddings for recent queries")
	}
	return 1 - sum/float64(n), nil
}

// lexicalDistance is 1 - |A∩B|/|A∪B| over content words (length > 3) of
// the query vs the last three recent queries concatenated.
func lexicalDistance(query string, recentQueries []string) float64 {
	recent := recentQueries
	if len(recent) > 3 {
		recent = recent[len(recent)-3:]
	}
	a := contentWords(query)
	b := contentWords(strings.Join(recent, " "))
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	intersection := 0
	union := len(b)
	for w := range a {
		if b[w] {
			intersection++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return 1 - float64(intersection)/float64(union)
}

func contentWords(text string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range chunking.LexicalFilters(text) {
		if len(w) > 3 {
			out[w] = true
		}
	}
	return out
}

// CheckAndEvict applies the time and space eviction policies to the day's
// sliding window. Evicted turns stay persisted; they only leave the window.
func (s *Service) CheckAndEvict(ctx context.Context, dayID string) (int, error) {
	window, err := s.turns.GetWindowByDay(ctx, dayID)
	if err != nil {
		return 0, fmt.Errorf("failed to load window for %s: %w", dayID, err)
	}

	now := time.Now().UTC()
	evicted := 0
	var remaining []*types.Turn
	for _, t := range window {
		if now.Sub(t.Timestamp).Hours() > s.cfg.TimeEvictionHours {
			if err := s.evictTurn(ctx, t, now); err != nil {
				return evicted, err
			}
			evicted++
			continue
		}
		remaining = append(remaining, t)
	}

	// Space policy: FIFO until both bounds hold. The window is already in
	// ascending timestamp order.
	totalTokens := 0
	for _, t := range remaining {
		totalTokens += t.TokenEstimate()
	}
	for len(remaining) > 0 && (len(remaining) > s.cfg.MaxTier2Turns || totalTokens > s.cfg.MaxTier2Tokens) {
		oldest := remaining[0]
		if err := s.evictTurn(ctx, oldest, now); err != nil {
			return evicted, err
		}
		totalTokens -= oldest.TokenEstimate()
		remaining = remaining[1:]
		evicted++
	}

	if evicted > 0 {
		s.logger.InfoContext(ctx, "window eviction", "day_id", dayID, "evicted", evicted)
	}
	return evicted, nil
}

func (s *Service) evictTurn(ctx context.Context, t *types.Turn, now time.Time) error {
	if err := s.turns.MarkEvicted(ctx, t.ID); err != nil {
		return fmt.Errorf("failed to evict turn %s: %w", t.ID, err)
	}
	block, err := s.blocks.Get(ctx, t.BlockID)
	if err != nil {
		s.logger.WarnContext(ctx, "evicted turn without block", "turn_id", t.ID, "block_id", t.BlockID)
		return nil
	}
	if block.TopicLabel != "" {
		if err := s.UpdateTopicAffinity(ctx, block.TopicLabel, t.Timestamp, now); err != nil {
			s.logger.WarnContext(ctx, "topic affinity update failed", "topic", block.TopicLabel, "error", err)
		}
	}
	return nil
}

// UpdateTopicAffinity accumulates how long turns of a topic survived in
// the window before eviction.
func (s *Service) UpdateTopicAffinity(ctx context.Context, topic string, addedTs, evictedTs time.Time) error {
	key := strings.ToLower(topic)
	a, err := s.affinity.Get(ctx, key)
	if err != nil {
		a = &types.TopicAffinity{Topic: key}
	}
	a.EvictionCount++
	a.TotalTimeInWindow += evictedTs.Sub(addedTs).Milliseconds()
	a.AvgTimeInWindow = float64(a.TotalTimeInWindow) / float64(a.EvictionCount)
	return s.affinity.Upsert(ctx, a)
}

// Rehydrate promotes earlier turns back into context when the query
// references them. Candidates are the current day's non-current blocks,
// scored by keyword overlap with the turn plus overlap with its block;
// older days are served by retrieval search rather than rehydration.
func (s *Service) Rehydrate(ctx context.Context, queryKeywords []string, currentBlockID, dayID string) ([]*types.Turn, error) {
	if len(queryKeywords) == 0 {
		return nil, nil
	}
	queryset := make(map[string]bool, len(queryKeywords))
	for _, k := range queryKeywords {
		queryset[strings.ToLower(k)] = true
	}

	dayBlocks, err := s.blocks.GetByDay(ctx, dayID)
	if err != nil {
		return nil, fmt.Errorf("failed to load blocks for rehydration: %w", err)
	}

	type candidate struct {
		turn  *types.Turn
		score int
	}
	var candidates []candidate
	for _, block := range dayBlocks {
		if block.ID == currentBlockID {
			continue
		}
		blockMatches := overlapCount(queryset, block.Keywords)
		blockTurns, err := s.turns.GetByBlock(ctx, block.ID)
		if err != nil {
			return nil, err
		}
		for _, t := range blockTurns {
			turnMatches := overlapCount(queryset, t.Keywords)
			if score := turnMatches + blockMatches; score > 0 {
				candidates = append(candidates, candidate{turn: t, score: score})
			}
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].turn.Timestamp.After(candidates[j].turn.Timestamp)
	})
	if len(candidates) > s.cfg.MaxRehydrationTurns {
		candidates = candidates[:s.cfg.MaxRehydrationTurns]
	}

	out := make([]*types.Turn, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.turn)
		if err := s.usage.Bump(ctx, c.turn.ID, "turn", queryKeywords); err != nil {
			s.logger.WarnContext(ctx, "usage bump failed", "turn_id", c.turn.ID, "error", err)
		}
	}
	return out, nil
}

// PrefetchByAffinity returns up to five turn ids from the blocks whose
// keywords best overlap the current topic.
func (s *Service) PrefetchByAffinity(ctx context.Context, topic, dayID string) ([]string, error) {
	topicWords := make(map[string]bool)
	for _, w := range chunking.LexicalFilters(topic) {
		topicWords[w] = true
	}
	if len(topicWords) == 0 {
		return nil, nil
	}

	dayBlocks, err := s.blocks.GetByDay(ctx, dayID)
	if err != nil {
		return nil, err
	}
	type scoredBlock struct {
		block *types.BridgeBlock
		score int
	}
	var scored []scoredBlock
	for _, b := range dayBlocks {
		if score := overlapCount(topicWords, b.Keywords); score > 0 {
			scored = append(scored, scoredBlock{block: b, score: score})
		}
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].block.ID > scored[j].block.ID
	})
	if len(scored) > s.cfg.PrefetchWindow {
		scored = scored[:s.cfg.PrefetchWindow]
	}

	const maxPrefetchTurns = 5
	var turnIDs []string
	for _, sb := range scored {
		blockTurns, err := s.turns.GetByBlock(ctx, sb.block.ID)
		if err != nil {
			return nil, err
		}
		// Newest first.
		for i := len(blockTurns) - 1; i >= 0 && len(turnIDs) < maxPrefetchTurns; i-- {
			turnIDs = append(turnIDs, blockTurns[i].ID)
		}
		if len(turnIDs) >= maxPrefetchTurns {
			break
		}
	}
	return turnIDs, nil
}

func overlapCount(set map[string]bool, keywords []string) int {
	n := 0
	for _, k := range keywords {
		if set[strings.ToLower(k)] {
			n++
		}
	}
	return n
}
