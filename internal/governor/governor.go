// Package governor fans a query out to three concurrent tasks: routing
// against the day's block ledger, LLM filtering of vector-matched memories,
// and exact fact lookup. The result is produced only after all three
// complete.
package governor

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/sync/errgroup"

	"hmlr-memory/internal/ai"
	"hmlr-memory/internal/blocks"
	"hmlr-memory/internal/chunking"
	"hmlr-memory/internal/facts"
	"hmlr-memory/internal/logging"
	"hmlr-memory/internal/retrieval"
	"hmlr-memory/internal/tabularasa"
	"hmlr-memory/pkg/types"
)

// RoutingDecision says where a query belongs in the day's ledger.
type RoutingDecision struct {
	MatchedBlockID string `json:"matchedBlockId"`
	IsNewTopic     bool   `json:"isNewTopic"`
	Reasoning      string `json:"reasoning"`
	SuggestedLabel string `json:"suggestedLabel"`
}

// Result bundles the three fan-out outcomes.
type Result struct {
	Routing  RoutingDecision
	Memories []*types.ScoredMemory
	Facts    []*types.Fact
}

const (
	memoryCandidateLimit = 20
	memoryFallbackTop    = 5
	maxFactKeys          = 10
	maxLedgerBlocks      = 20
	summaryTruncate      = 150
	candidateTruncate    = 300
	maxPromptKeywords    = 5
)

var acronymPattern = regexp.MustCompile(`[A-Z][A-Z0-9_]+`)

// Governor coordinates the fan-out.
type Governor struct {
	blocks    *blocks.Manager
	retrieval *retrieval.Service
	facts     *facts.Service
	chat      ai.ChatService
	shifts    *tabularasa.Detector
	logger    logging.Logger
}

// New creates a governor.
func New(blockMgr *blocks.Manager, retrievalSvc *retrieval.Service, factSvc *facts.Service, chat ai.ChatService) *Governor {
	return &Governor{
		blocks:    blockMgr,
		retrieval: retrievalSvc,
		facts:     factSvc,
		chat:      chat,
		shifts:    tabularasa.NewDetector(),
		logger:    logging.WithComponent("governor"),
	}
}

// Govern runs routing, memory filtering and fact lookup in parallel.
func (g *Governor) Govern(ctx context.Context, query string, queryEmbedding []float64, dayID string) (*Result, error) {
	result := &Result{}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		routing, err := g.route(egCtx, query, dayID)
		if err != nil {
			return fmt.Errorf("routing failed: %w", err)
		}
		result.Routing = routing
		return nil
	})
	eg.Go(func() error {
		memories, err := g.filterMemories(egCtx, query, queryEmbedding)
		if err != nil {
			return fmt.Errorf("memory filtering failed: %w", err)
		}
		result.Memories = memories
		return nil
	})
	eg.Go(func() error {
		matched, err := g.lookupFacts(egCtx, query)
		if err != nil {
			return fmt.Errorf("fact lookup failed: %w", err)
		}
		result.Facts = matched
		return nil
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

// route decides which block the query belongs to, asking the fast model
// to pick from the day's ledger. Parse failures fall back to the
// last-active block.
func (g *Governor) route(ctx context.Context, query, dayID string) (RoutingDecision, error) {
	ledger, err := g.blocks.GetMetadataByDay(ctx, dayID)
	if err != nil {
		return RoutingDecision{}, err
	}
	if len(ledger) == 0 {
		return RoutingDecision{
			IsNewTopic:     true,
			Reasoning:      "first_query_of_day",
			SuggestedLabel: "Initial Conversation",
		}, nil
	}

	// An announced shift ("let's talk about X") settles routing without
	// the model.
	if last := lastActive(ledger); last != nil && len(last.Keywords) > 0 {
		if shift := g.shifts.CheckForShift(query, last.Keywords); shift.Reason == tabularasa.ReasonExplicitShift {
			return RoutingDecision{
				IsNewTopic:     true,
				Reasoning:      "explicit_shift_phrase",
				SuggestedLabel: shift.NewTopicLabel,
			}, nil
		}
	}

	if len(ledger) > maxLedgerBlocks {
		ledger = ledger[:maxLedgerBlocks]
	}
	prompt := buildRoutingPrompt(query, ledger)

	raw, err := g.chat.CompleteFast(ctx, routingSystemPrompt, prompt)
	if err != nil {
		g.logger.WarnContext(ctx, "routing LLM failed, using last-active fallback", "error", err)
		return lastActiveFallback(ledger), nil
	}

	var decision RoutingDecision
	if err := json.Unmarshal([]byte(blocks.ExtractJSONObject(raw)), &decision); err != nil {
		g.logger.WarnContext(ctx, "routing response unparseable, using last-active fallback", "error", err)
		return lastActiveFallback(ledger), nil
	}

	// A matched id must exist in the ledger; anything else is treated as
	// a new topic suggestion.
	if decision.MatchedBlockID != "" && !ledgerContains(ledger, decision.MatchedBlockID) {
		decision.MatchedBlockID = ""
		decision.IsNewTopic = true
	}
	return decision, nil
}

const routingSystemPrompt = `You route conversation queries to topic blocks. Respond with a single JSON object and nothing else.`

func buildRoutingPrompt(query string, ledger []*types.BlockMetadata) string {
	var b strings.Builder
	b.WriteString("Today's topic blocks:\n")
	for _, md := range ledger {
		marker := ""
		if md.IsLastActive {
			marker = " [LAST-ACTIVE]"
		}
		keywords := md.Keywords
		if len(keywords) > maxPromptKeywords {
			keywords = keywords[:maxPromptKeywords]
		}
		fmt.Fprintf(&b, "- id=%s status=%s%s topic=%q summary=%q keywords=%s turns=%d\n",
			md.ID, md.Status, marker, md.TopicLabel,
			truncate(md.Summary, summaryTruncate),
			strings.Join(keywords, ","), md.TurnCount)
	}
	fmt.Fprintf(&b, `
Query: %q

Decide whether the query continues one of the blocks above or opens a new
topic. Return JSON: {"matchedBlockId": "<id or empty>", "isNewTopic": <bool>,
"reasoning": "<short>", "suggestedLabel": "<label for a new topic>"}`, query)
	return b.String()
}

func lastActive(ledger []*types.BlockMetadata) *types.BlockMetadata {
	for _, md := range ledger {
		if md.IsLastActive {
			return md
		}
	}
	return nil
}

func lastActiveFallback(ledger []*types.BlockMetadata) RoutingDecision {
	if md := lastActive(ledger); md != nil {
		return RoutingDecision{
			MatchedBlockID: md.ID,
			IsNewTopic:     false,
			Reasoning:      "fallback_last_active",
		}
	}
	return RoutingDecision{
		IsNewTopic:     true,
		Reasoning:      "fallback_no_last_active",
		SuggestedLabel: "Initial Conversation",
	}
}

func ledgerContains(ledger []*types.BlockMetadata, id string) bool {
	for _, md := range ledger {
		if md.ID == id {
			return true
		}
	}
	return false
}

// memoryFilterResponse is the JSON shape requested from the filter model.
type memoryFilterResponse struct {
	RelevantIndices []int  `json:"relevantIndices"`
	Reasoning       string `json:"reasoning"`
}

const filterSystemPrompt = `You filter retrieved memories for relevance to a query. Semantically close but contradictory memories must be dropped. Respond with a single JSON object and nothing else.`

// filterMemories runs the 2-key filter: vector search for candidates, then
// an LLM pass that kills close-but-opposite matches. Parse failures fall
// back to the top candidates by vector score.
func (g *Governor) filterMemories(ctx context.Context, query string, queryEmbedding []float64) ([]*types.ScoredMemory, error) {
	candidates, err := g.retrieval.SemanticSearchMemories(ctx, queryEmbedding, memoryCandidateLimit, nil)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Query: %q\n\nCandidate memories:\n", query)
	for i, sm := range candidates {
		fmt.Fprintf(&b, "[%d] %s\n", i, truncate(sm.Memory.Content, candidateTruncate))
	}
	b.WriteString(`
Return JSON: {"relevantIndices": [<indices of memories relevant to the query>], "reasoning": "<short>"}`)

	raw, err := g.chat.CompleteFast(ctx, filterSystemPrompt, b.String())
	if err != nil {
		g.logger.WarnContext(ctx, "memory filter LLM failed, using top by score", "error", err)
		return topN(candidates, memoryFallbackTop), nil
	}

	var parsed memoryFilterResponse
	if err := json.Unmarshal([]byte(blocks.ExtractJSONObject(raw)), &parsed); err != nil {
		g.logger.WarnContext(ctx, "memory filter response unparseable, using top by score", "error", err)
		return topN(candidates, memoryFallbackTop), nil
	}

	var out []*types.ScoredMemory
	for _, idx := range parsed.RelevantIndices {
		if idx >= 0 && idx < len(candidates) {
			out = append(out, candidates[idx])
		}
	}
	return out, nil
}

func topN(candidates []*types.ScoredMemory, n int) []*types.ScoredMemory {
	if len(candidates) > n {
		return candidates[:n]
	}
	return candidates
}

// lookupFacts extracts candidate keys from the query and resolves each
// against the fact store. Acronyms are tried first, then bare words.
func (g *Governor) lookupFacts(ctx context.Context, query string) ([]*types.Fact, error) {
	keys := ExtractFactKeys(query)

	var out []*types.Fact
	for _, key := range keys {
		fact, err := g.facts.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if fact == nil || fact.IsDeleted() {
			continue
		}
		out = append(out, fact)
	}
	return out, nil
}

// ExtractFactKeys derives lookup candidates from a query: capitalized
// acronyms first, then bare word tokens, deduped, first 10.
func ExtractFactKeys(query string) []string {
	seen := make(map[string]bool)
	var keys []string
	add := func(k string) {
		if k == "" || seen[k] {
			return
		}
		seen[k] = true
		keys = append(keys, k)
	}
	for _, acronym := range acronymPattern.FindAllString(query, -1) {
		add(acronym)
		if len(keys) >= maxFactKeys {
			return keys
		}
	}
	for _, word := range chunking.LexicalFilters(query) {
		add(word)
		if len(keys) >= maxFactKeys {
			break
		}
	}
	return keys
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
