// Package hydrator assembles the final LLM prompt under a priority-weighted
// token budget: half of the flexible budget goes to the current block's
// turns, the rest to retrieved memories, facts and the user profile.
package hydrator

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"hmlr-memory/internal/logging"
	"hmlr-memory/pkg/types"
)

// Shares of the flexible budget R, in percent.
const (
	bridgeShare   = 50
	memoriesShare = 30
	factsShare    = 10
	profileShare  = 10
)

// Budget is a per-bucket token allocation.
type Budget struct {
	System      int `json:"system"`
	Tasks       int `json:"tasks"`
	BridgeBlock int `json:"bridgeBlock"`
	Memories    int `json:"memories"`
	Facts       int `json:"facts"`
	Profile     int `json:"profile"`
}

// Total returns the sum over all buckets.
func (b Budget) Total() int {
	return b.System + b.Tasks + b.BridgeBlock + b.Memories + b.Facts + b.Profile
}

// AllocateTokenBudget splits a total budget into buckets. System and task
// budgets are fixed; the remainder R is split 50/30/10/10 across turns,
// memories, facts and profile. The profile bucket absorbs integer
// remainders so the buckets always sum to total.
func AllocateTokenBudget(total, system, tasks int) Budget {
	r := total - system - tasks
	if r < 0 {
		r = 0
	}
	bridge := r * bridgeShare / 100
	memories := r * memoriesShare / 100
	facts := r * factsShare / 100
	return Budget{
		System:      system,
		Tasks:       tasks,
		BridgeBlock: bridge,
		Memories:    memories,
		Facts:       facts,
		Profile:     r - bridge - memories - facts,
	}
}

// ReallocateUnused moves tokens the system and task prompts did not consume
// into the four flexible buckets, proportionally to their initial shares.
func ReallocateUnused(b Budget, usedSystem, usedTasks int) Budget {
	unused := 0
	if usedSystem < b.System {
		unused += b.System - usedSystem
		b.System = usedSystem
	}
	if usedTasks < b.Tasks {
		unused += b.Tasks - usedTasks
		b.Tasks = usedTasks
	}
	if unused == 0 {
		return b
	}
	bridge := unused * bridgeShare / 100
	memories := unused * memoriesShare / 100
	facts := unused * factsShare / 100
	b.BridgeBlock += bridge
	b.Memories += memories
	b.Facts += facts
	b.Profile += unused - bridge - memories - facts
	return b
}

// PromptInput is everything the hydrator folds into one prompt.
type PromptInput struct {
	Query      string
	Turns      []*types.Turn
	Memories   []*types.ScoredMemory
	Facts      []*types.Fact
	Profile    string
	IsNewTopic bool
}

// Hydrator builds prompts.
type Hydrator struct {
	logger logging.Logger
}

// New creates a hydrator.
func New() *Hydrator {
	return &Hydrator{logger: logging.WithComponent("hydrator")}
}

// BuildPrompt renders the context sections under the given budget, followed
// by the query and the metadata instructions appendix.
func (h *Hydrator) BuildPrompt(in PromptInput, budget Budget) string {
	var sections []string

	if s := renderTurns(in.Turns, budget.BridgeBlock); s != "" {
		sections = append(sections, s)
	}
	if s := renderMemories(in.Memories, budget.Memories); s != "" {
		sections = append(sections, s)
	}
	if s := renderFacts(in.Facts, budget.Facts); s != "" {
		sections = append(sections, s)
	}
	if s := renderProfile(in.Profile, budget.Profile); s != "" {
		sections = append(sections, s)
	}

	sections = append(sections, in.Query)
	sections = append(sections, metadataInstructions(in.IsNewTopic))
	return strings.Join(sections, "\n\n")
}

// renderTurns takes turns newest first while they fit, then emits them in
// chronological order.
func renderTurns(turns []*types.Turn, budget int) string {
	if len(turns) == 0 || budget <= 0 {
		return ""
	}
	sorted := make([]*types.Turn, len(turns))
	copy(sorted, turns)
	sortByTimestampDesc(sorted)

	var kept []string
	used := 0
	for _, turn := range sorted {
		entry := fmt.Sprintf("[%s]\nUser: %s\nAssistant: %s",
			turn.Timestamp.UTC().Format(time.RFC3339), turn.UserMessage, turn.AIResponse)
		cost := types.EstimateTokens(entry)
		if used+cost > budget {
			break
		}
		used += cost
		kept = append(kept, entry)
	}
	if len(kept) == 0 {
		return ""
	}
	// Back to chronological order for the prompt.
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return "=== Recent Conversation ===\n" + strings.Join(kept, "\n\n")
}

func sortByTimestampDesc(turns []*types.Turn) {
	sort.SliceStable(turns, func(i, j int) bool {
		return turns[i].Timestamp.After(turns[j].Timestamp)
	})
}

func renderMemories(memories []*types.ScoredMemory, budget int) string {
	if len(memories) == 0 || budget <= 0 {
		return ""
	}
	var kept []string
	used := 0
	for i, sm := range memories {
		entry := fmt.Sprintf("[Memory %d] (relevance: %d%%)\n%s",
			i+1, int(sm.Score*100), sm.Memory.Content)
		cost := types.EstimateTokens(entry)
		if used+cost > budget {
			break
		}
		used += cost
		kept = append(kept, entry)
	}
	if len(kept) == 0 {
		return ""
	}
	return "=== Relevant History ===\n" + strings.Join(kept, "\n")
}

func renderFacts(factList []*types.Fact, budget int) string {
	if len(factList) == 0 || budget <= 0 {
		return ""
	}
	var kept []string
	used := 0
	for _, fact := range factList {
		if fact.IsDeleted() {
			continue
		}
		entry := fmt.Sprintf("%s[%s]: %s", fact.Key, fact.Category, fact.Value)
		cost := types.EstimateTokens(entry)
		if used+cost > budget {
			break
		}
		used += cost
		kept = append(kept, entry)
	}
	if len(kept) == 0 {
		return ""
	}
	return "=== Known Facts ===\n" + strings.Join(kept, "\n")
}

func renderProfile(profile string, budget int) string {
	profile = strings.TrimSpace(profile)
	if profile == "" || budget <= 0 {
		return ""
	}
	maxChars := budget * 4
	if len(profile) > maxChars {
		profile = profile[:maxChars]
	}
	return "=== User Profile ===\n" + profile
}

// metadataInstructions asks the model to close its answer with a fenced
// JSON metadata block. New topics get the full shape, continuations an
// update-only variant.
func metadataInstructions(isNewTopic bool) string {
	if isNewTopic {
		return "After your response, append a metadata block in this exact format:\n" +
			"```json\n{\"topic_label\": \"<2-4 word label>\", \"keywords\": [\"...\"], " +
			"\"summary\": \"<one sentence>\", \"open_loops\": [\"...\"], " +
			"\"decisions_made\": [\"...\"], \"affect\": \"<one word>\"}\n```"
	}
	return "After your response, append a metadata block in this exact format, " +
		"containing only new or changed values:\n" +
		"```json\n{\"keywords\": [\"...\"], \"summary\": \"<one sentence>\", " +
		"\"open_loops\": [\"...\"], \"decisions_made\": [\"...\"], \"affect\": \"<one word>\"}\n```"
}
