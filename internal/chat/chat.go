// Package chat runs the per-message pipeline: chunk, embed, govern, route,
// hydrate, generate, persist. Supporting steps are best effort; the steps
// that define the visible conversation abort the turn when they fail.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"hmlr-memory/internal/ai"
	"hmlr-memory/internal/blocks"
	"hmlr-memory/internal/chunking"
	"hmlr-memory/internal/compression"
	"hmlr-memory/internal/config"
	"hmlr-memory/internal/embeddings"
	"hmlr-memory/internal/facts"
	"hmlr-memory/internal/governor"
	"hmlr-memory/internal/hydrator"
	"hmlr-memory/internal/lineage"
	"hmlr-memory/internal/logging"
	"hmlr-memory/internal/scrubber"
	"hmlr-memory/internal/storage"
	"hmlr-memory/pkg/types"
)

// Routing scenarios resolved from the governor's decision.
const (
	ScenarioContinuation = 1
	ScenarioResumption   = 2
	ScenarioFirstBlock   = 3
	ScenarioTopicShift   = 4
)

// Pipeline step identifiers carried by StepError.
const (
	StepEmbed       = "embed"
	StepGovernor    = "governor"
	StepRouting     = "routing"
	StepHydrator    = "hydrator"
	StepLLM         = "llm"
	StepAppendTurn  = "append_turn"
	StepMemoryStore = "memory_store"
)

// StepError is a turn-aborting failure tagged with the pipeline step that
// produced it.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("step %s: %v", e.Step, e.Err) }
func (e *StepError) Unwrap() error { return e.Err }

func stepErr(step string, err error) error {
	return &StepError{Step: step, Err: err}
}

// ProfileProvider supplies the user profile paragraph, or "" when none
// exists yet.
type ProfileProvider interface {
	GetProfile(ctx context.Context) (string, error)
}

// Scheduler queues background synthesis work. Scheduling is fire and
// forget from the orchestrator's point of view.
type Scheduler interface {
	Schedule(ctx context.Context, job *storage.SynthesisJob) error
}

const systemPrompt = `You are a helpful assistant with long-term memory of past conversations. Use the provided context sections when they are relevant and ignore them when they are not. Never mention the context machinery itself.`

// responseMetadata is the JSON block the model appends to its answer.
type responseMetadata struct {
	TopicLabel    string   `json:"topic_label"`
	Keywords      []string `json:"keywords"`
	Summary       string   `json:"summary"`
	OpenLoops     []string `json:"open_loops"`
	DecisionsMade []string `json:"decisions_made"`
	Affect        string   `json:"affect"`
}

var metadataFence = regexp.MustCompile("(?s)```json\\s*(.*?)```")

// Orchestrator wires the full per-turn pipeline.
type Orchestrator struct {
	cfg      *config.Config
	store    storage.Store
	vectors  storage.VectorStore
	embedder embeddings.EmbeddingService
	llm      ai.ChatService
	governor *governor.Governor
	blocks   *blocks.Manager
	facts    *facts.Service
	scrub    *scrubber.Scrubber
	window   *compression.Service
	hydrate  *hydrator.Hydrator
	lineage  *lineage.Tracker
	chunker  *chunking.Chunker
	profile  ProfileProvider
	jobs     Scheduler
	logger   logging.Logger
}

// Options carries the optional collaborators.
type Options struct {
	Profile   ProfileProvider
	Scheduler Scheduler
}

// NewOrchestrator builds the pipeline from its collaborators. Profile and
// scheduler may be absent; the matching steps degrade to no-ops.
func NewOrchestrator(cfg *config.Config, store storage.Store, vectors storage.VectorStore,
	embedder embeddings.EmbeddingService, llm ai.ChatService, gov *governor.Governor,
	blockMgr *blocks.Manager, factSvc *facts.Service, scrub *scrubber.Scrubber,
	lin *lineage.Tracker, opts Options) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		store:    store,
		vectors:  vectors,
		embedder: embedder,
		llm:      llm,
		governor: gov,
		blocks:   blockMgr,
		facts:    factSvc,
		scrub:    scrub,
		window: compression.NewService(cfg.Memory, store.Turns(), store.Blocks(),
			store.Affinity(), store.Usage(), embedder),
		hydrate: hydrator.New(),
		lineage: lin,
		chunker: chunking.NewChunker(),
		profile: opts.Profile,
		jobs:    opts.Scheduler,
		logger:  logging.WithComponent("chat"),
	}
}

// SendMessage executes one conversational turn.
func (o *Orchestrator) SendMessage(ctx context.Context, message string) (*types.ChatResponse, error) {
	start := time.Now().UTC()
	turnID := types.NewTurnID()
	dayID := types.FormatDayID(start)
	o.logger.InfoContext(ctx, "turn started", "turn_id", turnID, "day_id", dayID)

	// Chunks are persisted before routing, so the block id is patched in
	// later. Losing them is acceptable.
	chunks := o.chunker.Chunk(message, turnID, "")
	chunksCreated := 0
	for _, chunk := range chunks {
		if err := o.store.Chunks().Insert(ctx, chunk); err != nil {
			o.logger.WarnContext(ctx, "chunk insert failed", "chunk_id", chunk.ID, "error", err)
			continue
		}
		chunksCreated++
	}

	queryVec, err := o.embedder.GenerateEmbedding(ctx, message)
	if err != nil {
		return nil, stepErr(StepEmbed, err)
	}

	gov, err := o.governor.Govern(ctx, message, queryVec, dayID)
	if err != nil {
		return nil, stepErr(StepGovernor, err)
	}

	block, scenario, err := o.resolveRouting(ctx, dayID, gov.Routing)
	if err != nil {
		return nil, stepErr(StepRouting, err)
	}

	if chunksCreated > 0 {
		if err := o.store.Chunks().PatchBlockID(ctx, turnID, block.ID); err != nil {
			o.logger.WarnContext(ctx, "chunk block patch failed", "turn_id", turnID, "error", err)
		}
	}

	// Fact extraction runs against the remaining context build; both are
	// pure reads plus an independent LLM call.
	var extracted []facts.StoreInput
	var prompt string
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		inputs, err := o.scrub.Extract(egCtx, message)
		if err != nil {
			o.logger.WarnContext(egCtx, "fact extraction failed", "turn_id", turnID, "error", err)
			return nil
		}
		extracted = inputs
		return nil
	})
	eg.Go(func() error {
		built, err := o.buildPrompt(egCtx, message, dayID, block, gov)
		if err != nil {
			return stepErr(StepHydrator, err)
		}
		prompt = built
		return nil
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	answer, err := o.llm.Complete(ctx, systemPrompt, prompt)
	if err != nil {
		return nil, stepErr(StepLLM, err)
	}

	meta, cleaned := parseResponseMetadata(answer)
	topicLabel := block.TopicLabel
	if meta != nil {
		o.applyMetadata(ctx, block.ID, scenario, meta)
		if meta.TopicLabel != "" {
			topicLabel = meta.TopicLabel
		}
	}

	turn := &types.Turn{
		ID:          turnID,
		BlockID:     block.ID,
		UserMessage: message,
		AIResponse:  cleaned,
		Keywords:    chunking.LexicalFilters(message),
		Affect:      turnAffect(meta),
		Timestamp:   start,
	}
	if err := o.blocks.AppendTurn(ctx, turn); err != nil {
		return nil, stepErr(StepAppendTurn, err)
	}

	memory := &types.Memory{
		ID:         types.MemoryIDForTurn(turnID),
		TurnID:     turnID,
		BlockID:    block.ID,
		Content:    fmt.Sprintf("User: %s\nAssistant: %s", message, cleaned),
		ChunkIndex: 0,
		Embedding:  queryVec,
		CreatedAt:  start,
	}
	if err := o.store.Memories().Insert(ctx, memory); err != nil {
		return nil, stepErr(StepMemoryStore, err)
	}
	if err := o.vectors.UpsertMemory(ctx, memory); err != nil {
		o.logger.WarnContext(ctx, "memory vector upsert failed", "memory_id", memory.ID, "error", err)
	}

	o.recordTurnLineage(ctx, turnID, block.ID, memory.ID, chunks)

	factsExtracted := o.persistFacts(ctx, extracted, turnID, block.ID)

	if evicted, err := o.window.CheckAndEvict(ctx, dayID); err != nil {
		o.logger.WarnContext(ctx, "window eviction failed", "day_id", dayID, "error", err)
	} else if evicted > 0 {
		o.logger.InfoContext(ctx, "window evicted turns", "day_id", dayID, "count", evicted)
	}

	o.scheduleScribe(ctx, dayID)
	o.debugLog(ctx, turnID, "turn_complete", fmt.Sprintf("scenario=%d elapsed=%s", scenario, time.Since(start)))

	return &types.ChatResponse{
		Response:       cleaned,
		BlockID:        block.ID,
		TurnID:         turnID,
		IsNewTopic:     scenario == ScenarioFirstBlock || scenario == ScenarioTopicShift,
		TopicLabel:     topicLabel,
		MemoriesUsed:   len(gov.Memories),
		FactsUsed:      len(gov.Facts),
		ChunksCreated:  chunksCreated,
		FactsExtracted: factsExtracted,
		Scenario:       scenario,
	}, nil
}

// resolveRouting maps the governor's decision onto one of the four routing
// scenarios and returns the block the turn lands in. Inconsistent input
// degrades to scenario 3 semantics: a fresh block.
func (o *Orchestrator) resolveRouting(ctx context.Context, dayID string, routing governor.RoutingDecision) (*types.BridgeBlock, int, error) {
	active, err := o.blocks.GetActive(ctx, dayID)
	if err != nil {
		return nil, 0, err
	}

	switch {
	case active != nil && routing.MatchedBlockID == active.ID:
		return active, ScenarioContinuation, nil

	case routing.MatchedBlockID != "" && !routing.IsNewTopic:
		if active != nil {
			if err := o.blocks.PauseWithSummary(ctx, active.ID); err != nil {
				return nil, 0, fmt.Errorf("failed to pause active block: %w", err)
			}
		}
		if err := o.blocks.UpdateStatus(ctx, routing.MatchedBlockID, types.BlockStatusActive); err != nil {
			return nil, 0, fmt.Errorf("failed to resume block %s: %w", routing.MatchedBlockID, err)
		}
		resumed, err := o.blocks.Get(ctx, routing.MatchedBlockID)
		if err != nil {
			return nil, 0, err
		}
		return resumed, ScenarioResumption, nil

	case routing.IsNewTopic && active == nil:
		block, err := o.blocks.Create(ctx, dayID, newTopicLabel(routing))
		if err != nil {
			return nil, 0, err
		}
		return block, ScenarioFirstBlock, nil

	case routing.IsNewTopic && active != nil:
		if err := o.blocks.PauseWithSummary(ctx, active.ID); err != nil {
			return nil, 0, fmt.Errorf("failed to pause active block: %w", err)
		}
		block, err := o.blocks.Create(ctx, dayID, newTopicLabel(routing))
		if err != nil {
			return nil, 0, err
		}
		return block, ScenarioTopicShift, nil

	default:
		// Matched nothing, claimed nothing. Fall back to a fresh block.
		if active != nil {
			if err := o.blocks.PauseWithSummary(ctx, active.ID); err != nil {
				return nil, 0, fmt.Errorf("failed to pause active block: %w", err)
			}
		}
		block, err := o.blocks.Create(ctx, dayID, newTopicLabel(routing))
		if err != nil {
			return nil, 0, err
		}
		return block, ScenarioFirstBlock, nil
	}
}

func newTopicLabel(routing governor.RoutingDecision) string {
	if label := strings.TrimSpace(routing.SuggestedLabel); label != "" {
		return label
	}
	return "General Conversation"
}

// buildPrompt loads block facts, profile and turns, applies the window's
// compression decision, then hands everything to the hydrator. Profile
// failures degrade to an empty profile.
func (o *Orchestrator) buildPrompt(ctx context.Context, message, dayID string, block *types.BridgeBlock, gov *governor.Result) (string, error) {
	blockFacts, err := o.facts.GetByBlock(ctx, block.ID)
	if err != nil {
		return "", fmt.Errorf("failed to load block facts: %w", err)
	}

	profile := ""
	if o.profile != nil {
		p, err := o.profile.GetProfile(ctx)
		if err != nil {
			o.logger.WarnContext(ctx, "profile load failed", "error", err)
		} else {
			profile = p
		}
	}

	turns, err := o.blocks.GetTurns(ctx, block.ID)
	if err != nil {
		return "", fmt.Errorf("failed to load block turns: %w", err)
	}
	live := turns[:0]
	for _, turn := range turns {
		if !turn.Evicted {
			live = append(live, turn)
		}
	}

	// The compression decision says how much of the window stays verbatim.
	// Turns are chronological; the newest ones are kept.
	recent := make([]string, 0, len(live))
	for _, turn := range live {
		recent = append(recent, turn.UserMessage)
	}
	var lastTurnAt time.Time
	if len(live) > 0 {
		lastTurnAt = live[len(live)-1].Timestamp
	}
	decision := o.window.DecideCompression(ctx, message, recent, lastTurnAt)
	if decision.KeepVerbatimCount < len(live) {
		live = live[len(live)-decision.KeepVerbatimCount:]
	}

	// Explicit references pull matching turns back in from paused blocks.
	if decision.HasExplicitReference {
		rehydrated, err := o.window.Rehydrate(ctx, chunking.LexicalFilters(message), block.ID, dayID)
		if err != nil {
			o.logger.WarnContext(ctx, "rehydration failed", "block_id", block.ID, "error", err)
		} else if len(rehydrated) > 0 {
			live = append(rehydrated, live...)
		}
	}

	budget := hydrator.AllocateTokenBudget(
		o.cfg.Memory.MaxContextTokens, o.cfg.Memory.SystemTokens, o.cfg.Memory.TaskTokens)
	budget = hydrator.ReallocateUnused(budget, types.EstimateTokens(systemPrompt), budget.Tasks)

	return o.hydrate.BuildPrompt(hydrator.PromptInput{
		Query:      message,
		Turns:      live,
		Memories:   gov.Memories,
		Facts:      mergeFacts(gov.Facts, blockFacts),
		Profile:    profile,
		IsNewTopic: gov.Routing.IsNewTopic,
	}, budget), nil
}

// mergeFacts keeps governor lookups first, then block facts not already
// present, skipping tombstones.
func mergeFacts(primary, secondary []*types.Fact) []*types.Fact {
	seen := make(map[string]bool)
	var out []*types.Fact
	for _, f := range primary {
		if f.IsDeleted() || seen[f.Key] {
			continue
		}
		seen[f.Key] = true
		out = append(out, f)
	}
	for _, f := range secondary {
		if f.IsDeleted() || seen[f.Key] {
			continue
		}
		seen[f.Key] = true
		out = append(out, f)
	}
	return out
}

// parseResponseMetadata pulls the fenced JSON block out of the model's
// answer. It returns the metadata (nil when absent or unparseable) and the
// answer with the fence removed.
func parseResponseMetadata(answer string) (*responseMetadata, string) {
	m := metadataFence.FindStringSubmatchIndex(answer)
	if m == nil {
		return nil, strings.TrimSpace(answer)
	}
	body := blocks.ExtractJSONObject(answer[m[2]:m[3]])
	cleaned := strings.TrimSpace(answer[:m[0]] + answer[m[1]:])
	if body == "" {
		return nil, cleaned
	}
	var meta responseMetadata
	if err := json.Unmarshal([]byte(body), &meta); err != nil {
		return nil, cleaned
	}
	return &meta, cleaned
}

func (o *Orchestrator) applyMetadata(ctx context.Context, blockID string, scenario int, meta *responseMetadata) {
	update := blocks.MetadataUpdate{
		Keywords:      meta.Keywords,
		Summary:       meta.Summary,
		OpenLoops:     meta.OpenLoops,
		DecisionsMade: meta.DecisionsMade,
	}
	// Continuations never rename the block.
	if scenario == ScenarioFirstBlock || scenario == ScenarioTopicShift {
		update.TopicLabel = meta.TopicLabel
	}
	if err := o.blocks.UpdateMetadata(ctx, blockID, update); err != nil {
		o.logger.WarnContext(ctx, "metadata merge failed", "block_id", blockID, "error", err)
	}
}

func turnAffect(meta *responseMetadata) types.Affect {
	if meta == nil || meta.Affect == "" {
		return types.AffectNeutral
	}
	return types.Affect(strings.ToLower(strings.TrimSpace(meta.Affect)))
}

func (o *Orchestrator) recordTurnLineage(ctx context.Context, turnID, blockID, memoryID string, chunks []*types.Chunk) {
	record := func(itemID string, itemType types.LineageItemType, derivedFrom []string, derivedBy string) {
		if err := o.lineage.RecordLineage(ctx, itemID, itemType, derivedFrom, derivedBy); err != nil {
			o.logger.WarnContext(ctx, "lineage record failed", "item_id", itemID, "error", err)
		}
	}
	record(turnID, types.LineageItemTurn, []string{blockID}, "chat.sendMessage")
	record(memoryID, types.LineageItemMemory, []string{turnID}, "chat.sendMessage")
	for _, chunk := range chunks {
		parents := []string{turnID, blockID}
		if chunk.ParentChunkID != "" {
			parents = append(parents, chunk.ParentChunkID)
		}
		record(chunk.ID, types.LineageItemChunk, parents, "chunk_engine_v1")
	}
}

// persistFacts stamps the routing outcome onto the extracted facts and
// stores them. Failures are logged and reflected in the returned count.
func (o *Orchestrator) persistFacts(ctx context.Context, extracted []facts.StoreInput, turnID, blockID string) int {
	if len(extracted) == 0 {
		return 0
	}
	for i := range extracted {
		extracted[i].TurnID = turnID
		extracted[i].BlockID = blockID
	}
	stored, err := o.facts.StoreBatch(ctx, extracted)
	if err != nil {
		o.logger.WarnContext(ctx, "fact persistence failed", "turn_id", turnID, "error", err)
	}
	for _, fact := range stored {
		if err := o.lineage.RecordLineage(ctx, fact.ID, types.LineageItemFact,
			[]string{turnID, blockID}, scrubber.Version); err != nil {
			o.logger.WarnContext(ctx, "fact lineage failed", "fact_id", fact.ID, "error", err)
		}
	}
	return len(stored)
}

func (o *Orchestrator) scheduleScribe(ctx context.Context, dayID string) {
	if o.jobs == nil {
		return
	}
	job := &storage.SynthesisJob{
		ID:        types.NewJobID(),
		Kind:      "scribe",
		DayID:     dayID,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.jobs.Schedule(ctx, job); err != nil {
		o.logger.WarnContext(ctx, "scribe scheduling failed", "day_id", dayID, "error", err)
	}
}

func (o *Orchestrator) debugLog(ctx context.Context, turnID, step, message string) {
	entry := &types.DebugLog{
		ID:        types.NewJobID(),
		TurnID:    turnID,
		Step:      step,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.store.DebugLogs().Insert(ctx, entry); err != nil {
		o.logger.DebugContext(ctx, "debug log insert failed", "error", err)
	}
}
