// Package blocks manages the bridge block lifecycle: creation, status
// transitions, metadata merging, turn append and summary synthesis. At most
// one block is ACTIVE at any time.
package blocks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"hmlr-memory/internal/ai"
	"hmlr-memory/internal/logging"
	"hmlr-memory/internal/storage"
	"hmlr-memory/pkg/types"
)

// MetadataUpdate carries a partial metadata merge. Keywords, open loops and
// decisions are merged as deduped ordered sets; summary and topic label
// overwrite when non-empty.
type MetadataUpdate struct {
	TopicLabel    string   `json:"topic_label,omitempty"`
	Summary       string   `json:"summary,omitempty"`
	Keywords      []string `json:"keywords,omitempty"`
	OpenLoops     []string `json:"open_loops,omitempty"`
	DecisionsMade []string `json:"decisions_made,omitempty"`
}

// Manager provides bridge block operations.
type Manager struct {
	blocks storage.BlockStore
	turns  storage.TurnStore
	chat   ai.ChatService
	logger logging.Logger

	// statusMu serializes the flip-then-insert sequences that uphold the
	// single-ACTIVE invariant; the store offers only single-row writes.
	statusMu sync.Mutex
}

// NewManager creates the block manager. chat may be nil when LLM synthesis
// is not needed (tests, offline tools).
func NewManager(blocks storage.BlockStore, turns storage.TurnStore, chat ai.ChatService) *Manager {
	return &Manager{
		blocks: blocks,
		turns:  turns,
		chat:   chat,
		logger: logging.WithComponent("blocks"),
	}
}

// Create opens a new ACTIVE block for the day, pausing any currently
// ACTIVE block first.
func (m *Manager) Create(ctx context.Context, dayID, topicLabel string) (*types.BridgeBlock, error) {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()

	if err := m.pauseAllActive(ctx, ""); err != nil {
		return nil, err
	}

	block := types.NewBridgeBlock(dayID, topicLabel)
	if err := m.blocks.Insert(ctx, block); err != nil {
		return nil, fmt.Errorf("failed to create block: %w", err)
	}
	m.logger.InfoContext(ctx, "block created", "block_id", block.ID, "day_id", dayID, "topic", topicLabel)
	return block, nil
}

// Get loads a block by id.
func (m *Manager) Get(ctx context.Context, id string) (*types.BridgeBlock, error) {
	return m.blocks.Get(ctx, id)
}

// GetByDay returns the day's blocks, newest updatedAt first.
func (m *Manager) GetByDay(ctx context.Context, dayID string) ([]*types.BridgeBlock, error) {
	return m.blocks.GetByDay(ctx, dayID)
}

// GetActive returns the ACTIVE block, scoped to a day when dayID is
// non-empty. Returns nil when no block is active.
func (m *Manager) GetActive(ctx context.Context, dayID string) (*types.BridgeBlock, error) {
	var (
		active []*types.BridgeBlock
		err    error
	)
	if dayID != "" {
		active, err = m.blocks.GetByDayAndStatus(ctx, dayID, types.BlockStatusActive)
	} else {
		active, err = m.blocks.GetByStatus(ctx, types.BlockStatusActive)
	}
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, nil
	}
	if len(active) > 1 {
		return nil, fmt.Errorf("invariant violation: %d ACTIVE blocks observed", len(active))
	}
	return active[0], nil
}

// GetMetadataByDay returns the day's routing projection. isLastActive marks
// the block with the greatest updatedAt; ties resolve by descending id.
func (m *Manager) GetMetadataByDay(ctx context.Context, dayID string) ([]*types.BlockMetadata, error) {
	dayBlocks, err := m.blocks.GetByDay(ctx, dayID)
	if err != nil {
		return nil, err
	}
	if len(dayBlocks) == 0 {
		return nil, nil
	}

	lastActive := ""
	var bestUpdated time.Time
	for _, b := range dayBlocks {
		if b.UpdatedAt.After(bestUpdated) || (b.UpdatedAt.Equal(bestUpdated) && b.ID > lastActive) {
			bestUpdated = b.UpdatedAt
			lastActive = b.ID
		}
	}

	out := make([]*types.BlockMetadata, 0, len(dayBlocks))
	for _, b := range dayBlocks {
		out = append(out, &types.BlockMetadata{
			ID:           b.ID,
			TopicLabel:   b.TopicLabel,
			Summary:      b.Summary,
			Keywords:     b.Keywords,
			Status:       b.Status,
			TurnCount:    b.TurnCount,
			UpdatedAt:    b.UpdatedAt,
			IsLastActive: b.ID == lastActive,
		})
	}
	return out, nil
}

// UpdateStatus transitions a block. Activating a block pauses all other
// ACTIVE blocks first.
func (m *Manager) UpdateStatus(ctx context.Context, blockID string, status types.BlockStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid block status: %s", status)
	}

	m.statusMu.Lock()
	defer m.statusMu.Unlock()

	if status == types.BlockStatusActive {
		if err := m.pauseAllActive(ctx, blockID); err != nil {
			return err
		}
	}

	block, err := m.blocks.Get(ctx, blockID)
	if err != nil {
		return err
	}
	if block.Status == status {
		return nil
	}
	block.Status = status
	block.UpdatedAt = time.Now().UTC()
	return m.blocks.Update(ctx, block)
}

// pauseAllActive flips every ACTIVE block except skipID to PAUSED. Callers
// hold statusMu.
func (m *Manager) pauseAllActive(ctx context.Context, skipID string) error {
	active, err := m.blocks.GetByStatus(ctx, types.BlockStatusActive)
	if err != nil {
		return fmt.Errorf("failed to load active blocks: %w", err)
	}
	for _, b := range active {
		if b.ID == skipID {
			continue
		}
		b.Status = types.BlockStatusPaused
		b.UpdatedAt = time.Now().UTC()
		if err := m.blocks.Update(ctx, b); err != nil {
			return fmt.Errorf("failed to pause block %s: %w", b.ID, err)
		}
	}
	return nil
}

// UpdateMetadata merges an update into the block.
func (m *Manager) UpdateMetadata(ctx context.Context, blockID string, update MetadataUpdate) error {
	block, err := m.blocks.Get(ctx, blockID)
	if err != nil {
		return err
	}

	if update.TopicLabel != "" {
		block.TopicLabel = update.TopicLabel
	}
	if update.Summary != "" {
		block.Summary = update.Summary
	}
	block.Keywords = mergeClamped(block.Keywords, update.Keywords, types.MaxKeywords)
	block.OpenLoops = mergeClamped(block.OpenLoops, update.OpenLoops, types.MaxOpenLoops)
	block.DecisionsMade = mergeClamped(block.DecisionsMade, update.DecisionsMade, types.MaxDecisionsMade)
	block.UpdatedAt = time.Now().UTC()

	return m.blocks.Update(ctx, block)
}

// mergeClamped appends additions to base as a deduped ordered set, clamped
// to limit. Existing entries keep their positions.
func mergeClamped(base, additions []string, limit int) []string {
	seen := make(map[string]bool, len(base))
	out := make([]string, 0, len(base)+len(additions))
	for _, v := range base {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	for _, v := range additions {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// AppendTurn persists the turn and bumps the block's counters.
func (m *Manager) AppendTurn(ctx context.Context, turn *types.Turn) error {
	if err := m.turns.Insert(ctx, turn); err != nil {
		return fmt.Errorf("failed to append turn: %w", err)
	}
	block, err := m.blocks.Get(ctx, turn.BlockID)
	if err != nil {
		return fmt.Errorf("failed to load block for turn append: %w", err)
	}
	block.TurnCount++
	block.UpdatedAt = time.Now().UTC()
	if err := m.blocks.Update(ctx, block); err != nil {
		return fmt.Errorf("failed to bump turn count: %w", err)
	}
	return nil
}

// GetTurns returns a block's turns in chronological order.
func (m *Manager) GetTurns(ctx context.Context, blockID string) ([]*types.Turn, error) {
	return m.turns.GetByBlock(ctx, blockID)
}

// PauseWithSummary pauses the block, synthesizing a heuristic summary when
// the block has none.
func (m *Manager) PauseWithSummary(ctx context.Context, blockID string) error {
	block, err := m.blocks.Get(ctx, blockID)
	if err != nil {
		return err
	}

	if block.Summary == "" {
		summary, err := m.GenerateSummary(ctx, blockID)
		if err != nil {
			m.logger.WarnContext(ctx, "summary generation failed, pausing without", "block_id", blockID, "error", err)
		} else {
			block.Summary = summary
		}
	}
	block.Status = types.BlockStatusPaused
	block.UpdatedAt = time.Now().UTC()
	return m.blocks.Update(ctx, block)
}

// GenerateSummary builds a heuristic summary from the block's turns.
func (m *Manager) GenerateSummary(ctx context.Context, blockID string) (string, error) {
	turns, err := m.turns.GetByBlock(ctx, blockID)
	if err != nil {
		return "", err
	}
	if len(turns) == 0 {
		return "", errors.New("block has no turns to summarize")
	}
	if len(turns) == 1 {
		return truncate(turns[0].UserMessage, 100), nil
	}
	first := truncate(turns[0].UserMessage, 50)
	last := truncate(turns[len(turns)-1].UserMessage, 50)
	return fmt.Sprintf("%d exchanges. Started with: %q Ended with: %q", len(turns), first, last), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// blockSynthesis is the JSON shape requested from the LLM.
type blockSynthesis struct {
	TopicLabel    string   `json:"topic_label"`
	Summary       string   `json:"summary"`
	UserAffect    string   `json:"user_affect"`
	OpenLoops     []string `json:"open_loops"`
	DecisionsMade []string `json:"decisions_made"`
	Keywords      []string `json:"keywords"`
}

const synthesisSystemPrompt = `You summarize conversation topics. Respond with a single JSON object and nothing else.`

// SynthesizeBlockWithLLM asks the chat LLM to distill the block's turns
// into structured metadata and merges the result.
func (m *Manager) SynthesizeBlockWithLLM(ctx context.Context, blockID string) error {
	if m.chat == nil {
		return errors.New("chat service not configured")
	}
	turns, err := m.turns.GetByBlock(ctx, blockID)
	if err != nil {
		return err
	}
	if len(turns) == 0 {
		return errors.New("block has no turns to synthesize")
	}

	var transcript strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&transcript, "User: %s\nAssistant: %s\n\n", t.UserMessage, truncate(t.AIResponse, 300))
	}

	prompt := fmt.Sprintf(`Analyze this conversation and return JSON with keys
topic_label, summary, user_affect, open_loops, decisions_made, keywords.

Conversation:
%s`, transcript.String())

	raw, err := m.chat.CompleteFast(ctx, synthesisSystemPrompt, prompt)
	if err != nil {
		return fmt.Errorf("block synthesis failed: %w", err)
	}

	var parsed blockSynthesis
	if err := json.Unmarshal([]byte(ExtractJSONObject(raw)), &parsed); err != nil {
		return fmt.Errorf("failed to parse block synthesis response: %w", err)
	}

	return m.UpdateMetadata(ctx, blockID, MetadataUpdate{
		TopicLabel:    parsed.TopicLabel,
		Summary:       parsed.Summary,
		Keywords:      parsed.Keywords,
		OpenLoops:     parsed.OpenLoops,
		DecisionsMade: parsed.DecisionsMade,
	})
}

// ExtractJSONObject returns the outermost brace-balanced {...} in s, or ""
// when none exists. Tolerant of fenced code blocks and surrounding prose.
func ExtractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
