// Package types defines the core domain entities for the HMLR memory engine:
// bridge blocks, turns, facts, memories, chunks and the derived bookkeeping
// records (usage stats, lineage edges, topic affinity).
package types

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by stores when a document does not exist.
var ErrNotFound = errors.New("not found")

// DeletedValue marks a fact soft-deleted through supersession.
const DeletedValue = "[DELETED]"

// Cardinality bounds for bridge block metadata.
const (
	MaxKeywords      = 20
	MaxOpenLoops     = 10
	MaxDecisionsMade = 10
	MaxLexicalTokens = 20
)

// BlockStatus is the lifecycle state of a bridge block.
type BlockStatus string

const (
	BlockStatusActive BlockStatus = "ACTIVE"
	BlockStatusPaused BlockStatus = "PAUSED"
	BlockStatusClosed BlockStatus = "CLOSED"
)

// Valid reports whether the status is a known lifecycle state.
func (s BlockStatus) Valid() bool {
	switch s {
	case BlockStatusActive, BlockStatusPaused, BlockStatusClosed:
		return true
	default:
		return false
	}
}

// BridgeBlock is a topic-scoped container for a contiguous run of turns
// within a day. At most one block is ACTIVE at any time.
type BridgeBlock struct {
	ID            string      `json:"id"`
	DayID         string      `json:"day_id"`
	TopicLabel    string      `json:"topic_label"`
	Summary       string      `json:"summary"`
	Keywords      []string    `json:"keywords"`
	Status        BlockStatus `json:"status"`
	PrevBlockID   string      `json:"prev_block_id,omitempty"`
	OpenLoops     []string    `json:"open_loops"`
	DecisionsMade []string    `json:"decisions_made"`
	TurnCount     int         `json:"turn_count"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// NewBridgeBlock creates an ACTIVE block for the given day and topic.
func NewBridgeBlock(dayID, topicLabel string) *BridgeBlock {
	now := time.Now().UTC()
	return &BridgeBlock{
		ID:            NewBlockID(),
		DayID:         dayID,
		TopicLabel:    topicLabel,
		Keywords:      []string{},
		Status:        BlockStatusActive,
		OpenLoops:     []string{},
		DecisionsMade: []string{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Validate checks structural invariants of the block.
func (b *BridgeBlock) Validate() error {
	if b.ID == "" {
		return errors.New("block id cannot be empty")
	}
	if b.DayID == "" {
		return errors.New("block day_id cannot be empty")
	}
	if !b.Status.Valid() {
		return fmt.Errorf("invalid block status: %s", b.Status)
	}
	if b.UpdatedAt.Before(b.CreatedAt) {
		return errors.New("block updated_at precedes created_at")
	}
	if len(b.Keywords) > MaxKeywords {
		return fmt.Errorf("block keywords exceed bound of %d", MaxKeywords)
	}
	return nil
}

// BlockMetadata is the lightweight projection used for daily routing.
type BlockMetadata struct {
	ID           string      `json:"id"`
	TopicLabel   string      `json:"topic_label"`
	Summary      string      `json:"summary"`
	Keywords     []string    `json:"keywords"`
	Status       BlockStatus `json:"status"`
	TurnCount    int         `json:"turn_count"`
	UpdatedAt    time.Time   `json:"updated_at"`
	IsLastActive bool        `json:"is_last_active"`
}

// Affect is a short categorical label for the user's emotional tone.
type Affect string

const (
	AffectNeutral      Affect = "neutral"
	AffectCurious      Affect = "curious"
	AffectFrustrated   Affect = "frustrated"
	AffectExcited      Affect = "excited"
	AffectConfused     Affect = "confused"
	AffectSatisfied    Affect = "satisfied"
	AffectImpatient    Affect = "impatient"
	AffectEngaged      Affect = "engaged"
	AffectBored        Affect = "bored"
	AffectEnthusiastic Affect = "enthusiastic"
	AffectPositive     Affect = "positive"
	AffectNegative     Affect = "negative"
)

// Turn is one atomic user/assistant exchange. Immutable after append.
type Turn struct {
	ID          string    `json:"id"`
	BlockID     string    `json:"block_id"`
	UserMessage string    `json:"user_message"`
	AIResponse  string    `json:"ai_response"`
	Keywords    []string  `json:"keywords"`
	Affect      Affect    `json:"affect"`
	Timestamp   time.Time `json:"timestamp"`
	// Evicted marks the turn as dropped from the sliding window. Window
	// bookkeeping only; the content itself is never mutated or deleted.
	Evicted bool `json:"evicted,omitempty"`
}

// Validate checks structural invariants of the turn.
func (t *Turn) Validate() error {
	if t.ID == "" {
		return errors.New("turn id cannot be empty")
	}
	if t.BlockID == "" {
		return errors.New("turn block_id cannot be empty")
	}
	if t.UserMessage == "" {
		return errors.New("turn user_message cannot be empty")
	}
	return nil
}

// TokenEstimate is the sliding-window accounting size of the turn.
func (t *Turn) TokenEstimate() int {
	return EstimateTokens(t.UserMessage) + EstimateTokens(t.AIResponse)
}

// FactCategory classifies a stored fact.
type FactCategory string

const (
	FactCategoryCredential FactCategory = "credential"
	FactCategoryPreference FactCategory = "preference"
	FactCategoryPolicy     FactCategory = "policy"
	FactCategoryDecision   FactCategory = "decision"
	FactCategoryContact    FactCategory = "contact"
	FactCategoryDate       FactCategory = "date"
	FactCategoryGeneral    FactCategory = "general"
)

// Fact is a keyed assertion with provenance, subject to supersession.
// For any key at most one row has an empty SupersededBy.
type Fact struct {
	ID                string       `json:"id"`
	Key               string       `json:"key"`
	Value             string       `json:"value"`
	Category          FactCategory `json:"category,omitempty"`
	BlockID           string       `json:"block_id"`
	TurnID            string       `json:"turn_id,omitempty"`
	EvidenceSnippet   string       `json:"evidence_snippet,omitempty"`
	SourceChunkID     string       `json:"source_chunk_id,omitempty"`
	SourceParagraphID string       `json:"source_paragraph_id,omitempty"`
	Confidence        float64      `json:"confidence"`
	SupersededBy      string       `json:"superseded_by,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
}

// IsDeleted reports whether the fact is a soft-delete marker.
func (f *Fact) IsDeleted() bool { return f.Value == DeletedValue }

// Validate checks structural invariants of the fact.
func (f *Fact) Validate() error {
	if f.ID == "" {
		return errors.New("fact id cannot be empty")
	}
	if f.Key == "" {
		return errors.New("fact key cannot be empty")
	}
	if f.Confidence < 0 || f.Confidence > 1 {
		return fmt.Errorf("fact confidence must be in [0,1], got %f", f.Confidence)
	}
	return nil
}

// Memory is an embedded text unit for semantic recall.
type Memory struct {
	ID         string    `json:"id"`
	TurnID     string    `json:"turn_id"`
	BlockID    string    `json:"block_id"`
	Content    string    `json:"content"`
	ChunkIndex int       `json:"chunk_index"`
	Embedding  []float64 `json:"embedding,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Validate checks structural invariants of the memory.
func (m *Memory) Validate() error {
	if m.ID == "" {
		return errors.New("memory id cannot be empty")
	}
	if m.TurnID == "" {
		return errors.New("memory turn_id cannot be empty")
	}
	if m.Content == "" {
		return errors.New("memory content cannot be empty")
	}
	return nil
}

// ChunkType is the hierarchy level of a chunk.
type ChunkType string

const (
	ChunkTypeSentence  ChunkType = "sentence"
	ChunkTypeParagraph ChunkType = "paragraph"
	// ChunkTypeTurn classifies long gardened-memory results; never persisted
	// by the chunker itself.
	ChunkTypeTurn ChunkType = "turn"
)

// Chunk is an immutable sub-unit of a turn. Sentences carry the id of the
// owning paragraph. BlockID may be empty until routing completes.
type Chunk struct {
	ID             string    `json:"id"`
	Type           ChunkType `json:"type"`
	TextVerbatim   string    `json:"text_verbatim"`
	LexicalFilters []string  `json:"lexical_filters"`
	ParentChunkID  string    `json:"parent_chunk_id,omitempty"`
	TurnID         string    `json:"turn_id"`
	BlockID        string    `json:"block_id,omitempty"`
	Embedding      []float64 `json:"embedding,omitempty"`
	TokenCount     int       `json:"token_count"`
	CreatedAt      time.Time `json:"created_at"`
}

// Validate checks structural invariants of the chunk.
func (c *Chunk) Validate() error {
	if c.ID == "" {
		return errors.New("chunk id cannot be empty")
	}
	if c.Type == ChunkTypeSentence && c.ParentChunkID == "" {
		return errors.New("sentence chunk requires parent_chunk_id")
	}
	if c.TurnID == "" {
		return errors.New("chunk turn_id cannot be empty")
	}
	if len(c.LexicalFilters) > MaxLexicalTokens {
		return fmt.Errorf("chunk lexical filters exceed bound of %d", MaxLexicalTokens)
	}
	return nil
}

// UsageStat tracks per-item retrieval accounting.
type UsageStat struct {
	ItemID     string    `json:"item_id"`
	ItemType   string    `json:"item_type"`
	UsageCount int       `json:"usage_count"`
	FirstUsed  time.Time `json:"first_used"`
	LastUsed   time.Time `json:"last_used"`
	Topics     []string  `json:"topics,omitempty"`
}

// LineageItemType enumerates the item kinds that participate in lineage.
type LineageItemType string

const (
	LineageItemTurn    LineageItemType = "turn"
	LineageItemFact    LineageItemType = "fact"
	LineageItemMemory  LineageItemType = "memory"
	LineageItemBlock   LineageItemType = "block"
	LineageItemSummary LineageItemType = "summary"
	LineageItemChunk   LineageItemType = "chunk"
)

// LineageEdge is a directed derivation record. The set of edges must form
// a DAG; traversal is by id, never by pointer.
type LineageEdge struct {
	ItemID      string          `json:"item_id"`
	ItemType    LineageItemType `json:"item_type"`
	DerivedFrom []string        `json:"derived_from"`
	DerivedBy   string          `json:"derived_by"`
	CreatedAt   time.Time       `json:"created_at"`
}

// TopicAffinity aggregates how long a topic survives in the sliding window.
type TopicAffinity struct {
	Topic             string  `json:"topic"`
	EvictionCount     int     `json:"eviction_count"`
	TotalTimeInWindow int64   `json:"total_time_in_window_ms"`
	AvgTimeInWindow   float64 `json:"avg_time_in_window_ms"`
}

// DebugLog is a best-effort diagnostic record written by the orchestrator.
type DebugLog struct {
	ID        string    `json:"id"`
	TurnID    string    `json:"turn_id,omitempty"`
	Step      string    `json:"step"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// ChatResponse is the per-turn result returned to the caller.
type ChatResponse struct {
	Response       string `json:"response"`
	BlockID        string `json:"block_id"`
	TurnID         string `json:"turn_id"`
	IsNewTopic     bool   `json:"is_new_topic"`
	TopicLabel     string `json:"topic_label"`
	MemoriesUsed   int    `json:"memories_used"`
	FactsUsed      int    `json:"facts_used"`
	ChunksCreated  int    `json:"chunks_created"`
	FactsExtracted int    `json:"facts_extracted"`
	Scenario       int    `json:"scenario"`
}

// ScoredMemory pairs a memory with its retrieval score and presentation tags.
type ScoredMemory struct {
	Memory       *Memory   `json:"memory"`
	Score        float64   `json:"score"`
	ChunkType    ChunkType `json:"chunk_type,omitempty"`
	GlobalTags   []string  `json:"global_tags,omitempty"`
	MatchedTerms []string  `json:"matched_terms,omitempty"`
}

// EstimateTokens approximates the token cost of text as ceil(len/4).
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// FormatDayID formats a timestamp as the UTC calendar day identifier.
func FormatDayID(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Id constructors. All ids are opaque and time-prefixed so lexical order
// approximates creation order within a prefix.

func newID(prefix string) string {
	return fmt.Sprintf("%s_%d_%s", prefix, time.Now().UnixNano(), nonce())
}

func nonce() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

// NewBlockID returns a fresh bridge block id.
func NewBlockID() string { return newID("blk") }

// NewTurnID returns a fresh time-sortable turn id.
func NewTurnID() string { return newID("turn") }

// NewFactID returns a fresh fact id.
func NewFactID() string { return newID("fact") }

// MemoryIDForTurn derives the memory id for a turn's exchange memory.
func MemoryIDForTurn(turnID string) string { return "mem_" + turnID }

// NewParagraphChunkID returns a paragraph chunk id carrying its index.
func NewParagraphChunkID(ts time.Time, idx int) string {
	return fmt.Sprintf("para_%d_%d_%s", ts.UnixNano(), idx, nonce())
}

// NewSentenceChunkID returns a sentence chunk id carrying its index.
func NewSentenceChunkID(ts time.Time, idx int) string {
	return fmt.Sprintf("sent_%d_%d_%s", ts.UnixNano(), idx, nonce())
}

// NewJobID returns a fresh synthesis job id.
func NewJobID() string { return newID("job") }
