// Package synthesis runs the background memory maintenance loop: the
// Scribe keeps the user profile current, the day synthesizer closes out a
// day's blocks, and the week synthesizer rolls days into a digest. Jobs
// flow through an outbox row plus a queue, so a crash between turn commit
// and synthesis loses nothing.
package synthesis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"hmlr-memory/internal/ai"
	"hmlr-memory/internal/blocks"
	"hmlr-memory/internal/facts"
	"hmlr-memory/internal/logging"
	"hmlr-memory/pkg/types"
)

// Job kinds carried on the queue.
const (
	KindScribe = "scribe"
	KindDay    = "day_synthesis"
	KindWeek   = "week_synthesis"
)

// profileFactKey is where the Scribe's output lives. Storing it as a fact
// keeps profile history in the same supersession chain as everything else.
const profileFactKey = "user_profile"

// profileTokenCap bounds the stored profile paragraph.
const profileTokenCap = 300

// Scribe maintains the user profile paragraph.
type Scribe interface {
	UpdateProfile(ctx context.Context, dayID string) (string, error)
}

// DaySynthesizer closes out one day.
type DaySynthesizer interface {
	SynthesizeDay(ctx context.Context, dayID string) error
}

// WeekSynthesizer rolls a week of days into a digest.
type WeekSynthesizer interface {
	SynthesizeWeek(ctx context.Context, weekStartDayID string) error
}

// ProfileService is the LLM-backed Scribe. It also serves profile reads
// for the hydrator.
type ProfileService struct {
	facts  *facts.Service
	blocks *blocks.Manager
	chat   ai.ChatService
	logger logging.Logger
}

// NewProfileService creates the scribe.
func NewProfileService(factSvc *facts.Service, blockMgr *blocks.Manager, chat ai.ChatService) *ProfileService {
	return &ProfileService{
		facts:  factSvc,
		blocks: blockMgr,
		chat:   chat,
		logger: logging.WithComponent("scribe"),
	}
}

// GetProfile returns the current profile paragraph, or "" when none has
// been synthesized yet.
func (s *ProfileService) GetProfile(ctx context.Context) (string, error) {
	fact, err := s.facts.Get(ctx, profileFactKey)
	if err != nil {
		return "", err
	}
	if fact == nil || fact.IsDeleted() {
		return "", nil
	}
	return fact.Value, nil
}

const scribeSystemPrompt = `You maintain a one-paragraph profile of a user from their stored facts and recent conversation summaries. Write in third person, factual, no speculation. At most 200 words. Respond with the paragraph only.`

// UpdateProfile re-synthesizes the profile from active facts and the
// day's block summaries, then persists it.
func (s *ProfileService) UpdateProfile(ctx context.Context, dayID string) (string, error) {
	activeFacts, err := s.facts.GetAllActive(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to load facts: %w", err)
	}
	ledger, err := s.blocks.GetMetadataByDay(ctx, dayID)
	if err != nil {
		return "", fmt.Errorf("failed to load block ledger: %w", err)
	}
	if len(activeFacts) == 0 && len(ledger) == 0 {
		return "", nil
	}

	var b strings.Builder
	b.WriteString("Known facts:\n")
	for _, fact := range activeFacts {
		if fact.Key == profileFactKey {
			continue
		}
		fmt.Fprintf(&b, "- %s[%s]: %s\n", fact.Key, fact.Category, fact.Value)
	}
	b.WriteString("\nToday's conversation topics:\n")
	for _, md := range ledger {
		fmt.Fprintf(&b, "- %s: %s\n", md.TopicLabel, md.Summary)
	}

	profile, err := s.chat.CompleteFast(ctx, scribeSystemPrompt, b.String())
	if err != nil {
		return "", fmt.Errorf("profile synthesis failed: %w", err)
	}
	profile = clampTokens(strings.TrimSpace(profile), profileTokenCap)
	if profile == "" {
		return "", nil
	}

	if _, err := s.facts.Store(ctx, facts.StoreInput{
		Key:        profileFactKey,
		Value:      profile,
		Category:   types.FactCategoryGeneral,
		Confidence: 1.0,
	}); err != nil {
		return "", fmt.Errorf("failed to persist profile: %w", err)
	}
	s.logger.InfoContext(ctx, "profile updated", "day_id", dayID, "tokens", types.EstimateTokens(profile))
	return profile, nil
}

func clampTokens(text string, maxTokens int) string {
	maxChars := maxTokens * 4
	if len(text) <= maxChars {
		return text
	}
	return text[:maxChars]
}

// DayService closes a day: every non-closed block gets its metadata
// synthesized and is moved to CLOSED.
type DayService struct {
	blocks *blocks.Manager
	logger logging.Logger
}

// NewDayService creates the day synthesizer.
func NewDayService(blockMgr *blocks.Manager) *DayService {
	return &DayService{blocks: blockMgr, logger: logging.WithComponent("day-synthesis")}
}

func (s *DayService) SynthesizeDay(ctx context.Context, dayID string) error {
	dayBlocks, err := s.blocks.GetByDay(ctx, dayID)
	if err != nil {
		return fmt.Errorf("failed to load blocks for %s: %w", dayID, err)
	}
	for _, block := range dayBlocks {
		if block.Status == types.BlockStatusClosed {
			continue
		}
		if err := s.blocks.SynthesizeBlockWithLLM(ctx, block.ID); err != nil {
			s.logger.WarnContext(ctx, "block synthesis failed, closing anyway",
				"block_id", block.ID, "error", err)
		}
		if err := s.blocks.UpdateStatus(ctx, block.ID, types.BlockStatusClosed); err != nil {
			return fmt.Errorf("failed to close block %s: %w", block.ID, err)
		}
	}
	s.logger.InfoContext(ctx, "day synthesized", "day_id", dayID, "blocks", len(dayBlocks))
	return nil
}

const weekSystemPrompt = `You summarize a week of conversation topics into one short digest paragraph. Respond with the paragraph only.`

// WeekService rolls seven days of block summaries into a digest fact.
type WeekService struct {
	blocks *blocks.Manager
	facts  *facts.Service
	chat   ai.ChatService
	logger logging.Logger
}

// NewWeekService creates the week synthesizer.
func NewWeekService(blockMgr *blocks.Manager, factSvc *facts.Service, chat ai.ChatService) *WeekService {
	return &WeekService{
		blocks: blockMgr,
		facts:  factSvc,
		chat:   chat,
		logger: logging.WithComponent("week-synthesis"),
	}
}

func (s *WeekService) SynthesizeWeek(ctx context.Context, weekStartDayID string) error {
	start, err := time.Parse("2006-01-02", weekStartDayID)
	if err != nil {
		return fmt.Errorf("invalid week start %q: %w", weekStartDayID, err)
	}

	var b strings.Builder
	total := 0
	for i := 0; i < 7; i++ {
		dayID := types.FormatDayID(start.AddDate(0, 0, i))
		ledger, err := s.blocks.GetMetadataByDay(ctx, dayID)
		if err != nil {
			return fmt.Errorf("failed to load %s: %w", dayID, err)
		}
		for _, md := range ledger {
			fmt.Fprintf(&b, "[%s] %s: %s\n", dayID, md.TopicLabel, md.Summary)
			total++
		}
	}
	if total == 0 {
		return nil
	}

	digest, err := s.chat.CompleteFast(ctx, weekSystemPrompt, b.String())
	if err != nil {
		return fmt.Errorf("week synthesis failed: %w", err)
	}
	digest = strings.TrimSpace(digest)
	if digest == "" {
		return nil
	}

	if _, err := s.facts.Store(ctx, facts.StoreInput{
		Key:        "week_digest_" + weekStartDayID,
		Value:      digest,
		Category:   types.FactCategoryGeneral,
		Confidence: 1.0,
	}); err != nil {
		return fmt.Errorf("failed to persist week digest: %w", err)
	}
	s.logger.InfoContext(ctx, "week synthesized", "week_start", weekStartDayID, "blocks", total)
	return nil
}
