// Package scrubber extracts durable user facts from free-form messages via
// the fast model. Extraction is best effort: an unparseable response yields
// zero facts, never an error the caller has to branch on.
package scrubber

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"hmlr-memory/internal/ai"
	"hmlr-memory/internal/facts"
	"hmlr-memory/internal/logging"
	"hmlr-memory/pkg/types"
)

// Version tags lineage edges for facts this extractor produced.
const Version = "fact_scrubber_v1"

// minMessageLength skips the LLM round trip for messages too short to
// carry a durable fact.
const minMessageLength = 12

type extractedFact struct {
	Key        string  `json:"key"`
	Value      string  `json:"value"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Evidence   string  `json:"evidence"`
}

// Scrubber runs LLM fact extraction.
type Scrubber struct {
	chat   ai.ChatService
	logger logging.Logger
}

// New creates a scrubber.
func New(chat ai.ChatService) *Scrubber {
	return &Scrubber{chat: chat, logger: logging.WithComponent("scrubber")}
}

const systemPrompt = `You extract durable facts about the user from a chat message: identity, preferences, decisions, dates, contacts, credentials, policies. Only facts stated by the user, never inferences. Respond with a JSON array and nothing else. Each element: {"key": "<short stable key>", "value": "<value>", "category": "<credential|preference|policy|decision|contact|date|general>", "confidence": <0..1>, "evidence": "<short quote>"}. Return [] when the message contains no durable fact.`

// Extract returns fact inputs found in the message. BlockID and TurnID are
// left empty; the caller stamps them before persisting.
func (s *Scrubber) Extract(ctx context.Context, message string) ([]facts.StoreInput, error) {
	if len(strings.TrimSpace(message)) < minMessageLength {
		return nil, nil
	}

	raw, err := s.chat.CompleteFast(ctx, systemPrompt, message)
	if err != nil {
		return nil, fmt.Errorf("fact extraction failed: %w", err)
	}

	var parsed []extractedFact
	if err := json.Unmarshal([]byte(ExtractJSONArray(raw)), &parsed); err != nil {
		s.logger.WarnContext(ctx, "fact extraction response unparseable", "error", err)
		return nil, nil
	}

	out := make([]facts.StoreInput, 0, len(parsed))
	for _, f := range parsed {
		key := strings.TrimSpace(f.Key)
		value := strings.TrimSpace(f.Value)
		if key == "" || value == "" || value == types.DeletedValue {
			continue
		}
		out = append(out, facts.StoreInput{
			Key:             key,
			Value:           value,
			Category:        normalizeCategory(f.Category),
			EvidenceSnippet: strings.TrimSpace(f.Evidence),
			Confidence:      clamp01(f.Confidence),
		})
	}
	return out, nil
}

func normalizeCategory(raw string) types.FactCategory {
	switch types.FactCategory(strings.ToLower(strings.TrimSpace(raw))) {
	case types.FactCategoryCredential:
		return types.FactCategoryCredential
	case types.FactCategoryPreference:
		return types.FactCategoryPreference
	case types.FactCategoryPolicy:
		return types.FactCategoryPolicy
	case types.FactCategoryDecision:
		return types.FactCategoryDecision
	case types.FactCategoryContact:
		return types.FactCategoryContact
	case types.FactCategoryDate:
		return types.FactCategoryDate
	default:
		return types.FactCategoryGeneral
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ExtractJSONArray returns the outermost balanced [...] in text, or ""
// when none exists. String literals and escapes are skipped.
func ExtractJSONArray(text string) string {
	start := strings.IndexByte(text, '[')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
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
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
