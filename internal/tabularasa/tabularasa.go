// Package tabularasa decides whether an incoming query starts a new topic
// or continues the active one. It is heuristic first, with an optional
// variant that trusts model-supplied metadata.
package tabularasa

import (
	"regexp"
	"strings"

	"hmlr-memory/internal/chunking"
)

// ShiftResult is the outcome of topic-shift detection.
type ShiftResult struct {
	IsShift       bool    `json:"is_shift"`
	Reason        string  `json:"reason"`
	NewTopicLabel string  `json:"new_topic_label,omitempty"`
	Confidence    float64 `json:"confidence"`
}

// ShiftMetadata is model-supplied shift information from a prior turn.
type ShiftMetadata struct {
	IsTopicShift  bool
	NewTopicLabel string
	Confidence    float64
}

// DefaultTopicLabel is used when no topic can be extracted from the query.
const DefaultTopicLabel = "General Conversation"

// Reasons reported in ShiftResult.
const (
	ReasonNoActiveTopic  = "no active topic"
	ReasonExplicitShift  = "explicit shift announcement"
	ReasonContinuation   = "Continuation phrasing"
	ReasonLowOverlap     = "low keyword overlap with active topic"
	ReasonKeywordOverlap = "keyword overlap with active topic"
	ReasonModelMetadata  = "model metadata"
)

// explicitShiftPatterns capture an announced topic change along with its
// subject.
var explicitShiftPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)let'?s talk about (.+?)(?:\s+instead)?[.!?]?$`),
	regexp.MustCompile(`(?i)changing topics? to (.+?)[.!?]?$`),
	regexp.MustCompile(`(?i)moving on to (.+?)[.!?]?$`),
	regexp.MustCompile(`(?i)new topic:?\s*(.+?)[.!?]?$`),
	regexp.MustCompile(`(?i)can we discuss (.+?)[.!?]?$`),
	regexp.MustCompile(`(?i)switching to (.+?)[.!?]?$`),
}

// continuationPatterns anchor phrases that signal the user is extending
// the current topic.
var continuationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^\s*(so|and|but|also|additionally|furthermore)\b`),
	regexp.MustCompile(`(?i)^\s*as we discussed`),
	regexp.MustCompile(`(?i)^\s*going back to`),
	regexp.MustCompile(`(?i)^\s*regarding that`),
}

// Detector performs topic-shift checks.
type Detector struct {
	// shiftThreshold is the Jaccard dissimilarity above which a query is
	// treated as a new topic.
	shiftThreshold float64
}

// NewDetector creates a detector with the default threshold.
func NewDetector() *Detector {
	return &Detector{shiftThreshold: 0.7}
}

// CheckForShift classifies query against the active block's keywords.
func (d *Detector) CheckForShift(query string, activeBlockKeywords []string) ShiftResult {
	queryTopics := chunking.LexicalFilters(query)

	if len(activeBlockKeywords) == 0 {
		label := DefaultTopicLabel
		if len(queryTopics) > 0 {
			label = queryTopics[0]
		}
		return ShiftResult{
			IsShift:       true,
			Reason:        ReasonNoActiveTopic,
			NewTopicLabel: label,
			Confidence:    1.0,
		}
	}

	for _, pattern := range explicitShiftPatterns {
		if m := pattern.FindStringSubmatch(query); m != nil {
			return ShiftResult{
				IsShift:       true,
				Reason:        ReasonExplicitShift,
				NewTopicLabel: strings.TrimSpace(m[1]),
				Confidence:    1.0,
			}
		}
	}

	for _, pattern := range continuationPatterns {
		if pattern.MatchString(query) {
			return ShiftResult{
				IsShift:    false,
				Reason:     ReasonContinuation,
				Confidence: 0.1,
			}
		}
	}

	similarity := jaccard(queryTopics, activeBlockKeywords)
	shiftConfidence := 1 - similarity
	if shiftConfidence > d.shiftThreshold {
		label := DefaultTopicLabel
		if len(queryTopics) > 0 {
			label = queryTopics[0]
		}
		return ShiftResult{
			IsShift:       true,
			Reason:        ReasonLowOverlap,
			NewTopicLabel: label,
			Confidence:    shiftConfidence,
		}
	}
	return ShiftResult{
		IsShift:    false,
		Reason:     ReasonKeywordOverlap,
		Confidence: 1 - shiftConfidence,
	}
}

// CheckForShiftWithMetadata trusts model-supplied metadata when present
// and falls back to the heuristic otherwise.
func (d *Detector) CheckForShiftWithMetadata(query string, activeBlockKeywords []string, meta *ShiftMetadata) ShiftResult {
	if meta != nil {
		label := strings.TrimSpace(meta.NewTopicLabel)
		if meta.IsTopicShift && label != "" {
			return ShiftResult{
				IsShift:       true,
				Reason:        ReasonModelMetadata,
				NewTopicLabel: label,
				Confidence:    meta.Confidence,
			}
		}
		if !meta.IsTopicShift && meta.Confidence > 0 {
			return ShiftResult{
				IsShift:    false,
				Reason:     ReasonModelMetadata,
				Confidence: meta.Confidence,
			}
		}
	}
	return d.CheckForShift(query, activeBlockKeywords)
}

// jaccard computes |A∩B|/|A∪B| over lowercase token sets.
func jaccard(a, b []string) float64 {
	setA := make(map[string]bool, len(a))
	for _, t := range a {
		setA[strings.ToLower(t)] = true
	}
	setB := make(map[string]bool, len(b))
	for _, t := range b {
		setB[strings.ToLower(t)] = true
	}
	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}
	intersection := 0
	for t := range setA {
		if setB[t] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 1
	}
	return float64(intersection) / float64(union)
}
