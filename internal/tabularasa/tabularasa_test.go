package tabularasa

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNoActiveKeywords(t *testing.T) {
	d := NewDetector()
	got := d.CheckForShift("Tell me about quantum computing", nil)
	assert.True(t, got.IsShift)
	assert.Equal(t, 1.0, got.Confidence)
	assert.Equal(t, "tell", got.NewTopicLabel)

	got = d.CheckForShift("it is so", nil)
	assert.True(t, got.IsShift)
	assert.Equal(t, DefaultTopicLabel, got.NewTopicLabel)
}

func TestContinuation(t *testing.T) {
	d := NewDetector()
	got := d.CheckForShift("So tell me more about the contract details",
		[]string{"contract", "law", "agreement"})
	assert.False(t, got.IsShift)
	assert.Equal(t, ReasonContinuation, got.Reason)
	assert.Contains(t, got.Reason, "Continuation")
	assert.InDelta(t, 0.1, got.Confidence, 1e-9)
}

func TestExplicitShift(t *testing.T) {
	d := NewDetector()
	got := d.CheckForShift("Actually, let's talk about cooking pasta",
		[]string{"HMLR", "architecture", "Governor"})
	assert.True(t, got.IsShift)
	assert.Greater(t, got.Confidence, 0.5)
	assert.NotEmpty(t, got.NewTopicLabel)
	assert.Equal(t, "cooking pasta", got.NewTopicLabel)
}

func TestExplicitShiftVariants(t *testing.T) {
	d := NewDetector()
	keywords := []string{"contracts"}
	tests := []struct {
		query string
		label string
	}{
		{"Let's talk about gardening instead", "gardening"},
		{"changing topics to travel plans", "travel plans"},
		{"Moving on to budget review.", "budget review"},
		{"new topic: quarterly goals", "quarterly goals"},
		{"Can we discuss the hiring pipeline?", "the hiring pipeline"},
		{"switching to deployment issues", "deployment issues"},
	}
	for _, tt := range tests {
		got := d.CheckForShift(tt.query, keywords)
		assert.True(t, got.IsShift, tt.query)
		assert.Equal(t, tt.label, got.NewTopicLabel, tt.query)
	}
}

func TestJaccardShift(t *testing.T) {
	d := NewDetector()

	// No overlap at all: full shift confidence.
	got := d.CheckForShift("quantum entanglement research",
		[]string{"contract", "law", "agreement"})
	assert.True(t, got.IsShift)
	assert.Equal(t, 1.0, got.Confidence)
	assert.Equal(t, "quantum", got.NewTopicLabel)

	// Strong overlap: not a shift.
	got = d.CheckForShift("contract law agreement details",
		[]string{"contract", "law", "agreement", "details"})
	assert.False(t, got.IsShift)
	assert.Greater(t, got.Confidence, 0.5)
}

func TestCheckForShiftWithMetadata(t *testing.T) {
	d := NewDetector()
	keywords := []string{"contract", "law"}

	got := d.CheckForShiftWithMetadata("whatever", keywords, &ShiftMetadata{
		IsTopicShift: true, NewTopicLabel: "Cooking", Confidence: 0.9,
	})
	assert.True(t, got.IsShift)
	assert.Equal(t, "Cooking", got.NewTopicLabel)
	assert.Equal(t, 0.9, got.Confidence)

	got = d.CheckForShiftWithMetadata("whatever", keywords, &ShiftMetadata{
		IsTopicShift: false, Confidence: 0.8,
	})
	assert.False(t, got.IsShift)
	assert.Equal(t, ReasonModelMetadata, got.Reason)

	// Nil metadata falls back to the heuristic.
	got = d.CheckForShiftWithMetadata("So about that contract law point", keywords, nil)
	assert.False(t, got.IsShift)
}
