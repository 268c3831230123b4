package chunking

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hmlr-memory/pkg/types"
)

func TestChunkSingleParagraph(t *testing.T) {
	c := NewChunker()
	chunks := c.Chunk("The contract terms were outlined. We agreed on payment.", "turn_1", "")

	require.Len(t, chunks, 3)
	assert.Equal(t, types.ChunkTypeParagraph, chunks[0].Type)
	assert.Equal(t, types.ChunkTypeSentence, chunks[1].Type)
	assert.Equal(t, types.ChunkTypeSentence, chunks[2].Type)

	assert.Equal(t, "The contract terms were outlined.", chunks[1].TextVerbatim)
	assert.Equal(t, "We agreed on payment.", chunks[2].TextVerbatim)
	assert.Equal(t, chunks[0].ID, chunks[1].ParentChunkID)
	assert.Equal(t, chunks[0].ID, chunks[2].ParentChunkID)
}

func TestChunkMultipleParagraphs(t *testing.T) {
	c := NewChunker()
	text := "First paragraph here.\n\nSecond paragraph follows.\n \nThird one."
	chunks := c.Chunk(text, "turn_2", "blk_1")

	var paras, sentences []*types.Chunk
	for _, ch := range chunks {
		switch ch.Type {
		case types.ChunkTypeParagraph:
			paras = append(paras, ch)
		case types.ChunkTypeSentence:
			sentences = append(sentences, ch)
		}
	}
	require.Len(t, paras, 3)
	// Single-sentence paragraphs still yield one sentence chunk each.
	require.Len(t, sentences, 3)

	for _, ch := range chunks {
		assert.Equal(t, "turn_2", ch.TurnID)
		assert.Equal(t, "blk_1", ch.BlockID)
	}
}

func TestChunkRoundTrip(t *testing.T) {
	c := NewChunker()
	text := "Alpha beta gamma.\n\nDelta epsilon zeta. Eta theta."
	chunks := c.Chunk(text, "turn_3", "")

	var paras []string
	for _, ch := range chunks {
		if ch.Type == types.ChunkTypeParagraph {
			paras = append(paras, ch.TextVerbatim)
		}
	}
	assert.Equal(t, text, strings.Join(paras, "\n\n"))
}

func TestChunkEmptyText(t *testing.T) {
	c := NewChunker()
	assert.Nil(t, c.Chunk("", "turn_4", ""))
	assert.Nil(t, c.Chunk("   \n  ", "turn_4", ""))
}

func TestChunkTokenCount(t *testing.T) {
	c := NewChunker()
	chunks := c.Chunk("abcd", "turn_5", "")
	require.Len(t, chunks, 2)
	assert.Equal(t, 1, chunks[0].TokenCount)

	chunks = c.Chunk("abcde", "turn_5", "")
	require.Len(t, chunks, 2)
	assert.Equal(t, 2, chunks[0].TokenCount)
}

func TestLexicalFilters(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "lowercases and strips punctuation",
			text: "The Contract-Terms were OUTLINED!",
			want: []string{"contract", "terms", "outlined"},
		},
		{
			name: "drops short tokens and stop words",
			text: "it is an odd day for the big dog",
			want: []string{"odd", "day", "big", "dog"},
		},
		{
			name: "dedupes preserving order",
			text: "pasta pasta sauce pasta sauce",
			want: []string{"pasta", "sauce"},
		},
		{
			name: "empty input",
			text: "",
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, LexicalFilters(tt.text))
		})
	}
}

func TestLexicalFiltersCap(t *testing.T) {
	words := make([]string, 0, 30)
	for i := 0; i < 30; i++ {
		words = append(words, "word"+string(rune('a'+i)))
	}
	got := LexicalFilters(strings.Join(words, " "))
	assert.Len(t, got, types.MaxLexicalTokens)
}
