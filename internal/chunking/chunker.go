// Package chunking splits turn text into a two-level chunk hierarchy:
// paragraphs on blank-line boundaries, sentences on terminator boundaries.
// Each chunk carries lexical filter tokens for keyword search.
package chunking

import (
	"regexp"
	"strings"
	"time"

	"hmlr-memory/pkg/types"
)

var (
	paragraphSplit = regexp.MustCompile(`\n\s*\n`)
	sentenceSplit  = regexp.MustCompile(`([.!?])\s+`)
	nonWord        = regexp.MustCompile(`[^a-z0-9_]+`)
)

// stopWords are excluded from lexical filters.
var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true,
	"not": true, "you": true, "all": true, "can": true, "her": true,
	"was": true, "one": true, "our": true, "out": true, "has": true,
	"have": true, "had": true, "what": true, "when": true, "where": true,
	"who": true, "which": true, "why": true, "how": true, "this": true,
	"that": true, "these": true, "those": true, "with": true, "from": true,
	"they": true, "them": true, "their": true, "there": true, "then": true,
	"than": true, "will": true, "would": true, "could": true, "should": true,
	"about": true, "into": true, "over": true, "under": true, "some": true,
	"your": true, "its": true, "his": true, "she": true, "him": true,
	"were": true, "been": true, "being": true, "does": true, "did": true,
	"just": true, "more": true, "most": true, "other": true, "such": true,
	"only": true, "also": true, "very": true, "any": true,
}

// Chunker produces chunk records from raw turn text.
type Chunker struct{}

// NewChunker creates a chunker.
func NewChunker() *Chunker {
	return &Chunker{}
}

// Chunk splits text into paragraph and sentence chunks, in order. The
// returned sequence is stable for a given input: paragraphs in document
// order, each followed by its sentences. blockID may be empty until
// routing completes; callers patch it in bulk afterwards.
func (c *Chunker) Chunk(text, turnID, blockID string) []*types.Chunk {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	now := time.Now().UTC()
	var chunks []*types.Chunk

	sentenceIdx := 0
	for paraIdx, para := range splitParagraphs(text) {
		paraChunk := &types.Chunk{
			ID:             types.NewParagraphChunkID(now, paraIdx),
			Type:           types.ChunkTypeParagraph,
			TextVerbatim:   para,
			LexicalFilters: LexicalFilters(para),
			TurnID:         turnID,
			BlockID:        blockID,
			TokenCount:     types.EstimateTokens(para),
			CreatedAt:      now,
		}
		chunks = append(chunks, paraChunk)

		for _, sentence := range splitSentences(para) {
			chunks = append(chunks, &types.Chunk{
				ID:             types.NewSentenceChunkID(now, sentenceIdx),
				Type:           types.ChunkTypeSentence,
				TextVerbatim:   sentence,
				LexicalFilters: LexicalFilters(sentence),
				ParentChunkID:  paraChunk.ID,
				TurnID:         turnID,
				BlockID:        blockID,
				TokenCount:     types.EstimateTokens(sentence),
				CreatedAt:      now,
			})
			sentenceIdx++
		}
	}
	return chunks
}

// splitParagraphs splits on blank-line boundaries. Text without separators
// is a single paragraph.
func splitParagraphs(text string) []string {
	parts := paragraphSplit.Split(text, -1)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// splitSentences splits a paragraph on "terminator followed by whitespace".
// The terminator stays attached to the preceding sentence.
func splitSentences(para string) []string {
	marked := sentenceSplit.ReplaceAllString(para, "$1\x00")
	parts := strings.Split(marked, "\x00")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// LexicalFilters derives keyword filter tokens: lowercase, non-word
// characters replaced with spaces, tokens of length <= 2 and stop words
// dropped, deduped preserving order, first 20 kept.
func LexicalFilters(text string) []string {
	cleaned := nonWord.ReplaceAllString(strings.ToLower(text), " ")
	seen := make(map[string]bool)
	var out []string
	for _, token := range strings.Fields(cleaned) {
		if len(token) <= 2 || stopWords[token] || seen[token] {
			continue
		}
		seen[token] = true
		out = append(out, token)
		if len(out) >= types.MaxLexicalTokens {
			break
		}
	}
	return out
}
