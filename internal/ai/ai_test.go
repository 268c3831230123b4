package ai

import (
	"context"
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"

	"hmlr-memory/internal/config"
	"hmlr-memory/internal/retry"
)

func TestCompleteRejectsEmptyPrompt(t *testing.T) {
	svc := NewOpenAIChatService(&config.OpenAIConfig{DefaultModel: "gpt-4o", RequestTimeout: 1})

	_, err := svc.Complete(context.Background(), "system", "   ")
	assert.Error(t, err)

	_, err = svc.CompleteFast(context.Background(), "system", "")
	assert.Error(t, err)
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantPermanent bool
	}{
		{"unauthorized", &openai.APIError{HTTPStatusCode: 401}, true},
		{"bad request", &openai.APIError{HTTPStatusCode: 400}, true},
		{"not found", &openai.APIError{HTTPStatusCode: 404}, true},
		{"rate limited", &openai.APIError{HTTPStatusCode: 429}, false},
		{"server error", &openai.APIError{HTTPStatusCode: 500}, false},
		{"plain error", errors.New("connection reset"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyError(tt.err)
			var permErr *retry.PermanentError
			assert.Equal(t, tt.wantPermanent, errors.As(got, &permErr))
		})
	}
}
