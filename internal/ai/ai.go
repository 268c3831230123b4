// Package ai wraps the chat LLM behind a two-tier interface: the default
// model for user-facing generation and synthesis, and a fast model for
// governor routing decisions.
package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"hmlr-memory/internal/circuitbreaker"
	"hmlr-memory/internal/config"
	"hmlr-memory/internal/logging"
	"hmlr-memory/internal/retry"
)

// ChatService is the completion interface used across the engine.
type ChatService interface {
	// Complete runs a completion on the default model.
	Complete(ctx context.Context, system, user string) (string, error)
	// CompleteFast runs a completion on the governor model. Used for
	// routing, filtering and metadata extraction where latency matters
	// more than quality.
	CompleteFast(ctx context.Context, system, user string) (string, error)
}

// OpenAIChatService implements ChatService against the OpenAI API with
// retry and circuit breaking.
type OpenAIChatService struct {
	client  *openai.Client
	config  *config.OpenAIConfig
	breaker *circuitbreaker.CircuitBreaker
	retrier *retry.Retrier
	logger  logging.Logger
}

// NewOpenAIChatService creates the chat client.
func NewOpenAIChatService(cfg *config.OpenAIConfig) *OpenAIChatService {
	logger := logging.WithComponent("ai")
	return &OpenAIChatService{
		client: openai.NewClient(cfg.APIKey),
		config: cfg,
		breaker: circuitbreaker.New(&circuitbreaker.Config{
			FailureThreshold:    5,
			SuccessThreshold:    2,
			Timeout:             30 * time.Second,
			MaxHalfOpenRequests: 1,
			OnStateChange: func(from, to circuitbreaker.State) {
				logger.Warn("chat breaker state change", "from", from.String(), "to", to.String())
			},
		}),
		retrier: retry.New(retry.DefaultConfig()),
		logger:  logger,
	}
}

// Complete runs a completion on the default model.
func (s *OpenAIChatService) Complete(ctx context.Context, system, user string) (string, error) {
	return s.complete(ctx, s.config.DefaultModel, system, user, s.config.Temperature)
}

// CompleteFast runs a completion on the governor model at temperature 0.
func (s *OpenAIChatService) CompleteFast(ctx context.Context, system, user string) (string, error) {
	return s.complete(ctx, s.config.GovernorModel, system, user, 0)
}

func (s *OpenAIChatService) complete(ctx context.Context, model, system, user string, temperature float64) (string, error) {
	if strings.TrimSpace(user) == "" {
		return "", errors.New("user prompt cannot be empty")
	}

	var messages []openai.ChatCompletionMessage
	if system != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: user,
	})

	var content string
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		return s.retrier.Do(ctx, func(ctx context.Context) error {
			timeoutCtx, cancel := context.WithTimeout(ctx, time.Duration(s.config.RequestTimeout)*time.Second)
			defer cancel()

			resp, err := s.client.CreateChatCompletion(timeoutCtx, openai.ChatCompletionRequest{
				Model:       model,
				Messages:    messages,
				MaxTokens:   s.config.MaxTokens,
				Temperature: float32(temperature),
			})
			if err != nil {
				return classifyError(err)
			}
			if len(resp.Choices) == 0 {
				return errors.New("no completion choices returned")
			}
			content = resp.Choices[0].Message.Content
			return nil
		})
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed on %s: %w", model, err)
	}
	return content, nil
}

// classifyError marks auth and request errors permanent so the retrier
// gives up immediately.
func classifyError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case 400, 401, 403, 404:
			return &retry.PermanentError{Err: err}
		}
	}
	return err
}
