// Package embeddings generates unit-norm text embeddings through OpenAI,
// with caching and client-side rate limiting.
package embeddings

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"

	"hmlr-memory/internal/config"
)

// EmbeddingService produces unit-norm embedding vectors. All vectors from
// one service instance have the same dimension, so dot product equals
// cosine similarity.
type EmbeddingService interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float64, error)
	GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float64, error)
	GetDimension() int
	GetModel() string
	HealthCheck(ctx context.Context) error
}

// OpenAIEmbeddingService implements EmbeddingService using OpenAI's API.
type OpenAIEmbeddingService struct {
	client      *openai.Client
	config      *config.OpenAIConfig
	dims        int
	cache       map[string][]float64
	cacheMu     sync.RWMutex
	maxCache    int
	rateLimiter *RateLimiter
}

// RateLimiter is a token bucket for API calls.
type RateLimiter struct {
	tokens     int
	maxTokens  int
	refillRate time.Duration
	lastRefill time.Time
	mu         sync.Mutex
}

// NewRateLimiter creates a rate limiter holding maxTokens, refilling one
// token per refillRate.
func NewRateLimiter(maxTokens int, refillRate time.Duration) *RateLimiter {
	return &RateLimiter{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// Allow reports whether a request can proceed now.
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(rl.lastRefill)
	if add := int(elapsed / rl.refillRate); add > 0 {
		rl.tokens = min(rl.maxTokens, rl.tokens+add)
		rl.lastRefill = now
	}

	if rl.tokens > 0 {
		rl.tokens--
		return true
	}
	return false
}

// Wait blocks until a request can proceed or the context ends.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		if rl.Allow() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// NewOpenAIEmbeddingService creates the embedder. dims is the requested
// output dimension; the API truncates and renormalizes to it.
func NewOpenAIEmbeddingService(cfg *config.OpenAIConfig, dims int) *OpenAIEmbeddingService {
	rpm := cfg.RateLimitRPM
	if rpm <= 0 {
		rpm = 60
	}
	return &OpenAIEmbeddingService{
		client:      openai.NewClient(cfg.APIKey),
		config:      cfg,
		dims:        dims,
		cache:       make(map[string][]float64),
		maxCache:    1000,
		rateLimiter: NewRateLimiter(rpm, time.Minute/time.Duration(rpm)),
	}
}

// GenerateEmbedding embeds a single text.
func (oes *OpenAIEmbeddingService) GenerateEmbedding(ctx context.Context, text string) ([]float64, error) {
	if text == "" {
		return nil, errors.New("text cannot be empty")
	}

	cacheKey := oes.cacheKey(text)
	if cached := oes.getFromCache(cacheKey); cached != nil {
		return cached, nil
	}

	if err := oes.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter error: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, time.Duration(oes.config.RequestTimeout)*time.Second)
	defer cancel()

	resp, err := oes.client.CreateEmbeddings(timeoutCtx, openai.EmbeddingRequest{
		Input:      []string{text},
		Model:      openai.EmbeddingModel(oes.config.EmbeddingModel),
		Dimensions: oes.dims,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("no embeddings returned")
	}

	embedding := Normalize(float32sToFloat64s(resp.Data[0].Embedding))
	oes.putInCache(cacheKey, embedding)
	return embedding, nil
}

// GenerateBatchEmbeddings embeds several texts in one call. Results align
// with the input; empty inputs yield nil entries.
func (oes *OpenAIEmbeddingService) GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, errors.New("texts cannot be empty")
	}

	results := make([][]float64, len(texts))
	var uncached []string
	var uncachedIdx []int
	for i, text := range texts {
		if text == "" {
			continue
		}
		if cached := oes.getFromCache(oes.cacheKey(text)); cached != nil {
			results[i] = cached
			continue
		}
		uncached = append(uncached, text)
		uncachedIdx = append(uncachedIdx, i)
	}
	if len(uncached) == 0 {
		return results, nil
	}

	if err := oes.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter error: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, time.Duration(oes.config.RequestTimeout)*time.Second)
	defer cancel()

	resp, err := oes.client.CreateEmbeddings(timeoutCtx, openai.EmbeddingRequest{
		Input:      uncached,
		Model:      openai.EmbeddingModel(oes.config.EmbeddingModel),
		Dimensions: oes.dims,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create batch embeddings: %w", err)
	}
	if len(resp.Data) != len(uncached) {
		return nil, fmt.Errorf("mismatch between input texts (%d) and embeddings (%d)", len(uncached), len(resp.Data))
	}

	for i, data := range resp.Data {
		embedding := Normalize(float32sToFloat64s(data.Embedding))
		results[uncachedIdx[i]] = embedding
		oes.putInCache(oes.cacheKey(uncached[i]), embedding)
	}
	return results, nil
}

// GetDimension returns the embedding dimension.
func (oes *OpenAIEmbeddingService) GetDimension() int { return oes.dims }

// GetModel returns the embedding model name.
func (oes *OpenAIEmbeddingService) GetModel() string { return oes.config.EmbeddingModel }

// HealthCheck embeds a trivial text to verify connectivity.
func (oes *OpenAIEmbeddingService) HealthCheck(ctx context.Context) error {
	_, err := oes.GenerateEmbedding(ctx, "health check")
	return err
}

func (oes *OpenAIEmbeddingService) cacheKey(text string) string {
	hash := sha256.Sum256([]byte(oes.config.EmbeddingModel + "|" + text))
	return fmt.Sprintf("%x", hash)
}

func (oes *OpenAIEmbeddingService) getFromCache(key string) []float64 {
	oes.cacheMu.RLock()
	defer oes.cacheMu.RUnlock()
	if embedding, ok := oes.cache[key]; ok {
		out := make([]float64, len(embedding))
		copy(out, embedding)
		return out
	}
	return nil
}

func (oes *OpenAIEmbeddingService) putInCache(key string, embedding []float64) {
	oes.cacheMu.Lock()
	defer oes.cacheMu.Unlock()

	cached := make([]float64, len(embedding))
	copy(cached, embedding)
	oes.cache[key] = cached

	if len(oes.cache) > oes.maxCache {
		count := 0
		for k := range oes.cache {
			delete(oes.cache, k)
			if count++; count >= 100 {
				break
			}
		}
	}
}

// Normalize scales v to unit length in place and returns it. Zero vectors
// are returned unchanged.
func Normalize(v []float64) []float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	if sum == 0 {
		return v
	}
	norm := math.Sqrt(sum)
	for i := range v {
		v[i] /= norm
	}
	return v
}

// CosineSimilarity computes the cosine of the angle between a and b.
// Returns 0 for mismatched or zero-length inputs.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func float32sToFloat64s(f32 []float32) []float64 {
	f64 := make([]float64, len(f32))
	for i, v := range f32 {
		f64[i] = float64(v)
	}
	return f64
}
