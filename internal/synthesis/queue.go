package synthesis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"hmlr-memory/internal/config"
	"hmlr-memory/internal/storage"
)

// ErrQueueClosed is returned by Dequeue after Close.
var ErrQueueClosed = errors.New("synthesis queue closed")

// Queue is the transport carrying synthesis jobs to the worker. Dequeue
// blocks until a job arrives, the context is canceled, or the queue is
// closed.
type Queue interface {
	Enqueue(ctx context.Context, job *storage.SynthesisJob) error
	Dequeue(ctx context.Context) (*storage.SynthesisJob, error)
	Close() error
}

// MemoryQueue is a channel-backed queue for single-process deployments
// and tests.
type MemoryQueue struct {
	ch     chan *storage.SynthesisJob
	mu     sync.Mutex
	closed bool
}

// NewMemoryQueue creates an in-memory queue with a fixed buffer.
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 128
	}
	return &MemoryQueue{ch: make(chan *storage.SynthesisJob, size)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job *storage.SynthesisJob) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.mu.Unlock()
	select {
	case q.ch <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*storage.SynthesisJob, error) {
	select {
	case job, ok := <-q.ch:
		if !ok {
			return nil, ErrQueueClosed
		}
		return job, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	return nil
}

// RedisQueue carries jobs over a redis list so synthesis can run in a
// separate process from the chat server.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue connects to redis and verifies the connection.
func NewRedisQueue(ctx context.Context, cfg *config.RedisConfig) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return &RedisQueue{client: client, key: cfg.QueueKey}, nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, job *storage.SynthesisJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*storage.SynthesisJob, error) {
	for {
		res, err := q.client.BRPop(ctx, 5*time.Second, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to dequeue: %w", err)
		}
		var job storage.SynthesisJob
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job payload: %w", err)
		}
		return &job, nil
	}
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
