package synthesis

import (
	"context"
	"fmt"

	"hmlr-memory/internal/logging"
	"hmlr-memory/internal/storage"
)

// Scheduler persists a job row before handing it to the queue. The row is
// the source of truth: pending rows are re-enqueued on startup, so a crash
// between commit and enqueue only delays the job.
type Scheduler struct {
	jobs   storage.JobStore
	queue  Queue
	logger logging.Logger
}

// NewScheduler creates an outbox-backed scheduler.
func NewScheduler(jobs storage.JobStore, queue Queue) *Scheduler {
	return &Scheduler{jobs: jobs, queue: queue, logger: logging.WithComponent("synthesis-scheduler")}
}

// Schedule writes the outbox row, then enqueues. An enqueue failure is
// tolerated; Recover picks the row up later.
func (s *Scheduler) Schedule(ctx context.Context, job *storage.SynthesisJob) error {
	if err := s.jobs.Insert(ctx, job); err != nil {
		return fmt.Errorf("failed to persist job %s: %w", job.ID, err)
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		s.logger.WarnContext(ctx, "enqueue failed, job stays pending", "job_id", job.ID, "error", err)
	}
	return nil
}

// Recover re-enqueues pending outbox rows, newest batch first.
func (s *Scheduler) Recover(ctx context.Context, limit int) (int, error) {
	pending, err := s.jobs.Pending(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to load pending jobs: %w", err)
	}
	recovered := 0
	for _, job := range pending {
		if err := s.queue.Enqueue(ctx, job); err != nil {
			return recovered, fmt.Errorf("failed to re-enqueue job %s: %w", job.ID, err)
		}
		recovered++
	}
	if recovered > 0 {
		s.logger.Info("recovered pending synthesis jobs", "count", recovered)
	}
	return recovered, nil
}
