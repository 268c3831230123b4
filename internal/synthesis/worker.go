package synthesis

import (
	"context"
	"errors"
	"fmt"

	"hmlr-memory/internal/logging"
	"hmlr-memory/internal/storage"
)

// Worker drains the queue and dispatches jobs by kind. One job at a time;
// synthesis is not latency sensitive.
type Worker struct {
	queue  Queue
	jobs   storage.JobStore
	scribe Scribe
	day    DaySynthesizer
	week   WeekSynthesizer
	logger logging.Logger
}

// NewWorker creates a worker. Any synthesizer may be nil; jobs of that
// kind are marked done without effect.
func NewWorker(queue Queue, jobs storage.JobStore, scribe Scribe, day DaySynthesizer, week WeekSynthesizer) *Worker {
	return &Worker{
		queue:  queue,
		jobs:   jobs,
		scribe: scribe,
		day:    day,
		week:   week,
		logger: logging.WithComponent("synthesis-worker"),
	}
}

// Run processes jobs until the context is canceled or the queue closes.
func (w *Worker) Run(ctx context.Context) error {
	for {
		job, err := w.queue.Dequeue(ctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrQueueClosed) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("dequeue failed: %w", err)
		}
		w.process(ctx, job)
	}
}

// process runs one job. Failures leave the outbox row pending for a later
// Recover pass.
func (w *Worker) process(ctx context.Context, job *storage.SynthesisJob) {
	var err error
	switch job.Kind {
	case KindScribe:
		if w.scribe != nil {
			_, err = w.scribe.UpdateProfile(ctx, job.DayID)
		}
	case KindDay:
		if w.day != nil {
			err = w.day.SynthesizeDay(ctx, job.DayID)
		}
	case KindWeek:
		if w.week != nil {
			err = w.week.SynthesizeWeek(ctx, job.DayID)
		}
	default:
		w.logger.WarnContext(ctx, "unknown job kind", "job_id", job.ID, "kind", job.Kind)
	}
	if err != nil {
		w.logger.ErrorContext(ctx, "synthesis job failed", "job_id", job.ID, "kind", job.Kind, "error", err)
		return
	}
	if err := w.jobs.MarkDone(ctx, job.ID); err != nil {
		w.logger.WarnContext(ctx, "failed to mark job done", "job_id", job.ID, "error", err)
	}
}
