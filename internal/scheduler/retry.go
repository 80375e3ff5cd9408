// Package scheduler holds the externally triggered sweeps: the retry
// sweep that re-queues due retry_wait jobs, and the retention sweep that
// expires stale ones. Both coordinate purely through the job store's
// conditional transitions, so concurrent runs are safe.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mkowalski/jobgate/internal/backoff"
	"github.com/mkowalski/jobgate/internal/store"
	"github.com/mkowalski/jobgate/internal/worker"
	"github.com/mkowalski/jobgate/pkg/models"
)

// maxRetryBatch caps per-run work regardless of configuration.
const maxRetryBatch = 25

// RetrySummary reports what one retry sweep did.
type RetrySummary struct {
	Scanned   int  `json:"scanned"`
	Claimed   int  `json:"claimed"`
	Triggered int  `json:"triggered"`
	Skipped   bool `json:"skipped"`
}

// RetrySweeper scans for retry_wait jobs whose next attempt is due,
// claims each with a conditional transition, and hands the winners to the
// dispatcher.
type RetrySweeper struct {
	store      store.Store
	dispatcher worker.Dispatcher
	batchLimit int
	backoff    backoff.Strategy
}

// NewRetrySweeper creates a RetrySweeper. batchLimit is clamped to a hard
// cap so a single run stays bounded.
func NewRetrySweeper(st store.Store, d worker.Dispatcher, batchLimit int, strategy backoff.Strategy) *RetrySweeper {
	if batchLimit <= 0 {
		batchLimit = 15
	}
	if batchLimit > maxRetryBatch {
		batchLimit = maxRetryBatch
	}
	return &RetrySweeper{store: st, dispatcher: d, batchLimit: batchLimit, backoff: strategy}
}

// Run performs one sweep. A missing worker secret degrades to a skipped
// no-op with a warning rather than an error, so schedulers keep firing.
func (s *RetrySweeper) Run(ctx context.Context) (*RetrySummary, error) {
	if !s.dispatcher.Configured() {
		slog.Warn("retry sweep skipped: worker dispatch not configured")
		return &RetrySummary{Skipped: true}, nil
	}

	jobs, err := s.store.ListDueRetries(ctx, s.batchLimit)
	if err != nil {
		return nil, fmt.Errorf("listing due retries: %w", err)
	}

	summary := &RetrySummary{Scanned: len(jobs)}
	for _, job := range jobs {
		claimed, err := s.store.TransitionJob(ctx, job.ID,
			models.JobStatusRetryWait, models.JobStatusQueued)
		if err != nil {
			slog.Error("retry claim failed", "job_id", job.ID, "error", err)
			continue
		}
		if !claimed {
			// A concurrent sweep won the race.
			continue
		}
		summary.Claimed++

		if err := s.dispatcher.Dispatch(ctx, job.ID); err != nil {
			s.reschedule(ctx, job, err)
			continue
		}
		summary.Triggered++
	}

	slog.Info("retry sweep finished",
		"scanned", summary.Scanned, "claimed", summary.Claimed, "triggered", summary.Triggered)
	return summary, nil
}

// reschedule moves a claimed job whose trigger delivery failed back into
// retry_wait with a backed-off next attempt. This is the dispatch-failure
// path, the one that grows the attempt counter.
func (s *RetrySweeper) reschedule(ctx context.Context, job *models.Job, dispatchErr error) {
	next := time.Now().UTC().Add(s.backoff.Delay(job.Attempts + 1))
	ok, err := s.store.TransitionJob(ctx, job.ID,
		models.JobStatusQueued, models.JobStatusRetryWait,
		store.WithError("dispatch failed: "+dispatchErr.Error()),
		store.WithNextAttemptAt(next),
		store.IncrementAttempts())
	if err != nil {
		slog.Error("reschedule failed", "job_id", job.ID, "error", err)
		return
	}
	if !ok {
		// The worker picked the job up despite the delivery error.
		slog.Debug("reschedule skipped, job moved on", "job_id", job.ID)
		return
	}
	slog.Warn("dispatch failed, job rescheduled",
		"job_id", job.ID, "next_attempt_at", next, "error", dispatchErr)
}
