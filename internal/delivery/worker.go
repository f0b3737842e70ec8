package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/aide/internal/metrics"
	"github.com/kalambet/aide/internal/reminder"
	"github.com/kalambet/aide/internal/result"
	"github.com/kalambet/aide/internal/storage"
	"github.com/kalambet/aide/internal/transport"
)

const (
	// staleAfter is how long a job may stay running before it is assumed
	// lost with a crashed process.
	staleAfter = 5 * time.Minute

	// retention bounds how long finished jobs are kept for inspection.
	retention = 7 * 24 * time.Hour

	maintainEvery = time.Hour
)

// Worker processes notify jobs from the SQLite job queue.
type Worker struct {
	store     JobStore
	sender    transport.Sender
	registrar transport.Registrar
	poll      time.Duration
	logger    *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, sender transport.Sender, registrar transport.Registrar, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:     store,
		sender:    sender,
		registrar: registrar,
		poll:      pollInterval,
		logger:    slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.Maintain(time.Now())
	lastMaintain := time.Now()
	for {
		if ctx.Err() != nil {
			return
		}
		if time.Since(lastMaintain) >= maintainEvery {
			w.Maintain(time.Now())
			lastMaintain = time.Now()
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("delivery iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// Maintain requeues jobs orphaned by a crash and prunes old finished ones.
func (w *Worker) Maintain(now time.Time) {
	if n, err := w.store.RequeueStaleJobs(staleAfter); err != nil {
		w.logger.Warn("requeueing stale deliveries failed", "error", err)
	} else if n > 0 {
		w.logger.Info("requeued stale deliveries", "count", n)
	}
	if n, err := w.store.PruneJobs(now.Add(-retention)); err != nil {
		w.logger.Warn("pruning deliveries failed", "error", err)
	} else if n > 0 {
		w.logger.Debug("pruned finished deliveries", "count", n)
	}
}

// RunOnce claims and delivers a single notification.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	kind, err := w.processJob(ctx, job)
	if err != nil {
		metrics.DeliveriesTotal.WithLabelValues(kind, "failed").Inc()
		w.logger.Warn("delivery failed", "job_id", job.ID, "attempt", job.Attempts+1, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	metrics.DeliveriesTotal.WithLabelValues(kind, "delivered").Inc()
	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) (string, error) {
	var n reminder.Notification
	if err := json.Unmarshal([]byte(job.PayloadJSON), &n); err != nil {
		return "unknown", fmt.Errorf("parsing payload: %w", err)
	}

	msg, debug := transport.Render(n.OwnerID, n.ConversationID, Compose(n), w.registrar)
	if len(debug) > 0 {
		w.logger.Debug("delivery: render debug", "job_id", job.ID, "debug", debug)
	}
	if err := w.sender.Send(ctx, msg); err != nil {
		return string(n.Kind), fmt.Errorf("sending to %s: %w", n.OwnerID, err)
	}
	w.logger.Info("delivered", "job_id", job.ID, "kind", n.Kind, "owner", n.OwnerID)
	return string(n.Kind), nil
}

// Compose builds the Result shown for a notification.
func Compose(n reminder.Notification) result.Result {
	var r result.Result
	switch n.Kind {
	case reminder.KindDigest:
		r = result.OK(n.Text, result.ModeLocal, "digest.daily").WithActions(
			result.Action{Label: "My reminders", Op: result.OpListReminders},
			result.Action{Label: "Turn digest off", Op: result.OpDigestToggle},
		)
	default:
		r = result.OK("Reminder: "+n.Text, result.ModeLocal, "reminder.fired").
			WithActions(reminder.QuickActions(reminder.Event{ID: n.ReminderID})...)
	}
	r.RequestID = uuid.New().String()
	return r
}
