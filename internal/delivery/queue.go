// Package delivery moves notifications from the scheduler to the chat
// platform through the SQLite job queue, so a slow or failing platform never
// holds up firing and recurrence.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/aide/internal/reminder"
	"github.com/kalambet/aide/internal/storage"
)

// JobType is the queue type for outbound notifications.
const JobType = "notify"

// DefaultMaxAttempts bounds redelivery of one notification.
const DefaultMaxAttempts = 5

// JobStore abstracts the job queue operations.
type JobStore interface {
	EnqueueJob(job storage.Job) (bool, error)
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	RequeueStaleJobs(olderThan time.Duration) (int, error)
	PruneJobs(cutoff time.Time) (int, error)
}

// Queue enqueues notifications. It implements reminder.Notifier.
type Queue struct {
	store JobStore
}

// NewQueue creates a Queue over store.
func NewQueue(store JobStore) *Queue {
	return &Queue{store: store}
}

// Notify enqueues n under its occurrence key. Enqueuing the same occurrence
// again is a no-op.
func (q *Queue) Notify(_ context.Context, n reminder.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshalling notification: %w", err)
	}
	inserted, err := q.store.EnqueueJob(storage.Job{
		ID:          n.Key(),
		Type:        JobType,
		PayloadJSON: string(payload),
		MaxAttempts: DefaultMaxAttempts,
	})
	if err != nil {
		return fmt.Errorf("enqueueing notification: %w", err)
	}
	if !inserted {
		slog.Debug("delivery: duplicate notification skipped", "key", n.Key())
	}
	return nil
}
