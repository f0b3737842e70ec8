package reminder

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/aide/internal/metrics"
	"github.com/kalambet/aide/internal/storage"
)

// DefaultDigestHour is the local hour from which a day's digest may be sent.
const DefaultDigestHour = 9

// DigestProfiles supplies the owners who opted into the digest.
type DigestProfiles interface {
	DigestCandidates() ([]storage.Profile, error)
	MarkDigestSent(ownerID, date string) error
}

// Digest sends each opted-in owner one summary of the current day's events.
type Digest struct {
	store    Store
	profiles DigestProfiles
	notifier Notifier
	clock    Clock
	hour     int
}

// NewDigest creates a Digest using the system clock.
func NewDigest(store Store, profiles DigestProfiles, notifier Notifier, hour int) *Digest {
	return NewDigestWithClock(store, profiles, notifier, hour, realClock{})
}

// NewDigestWithClock creates a Digest with a custom clock for testing.
func NewDigestWithClock(store Store, profiles DigestProfiles, notifier Notifier, hour int, clock Clock) *Digest {
	if hour < 0 || hour > 23 {
		hour = DefaultDigestHour
	}
	return &Digest{store: store, profiles: profiles, notifier: notifier, clock: clock, hour: hour}
}

// RunOnce sends digests that are due and returns how many were queued.
// An owner gets at most one digest per local calendar day, and none on days
// without scheduled events.
func (d *Digest) RunOnce(ctx context.Context) (int, error) {
	candidates, err := d.profiles.DigestCandidates()
	if err != nil {
		return 0, fmt.Errorf("listing digest profiles: %w", err)
	}
	now := d.clock.Now()
	sent := 0
	for _, p := range candidates {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		loc := time.UTC
		if p.TimeZone != "" {
			if l, err := time.LoadLocation(p.TimeZone); err == nil {
				loc = l
			}
		}
		local := now.In(loc)
		if local.Hour() < d.hour {
			continue
		}
		today := local.Format("2006-01-02")
		if p.DigestLastSent == today {
			continue
		}

		y, m, day := local.Date()
		from := time.Date(y, m, day, 0, 0, 0, 0, loc)
		to := from.AddDate(0, 0, 1)
		rows, err := d.store.ListScheduledBetween(p.OwnerID, from, to)
		if err != nil {
			slog.Error("digest: listing events failed", "owner", p.OwnerID, "error", err)
			continue
		}
		if len(rows) == 0 {
			continue
		}

		n := Notification{
			Kind:           KindDigest,
			OwnerID:        p.OwnerID,
			ConversationID: p.ConversationID,
			OccurrenceAt:   from,
			Text:           formatDigest(rows, loc),
		}
		if err := d.notifier.Notify(ctx, n); err != nil {
			slog.Error("digest: notify failed", "owner", p.OwnerID, "error", err)
			continue
		}
		if err := d.profiles.MarkDigestSent(p.OwnerID, today); err != nil {
			slog.Error("digest: marking sent failed", "owner", p.OwnerID, "error", err)
		}
		metrics.DigestsSentTotal.Inc()
		sent++
		slog.Info("digest: queued", "owner", p.OwnerID, "date", today, "events", len(rows))
	}
	return sent, nil
}

// Run checks for due digests every interval until ctx is cancelled.
func (d *Digest) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
			slog.Error("digest: pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func formatDigest(rows []storage.Reminder, loc *time.Location) string {
	var b strings.Builder
	b.WriteString("Today's plan:\n")
	for _, r := range rows {
		ev := fromRecord(r)
		fmt.Fprintf(&b, "• %s %s", ev.FireAt.In(loc).Format("15:04"), ev.Payload)
		if ev.Recurrence.Repeats() {
			fmt.Fprintf(&b, " (%s)", ev.Recurrence.String())
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
