// Package ratelimit implements per-owner fixed-window request ceilings.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/kalambet/aide/internal/metrics"
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Window identifies a counter.
type Window string

const (
	WindowMinute Window = "minute"
	WindowDay    Window = "day"
)

// Limits configures the ceilings. A ceiling <= 0 disables that window.
// Day boundaries are computed in Location (UTC when nil).
type Limits struct {
	PerMinute int
	PerDay    int
	Location  *time.Location
}

// Decision is the outcome of a single Allow call.
type Decision struct {
	Allowed    bool
	Window     Window        // the exhausted window when denied
	RetryAfter time.Duration // time until that window resets
}

// Counter is a snapshot of one owner's window.
type Counter struct {
	OwnerID     string
	Window      Window
	Count       int
	WindowStart time.Time
}

type counter struct {
	start time.Time
	count int
}

type ownerCounters struct {
	minute counter
	day    counter
}

// Limiter holds counters in process memory. A restart resets all limits.
type Limiter struct {
	limits Limits
	clock  Clock

	mu     sync.Mutex
	owners map[string]*ownerCounters
}

// New creates a Limiter using the wall clock.
func New(limits Limits) *Limiter {
	return NewWithClock(limits, realClock{})
}

// NewWithClock creates a Limiter with a custom clock (for testing).
func NewWithClock(limits Limits, clock Clock) *Limiter {
	if limits.Location == nil {
		limits.Location = time.UTC
	}
	return &Limiter{
		limits: limits,
		clock:  clock,
		owners: make(map[string]*ownerCounters),
	}
}

// Allow is an atomic check-and-increment. Windows that have elapsed are reset
// first. A denied call leaves every counter unchanged.
func (l *Limiter) Allow(ownerID string) Decision {
	now := l.clock.Now()
	minuteStart := now.Truncate(time.Minute)
	dayStart := startOfDay(now, l.limits.Location)

	l.mu.Lock()
	defer l.mu.Unlock()

	oc, ok := l.owners[ownerID]
	if !ok {
		oc = &ownerCounters{}
		l.owners[ownerID] = oc
	}
	if !oc.minute.start.Equal(minuteStart) {
		oc.minute = counter{start: minuteStart}
	}
	if !oc.day.start.Equal(dayStart) {
		oc.day = counter{start: dayStart}
	}

	if l.limits.PerMinute > 0 && oc.minute.count+1 > l.limits.PerMinute {
		metrics.RateLimitRejectedTotal.WithLabelValues(string(WindowMinute)).Inc()
		return Decision{Window: WindowMinute, RetryAfter: minuteStart.Add(time.Minute).Sub(now)}
	}
	if l.limits.PerDay > 0 && oc.day.count+1 > l.limits.PerDay {
		metrics.RateLimitRejectedTotal.WithLabelValues(string(WindowDay)).Inc()
		next := dayStart.AddDate(0, 0, 1)
		return Decision{Window: WindowDay, RetryAfter: next.Sub(now)}
	}

	oc.minute.count++
	oc.day.count++
	return Decision{Allowed: true}
}

// Counters returns a snapshot of ownerID's windows.
func (l *Limiter) Counters(ownerID string) []Counter {
	l.mu.Lock()
	defer l.mu.Unlock()

	oc, ok := l.owners[ownerID]
	if !ok {
		return nil
	}
	return []Counter{
		{OwnerID: ownerID, Window: WindowMinute, Count: oc.minute.count, WindowStart: oc.minute.start},
		{OwnerID: ownerID, Window: WindowDay, Count: oc.day.count, WindowStart: oc.day.start},
	}
}

// Sweep drops owners whose day window has ended. Returns the number removed.
func (l *Limiter) Sweep() int {
	dayStart := startOfDay(l.clock.Now(), l.limits.Location)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, oc := range l.owners {
		if oc.day.start.Before(dayStart) {
			delete(l.owners, id)
			removed++
		}
	}
	return removed
}

// Run sweeps idle owners every interval until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.Sweep()
		}
	}
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
