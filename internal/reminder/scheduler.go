package reminder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/kalambet/aide/internal/metrics"
	"github.com/kalambet/aide/internal/storage"
)

const (
	DefaultTick      = 30 * time.Second
	DefaultGrace     = 15 * time.Minute
	DefaultMaxAhead  = 365 * 24 * time.Hour
	DefaultSnooze    = 10 * time.Minute
	maxListedEntries = 200
)

// Clock abstracts time for testing.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Store is the persistence the scheduler needs.
type Store interface {
	SaveReminder(r storage.Reminder) error
	GetReminder(id string) (storage.Reminder, error)
	DeleteReminder(ownerID, id string) error
	ListRemindersByOwner(ownerID string, limit int) ([]storage.Reminder, error)
	ListScheduledReminders() ([]storage.Reminder, error)
	ListScheduledBetween(ownerID string, from, to time.Time) ([]storage.Reminder, error)
}

// NotificationKind distinguishes outbound messages.
type NotificationKind string

const (
	KindReminder NotificationKind = "reminder"
	KindDigest   NotificationKind = "digest"
)

// Notification is handed to delivery when a reminder fires or a digest is due.
type Notification struct {
	Kind           NotificationKind `json:"kind"`
	OwnerID        string           `json:"owner_id"`
	ConversationID string           `json:"conversation_id"`
	ReminderID     string           `json:"reminder_id,omitempty"`
	OccurrenceAt   time.Time        `json:"occurrence_at"`
	Text           string           `json:"text"`
}

// Key identifies one occurrence. Handing the same occurrence to delivery
// twice yields the same key, which delivery uses to drop the duplicate.
func (n Notification) Key() string {
	if n.Kind == KindDigest {
		return fmt.Sprintf("digest:%s:%s", n.OwnerID, n.OccurrenceAt.Format("2006-01-02"))
	}
	return fmt.Sprintf("reminder:%s:%d", n.ReminderID, n.OccurrenceAt.Unix())
}

// Notifier accepts notifications for delivery.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Config tunes a Scheduler. Zero values take the defaults.
type Config struct {
	Tick     time.Duration
	Grace    time.Duration
	MaxAhead time.Duration
	Rules    map[string]RuleFunc
}

// Scheduler owns reminder state transitions and fires due events. All
// mutations go through one lock so a firing never races a snooze or edit of
// the same event.
type Scheduler struct {
	store    Store
	notifier Notifier
	clock    Clock
	cfg      Config

	mu     sync.Mutex
	due    dueQueue
	loaded bool
}

// New creates a Scheduler using the system clock.
func New(store Store, notifier Notifier, cfg Config) *Scheduler {
	return NewWithClock(store, notifier, cfg, realClock{})
}

// NewWithClock creates a Scheduler with a custom clock for testing.
func NewWithClock(store Store, notifier Notifier, cfg Config, clock Clock) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	if cfg.MaxAhead <= 0 {
		cfg.MaxAhead = DefaultMaxAhead
	}
	if cfg.Rules == nil {
		cfg.Rules = map[string]RuleFunc{}
	}
	return &Scheduler{store: store, notifier: notifier, clock: clock, cfg: cfg}
}

// Load rebuilds the due index from the store. Tick calls it on first use.
func (s *Scheduler) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Scheduler) loadLocked() error {
	rows, err := s.store.ListScheduledReminders()
	if err != nil {
		return fmt.Errorf("loading scheduled reminders: %w", err)
	}
	s.due.reset()
	for _, r := range rows {
		s.due.push(r.ID, r.FireAt)
	}
	s.loaded = true
	slog.Info("scheduler: loaded reminders", "count", len(rows))
	return nil
}

// Create validates and stores a new event. FireAt must be in the future and
// within the scheduling horizon.
func (s *Scheduler) Create(ev Event) (Event, error) {
	ev.Payload = strings.TrimSpace(ev.Payload)
	if ev.Payload == "" {
		return Event{}, ErrEmptyPayload
	}
	if utf8.RuneCountInString(ev.Payload) > MaxPayloadRunes {
		return Event{}, fmt.Errorf("reminder text exceeds %d characters", MaxPayloadRunes)
	}
	if ev.OwnerID == "" {
		return Event{}, errors.New("owner is required")
	}
	if ev.Recurrence.Kind == "" {
		ev.Recurrence.Kind = KindNone
	}
	if err := ev.Recurrence.Validate(s.cfg.Rules); err != nil {
		return Event{}, err
	}
	if ev.TimeZone == "" {
		ev.TimeZone = "UTC"
	}
	if _, err := time.LoadLocation(ev.TimeZone); err != nil {
		return Event{}, fmt.Errorf("unknown time zone %q: %w", ev.TimeZone, err)
	}

	now := s.clock.Now()
	ev.FireAt = ev.FireAt.Truncate(time.Second)
	if err := s.checkFireAt(ev.FireAt, now); err != nil {
		return Event{}, err
	}

	ev.ID = uuid.New().String()
	ev.Status = StatusScheduled
	ev.LastFiredAt = time.Time{}
	ev.CreatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.saveLocked(ev); err != nil {
		return Event{}, err
	}
	slog.Info("scheduler: created", "id", ev.ID, "owner", ev.OwnerID, "fire_at", ev.FireAt, "recurrence", ev.Recurrence.Kind)
	return ev, nil
}

func (s *Scheduler) checkFireAt(at, now time.Time) error {
	if !at.After(now) {
		return ErrInPast
	}
	if at.Sub(now) > s.cfg.MaxAhead {
		return ErrTooFar
	}
	return nil
}

// Get returns ownerID's event id.
func (s *Scheduler) Get(ownerID, id string) (Event, error) {
	rec, err := s.store.GetReminder(id)
	if errors.Is(err, storage.ErrNotFound) {
		return Event{}, ErrNotFound
	}
	if err != nil {
		return Event{}, fmt.Errorf("loading reminder: %w", err)
	}
	if rec.OwnerID != ownerID {
		return Event{}, ErrNotFound
	}
	return fromRecord(rec), nil
}

// List returns an owner's events ordered by fire time. Fired one-off events
// are left out unless all is set.
func (s *Scheduler) List(ownerID string, all bool) ([]Event, error) {
	rows, err := s.store.ListRemindersByOwner(ownerID, maxListedEntries)
	if err != nil {
		return nil, fmt.Errorf("listing reminders: %w", err)
	}
	out := make([]Event, 0, len(rows))
	for _, r := range rows {
		ev := fromRecord(r)
		if !all && ev.Status == StatusFired {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// Snooze postpones an event by delay from the later of now and its current
// fire time. A recurring series is left on its cadence; instead a one-off
// copy is scheduled, which is what the caller gets back.
func (s *Scheduler) Snooze(ownerID, id string, delay time.Duration) (Event, error) {
	if delay <= 0 {
		delay = DefaultSnooze
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, err := s.Get(ownerID, id)
	if err != nil {
		return Event{}, err
	}
	if ev.Status == StatusCancelled {
		return Event{}, ErrNotScheduled
	}
	now := s.clock.Now()

	if ev.Recurrence.Repeats() {
		base := now
		if ev.LastFiredAt.After(base) {
			base = ev.LastFiredAt
		}
		once := oneOff(ev, base.Add(delay), now)
		if err := s.saveLocked(once); err != nil {
			return Event{}, err
		}
		slog.Info("scheduler: snoozed occurrence", "series", ev.ID, "id", once.ID, "fire_at", once.FireAt)
		return once, nil
	}

	base := now
	if ev.FireAt.After(base) {
		base = ev.FireAt
	}
	ev.FireAt = base.Add(delay).Truncate(time.Second)
	ev.Status = StatusScheduled
	if err := s.saveLocked(ev); err != nil {
		return Event{}, err
	}
	slog.Info("scheduler: snoozed", "id", ev.ID, "fire_at", ev.FireAt)
	return ev, nil
}

// Reschedule moves an event to at, which must be in the future. A fired or
// paused event becomes scheduled again. For a recurring event the whole
// series moves: rules pinned to one weekday or month day follow the new date.
func (s *Scheduler) Reschedule(ownerID, id string, at time.Time) (Event, error) {
	at = at.Truncate(time.Second)
	if err := s.checkFireAt(at, s.clock.Now()); err != nil {
		return Event{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, err := s.Get(ownerID, id)
	if err != nil {
		return Event{}, err
	}
	return s.rescheduleLocked(ev, at)
}

func (s *Scheduler) rescheduleLocked(ev Event, at time.Time) (Event, error) {
	ev.FireAt = at
	ev.Status = StatusScheduled
	ev.Recurrence = ev.Recurrence.reanchor(at.In(ev.Location()))
	if err := s.saveLocked(ev); err != nil {
		return Event{}, err
	}
	slog.Info("scheduler: rescheduled", "id", ev.ID, "fire_at", ev.FireAt)
	return ev, nil
}

// RescheduleOccurrence moves only the pending occurrence of a recurring
// event to at. The occurrence becomes a one-off copy, which is returned, and
// the series skips ahead to the occurrence after it. A one-off event is
// simply rescheduled.
func (s *Scheduler) RescheduleOccurrence(ownerID, id string, at time.Time) (Event, error) {
	at = at.Truncate(time.Second)
	now := s.clock.Now()
	if err := s.checkFireAt(at, now); err != nil {
		return Event{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, err := s.Get(ownerID, id)
	if err != nil {
		return Event{}, err
	}
	if !ev.Recurrence.Repeats() || ev.Status == StatusFired {
		return s.rescheduleLocked(ev, at)
	}

	once := oneOff(ev, at, now)
	if err := s.saveLocked(once); err != nil {
		return Event{}, err
	}
	if next, ok := ev.Recurrence.Next(ev.FireAt, ev.Location(), s.cfg.Rules); ok {
		ev.FireAt = next
	} else {
		// The moved occurrence was the last one.
		ev.Status = StatusFired
	}
	if err := s.saveLocked(ev); err != nil {
		return Event{}, err
	}
	slog.Info("scheduler: rescheduled occurrence", "series", ev.ID, "id", once.ID, "fire_at", once.FireAt, "series_next", ev.FireAt)
	return once, nil
}

// oneOff copies ev as a non-repeating event firing at at.
func oneOff(ev Event, at, now time.Time) Event {
	return Event{
		ID:             uuid.New().String(),
		OwnerID:        ev.OwnerID,
		ConversationID: ev.ConversationID,
		FireAt:         at.Truncate(time.Second),
		Payload:        ev.Payload,
		Recurrence:     Recurrence{Kind: KindNone},
		TimeZone:       ev.TimeZone,
		Status:         StatusScheduled,
		CreatedAt:      now,
	}
}

// Delete removes an event.
func (s *Scheduler) Delete(ownerID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.store.DeleteReminder(ownerID, id)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("deleting reminder: %w", err)
	}
	slog.Info("scheduler: deleted", "id", id, "owner", ownerID)
	return nil
}

// Toggle pauses a scheduled event or resumes a paused or fired one. A
// resumed recurring event whose time has passed rolls forward to its next
// future occurrence; a past one-off event cannot be resumed.
func (s *Scheduler) Toggle(ownerID, id string) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, err := s.Get(ownerID, id)
	if err != nil {
		return Event{}, err
	}
	if ev.Status == StatusScheduled {
		ev.Status = StatusCancelled
	} else {
		now := s.clock.Now()
		if !ev.FireAt.After(now) {
			if !ev.Recurrence.Repeats() {
				return Event{}, ErrInPast
			}
			next, ok := s.rollForward(ev, now)
			if !ok {
				return Event{}, ErrInPast
			}
			ev.FireAt = next
		}
		ev.Status = StatusScheduled
	}
	if err := s.saveLocked(ev); err != nil {
		return Event{}, err
	}
	slog.Info("scheduler: toggled", "id", ev.ID, "status", ev.Status)
	return ev, nil
}

func (s *Scheduler) rollForward(ev Event, now time.Time) (time.Time, bool) {
	at := ev.FireAt
	loc := ev.Location()
	for !at.After(now) {
		next, ok := ev.Recurrence.Next(at, loc, s.cfg.Rules)
		if !ok {
			return time.Time{}, false
		}
		at = next
	}
	return at, true
}

func (s *Scheduler) saveLocked(ev Event) error {
	rec, err := toRecord(ev)
	if err != nil {
		return err
	}
	if err := s.store.SaveReminder(rec); err != nil {
		return fmt.Errorf("saving reminder: %w", err)
	}
	if ev.Status == StatusScheduled && s.loaded {
		s.due.push(ev.ID, ev.FireAt)
	}
	return nil
}

// Tick fires every event due at the current time and returns how many
// occurrences were processed. An event that fell behind by several
// occurrences is caught up within one tick.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		if err := s.loadLocked(); err != nil {
			return 0, err
		}
	}
	now := s.clock.Now()
	fired := 0
	for {
		if err := ctx.Err(); err != nil {
			return fired, err
		}
		item, ok := s.due.popDue(now)
		if !ok {
			return fired, nil
		}
		done, err := s.fireLocked(ctx, item, now)
		if err != nil {
			// Keep the entry so the next tick retries; the delivery key
			// keeps a retried occurrence from being sent twice.
			s.due.push(item.id, item.fireAt)
			return fired, err
		}
		if done {
			fired++
		}
	}
}

// fireLocked processes one heap entry. It reports false when the entry was
// stale.
func (s *Scheduler) fireLocked(ctx context.Context, item dueItem, now time.Time) (bool, error) {
	rec, err := s.store.GetReminder(item.id)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("loading reminder %s: %w", item.id, err)
	}
	ev := fromRecord(rec)
	if ev.Status != StatusScheduled || !ev.FireAt.Equal(item.fireAt) {
		return false, nil
	}

	occurrence := ev.FireAt
	if now.Sub(occurrence) > s.cfg.Grace {
		metrics.RemindersFiredTotal.WithLabelValues("missed").Inc()
		slog.Info("scheduler: occurrence missed", "id", ev.ID, "fire_at", occurrence, "late_by", now.Sub(occurrence))
	} else {
		n := Notification{
			Kind:           KindReminder,
			OwnerID:        ev.OwnerID,
			ConversationID: ev.ConversationID,
			ReminderID:     ev.ID,
			OccurrenceAt:   occurrence,
			Text:           ev.Payload,
		}
		if err := s.notifier.Notify(ctx, n); err != nil {
			metrics.RemindersFiredTotal.WithLabelValues("notify_failed").Inc()
			slog.Error("scheduler: notify failed", "id", ev.ID, "error", err)
		} else {
			metrics.RemindersFiredTotal.WithLabelValues("fired").Inc()
		}
	}

	ev.Status = StatusFired
	ev.LastFiredAt = now
	if ev.Recurrence.Repeats() {
		if next, ok := ev.Recurrence.Next(occurrence, ev.Location(), s.cfg.Rules); ok {
			ev.FireAt = next
			ev.Status = StatusScheduled
		} else {
			slog.Error("scheduler: recurrence produced no later occurrence, ending series",
				"id", ev.ID, "kind", ev.Recurrence.Kind, "rule", ev.Recurrence.Rule)
		}
	}
	if err := s.saveLocked(ev); err != nil {
		return false, err
	}
	return true, nil
}

// NextDue returns the earliest pending fire time known to the scheduler.
func (s *Scheduler) NextDue() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.due.next()
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("scheduler: started", "tick", s.cfg.Tick, "grace", s.cfg.Grace)
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			slog.Error("scheduler: tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			slog.Info("scheduler: stopped")
			return nil
		case <-ticker.C:
		}
	}
}
