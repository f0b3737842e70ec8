package reminder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/aide/internal/storage"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []Notification
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, note Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, note)
	return nil
}

func (n *recordingNotifier) all() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.sent...)
}

var t0 = time.Date(2026, 3, 11, 8, 0, 0, 0, time.UTC)

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *storage.Store, *fakeClock, *recordingNotifier) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	clock := &fakeClock{t: t0}
	notifier := &recordingNotifier{}
	return NewWithClock(store, notifier, cfg, clock), store, clock, notifier
}

func mustCreate(t *testing.T, s *Scheduler, ev Event) Event {
	t.Helper()
	if ev.OwnerID == "" {
		ev.OwnerID = "owner-1"
	}
	if ev.ConversationID == "" {
		ev.ConversationID = "chat-1"
	}
	if ev.Payload == "" {
		ev.Payload = "stand up"
	}
	created, err := s.Create(ev)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return created
}

func mustTick(t *testing.T, s *Scheduler) int {
	t.Helper()
	n, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	return n
}

func TestCreate_Validation(t *testing.T) {
	s, _, _, _ := newTestScheduler(t, Config{Rules: map[string]RuleFunc{}})

	tests := []struct {
		name string
		ev   Event
		want error
	}{
		{"past", Event{OwnerID: "o", Payload: "x", FireAt: t0.Add(-time.Minute)}, ErrInPast},
		{"now", Event{OwnerID: "o", Payload: "x", FireAt: t0}, ErrInPast},
		{"too far", Event{OwnerID: "o", Payload: "x", FireAt: t0.AddDate(1, 0, 1)}, ErrTooFar},
		{"empty", Event{OwnerID: "o", Payload: "   ", FireAt: t0.Add(time.Hour)}, ErrEmptyPayload},
		{"unknown rule", Event{OwnerID: "o", Payload: "x", FireAt: t0.Add(time.Hour), Recurrence: Recurrence{Kind: KindCustom, Rule: "lunar"}}, ErrUnknownRule},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Create(tt.ev); !errors.Is(err, tt.want) {
				t.Errorf("Create err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCreate_Defaults(t *testing.T) {
	s, _, _, _ := newTestScheduler(t, Config{})
	ev := mustCreate(t, s, Event{FireAt: t0.Add(90*time.Minute + 500*time.Millisecond)})

	if ev.ID == "" {
		t.Error("ID not assigned")
	}
	if ev.Status != StatusScheduled {
		t.Errorf("Status = %q, want scheduled", ev.Status)
	}
	if ev.TimeZone != "UTC" || ev.Recurrence.Kind != KindNone {
		t.Errorf("defaults = %q %q", ev.TimeZone, ev.Recurrence.Kind)
	}
	if !ev.FireAt.Equal(t0.Add(90 * time.Minute)) {
		t.Errorf("FireAt = %v, want truncated to the second", ev.FireAt)
	}

	got, err := s.Get("owner-1", ev.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Payload != "stand up" {
		t.Errorf("Payload = %q", got.Payload)
	}
	if _, err := s.Get("intruder", ev.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("foreign Get err = %v, want ErrNotFound", err)
	}
}

func TestTick_FiresOneOffOnce(t *testing.T) {
	s, _, clock, notifier := newTestScheduler(t, Config{})
	ev := mustCreate(t, s, Event{FireAt: t0.Add(10 * time.Minute), Payload: "tea"})

	if n := mustTick(t, s); n != 0 {
		t.Fatalf("fired %d before due", n)
	}
	clock.Advance(10 * time.Minute)
	if n := mustTick(t, s); n != 1 {
		t.Fatalf("fired %d, want 1", n)
	}
	clock.Advance(time.Minute)
	if n := mustTick(t, s); n != 0 {
		t.Fatalf("refired %d", n)
	}

	sent := notifier.all()
	if len(sent) != 1 {
		t.Fatalf("notifications = %d, want 1", len(sent))
	}
	if sent[0].Text != "tea" || sent[0].ReminderID != ev.ID || sent[0].Kind != KindReminder {
		t.Errorf("notification = %+v", sent[0])
	}
	if !sent[0].OccurrenceAt.Equal(ev.FireAt) {
		t.Errorf("OccurrenceAt = %v, want %v", sent[0].OccurrenceAt, ev.FireAt)
	}

	got, _ := s.Get("owner-1", ev.ID)
	if got.Status != StatusFired {
		t.Errorf("Status = %q, want fired", got.Status)
	}
	if !got.LastFiredAt.Equal(clock.Now().Add(-time.Minute)) {
		t.Errorf("LastFiredAt = %v", got.LastFiredAt)
	}
}

func TestTick_DailyAdvanceIgnoresProcessingDelay(t *testing.T) {
	s, _, clock, _ := newTestScheduler(t, Config{})
	ev := mustCreate(t, s, Event{FireAt: t0.Add(time.Hour), Recurrence: Recurrence{Kind: KindDaily}})

	clock.Advance(time.Hour + 7*time.Minute)
	mustTick(t, s)

	got, _ := s.Get("owner-1", ev.ID)
	if got.Status != StatusScheduled {
		t.Fatalf("Status = %q, want scheduled", got.Status)
	}
	if want := ev.FireAt.Add(24 * time.Hour); !got.FireAt.Equal(want) {
		t.Errorf("next FireAt = %v, want %v", got.FireAt, want)
	}
}

func TestTick_MissedOccurrenceAdvancesWithoutDelivery(t *testing.T) {
	s, _, clock, notifier := newTestScheduler(t, Config{Grace: 15 * time.Minute})
	ev := mustCreate(t, s, Event{FireAt: t0.Add(time.Hour), Recurrence: Recurrence{Kind: KindDaily}})

	clock.Advance(3 * time.Hour)
	if n := mustTick(t, s); n != 1 {
		t.Fatalf("processed %d, want 1", n)
	}
	if len(notifier.all()) != 0 {
		t.Error("missed occurrence was delivered")
	}
	got, _ := s.Get("owner-1", ev.ID)
	if want := ev.FireAt.Add(24 * time.Hour); !got.FireAt.Equal(want) {
		t.Errorf("next FireAt = %v, want %v", got.FireAt, want)
	}
}

func TestTick_CatchesUpWithinOneTick(t *testing.T) {
	s, _, clock, notifier := newTestScheduler(t, Config{Grace: 15 * time.Minute})
	ev := mustCreate(t, s, Event{FireAt: t0.Add(time.Hour), Recurrence: Recurrence{Kind: KindDaily}})

	// Three occurrences are long past; the fourth is a minute late.
	clock.Set(ev.FireAt.Add(3*24*time.Hour + time.Minute))
	if n := mustTick(t, s); n != 4 {
		t.Fatalf("processed %d, want 4", n)
	}
	sent := notifier.all()
	if len(sent) != 1 {
		t.Fatalf("delivered %d, want 1", len(sent))
	}
	if want := ev.FireAt.Add(3 * 24 * time.Hour); !sent[0].OccurrenceAt.Equal(want) {
		t.Errorf("delivered occurrence %v, want %v", sent[0].OccurrenceAt, want)
	}
	got, _ := s.Get("owner-1", ev.ID)
	if want := ev.FireAt.Add(4 * 24 * time.Hour); !got.FireAt.Equal(want) {
		t.Errorf("next FireAt = %v, want %v", got.FireAt, want)
	}
}

func TestTick_NotifyFailureStillAdvances(t *testing.T) {
	s, _, clock, notifier := newTestScheduler(t, Config{})
	notifier.err = errors.New("queue down")
	ev := mustCreate(t, s, Event{FireAt: t0.Add(time.Minute), Recurrence: Recurrence{Kind: KindDaily}})

	clock.Advance(time.Minute)
	mustTick(t, s)
	got, _ := s.Get("owner-1", ev.ID)
	if !got.FireAt.Equal(ev.FireAt.Add(24 * time.Hour)) {
		t.Errorf("FireAt = %v, series did not advance", got.FireAt)
	}
}

func TestTick_LoadsExistingRows(t *testing.T) {
	s, store, clock, notifier := newTestScheduler(t, Config{})
	mustCreate(t, s, Event{FireAt: t0.Add(time.Minute)})

	// A fresh scheduler over the same store picks the row up.
	fresh := NewWithClock(store, notifier, Config{}, clock)
	clock.Advance(time.Minute)
	if n := mustTick(t, fresh); n != 1 {
		t.Fatalf("fresh scheduler fired %d, want 1", n)
	}
}

func TestSnooze(t *testing.T) {
	t.Run("past fire time uses now", func(t *testing.T) {
		s, _, clock, _ := newTestScheduler(t, Config{})
		ev := mustCreate(t, s, Event{FireAt: t0.Add(time.Minute)})
		clock.Advance(time.Minute)
		mustTick(t, s)
		clock.Advance(3 * time.Minute)

		got, err := s.Snooze("owner-1", ev.ID, 10*time.Minute)
		if err != nil {
			t.Fatalf("Snooze: %v", err)
		}
		if want := clock.Now().Add(10 * time.Minute); !got.FireAt.Equal(want) {
			t.Errorf("FireAt = %v, want %v", got.FireAt, want)
		}
		if got.Status != StatusScheduled {
			t.Errorf("Status = %q, want scheduled", got.Status)
		}
	})

	t.Run("future fire time is pushed back", func(t *testing.T) {
		s, _, _, _ := newTestScheduler(t, Config{})
		ev := mustCreate(t, s, Event{FireAt: t0.Add(time.Hour)})
		got, err := s.Snooze("owner-1", ev.ID, 15*time.Minute)
		if err != nil {
			t.Fatalf("Snooze: %v", err)
		}
		if want := t0.Add(75 * time.Minute); !got.FireAt.Equal(want) {
			t.Errorf("FireAt = %v, want %v", got.FireAt, want)
		}
	})

	t.Run("recurring series keeps cadence", func(t *testing.T) {
		s, _, clock, notifier := newTestScheduler(t, Config{})
		ev := mustCreate(t, s, Event{FireAt: t0.Add(time.Minute), Recurrence: Recurrence{Kind: KindDaily}})
		clock.Advance(time.Minute)
		mustTick(t, s)

		once, err := s.Snooze("owner-1", ev.ID, 5*time.Minute)
		if err != nil {
			t.Fatalf("Snooze: %v", err)
		}
		if once.ID == ev.ID || once.Recurrence.Repeats() {
			t.Fatalf("snooze of a series returned %+v, want a one-off copy", once)
		}
		series, _ := s.Get("owner-1", ev.ID)
		if !series.FireAt.Equal(ev.FireAt.Add(24 * time.Hour)) {
			t.Errorf("series moved to %v", series.FireAt)
		}

		clock.Advance(5 * time.Minute)
		mustTick(t, s)
		sent := notifier.all()
		if len(sent) != 2 || sent[1].ReminderID != once.ID {
			t.Errorf("notifications = %+v, want the snoozed copy second", sent)
		}
	})

	t.Run("paused event", func(t *testing.T) {
		s, _, _, _ := newTestScheduler(t, Config{})
		ev := mustCreate(t, s, Event{FireAt: t0.Add(time.Hour)})
		if _, err := s.Toggle("owner-1", ev.ID); err != nil {
			t.Fatalf("Toggle: %v", err)
		}
		if _, err := s.Snooze("owner-1", ev.ID, time.Minute); !errors.Is(err, ErrNotScheduled) {
			t.Errorf("err = %v, want ErrNotScheduled", err)
		}
	})
}

func TestReschedule(t *testing.T) {
	s, _, clock, notifier := newTestScheduler(t, Config{})
	ev := mustCreate(t, s, Event{FireAt: t0.Add(time.Hour)})

	if _, err := s.Reschedule("owner-1", ev.ID, t0.Add(-time.Hour)); !errors.Is(err, ErrInPast) {
		t.Errorf("past err = %v, want ErrInPast", err)
	}
	if _, err := s.Reschedule("someone-else", ev.ID, t0.Add(2*time.Hour)); !errors.Is(err, ErrNotFound) {
		t.Errorf("foreign err = %v, want ErrNotFound", err)
	}
	got, err := s.Reschedule("owner-1", ev.ID, t0.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	if !got.FireAt.Equal(t0.Add(2 * time.Hour)) {
		t.Errorf("FireAt = %v", got.FireAt)
	}

	// The old heap entry is stale and must not fire.
	clock.Advance(time.Hour)
	if n := mustTick(t, s); n != 0 {
		t.Errorf("stale entry fired %d", n)
	}
	clock.Advance(time.Hour)
	if n := mustTick(t, s); n != 1 {
		t.Errorf("rescheduled entry fired %d, want 1", n)
	}
	if len(notifier.all()) != 1 {
		t.Errorf("notifications = %d, want 1", len(notifier.all()))
	}
}

func TestRescheduleOccurrence(t *testing.T) {
	t.Run("recurring series skips one occurrence", func(t *testing.T) {
		s, _, clock, notifier := newTestScheduler(t, Config{})
		ev := mustCreate(t, s, Event{FireAt: t0.Add(time.Hour), Recurrence: Recurrence{Kind: KindDaily}})

		once, err := s.RescheduleOccurrence("owner-1", ev.ID, t0.Add(3*time.Hour))
		if err != nil {
			t.Fatalf("RescheduleOccurrence: %v", err)
		}
		if once.ID == ev.ID || once.Recurrence.Repeats() || !once.FireAt.Equal(t0.Add(3*time.Hour)) {
			t.Errorf("moved occurrence = %+v", once)
		}
		series, _ := s.Get("owner-1", ev.ID)
		if want := t0.Add(25 * time.Hour); !series.FireAt.Equal(want) || series.Status != StatusScheduled {
			t.Errorf("series = %v/%s, want %v/scheduled", series.FireAt, series.Status, want)
		}

		clock.Advance(time.Hour)
		if n := mustTick(t, s); n != 0 {
			t.Errorf("skipped occurrence fired %d", n)
		}
		clock.Advance(2 * time.Hour)
		if n := mustTick(t, s); n != 1 {
			t.Errorf("moved occurrence fired %d, want 1", n)
		}
		sent := notifier.all()
		if len(sent) != 1 || sent[0].ReminderID != once.ID {
			t.Errorf("notifications = %+v", sent)
		}
	})

	t.Run("one-off event moves in place", func(t *testing.T) {
		s, _, _, _ := newTestScheduler(t, Config{})
		ev := mustCreate(t, s, Event{FireAt: t0.Add(time.Hour)})
		got, err := s.RescheduleOccurrence("owner-1", ev.ID, t0.Add(2*time.Hour))
		if err != nil {
			t.Fatalf("RescheduleOccurrence: %v", err)
		}
		if got.ID != ev.ID || !got.FireAt.Equal(t0.Add(2*time.Hour)) {
			t.Errorf("got = %+v", got)
		}
	})

	t.Run("past time is rejected", func(t *testing.T) {
		s, _, _, _ := newTestScheduler(t, Config{})
		ev := mustCreate(t, s, Event{FireAt: t0.Add(time.Hour), Recurrence: Recurrence{Kind: KindDaily}})
		if _, err := s.RescheduleOccurrence("owner-1", ev.ID, t0.Add(-time.Hour)); !errors.Is(err, ErrInPast) {
			t.Errorf("err = %v, want ErrInPast", err)
		}
	})
}

func TestReschedule_ReanchorsSeries(t *testing.T) {
	friday := time.Date(2026, 3, 13, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		rec  Recurrence
		want Recurrence
	}{
		{"single weekday", Recurrence{Kind: KindWeekly, Weekdays: []time.Weekday{time.Wednesday}}, Recurrence{Kind: KindWeekly, Weekdays: []time.Weekday{time.Friday}}},
		{"weekday set kept", Recurrence{Kind: KindWeekly, Weekdays: []time.Weekday{time.Monday, time.Wednesday}}, Recurrence{Kind: KindWeekly, Weekdays: []time.Weekday{time.Monday, time.Wednesday}}},
		{"month day", Recurrence{Kind: KindMonthly, MonthDay: 11}, Recurrence{Kind: KindMonthly, MonthDay: 13}},
		{"daily untouched", Recurrence{Kind: KindDaily}, Recurrence{Kind: KindDaily}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, _, _ := newTestScheduler(t, Config{})
			ev := mustCreate(t, s, Event{FireAt: t0.Add(time.Hour), Recurrence: tt.rec})
			got, err := s.Reschedule("owner-1", ev.ID, friday)
			if err != nil {
				t.Fatalf("Reschedule: %v", err)
			}
			if got.Recurrence.String() != tt.want.String() {
				t.Errorf("Recurrence = %s, want %s", got.Recurrence, tt.want)
			}
		})
	}
}

func TestToggle(t *testing.T) {
	t.Run("paused event does not fire", func(t *testing.T) {
		s, _, clock, notifier := newTestScheduler(t, Config{})
		ev := mustCreate(t, s, Event{FireAt: t0.Add(time.Minute)})
		got, err := s.Toggle("owner-1", ev.ID)
		if err != nil || got.Status != StatusCancelled {
			t.Fatalf("Toggle = %+v, %v", got, err)
		}
		clock.Advance(time.Minute)
		mustTick(t, s)
		if len(notifier.all()) != 0 {
			t.Error("paused event fired")
		}
	})

	t.Run("resumed series rolls forward", func(t *testing.T) {
		s, _, clock, _ := newTestScheduler(t, Config{})
		ev := mustCreate(t, s, Event{FireAt: t0.Add(time.Hour), Recurrence: Recurrence{Kind: KindDaily}})
		if _, err := s.Toggle("owner-1", ev.ID); err != nil {
			t.Fatalf("pause: %v", err)
		}
		clock.Advance(50 * time.Hour)
		got, err := s.Toggle("owner-1", ev.ID)
		if err != nil {
			t.Fatalf("resume: %v", err)
		}
		if want := ev.FireAt.Add(72 * time.Hour); !got.FireAt.Equal(want) {
			t.Errorf("FireAt = %v, want %v", got.FireAt, want)
		}
		if got.Status != StatusScheduled {
			t.Errorf("Status = %q", got.Status)
		}
	})

	t.Run("past one-off cannot resume", func(t *testing.T) {
		s, _, clock, _ := newTestScheduler(t, Config{})
		ev := mustCreate(t, s, Event{FireAt: t0.Add(time.Minute)})
		if _, err := s.Toggle("owner-1", ev.ID); err != nil {
			t.Fatalf("pause: %v", err)
		}
		clock.Advance(time.Hour)
		if _, err := s.Toggle("owner-1", ev.ID); !errors.Is(err, ErrInPast) {
			t.Errorf("err = %v, want ErrInPast", err)
		}
	})
}

func TestDelete(t *testing.T) {
	s, _, clock, notifier := newTestScheduler(t, Config{})
	ev := mustCreate(t, s, Event{FireAt: t0.Add(time.Minute)})
	mustTick(t, s)

	if err := s.Delete("intruder", ev.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("foreign Delete err = %v, want ErrNotFound", err)
	}
	if err := s.Delete("owner-1", ev.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete("owner-1", ev.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete err = %v, want ErrNotFound", err)
	}
	clock.Advance(time.Minute)
	mustTick(t, s)
	if len(notifier.all()) != 0 {
		t.Error("deleted event fired")
	}
}

func TestList_HidesFiredOneOffs(t *testing.T) {
	s, _, clock, _ := newTestScheduler(t, Config{})
	mustCreate(t, s, Event{FireAt: t0.Add(time.Minute), Payload: "done soon"})
	mustCreate(t, s, Event{FireAt: t0.Add(time.Hour), Payload: "later"})
	clock.Advance(time.Minute)
	mustTick(t, s)

	active, err := s.List("owner-1", false)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(active) != 1 || active[0].Payload != "later" {
		t.Errorf("active = %+v", active)
	}
	all, _ := s.List("owner-1", true)
	if len(all) != 2 {
		t.Errorf("all = %d, want 2", len(all))
	}
}

func TestNotificationKey(t *testing.T) {
	at := time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC)
	a := Notification{Kind: KindReminder, ReminderID: "r1", OccurrenceAt: at}
	b := Notification{Kind: KindReminder, ReminderID: "r1", OccurrenceAt: at, Text: "different"}
	if a.Key() != b.Key() {
		t.Errorf("same occurrence keys differ: %q vs %q", a.Key(), b.Key())
	}
	c := Notification{Kind: KindReminder, ReminderID: "r1", OccurrenceAt: at.Add(24 * time.Hour)}
	if a.Key() == c.Key() {
		t.Error("different occurrences share a key")
	}
	d := Notification{Kind: KindDigest, OwnerID: "o", OccurrenceAt: at}
	if d.Key() != "digest:o:2026-03-11" {
		t.Errorf("digest key = %q", d.Key())
	}
}

func TestQuickActions(t *testing.T) {
	acts := QuickActions(Event{ID: "r1"})
	if len(acts) != len(SnoozePresets)+2 {
		t.Fatalf("actions = %d", len(acts))
	}
	for _, a := range acts {
		if a.ReminderID != "r1" || !a.Op.Valid() || a.Label == "" {
			t.Errorf("bad action %+v", a)
		}
	}
}
