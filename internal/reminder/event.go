// Package reminder schedules owner reminders and calendar events, fires them
// when due, advances recurring series, and builds the daily digest.
package reminder

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/aide/internal/result"
	"github.com/kalambet/aide/internal/storage"
)

// Status is the lifecycle state of an event.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusFired     Status = "fired"
	StatusSnoozed   Status = "snoozed"
	StatusCancelled Status = "cancelled"
)

var (
	// ErrNotFound is returned for unknown events and for events owned by
	// someone else.
	ErrNotFound = errors.New("reminder not found")
	// ErrInPast is returned when a requested fire time is not in the future.
	ErrInPast = errors.New("time is in the past")
	// ErrTooFar is returned when a fire time is beyond the scheduling horizon.
	ErrTooFar = errors.New("time is too far in the future")
	// ErrEmptyPayload is returned for events without text.
	ErrEmptyPayload = errors.New("reminder text is empty")
	// ErrNotScheduled is returned when an operation needs an active event.
	ErrNotScheduled = errors.New("reminder is not scheduled")
)

// MaxPayloadRunes bounds reminder text.
const MaxPayloadRunes = 1000

// Event is a scheduled reminder or calendar entry.
type Event struct {
	ID             string     `json:"id"`
	OwnerID        string     `json:"owner_id"`
	ConversationID string     `json:"conversation_id"`
	FireAt         time.Time  `json:"fire_at"`
	Payload        string     `json:"payload"`
	Recurrence     Recurrence `json:"recurrence"`
	TimeZone       string     `json:"time_zone"`
	Status         Status     `json:"status"`
	LastFiredAt    time.Time  `json:"last_fired_at,omitzero"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Location returns the event's zone, falling back to UTC.
func (e Event) Location() *time.Location {
	if e.TimeZone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(e.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Active reports whether the event will fire again.
func (e Event) Active() bool {
	return e.Status == StatusScheduled
}

// Describe renders a one-line summary in the event's zone.
func (e Event) Describe() string {
	var b strings.Builder
	b.WriteString(e.FireAt.In(e.Location()).Format("Mon 02 Jan 15:04"))
	b.WriteString(" - ")
	b.WriteString(e.Payload)
	if e.Recurrence.Repeats() {
		b.WriteString(" (")
		b.WriteString(e.Recurrence.String())
		b.WriteString(")")
	}
	if e.Status == StatusCancelled {
		b.WriteString(" [paused]")
	}
	return b.String()
}

func toRecord(e Event) (storage.Reminder, error) {
	rec := e.Recurrence
	if rec.Kind == "" {
		rec.Kind = KindNone
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return storage.Reminder{}, fmt.Errorf("encoding recurrence: %w", err)
	}
	return storage.Reminder{
		ID:             e.ID,
		OwnerID:        e.OwnerID,
		ConversationID: e.ConversationID,
		FireAt:         e.FireAt,
		Payload:        e.Payload,
		RecurrenceJSON: string(data),
		TimeZone:       e.TimeZone,
		Status:         string(e.Status),
		LastFiredAt:    e.LastFiredAt,
		CreatedAt:      e.CreatedAt,
	}, nil
}

// fromRecord decodes a stored row. Rows written with the legacy "snoozed"
// status are read as scheduled; an unreadable recurrence is treated as
// one-off so the row still fires once.
func fromRecord(r storage.Reminder) Event {
	ev := Event{
		ID:             r.ID,
		OwnerID:        r.OwnerID,
		ConversationID: r.ConversationID,
		FireAt:         r.FireAt,
		Payload:        r.Payload,
		TimeZone:       r.TimeZone,
		Status:         Status(r.Status),
		LastFiredAt:    r.LastFiredAt,
		CreatedAt:      r.CreatedAt,
	}
	if ev.Status == StatusSnoozed {
		ev.Status = StatusScheduled
	}
	if err := json.Unmarshal([]byte(r.RecurrenceJSON), &ev.Recurrence); err != nil {
		slog.Warn("reminder: unreadable recurrence, treating as one-off", "id", r.ID, "error", err)
		ev.Recurrence = Recurrence{Kind: KindNone}
	}
	return ev
}

// SnoozePresets are the quick snooze durations offered with a fired reminder.
var SnoozePresets = []int{5, 15, 30, 60}

// QuickActions returns the buttons attached to a fired reminder.
func QuickActions(e Event) []result.Action {
	acts := make([]result.Action, 0, len(SnoozePresets)+2)
	for _, m := range SnoozePresets {
		label := fmt.Sprintf("+%d min", m)
		if m%60 == 0 {
			label = fmt.Sprintf("+%d h", m/60)
		}
		acts = append(acts, result.Action{Label: label, Op: result.OpSnooze, ReminderID: e.ID, Minutes: m})
	}
	acts = append(acts,
		result.Action{Label: "Reschedule", Op: result.OpReschedule, ReminderID: e.ID},
		result.Action{Label: "Delete", Op: result.OpDelete, ReminderID: e.ID},
	)
	return acts
}

// ManageActions returns the buttons shown next to an event in a listing.
func ManageActions(e Event) []result.Action {
	toggle := "Pause"
	if e.Status != StatusScheduled {
		toggle = "Resume"
	}
	return []result.Action{
		{Label: toggle, Op: result.OpToggle, ReminderID: e.ID},
		{Label: "Reschedule", Op: result.OpReschedule, ReminderID: e.ID},
		{Label: "Delete", Op: result.OpDelete, ReminderID: e.ID},
	}
}
