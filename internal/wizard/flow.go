// Package wizard drives guided multi-step dialogs, one per (owner,
// conversation): adding a calendar event, creating a reminder and
// rescheduling one.
package wizard

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/aide/internal/reminder"
	"github.com/kalambet/aide/internal/storage"
)

// Flow names a guided scenario. Flow names double as result intents.
type Flow string

const (
	FlowAddEvent       Flow = "calendar.add_event"
	FlowCreateReminder Flow = "reminder.create"
	FlowReschedule     Flow = "reminder.reschedule"
)

// Step is a state within a flow.
type Step string

const (
	StepTitle      Step = "await_title"
	StepDateTime   Step = "await_datetime"
	StepRecurrence Step = "await_recurrence"
	StepScope      Step = "await_scope"
	StepConfirm    Step = "await_confirm"
)

// Scope says which occurrences of a repeating reminder a reschedule moves.
type Scope string

const (
	ScopeOccurrence Scope = "this"
	ScopeSeries     Scope = "series"
)

// ParseScope reads the owner's answer to the scope question.
func ParseScope(s string) (Scope, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "this", "this one", "only this", "only this one", "once", "just this":
		return ScopeOccurrence, true
	case "series", "all", "following", "future", "this and following", "all following", "everything":
		return ScopeSeries, true
	}
	return "", false
}

var (
	// ErrUnknownStep marks a stored state that references a step or flow
	// the engine does not define.
	ErrUnknownStep = errors.New("wizard: unknown step")
	// ErrIncompleteDraft marks a confirm step reached without all required
	// fields.
	ErrIncompleteDraft = errors.New("wizard: incomplete draft at confirm")
)

// steps lists each flow's steps in order. Back moves to the previous entry.
var steps = map[Flow][]Step{
	FlowAddEvent:       {StepDateTime, StepTitle, StepConfirm},
	FlowCreateReminder: {StepTitle, StepDateTime, StepRecurrence, StepConfirm},
	FlowReschedule:     {StepDateTime, StepScope, StepConfirm},
}

// ParseFlow validates a flow name.
func ParseFlow(s string) (Flow, bool) {
	f := Flow(s)
	_, ok := steps[f]
	return f, ok
}

func (f Flow) first() Step { return steps[f][0] }

func (f Flow) has(s Step) bool {
	for _, st := range steps[f] {
		if st == s {
			return true
		}
	}
	return false
}

// prev returns the step before s, or false at the first step.
func (f Flow) prev(s Step) (Step, bool) {
	list := steps[f]
	for i, st := range list {
		if st == s && i > 0 {
			return list[i-1], true
		}
	}
	return "", false
}

// EventDraft is collected by FlowAddEvent.
type EventDraft struct {
	Title string    `json:"title,omitempty"`
	Start time.Time `json:"start,omitzero"`
}

// ReminderDraft is collected by FlowCreateReminder. Recurrence stays nil
// until the user picks one.
type ReminderDraft struct {
	Title      string               `json:"title,omitempty"`
	At         time.Time            `json:"at,omitzero"`
	Recurrence *reminder.Recurrence `json:"recurrence,omitempty"`
}

// RescheduleDraft is collected by FlowReschedule. Scope is only asked for
// when the reminder repeats.
type RescheduleDraft struct {
	ReminderID string    `json:"reminder_id"`
	Title      string    `json:"title,omitempty"`
	Repeats    bool      `json:"repeats,omitempty"`
	At         time.Time `json:"at,omitzero"`
	Scope      Scope     `json:"scope,omitempty"`
}

// Draft holds the fields collected so far. Exactly one member is set, the
// one belonging to the state's flow.
type Draft struct {
	Event      *EventDraft      `json:"event,omitempty"`
	Reminder   *ReminderDraft   `json:"reminder,omitempty"`
	Reschedule *RescheduleDraft `json:"reschedule,omitempty"`
}

func newDraft(f Flow, seed Seed) Draft {
	switch f {
	case FlowAddEvent:
		return Draft{Event: &EventDraft{}}
	case FlowCreateReminder:
		return Draft{Reminder: &ReminderDraft{Title: seed.Title}}
	default:
		return Draft{Reschedule: &RescheduleDraft{ReminderID: seed.ReminderID, Title: seed.Title}}
	}
}

// matches reports whether d carries the variant f needs and nothing else.
func (d Draft) matches(f Flow) bool {
	set := 0
	for _, ok := range []bool{d.Event != nil, d.Reminder != nil, d.Reschedule != nil} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return false
	}
	switch f {
	case FlowAddEvent:
		return d.Event != nil
	case FlowCreateReminder:
		return d.Reminder != nil
	case FlowReschedule:
		return d.Reschedule != nil
	}
	return false
}

// complete reports whether the draft can be committed.
func (d Draft) complete() bool {
	switch {
	case d.Event != nil:
		return d.Event.Title != "" && !d.Event.Start.IsZero()
	case d.Reminder != nil:
		return d.Reminder.Title != "" && !d.Reminder.At.IsZero() && d.Reminder.Recurrence != nil
	case d.Reschedule != nil:
		return d.Reschedule.ReminderID != "" && !d.Reschedule.At.IsZero() &&
			(!d.Reschedule.Repeats || d.Reschedule.Scope != "")
	}
	return false
}

// Seed carries what a flow needs to start. FlowReschedule needs the
// reminder; FlowCreateReminder takes an optional title.
type Seed struct {
	ReminderID string
	Title      string
}

// State is the live dialog for one (owner, conversation).
type State struct {
	OwnerID        string
	ConversationID string
	Flow           Flow
	Step           Step
	Draft          Draft
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// Expired reports whether the state is past its deadline at now.
func (s State) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

func toRow(s State) (storage.WizardState, error) {
	data, err := json.Marshal(s.Draft)
	if err != nil {
		return storage.WizardState{}, fmt.Errorf("encoding draft: %w", err)
	}
	return storage.WizardState{
		OwnerID:        s.OwnerID,
		ConversationID: s.ConversationID,
		Flow:           string(s.Flow),
		Step:           string(s.Step),
		DataJSON:       string(data),
		CreatedAt:      s.CreatedAt,
		ExpiresAt:      s.ExpiresAt,
	}, nil
}

// fromRow decodes and validates a stored state. Anything the engine cannot
// interpret is reported as ErrUnknownStep.
func fromRow(r storage.WizardState) (State, error) {
	st := State{
		OwnerID:        r.OwnerID,
		ConversationID: r.ConversationID,
		Flow:           Flow(r.Flow),
		Step:           Step(r.Step),
		CreatedAt:      r.CreatedAt,
		ExpiresAt:      r.ExpiresAt,
	}
	if _, ok := steps[st.Flow]; !ok {
		return st, fmt.Errorf("%w: flow %q", ErrUnknownStep, r.Flow)
	}
	if !st.Flow.has(st.Step) {
		return st, fmt.Errorf("%w: %q in flow %q", ErrUnknownStep, r.Step, r.Flow)
	}
	if err := json.Unmarshal([]byte(r.DataJSON), &st.Draft); err != nil {
		return st, fmt.Errorf("%w: decoding draft: %v", ErrUnknownStep, err)
	}
	if !st.Draft.matches(st.Flow) {
		return st, fmt.Errorf("%w: draft does not match flow %q", ErrUnknownStep, r.Flow)
	}
	return st, nil
}
