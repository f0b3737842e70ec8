package wizard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kalambet/aide/internal/metrics"
	"github.com/kalambet/aide/internal/reminder"
	"github.com/kalambet/aide/internal/result"
	"github.com/kalambet/aide/internal/storage"
	"github.com/kalambet/aide/internal/timeparse"
)

// DefaultTimeout is how long a dialog may sit idle.
const DefaultTimeout = 10 * time.Minute

const maxTitleRunes = 200

// Store persists dialog states. Implemented by storage.Store.
type Store interface {
	SaveWizardState(st storage.WizardState) error
	GetWizardState(ownerID, conversationID string) (storage.WizardState, error)
	DeleteWizardState(ownerID, conversationID string) error
}

// Reminders is the scheduler surface the reminder flows commit through.
type Reminders interface {
	Create(ev reminder.Event) (reminder.Event, error)
	Reschedule(ownerID, id string, at time.Time) (reminder.Event, error)
	RescheduleOccurrence(ownerID, id string, at time.Time) (reminder.Event, error)
	Get(ownerID, id string) (reminder.Event, error)
}

// CalendarEvent is what the add-event flow hands to the calendar.
type CalendarEvent struct {
	Title    string
	Start    time.Time
	TimeZone string
}

// Calendar stores calendar entries.
type Calendar interface {
	AddEvent(ctx context.Context, ownerID, conversationID string, ev CalendarEvent) error
}

// Zones resolves an owner's time zone.
type Zones interface {
	Location(ownerID string) *time.Location
}

// Clock abstracts time for testing.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Outcome is the engine's answer to a piece of input.
type Outcome struct {
	Result result.Result
	// Handled is false when no dialog was active, so the input should be
	// routed normally.
	Handled bool
	// TimedOut is set when an expired dialog was cleared by this call. The
	// input was not consumed.
	TimedOut bool
}

// Engine runs dialogs. Calls for the same (owner, conversation) must be
// serialized by the caller.
type Engine struct {
	store     Store
	reminders Reminders
	calendar  Calendar
	zones     Zones
	clock     Clock
	timeout   time.Duration
}

// New creates an Engine using the system clock.
func New(store Store, reminders Reminders, calendar Calendar, zones Zones, timeout time.Duration) *Engine {
	return NewWithClock(store, reminders, calendar, zones, timeout, realClock{})
}

// NewWithClock creates an Engine with a custom clock for testing.
func NewWithClock(store Store, reminders Reminders, calendar Calendar, zones Zones, timeout time.Duration, clock Clock) *Engine {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Engine{store: store, reminders: reminders, calendar: calendar, zones: zones, clock: clock, timeout: timeout}
}

// Active returns the live dialog, if any. An expired dialog is cleared and
// reported through timedOut.
func (e *Engine) Active(ownerID, conversationID string) (st State, ok, timedOut bool, err error) {
	row, err := e.store.GetWizardState(ownerID, conversationID)
	if errors.Is(err, storage.ErrNotFound) {
		return State{}, false, false, nil
	}
	if err != nil {
		return State{}, false, false, fmt.Errorf("loading wizard state: %w", err)
	}
	st, err = fromRow(row)
	if err != nil {
		// The row is unusable; clear it so the owner is not stuck.
		_ = e.store.DeleteWizardState(ownerID, conversationID)
		return State{}, false, false, err
	}
	if st.Expired(e.clock.Now()) {
		if err := e.store.DeleteWizardState(ownerID, conversationID); err != nil {
			return State{}, false, false, fmt.Errorf("clearing expired wizard state: %w", err)
		}
		metrics.WizardTransitionsTotal.WithLabelValues(string(st.Flow), "timeout").Inc()
		slog.Info("wizard: expired", "owner", ownerID, "flow", st.Flow, "step", st.Step)
		return State{}, false, true, nil
	}
	return st, true, false, nil
}

// Start enters flow. If a dialog is already active it is left untouched and
// the owner is asked whether to continue it or start over.
func (e *Engine) Start(ctx context.Context, ownerID, conversationID string, flow Flow, seed Seed) result.Result {
	if _, ok := steps[flow]; !ok {
		return e.invariant(ownerID, conversationID, fmt.Errorf("%w: flow %q", ErrUnknownStep, flow))
	}
	cur, ok, _, err := e.Active(ownerID, conversationID)
	if err != nil {
		return e.loadFailure(ownerID, conversationID, err)
	}
	if ok {
		return resumePrompt(cur, flow, seed)
	}

	repeats := false
	if flow == FlowReschedule {
		ev, err := e.reminders.Get(ownerID, seed.ReminderID)
		if errors.Is(err, reminder.ErrNotFound) {
			return result.Refused("That reminder no longer exists.", string(flow))
		}
		if err != nil {
			return result.Error(string(flow), err)
		}
		seed.Title = ev.Payload
		repeats = ev.Recurrence.Repeats()
	}

	if flow == FlowCreateReminder {
		seed.Title = strings.TrimSpace(seed.Title)
		if utf8.RuneCountInString(seed.Title) > maxTitleRunes {
			seed.Title = ""
		}
	}

	now := e.clock.Now()
	st := State{
		OwnerID:        ownerID,
		ConversationID: conversationID,
		Flow:           flow,
		Step:           flow.first(),
		Draft:          newDraft(flow, seed),
		CreatedAt:      now,
		ExpiresAt:      now.Add(e.timeout),
	}
	if st.Draft.Reschedule != nil {
		st.Draft.Reschedule.Repeats = repeats
	}
	if filled(st, st.Step) {
		st.Step = e.nextAfter(st)
	}
	if err := e.save(st); err != nil {
		return result.Error(string(flow), err)
	}
	metrics.WizardTransitionsTotal.WithLabelValues(string(flow), "start").Inc()
	slog.Info("wizard: started", "owner", ownerID, "flow", flow)
	return prompt(st, e.zones.Location(ownerID))
}

// Restart cancels any active dialog and starts flow.
func (e *Engine) Restart(ctx context.Context, ownerID, conversationID string, flow Flow, seed Seed) result.Result {
	if err := e.clear(ownerID, conversationID); err != nil {
		return result.Error(string(flow), err)
	}
	return e.Start(ctx, ownerID, conversationID, flow, seed)
}

// Cancel clears the active dialog, if any.
func (e *Engine) Cancel(ownerID, conversationID string) result.Result {
	st, ok, _, err := e.Active(ownerID, conversationID)
	if err != nil && !errors.Is(err, ErrUnknownStep) {
		return result.Error("wizard.cancel", err)
	}
	if !ok {
		return result.OK("Nothing to cancel.", result.ModeLocal, "wizard.cancel").WithActions(result.MenuAction())
	}
	if err := e.clear(ownerID, conversationID); err != nil {
		return result.Error("wizard.cancel", err)
	}
	metrics.WizardTransitionsTotal.WithLabelValues(string(st.Flow), "cancel").Inc()
	slog.Info("wizard: cancelled", "owner", ownerID, "flow", st.Flow, "step", st.Step)
	return result.OK("Cancelled.", result.ModeLocal, "wizard.cancel").WithActions(result.MenuAction())
}

// Handle feeds typed input to the active dialog.
func (e *Engine) Handle(ctx context.Context, ownerID, conversationID, text string) Outcome {
	st, ok, timedOut, err := e.Active(ownerID, conversationID)
	if err != nil {
		return Outcome{Result: e.loadFailure(ownerID, conversationID, err), Handled: true}
	}
	if !ok {
		return Outcome{TimedOut: timedOut}
	}

	switch word := strings.ToLower(strings.TrimSpace(text)); word {
	case "cancel", "/cancel", "stop", "abort":
		return Outcome{Result: e.Cancel(ownerID, conversationID), Handled: true}
	case "back", "/back":
		return Outcome{Result: e.back(st), Handled: true}
	}
	return Outcome{Result: e.step(ctx, st, text), Handled: true}
}

// Apply runs a wizard button. Buttons from an expired or replaced dialog
// report the dialog as gone instead of acting.
func (e *Engine) Apply(ctx context.Context, ownerID, conversationID string, a result.Action) Outcome {
	switch a.Op {
	case result.OpWizardStart:
		flow, ok := ParseFlow(a.Flow)
		if !ok {
			return Outcome{Result: e.invariant(ownerID, conversationID, fmt.Errorf("%w: flow %q", ErrUnknownStep, a.Flow)), Handled: true}
		}
		return Outcome{Result: e.Start(ctx, ownerID, conversationID, flow, Seed{ReminderID: a.ReminderID}), Handled: true}
	case result.OpWizardRestart:
		flow, ok := ParseFlow(a.Flow)
		if !ok {
			return Outcome{Result: e.invariant(ownerID, conversationID, fmt.Errorf("%w: flow %q", ErrUnknownStep, a.Flow)), Handled: true}
		}
		return Outcome{Result: e.Restart(ctx, ownerID, conversationID, flow, Seed{ReminderID: a.ReminderID}), Handled: true}
	case result.OpWizardCancel:
		return Outcome{Result: e.Cancel(ownerID, conversationID), Handled: true}
	}

	st, ok, timedOut, err := e.Active(ownerID, conversationID)
	if err != nil {
		return Outcome{Result: e.loadFailure(ownerID, conversationID, err), Handled: true}
	}
	if !ok {
		text := "That dialog is no longer active."
		if timedOut {
			text = "That dialog timed out."
		}
		return Outcome{Result: result.Refused(text, "wizard.expired"), Handled: true, TimedOut: timedOut}
	}

	switch a.Op {
	case result.OpWizardContinue:
		return Outcome{Result: prompt(st, e.zones.Location(ownerID)), Handled: true}
	case result.OpWizardBack:
		return Outcome{Result: e.back(st), Handled: true}
	case result.OpWizardEdit:
		return Outcome{Result: e.edit(st), Handled: true}
	case result.OpWizardConfirm:
		if st.Step != StepConfirm {
			return Outcome{Result: e.clarify(st, "Nothing to confirm yet."), Handled: true}
		}
		return Outcome{Result: e.commit(ctx, st), Handled: true}
	case result.OpWizardChoice:
		return Outcome{Result: e.step(ctx, st, a.Choice), Handled: true}
	}
	return Outcome{Result: e.invariant(ownerID, conversationID, fmt.Errorf("wizard: unsupported op %q", a.Op)), Handled: true}
}

// step applies input to the current step.
func (e *Engine) step(ctx context.Context, st State, text string) result.Result {
	loc := e.zones.Location(st.OwnerID)
	now := e.clock.Now()
	input := strings.TrimSpace(text)

	switch st.Step {
	case StepTitle:
		if input == "" || utf8.RuneCountInString(input) > maxTitleRunes {
			return e.clarify(st, fmt.Sprintf("Please send a short title (up to %d characters).", maxTitleRunes))
		}
		switch {
		case st.Draft.Event != nil:
			st.Draft.Event.Title = input
		case st.Draft.Reminder != nil:
			st.Draft.Reminder.Title = input
		default:
			return e.invariant(st.OwnerID, st.ConversationID, fmt.Errorf("%w: title step in flow %q", ErrUnknownStep, st.Flow))
		}
		return e.advance(st, e.nextAfter(st))

	case StepDateTime:
		at, rest, err := timeparse.Parse(input, now, loc)
		if err != nil {
			return e.clarify(st, "I couldn't read that date and time. Try \"tomorrow 9:30\", \"friday 7pm\", \"in 20 minutes\" or \"2026-04-01 12:00\".")
		}
		if !at.After(now) {
			return e.clarify(st, "That time has already passed. Please pick a time in the future.")
		}
		if at.Sub(now) > reminder.DefaultMaxAhead {
			return e.clarify(st, "That is too far ahead. Please pick a time within a year.")
		}
		next := e.nextAfter(st)
		switch {
		case st.Draft.Event != nil:
			st.Draft.Event.Start = at
			if rest != "" && st.Draft.Event.Title == "" && utf8.RuneCountInString(rest) <= maxTitleRunes {
				st.Draft.Event.Title = rest
				next = StepConfirm
			}
		case st.Draft.Reminder != nil:
			d := st.Draft.Reminder
			if d.Recurrence != nil && !d.At.IsZero() && dateAnchored(*d.Recurrence) && !sameDay(d.At.In(loc), at.In(loc)) {
				// The rule was pinned to the old date; ask again.
				d.Recurrence = nil
				next = e.nextAfter(st)
			}
			d.At = at
		case st.Draft.Reschedule != nil:
			st.Draft.Reschedule.At = at
		}
		return e.advance(st, next)

	case StepRecurrence:
		if st.Draft.Reminder == nil {
			return e.invariant(st.OwnerID, st.ConversationID, fmt.Errorf("%w: recurrence step in flow %q", ErrUnknownStep, st.Flow))
		}
		anchor := st.Draft.Reminder.At.In(loc)
		rec, err := reminder.ParseRecurrence(input, anchor)
		if err != nil {
			return e.clarify(st, "Pick how often to repeat: once, daily, weekdays, weekly, monthly, or \"every mon, thu\".")
		}
		st.Draft.Reminder.Recurrence = &rec
		return e.advance(st, StepConfirm)

	case StepScope:
		if st.Draft.Reschedule == nil {
			return e.invariant(st.OwnerID, st.ConversationID, fmt.Errorf("%w: scope step in flow %q", ErrUnknownStep, st.Flow))
		}
		scope, ok := ParseScope(input)
		if !ok {
			return e.clarify(st, "Move only this occurrence, or this and all following ones?")
		}
		st.Draft.Reschedule.Scope = scope
		return e.advance(st, StepConfirm)

	case StepConfirm:
		switch strings.ToLower(input) {
		case "yes", "y", "ok", "okay", "confirm", "save", "sure", "yep":
			return e.commit(ctx, st)
		case "no", "n", "nope":
			return e.Cancel(st.OwnerID, st.ConversationID)
		}
		return e.clarify(st, "Please answer yes to save or no to cancel.")
	}
	return e.invariant(st.OwnerID, st.ConversationID, fmt.Errorf("%w: %q", ErrUnknownStep, st.Step))
}

// nextAfter returns the step following the current one. Steps already
// filled in, such as a title carried on the date line, are skipped.
func (e *Engine) nextAfter(st State) Step {
	list := steps[st.Flow]
	for i, s := range list {
		if s != st.Step {
			continue
		}
		for _, cand := range list[i+1:] {
			if applicable(st, cand) && !filled(st, cand) {
				return cand
			}
		}
	}
	return StepConfirm
}

func filled(st State, s Step) bool {
	switch s {
	case StepTitle:
		return (st.Draft.Event != nil && st.Draft.Event.Title != "") ||
			(st.Draft.Reminder != nil && st.Draft.Reminder.Title != "")
	case StepDateTime:
		return (st.Draft.Event != nil && !st.Draft.Event.Start.IsZero()) ||
			(st.Draft.Reminder != nil && !st.Draft.Reminder.At.IsZero()) ||
			(st.Draft.Reschedule != nil && !st.Draft.Reschedule.At.IsZero())
	case StepRecurrence:
		return st.Draft.Reminder != nil && st.Draft.Reminder.Recurrence != nil
	case StepScope:
		return st.Draft.Reschedule != nil && st.Draft.Reschedule.Scope != ""
	}
	return false
}

// applicable reports whether s is asked at all for this draft. The scope
// question only concerns repeating reminders.
func applicable(st State, s Step) bool {
	if s == StepScope {
		return st.Draft.Reschedule != nil && st.Draft.Reschedule.Repeats
	}
	return true
}

// dateAnchored reports whether r was pinned to the weekday or month day of
// the first occurrence when it was picked.
func dateAnchored(r reminder.Recurrence) bool {
	return (r.Kind == reminder.KindWeekly && len(r.Weekdays) == 1) ||
		(r.Kind == reminder.KindMonthly && r.MonthDay > 0)
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func (e *Engine) advance(st State, next Step) result.Result {
	st.Step = next
	st.ExpiresAt = e.clock.Now().Add(e.timeout)
	if err := e.save(st); err != nil {
		return result.Error(string(st.Flow), err)
	}
	metrics.WizardTransitionsTotal.WithLabelValues(string(st.Flow), "advance").Inc()
	return prompt(st, e.zones.Location(st.OwnerID))
}

func (e *Engine) back(st State) result.Result {
	prev, ok := st.Flow.prev(st.Step)
	for ok && !applicable(st, prev) {
		prev, ok = st.Flow.prev(prev)
	}
	if !ok {
		return e.clarify(st, "This is the first step.")
	}
	st.Step = prev
	st.ExpiresAt = e.clock.Now().Add(e.timeout)
	if err := e.save(st); err != nil {
		return result.Error(string(st.Flow), err)
	}
	metrics.WizardTransitionsTotal.WithLabelValues(string(st.Flow), "back").Inc()
	return prompt(st, e.zones.Location(st.OwnerID))
}

// edit returns to the first step keeping what was collected.
func (e *Engine) edit(st State) result.Result {
	st.Step = st.Flow.first()
	st.ExpiresAt = e.clock.Now().Add(e.timeout)
	if err := e.save(st); err != nil {
		return result.Error(string(st.Flow), err)
	}
	metrics.WizardTransitionsTotal.WithLabelValues(string(st.Flow), "edit").Inc()
	return prompt(st, e.zones.Location(st.OwnerID))
}

// clarify restates the current step without changing the state.
func (e *Engine) clarify(st State, msg string) result.Result {
	metrics.WizardTransitionsTotal.WithLabelValues(string(st.Flow), "invalid").Inc()
	p := prompt(st, e.zones.Location(st.OwnerID))
	p.Text = msg + "\n\n" + p.Text
	p.Intent = "wizard.clarify"
	return p
}

// commit writes the draft through the matching collaborator. On failure the
// dialog stays at the confirm step so the owner can retry or cancel.
func (e *Engine) commit(ctx context.Context, st State) result.Result {
	if !st.Draft.complete() {
		return e.invariant(st.OwnerID, st.ConversationID, fmt.Errorf("%w: flow %q", ErrIncompleteDraft, st.Flow))
	}
	loc := e.zones.Location(st.OwnerID)

	var (
		text string
		err  error
	)
	switch {
	case st.Draft.Event != nil:
		d := st.Draft.Event
		err = e.calendar.AddEvent(ctx, st.OwnerID, st.ConversationID, CalendarEvent{Title: d.Title, Start: d.Start, TimeZone: loc.String()})
		text = fmt.Sprintf("Added %q on %s.", d.Title, formatWhen(d.Start, loc))
	case st.Draft.Reminder != nil:
		d := st.Draft.Reminder
		var ev reminder.Event
		ev, err = e.reminders.Create(reminder.Event{
			OwnerID:        st.OwnerID,
			ConversationID: st.ConversationID,
			FireAt:         d.At,
			Payload:        d.Title,
			Recurrence:     *d.Recurrence,
			TimeZone:       loc.String(),
		})
		if err == nil {
			text = fmt.Sprintf("Reminder set: %s.", ev.Describe())
		}
	case st.Draft.Reschedule != nil:
		d := st.Draft.Reschedule
		var ev reminder.Event
		if d.Scope == ScopeOccurrence {
			ev, err = e.reminders.RescheduleOccurrence(st.OwnerID, d.ReminderID, d.At)
			if err == nil {
				text = fmt.Sprintf("Moved this occurrence to %s. The rest of the series is unchanged.", formatWhen(ev.FireAt, loc))
			}
		} else {
			ev, err = e.reminders.Reschedule(st.OwnerID, d.ReminderID, d.At)
			if err == nil {
				text = fmt.Sprintf("Moved to %s.", formatWhen(ev.FireAt, loc))
			}
		}
	}

	if err != nil {
		metrics.WizardTransitionsTotal.WithLabelValues(string(st.Flow), "commit_failed").Inc()
		switch {
		case errors.Is(err, reminder.ErrInPast), errors.Is(err, reminder.ErrTooFar):
			back := st
			back.Step = StepDateTime
			back.ExpiresAt = e.clock.Now().Add(e.timeout)
			if serr := e.save(back); serr != nil {
				return result.Error(string(st.Flow), serr)
			}
			return e.clarify(back, "That time no longer works.")
		case errors.Is(err, reminder.ErrNotFound):
			_ = e.clear(st.OwnerID, st.ConversationID)
			return result.Refused("That reminder no longer exists.", string(st.Flow))
		}
		slog.Warn("wizard: commit failed", "owner", st.OwnerID, "flow", st.Flow, "error", err)
		return result.Error(string(st.Flow), err).WithActions(
			result.Action{Label: "Try again", Op: result.OpWizardConfirm},
			result.Action{Label: "Cancel", Op: result.OpWizardCancel},
		)
	}

	if err := e.clear(st.OwnerID, st.ConversationID); err != nil {
		slog.Warn("wizard: clearing committed state failed", "owner", st.OwnerID, "error", err)
	}
	metrics.WizardTransitionsTotal.WithLabelValues(string(st.Flow), "commit").Inc()
	slog.Info("wizard: committed", "owner", st.OwnerID, "flow", st.Flow)
	return result.OK(text, result.ModeLocal, string(st.Flow)).WithActions(
		result.Action{Label: "My reminders", Op: result.OpListReminders},
		result.MenuAction(),
	)
}

// invariant handles a state the engine cannot interpret: the dialog is
// dropped and a generic error returned, with details only in the log.
func (e *Engine) invariant(ownerID, conversationID string, err error) result.Result {
	slog.Error("wizard: invariant violation", "owner", ownerID, "conversation", conversationID, "error", err)
	if cerr := e.clear(ownerID, conversationID); cerr != nil {
		slog.Error("wizard: clearing state failed", "owner", ownerID, "error", cerr)
	}
	return result.Error("wizard.error", err)
}

func (e *Engine) loadFailure(ownerID, conversationID string, err error) result.Result {
	if errors.Is(err, ErrUnknownStep) {
		return e.invariant(ownerID, conversationID, err)
	}
	return result.Error("wizard.error", err)
}

func (e *Engine) save(st State) error {
	row, err := toRow(st)
	if err != nil {
		return err
	}
	if err := e.store.SaveWizardState(row); err != nil {
		return fmt.Errorf("saving wizard state: %w", err)
	}
	return nil
}

func (e *Engine) clear(ownerID, conversationID string) error {
	err := e.store.DeleteWizardState(ownerID, conversationID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("deleting wizard state: %w", err)
	}
	return nil
}
