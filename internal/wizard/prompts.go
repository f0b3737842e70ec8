package wizard

import (
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/aide/internal/result"
)

var flowTitles = map[Flow]string{
	FlowAddEvent:       "new event",
	FlowCreateReminder: "new reminder",
	FlowReschedule:     "rescheduling",
}

var recurrenceChoices = []struct{ label, choice string }{
	{"Once", "once"},
	{"Daily", "daily"},
	{"Weekdays", "weekdays"},
	{"Weekly", "weekly"},
	{"Monthly", "monthly"},
}

func formatWhen(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("Mon 02 Jan 2006 15:04")
}

// prompt renders the question for the current step.
func prompt(st State, loc *time.Location) result.Result {
	var text string
	var acts []result.Action

	switch st.Step {
	case StepTitle:
		if st.Flow == FlowAddEvent {
			text = "What is the event called?"
		} else {
			text = "What should I remind you about?"
		}
	case StepDateTime:
		switch st.Flow {
		case FlowAddEvent:
			text = "When does it start? For example \"tomorrow 9:30 Dentist\" or \"friday 7pm\"."
		case FlowReschedule:
			text = fmt.Sprintf("When should %q fire instead?", st.Draft.Reschedule.Title)
		default:
			text = "When? For example \"in 20 minutes\", \"tomorrow 9:30\" or \"2026-04-01 12:00\"."
		}
	case StepRecurrence:
		text = "Should it repeat?"
		for _, c := range recurrenceChoices {
			acts = append(acts, result.Action{Label: c.label, Op: result.OpWizardChoice, Choice: c.choice})
		}
	case StepScope:
		text = fmt.Sprintf("%q repeats. Move only this occurrence, or this and all following ones?", st.Draft.Reschedule.Title)
		acts = append(acts,
			result.Action{Label: "Only this one", Op: result.OpWizardChoice, Choice: string(ScopeOccurrence)},
			result.Action{Label: "This and following", Op: result.OpWizardChoice, Choice: string(ScopeSeries)},
		)
	case StepConfirm:
		text = summary(st, loc) + "\n\nSave it?"
		acts = append(acts,
			result.Action{Label: "Save", Op: result.OpWizardConfirm},
			result.Action{Label: "Edit", Op: result.OpWizardEdit},
		)
	}

	if _, ok := st.Flow.prev(st.Step); ok {
		acts = append(acts, result.Action{Label: "Back", Op: result.OpWizardBack})
	}
	acts = append(acts, result.Action{Label: "Cancel", Op: result.OpWizardCancel})

	return result.OK(text, result.ModeLocal, string(st.Flow)).
		WithActions(acts...).
		WithDebug("wizard_step", string(st.Step))
}

func summary(st State, loc *time.Location) string {
	var b strings.Builder
	switch {
	case st.Draft.Event != nil:
		d := st.Draft.Event
		fmt.Fprintf(&b, "Event: %s\nStarts: %s", d.Title, formatWhen(d.Start, loc))
	case st.Draft.Reminder != nil:
		d := st.Draft.Reminder
		fmt.Fprintf(&b, "Reminder: %s\nAt: %s", d.Title, formatWhen(d.At, loc))
		if d.Recurrence != nil {
			fmt.Fprintf(&b, "\nRepeats: %s", d.Recurrence.String())
		}
	case st.Draft.Reschedule != nil:
		d := st.Draft.Reschedule
		fmt.Fprintf(&b, "Reminder: %s\nNew time: %s", d.Title, formatWhen(d.At, loc))
		switch d.Scope {
		case ScopeOccurrence:
			b.WriteString("\nApplies to: this occurrence only")
		case ScopeSeries:
			b.WriteString("\nApplies to: this and all following")
		}
	}
	return b.String()
}

// resumePrompt answers a start request while another dialog is active.
func resumePrompt(cur State, requested Flow, seed Seed) result.Result {
	text := fmt.Sprintf("You are in the middle of a %s. Continue it or start over?", flowTitles[cur.Flow])
	return result.Refused(text, "wizard.busy",
		result.Action{Label: "Continue", Op: result.OpWizardContinue},
		result.Action{Label: "Start over", Op: result.OpWizardRestart, Flow: string(requested), ReminderID: seed.ReminderID},
		result.Action{Label: "Cancel", Op: result.OpWizardCancel},
	)
}
