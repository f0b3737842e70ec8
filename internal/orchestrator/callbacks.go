package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/aide/internal/profile"
	"github.com/kalambet/aide/internal/reminder"
	"github.com/kalambet/aide/internal/result"
	"github.com/kalambet/aide/internal/wizard"
)

// apply dispatches a resolved button. Every Op is matched here; an Op the
// switch does not know is a programming error.
func (o *Orchestrator) apply(ctx context.Context, logger *slog.Logger, p profile.Profile, ownerID, conversationID string, a result.Action) result.Result {
	logger = logger.With("op", a.Op)
	switch a.Op {
	case result.OpMenu:
		return menu(p)
	case result.OpHelp:
		return o.help()
	case result.OpListReminders:
		return o.listReminders(logger, ownerID)

	case result.OpSnooze:
		minutes := a.Minutes
		if minutes <= 0 {
			minutes = int(reminder.DefaultSnooze / time.Minute)
		}
		ev, err := o.deps.Reminders.Snooze(ownerID, a.ReminderID, time.Duration(minutes)*time.Minute)
		if err != nil {
			return reminderFailure(logger, "reminder.snooze", err)
		}
		return result.OK(fmt.Sprintf("Snoozed until %s.", formatAt(ev)), result.ModeLocal, "reminder.snooze")

	case result.OpReschedule:
		return o.deps.Wizard.Start(ctx, ownerID, conversationID, wizard.FlowReschedule, wizard.Seed{ReminderID: a.ReminderID})

	case result.OpDelete:
		ev, err := o.deps.Reminders.Get(ownerID, a.ReminderID)
		if err != nil {
			return reminderFailure(logger, "reminder.delete", err)
		}
		return result.OK(fmt.Sprintf("Delete \"%s\"?", ev.Payload), result.ModeLocal, "reminder.delete").WithActions(
			result.Action{Label: "Yes, delete", Op: result.OpDeleteConfirm, ReminderID: ev.ID},
			result.Action{Label: "Keep it", Op: result.OpListReminders},
		)

	case result.OpDeleteConfirm:
		if err := o.deps.Reminders.Delete(ownerID, a.ReminderID); err != nil {
			return reminderFailure(logger, "reminder.delete", err)
		}
		logger.Info("orchestrator: reminder deleted", "reminder_id", a.ReminderID)
		return result.OK("Reminder deleted.", result.ModeLocal, "reminder.delete").
			WithActions(result.Action{Label: "My reminders", Op: result.OpListReminders})

	case result.OpToggle:
		ev, err := o.deps.Reminders.Toggle(ownerID, a.ReminderID)
		if err != nil {
			return reminderFailure(logger, "reminder.toggle", err)
		}
		if ev.Active() {
			return result.OK(fmt.Sprintf("Resumed. Next at %s.", formatAt(ev)), result.ModeLocal, "reminder.toggle")
		}
		return result.OK("Paused.", result.ModeLocal, "reminder.toggle").
			WithActions(result.Action{Label: "Resume", Op: result.OpToggle, ReminderID: ev.ID})

	case result.OpWizardStart, result.OpWizardRestart, result.OpWizardContinue, result.OpWizardConfirm,
		result.OpWizardCancel, result.OpWizardBack, result.OpWizardEdit, result.OpWizardChoice:
		return o.deps.Wizard.Apply(ctx, ownerID, conversationID, a).Result

	case result.OpDigestToggle:
		return o.setDigest(logger, ownerID, !p.DigestEnabled)
	case result.OpFactsToggle:
		return o.setFactsOnly(logger, ownerID, !p.FactsOnly)
	}

	logger.Error("orchestrator: action with unhandled op", "action", a)
	return result.Error("action.invalid", fmt.Errorf("unhandled op %q", a.Op))
}

// reminderFailure maps scheduler errors: expected ones become refusals,
// anything else is a transient error.
func reminderFailure(logger *slog.Logger, intent string, err error) result.Result {
	switch {
	case errors.Is(err, reminder.ErrNotFound):
		return result.Refused("That reminder no longer exists.", intent,
			result.Action{Label: "My reminders", Op: result.OpListReminders})
	case errors.Is(err, reminder.ErrNotScheduled):
		return result.Refused("That reminder is not active.", intent,
			result.Action{Label: "My reminders", Op: result.OpListReminders})
	case errors.Is(err, reminder.ErrInPast):
		return result.Refused("That time has already passed. Reschedule it instead.", intent,
			result.Action{Label: "My reminders", Op: result.OpListReminders})
	}
	logger.Warn("orchestrator: reminder action failed", "intent", intent, "error", err)
	return result.Error(intent, err)
}

func formatAt(ev reminder.Event) string {
	return ev.FireAt.In(ev.Location()).Format("Mon 02 Jan 15:04")
}
