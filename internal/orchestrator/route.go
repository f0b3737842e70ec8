package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/aide/internal/intent"
	"github.com/kalambet/aide/internal/profile"
	"github.com/kalambet/aide/internal/reminder"
	"github.com/kalambet/aide/internal/result"
	"github.com/kalambet/aide/internal/tasks"
	"github.com/kalambet/aide/internal/wizard"
)

const maxListed = 5

// route classifies text and dispatches it. It returns the metrics route
// label alongside the Result.
func (o *Orchestrator) route(ctx context.Context, logger *slog.Logger, p profile.Profile, req Request, text string) (result.Result, string) {
	if len(req.Attachments) > 0 {
		return o.document(ctx, logger, p, req.Attachments[0], text), "document"
	}

	c := o.classifier.Classify(text)
	logger.Debug("orchestrator: classified", "kind", c.Kind, "intent", c.Intent)

	switch c.Kind {
	case intent.KindCommand:
		return o.command(ctx, logger, p, req, c), "command"
	case intent.KindTask:
		return o.task(c), "task"
	case intent.KindSearch:
		return o.facts(ctx, logger, p, c.Payload, c.Intent), "search"
	case intent.KindSummary:
		return o.summary(ctx, logger, c.Payload), "summary"
	case intent.KindSmalltalk:
		return result.OK(intent.SmalltalkReply(c.Payload, o.cfg.Smalltalk), result.ModeLocal, c.Intent), "smalltalk"
	case intent.KindDestructive:
		return result.Refused("I won't delete everything at once. Open your reminders and remove them one by one.", c.Intent,
			result.Action{Label: "My reminders", Op: result.OpListReminders}), "policy"
	case intent.KindEmpty:
		return result.Refused("Your message is empty. Send some text or open the menu.", c.Intent), "policy"
	}

	// Free text. With facts-only on, only a sourced answer can pass, so
	// go straight to search.
	if p.FactsOnly {
		return o.facts(ctx, logger, p, c.Payload, c.Intent), "search"
	}
	return o.chat(ctx, logger, p, req, c.Payload, c.Intent), "llm"
}

func (o *Orchestrator) command(ctx context.Context, logger *slog.Logger, p profile.Profile, req Request, c intent.Classification) result.Result {
	owner, conv := req.OwnerID, req.ConversationID
	switch c.Command {
	case "start", "menu":
		return menu(p)
	case "help":
		return o.help()
	case "cancel":
		return o.deps.Wizard.Cancel(owner, conv)
	case "remind":
		return o.deps.Wizard.Start(ctx, owner, conv, wizard.FlowCreateReminder, wizard.Seed{Title: c.Payload})
	case "event":
		return o.deps.Wizard.Start(ctx, owner, conv, wizard.FlowAddEvent, wizard.Seed{})
	case "reminders":
		return o.listReminders(logger, owner)
	case "search":
		if c.Payload == "" {
			return result.Refused("Tell me what to look for: /search <query>.", c.Intent)
		}
		return o.facts(ctx, logger, p, c.Payload, c.Intent)
	case "ask":
		if c.Payload == "" {
			return result.Refused("Ask me something: /ask <question>.", c.Intent)
		}
		if p.FactsOnly {
			return o.facts(ctx, logger, p, c.Payload, c.Intent)
		}
		return o.chat(ctx, logger, p, req, c.Payload, c.Intent)
	case "summary":
		return o.summary(ctx, logger, c.Payload)
	case "facts":
		on, ok := parseSwitch(c.Payload, p.FactsOnly)
		if !ok {
			return result.Refused("Usage: /facts on or /facts off.", c.Intent)
		}
		return o.setFactsOnly(logger, owner, on)
	case "digest":
		on, ok := parseSwitch(c.Payload, p.DigestEnabled)
		if !ok {
			return result.Refused("Usage: /digest on or /digest off.", c.Intent)
		}
		return o.setDigest(logger, owner, on)
	case "tz":
		return o.timeZone(logger, owner, p, c.Payload)
	case "tasks":
		return o.listTasks()
	}
	return result.Refused("I don't know that command. Open /menu or see /help.", "command.unknown",
		result.MenuAction(), result.Action{Label: "Help", Op: result.OpHelp})
}

func (o *Orchestrator) task(c intent.Classification) result.Result {
	if c.Task == "" || c.Payload == "" {
		return result.Refused("Usage: task <name> <payload>. See /tasks for the list.", "task.run")
	}
	out, err := o.deps.Tasks.Run(c.Task, c.Payload)
	switch {
	case errors.Is(err, tasks.ErrUnknownTask):
		return result.Refused(fmt.Sprintf("There is no task called %q. See /tasks for the list.", c.Task), c.Intent)
	case errors.Is(err, tasks.ErrInvalidPayload):
		return result.Refused("That task can't process this input: "+strings.TrimPrefix(err.Error(), tasks.ErrInvalidPayload.Error()+": "), c.Intent)
	case err != nil:
		return result.Error(c.Intent, err)
	}
	return result.OK(out, result.ModeLocal, c.Intent)
}

func menu(p profile.Profile) result.Result {
	facts, digest := "Facts-only: off", "Daily digest: off"
	if p.FactsOnly {
		facts = "Facts-only: on"
	}
	if p.DigestEnabled {
		digest = "Daily digest: on"
	}
	return result.OK("What would you like to do?", result.ModeLocal, "menu.open").WithActions(
		result.Action{Label: "New reminder", Op: result.OpWizardStart, Flow: string(wizard.FlowCreateReminder)},
		result.Action{Label: "Add event", Op: result.OpWizardStart, Flow: string(wizard.FlowAddEvent)},
		result.Action{Label: "My reminders", Op: result.OpListReminders},
		result.Action{Label: facts, Op: result.OpFactsToggle},
		result.Action{Label: digest, Op: result.OpDigestToggle},
		result.Action{Label: "Help", Op: result.OpHelp},
	)
}

func (o *Orchestrator) help() result.Result {
	var b strings.Builder
	b.WriteString("Commands:\n")
	b.WriteString("/menu - main menu\n")
	b.WriteString("/remind [text] - create a reminder\n")
	b.WriteString("/event - add a calendar event\n")
	b.WriteString("/reminders - list your reminders\n")
	b.WriteString("/search <query> - answer with web sources\n")
	b.WriteString("/ask <question> - ask the assistant\n")
	b.WriteString("/summary <text> - summarize text\n")
	b.WriteString("/facts on|off - only answer with sources\n")
	b.WriteString("/digest on|off - daily plan every morning\n")
	b.WriteString("/tz <Area/City> - set your time zone\n")
	b.WriteString("/tasks - local utilities\n")
	b.WriteString("/cancel - leave the current dialog")
	return result.OK(b.String(), result.ModeLocal, "menu.help").WithActions(result.MenuAction())
}

func (o *Orchestrator) listTasks() result.Result {
	var b strings.Builder
	b.WriteString("Local tasks (use \"!name payload\" or \"task name payload\"):")
	for _, t := range o.deps.Tasks.List() {
		fmt.Fprintf(&b, "\n%s - %s", t.Name, t.Description)
	}
	return result.OK(b.String(), result.ModeLocal, "task.list")
}

func (o *Orchestrator) listReminders(logger *slog.Logger, ownerID string) result.Result {
	evs, err := o.deps.Reminders.List(ownerID, false)
	if err != nil {
		logger.Warn("orchestrator: listing reminders failed", "error", err)
		return result.Error("reminder.list", err)
	}
	create := result.Action{Label: "New reminder", Op: result.OpWizardStart, Flow: string(wizard.FlowCreateReminder)}
	if len(evs) == 0 {
		return result.OK("You have no reminders.", result.ModeLocal, "reminder.list").WithActions(create)
	}

	var b strings.Builder
	b.WriteString("Your reminders:")
	var acts []result.Action
	for i, ev := range evs {
		fmt.Fprintf(&b, "\n%d. %s", i+1, ev.Describe())
		if i >= maxListed {
			continue
		}
		for _, a := range reminder.ManageActions(ev) {
			a.Label = fmt.Sprintf("%d: %s", i+1, a.Label)
			acts = append(acts, a)
		}
	}
	return result.OK(b.String(), result.ModeLocal, "reminder.list").WithActions(append(acts, create)...)
}

func (o *Orchestrator) setFactsOnly(logger *slog.Logger, ownerID string, on bool) result.Result {
	if _, err := o.deps.Profiles.SetFactsOnly(ownerID, on); err != nil {
		logger.Warn("orchestrator: saving facts-only failed", "error", err)
		return result.Error("settings.facts", err)
	}
	text := "Facts-only mode is off."
	if on {
		text = "Facts-only mode is on. I will only answer with real sources."
	}
	return result.OK(text, result.ModeLocal, "settings.facts")
}

func (o *Orchestrator) setDigest(logger *slog.Logger, ownerID string, on bool) result.Result {
	if _, err := o.deps.Profiles.SetDigest(ownerID, on); err != nil {
		logger.Warn("orchestrator: saving digest setting failed", "error", err)
		return result.Error("settings.digest", err)
	}
	text := "Daily digest is off."
	if on {
		text = "Daily digest is on. You'll get your plan for the day each morning."
	}
	return result.OK(text, result.ModeLocal, "settings.digest")
}

func (o *Orchestrator) timeZone(logger *slog.Logger, ownerID string, p profile.Profile, name string) result.Result {
	if name == "" {
		return result.OK(fmt.Sprintf("Your time zone is %s. Change it with /tz <Area/City>.", p.TimeZone), result.ModeLocal, "settings.tz")
	}
	updated, err := o.deps.Profiles.SetTimeZone(ownerID, name)
	if err != nil {
		logger.Info("orchestrator: time zone rejected", "zone", name, "error", err)
		return result.Refused("I don't know that time zone. Use an IANA name such as Europe/Berlin.", "settings.tz")
	}
	return result.OK(fmt.Sprintf("Time zone set to %s.", updated.TimeZone), result.ModeLocal, "settings.tz")
}

// parseSwitch reads on/off; an empty argument flips current.
func parseSwitch(arg string, current bool) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(arg)) {
	case "":
		return !current, true
	case "on", "yes", "true", "1", "enable":
		return true, true
	case "off", "no", "false", "0", "disable":
		return false, true
	}
	return false, false
}
