package result

// Op names a follow-up handler. The set is closed: the orchestrator matches
// every value in a switch and rejects anything else.
type Op string

const (
	OpMenu           Op = "menu"
	OpHelp           Op = "help"
	OpListReminders  Op = "rem.list"
	OpSnooze         Op = "rem.snooze"
	OpReschedule     Op = "rem.reschedule"
	OpDelete         Op = "rem.delete"
	OpDeleteConfirm  Op = "rem.delete_confirm"
	OpToggle         Op = "rem.toggle"
	OpWizardStart    Op = "wiz.start"
	OpWizardRestart  Op = "wiz.restart"
	OpWizardContinue Op = "wiz.continue"
	OpWizardConfirm  Op = "wiz.confirm"
	OpWizardCancel   Op = "wiz.cancel"
	OpWizardBack     Op = "wiz.back"
	OpWizardEdit     Op = "wiz.edit"
	OpWizardChoice   Op = "wiz.choice"
	OpDigestToggle   Op = "digest.toggle"
	OpFactsToggle    Op = "facts.toggle"
)

var validOps = map[Op]bool{
	OpMenu: true, OpHelp: true, OpListReminders: true,
	OpSnooze: true, OpReschedule: true, OpDelete: true, OpDeleteConfirm: true, OpToggle: true,
	OpWizardStart: true, OpWizardRestart: true, OpWizardContinue: true, OpWizardConfirm: true,
	OpWizardCancel: true, OpWizardBack: true, OpWizardEdit: true, OpWizardChoice: true,
	OpDigestToggle: true, OpFactsToggle: true,
}

// Valid reports whether op is a known handler.
func (op Op) Valid() bool { return validOps[op] }

// Action is a button descriptor: what the user sees and which handler runs
// with which arguments when it is pressed.
type Action struct {
	Label      string `json:"label"`
	Op         Op     `json:"op"`
	ReminderID string `json:"reminder_id,omitempty"`
	Minutes    int    `json:"minutes,omitempty"`
	Flow       string `json:"flow,omitempty"`
	Choice     string `json:"choice,omitempty"`
}

// MenuAction opens the main menu.
func MenuAction() Action {
	return Action{Label: "Menu", Op: OpMenu}
}
