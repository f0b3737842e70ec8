// Package result defines the response envelope every handler produces and
// the normalization rule that guards the transport boundary.
package result

import "fmt"

// Status is the outcome class of a Result.
type Status string

const (
	StatusOK          Status = "ok"
	StatusRefused     Status = "refused"
	StatusError       Status = "error"
	StatusRateLimited Status = "ratelimited"
)

// Mode says which kind of handler produced a Result.
type Mode string

const (
	ModeLocal Mode = "local"
	ModeLLM   Mode = "llm"
	ModeTool  Mode = "tool"
)

// FallbackText replaces an empty text during normalization.
const FallbackText = "I have nothing to show for that yet. Try rephrasing or open /menu."

// MaxTextRunes caps the user-visible text.
const MaxTextRunes = 4000

// Source is a real reference backing an answer.
type Source struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Attachment is a file carried alongside a Result or an inbound message.
type Attachment struct {
	Name string `json:"name"`
	MIME string `json:"mime,omitempty"`
	Data []byte `json:"data,omitempty"`
}

// Result is the universal response value.
type Result struct {
	Text        string         `json:"text"`
	Status      Status         `json:"status"`
	Mode        Mode           `json:"mode"`
	Intent      string         `json:"intent"`
	RequestID   string         `json:"request_id"`
	Sources     []Source       `json:"sources"`
	Actions     []Action       `json:"actions"`
	Attachments []Attachment   `json:"attachments"`
	Debug       map[string]any `json:"-"`
}

// OK builds a successful Result.
func OK(text string, mode Mode, intent string) Result {
	return Result{Text: text, Status: StatusOK, Mode: mode, Intent: intent}
}

// Refused builds a policy refusal. A refusal always offers a way forward, so
// the menu action is added when none is given.
func Refused(text, intent string, actions ...Action) Result {
	if len(actions) == 0 {
		actions = []Action{MenuAction()}
	}
	return Result{Text: text, Status: StatusRefused, Mode: ModeLocal, Intent: intent, Actions: actions}
}

// Error builds a transient-failure Result. The cause goes to debug only.
func Error(intent string, cause error) Result {
	r := Result{
		Text:   "Something went wrong on my side. Please try again in a moment.",
		Status: StatusError,
		Mode:   ModeLocal,
		Intent: intent,
	}
	if cause != nil {
		r = r.WithDebug("error", cause.Error())
	}
	return r
}

// RateLimited builds the slow-down Result.
func RateLimited(window string, retryAfterSeconds int) Result {
	r := Result{
		Text:   fmt.Sprintf("You're sending messages too fast. Try again in %d seconds.", retryAfterSeconds),
		Status: StatusRateLimited,
		Mode:   ModeLocal,
		Intent: "system.ratelimited",
	}
	return r.WithDebug("window", window).WithDebug("retry_after_seconds", retryAfterSeconds)
}

// WithDebug returns r with key set in its debug map. The map is copied so a
// shared Result is never mutated.
func (r Result) WithDebug(key string, value any) Result {
	d := make(map[string]any, len(r.Debug)+1)
	for k, v := range r.Debug {
		d[k] = v
	}
	d[key] = value
	r.Debug = d
	return r
}

// WithActions returns r with actions appended.
func (r Result) WithActions(actions ...Action) Result {
	out := make([]Action, 0, len(r.Actions)+len(actions))
	out = append(out, r.Actions...)
	r.Actions = append(out, actions...)
	return r
}

// EnforceFactsOnly downgrades an answer without sources to a refusal. Only
// answers (llm or tool mode) are subject to the policy; local system replies
// such as menus and wizard prompts make no factual claims.
func EnforceFactsOnly(r Result) Result {
	if r.Status != StatusOK || len(r.Sources) > 0 || r.Mode == ModeLocal {
		return r
	}
	out := Refused(
		"I can't answer that without sources while facts-only mode is on. Try /search with a more specific query.",
		r.Intent,
		Action{Label: "Facts-only off", Op: OpFactsToggle},
		MenuAction(),
	)
	out.Mode = r.Mode
	out.RequestID = r.RequestID
	out.Debug = r.Debug
	return out.WithDebug("facts_only_downgrade", true)
}
