// Package intent classifies raw user input into a coarse routing decision.
// It is keyword based on purpose: anything it cannot place goes to the LLM.
package intent

import (
	"strings"
	"unicode"
)

// Kind is the routing class of an input.
type Kind string

const (
	KindEmpty       Kind = "empty"
	KindCommand     Kind = "command"
	KindTask        Kind = "task"
	KindSearch      Kind = "search"
	KindSummary     Kind = "summary"
	KindSmalltalk   Kind = "smalltalk"
	KindDestructive Kind = "destructive"
	KindQuestion    Kind = "question"
)

// Classification is the outcome of Classify.
type Classification struct {
	Kind    Kind
	Intent  string // namespace.action tag carried into the Result
	Command string // lowercased, without "/" and "@bot" suffix
	Task    string
	Payload string
}

// Classifier knows which local task names exist.
type Classifier struct {
	isTask func(name string) bool
}

// NewClassifier creates a Classifier. isTask may be nil when no local tasks
// are enabled.
func NewClassifier(isTask func(name string) bool) *Classifier {
	if isTask == nil {
		isTask = func(string) bool { return false }
	}
	return &Classifier{isTask: isTask}
}

var smalltalkPhrases = []string{
	"hello", "hi", "hey", "good morning", "good evening",
	"thanks", "thank you", "bye", "goodbye", "how are you",
}

var destructivePhrases = []string{
	"delete all reminders", "remove all reminders", "drop all reminders",
}

// Classify routes text. Commands win over everything, then prefixed forms
// (search:, summary:, !task), then bare task names, then smalltalk. The rest
// is a question for the model.
func (c *Classifier) Classify(text string) Classification {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Classification{Kind: KindEmpty, Intent: "intent.empty"}
	}
	lower := strings.ToLower(trimmed)

	if strings.HasPrefix(trimmed, "/") {
		name, payload := splitFirst(trimmed[1:])
		name = strings.ToLower(name)
		if i := strings.IndexByte(name, '@'); i >= 0 {
			name = name[:i]
		}
		return Classification{Kind: KindCommand, Intent: "command." + commandTag(name), Command: name, Payload: payload}
	}

	if p, ok := cutPrefixFold(trimmed, "search:"); ok {
		return Classification{Kind: KindSearch, Intent: "command.search", Payload: p}
	}
	if p, ok := cutPrefixFold(trimmed, "summary:"); ok {
		return Classification{Kind: KindSummary, Intent: "utility.summary", Payload: p}
	}

	if strings.HasPrefix(trimmed, "!") {
		name, payload := splitFirst(trimmed[1:])
		return Classification{Kind: KindTask, Intent: "task." + strings.ToLower(name), Task: strings.ToLower(name), Payload: payload}
	}
	first, rest := splitFirst(trimmed)
	if strings.EqualFold(first, "task") {
		name, payload := splitFirst(rest)
		return Classification{Kind: KindTask, Intent: "task." + strings.ToLower(name), Task: strings.ToLower(name), Payload: payload}
	}
	if rest != "" && c.isTask(strings.ToLower(first)) {
		return Classification{Kind: KindTask, Intent: "task." + strings.ToLower(first), Task: strings.ToLower(first), Payload: rest}
	}

	if isDestructive(lower) {
		return Classification{Kind: KindDestructive, Intent: "refused.destructive", Payload: trimmed}
	}
	if isSmalltalk(lower) {
		return Classification{Kind: KindSmalltalk, Intent: "smalltalk.local", Payload: trimmed}
	}
	return Classification{Kind: KindQuestion, Intent: "question.general", Payload: trimmed}
}

// SmalltalkReply answers a greeting without calling any backend. replies
// maps a phrase to a custom answer and may be nil.
func SmalltalkReply(text string, replies map[string]string) string {
	words := wordsOf(strings.ToLower(text))
	for phrase, reply := range replies {
		if containsPhrase(words, strings.ToLower(phrase)) {
			return reply
		}
	}
	switch {
	case containsPhrase(words, "thanks"), containsPhrase(words, "thank you"):
		return "You're welcome!"
	case containsPhrase(words, "bye"), containsPhrase(words, "goodbye"):
		return "Bye! I'll keep an eye on your reminders."
	case containsPhrase(words, "how are you"):
		return "All good here. How can I help?"
	default:
		return "Hi! How can I help?"
	}
}

func isSmalltalk(lower string) bool {
	words := wordsOf(lower)
	if len(words) == 0 || len(words) > 5 {
		return false
	}
	for _, p := range smalltalkPhrases {
		if containsPhrase(words, p) {
			return true
		}
	}
	return false
}

// isDestructive flags bulk deletion requests, unless they are phrased as a
// question about how to do it.
func isDestructive(lower string) bool {
	if strings.Contains(lower, "?") || strings.HasPrefix(lower, "how") || strings.HasPrefix(lower, "can ") {
		return false
	}
	for _, p := range destructivePhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func containsPhrase(words []string, phrase string) bool {
	pw := strings.Fields(phrase)
	for i := 0; i+len(pw) <= len(words); i++ {
		match := true
		for j := range pw {
			if words[i+j] != pw[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func wordsOf(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func splitFirst(s string) (string, string) {
	s = strings.TrimSpace(s)
	i := strings.IndexFunc(s, unicode.IsSpace)
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimSpace(s[i:])
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(s[len(prefix):]), true
}

func commandTag(name string) string {
	if name == "" {
		return "unknown"
	}
	return name
}
