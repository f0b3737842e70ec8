package result

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

var (
	// A trailing "Sources:" style block runs to the end of the text.
	sourcesBlockRe = regexp.MustCompile(`(?is)(?:^|\n)[ \t]*(?:#+[ \t]*)?(?:\*\*)?(?:sources|references|citations)(?:\*\*)?[ \t]*:.*$`)
	citationRe     = regexp.MustCompile(`\[\^?(\d+)(?:\s*[,\-–]\s*\d+)*\]`)
	spaceRunRe     = regexp.MustCompile(`[ \t]{2,}`)
	spacePunctRe   = regexp.MustCompile(`[ \t]+([.,;:!?])`)
	intentRe       = regexp.MustCompile(`^[a-z0-9_]+\.[a-z0-9_]+$`)
)

var statusAliases = map[string]Status{
	"ok":           StatusOK,
	"success":      StatusOK,
	"done":         StatusOK,
	"refused":      StatusRefused,
	"refuse":       StatusRefused,
	"denied":       StatusRefused,
	"forbidden":    StatusRefused,
	"error":        StatusError,
	"failed":       StatusError,
	"failure":      StatusError,
	"ratelimited":  StatusRateLimited,
	"rate_limited": StatusRateLimited,
	"ratelimit":    StatusRateLimited,
	"throttled":    StatusRateLimited,
}

var modeAliases = map[string]Mode{
	"local": ModeLocal,
	"llm":   ModeLLM,
	"model": ModeLLM,
	"tool":  ModeTool,
	"tools": ModeTool,
}

// UnknownIntent is used when a handler left the intent empty or malformed.
const UnknownIntent = "unknown.unknown"

// Normalize coerces a loosely populated candidate into a valid Result.
// It is idempotent: Normalize(Normalize(r)) equals Normalize(r).
func Normalize(r Result) Result {
	out := r
	out.Debug = r.Debug

	out.Status = normalizeStatus(r.Status)
	out.Mode = normalizeMode(r.Mode)
	out.Intent = normalizeIntent(r.Intent)

	out.Sources = make([]Source, 0, len(r.Sources))
	dropped := 0
	for _, s := range r.Sources {
		s.URL = strings.TrimSpace(s.URL)
		if s.URL == "" {
			dropped++
			continue
		}
		s.Title = strings.TrimSpace(s.Title)
		if s.Title == "" {
			s.Title = s.URL
		}
		out.Sources = append(out.Sources, s)
	}
	if dropped > 0 {
		out = out.WithDebug("dropped_sources", dropped)
	}

	out.Actions = make([]Action, 0, len(r.Actions))
	for _, a := range r.Actions {
		if strings.TrimSpace(a.Label) == "" || !a.Op.Valid() {
			continue
		}
		out.Actions = append(out.Actions, a)
	}

	out.Attachments = make([]Attachment, 0, len(r.Attachments))
	out.Attachments = append(out.Attachments, r.Attachments...)

	text := strings.TrimSpace(r.Text)
	if len(out.Sources) == 0 {
		text = StripCitations(text)
	} else {
		text = dropOutOfRangeCitations(text, len(out.Sources))
	}
	if text == "" {
		text = FallbackText
		if out.Status == StatusOK {
			out.Status = StatusRefused
		}
	}
	if utf8.RuneCountInString(text) > MaxTextRunes {
		text = truncate(text, MaxTextRunes)
		out = out.WithDebug("truncated", true)
	}
	out.Text = text
	return out
}

func normalizeStatus(s Status) Status {
	key := strings.ToLower(strings.TrimSpace(string(s)))
	if v, ok := statusAliases[key]; ok {
		return v
	}
	return StatusError
}

func normalizeMode(m Mode) Mode {
	key := strings.ToLower(strings.TrimSpace(string(m)))
	if v, ok := modeAliases[key]; ok {
		return v
	}
	return ModeLocal
}

func normalizeIntent(intent string) string {
	intent = strings.ToLower(strings.TrimSpace(intent))
	if intentRe.MatchString(intent) {
		return intent
	}
	return UnknownIntent
}

// StripCitations removes bracketed numeric references and a trailing
// "Sources:" block, then tidies the whitespace left behind. The cycle repeats
// until the text settles: closing the gap left by a marker can turn a line
// into a new block header, as in "Sources [1]: x".
func StripCitations(text string) string {
	for {
		next := sourcesBlockRe.ReplaceAllString(text, "")
		next = tidy(citationRe.ReplaceAllString(next, ""))
		if next == text {
			return next
		}
		text = next
	}
}

func dropOutOfRangeCitations(text string, n int) string {
	changed := false
	text = citationRe.ReplaceAllStringFunc(text, func(m string) string {
		sub := citationRe.FindStringSubmatch(m)
		idx, err := strconv.Atoi(sub[1])
		if err == nil && idx >= 1 && idx <= n {
			return m
		}
		changed = true
		return ""
	})
	if changed {
		return tidy(text)
	}
	return text
}

func tidy(text string) string {
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		l = spaceRunRe.ReplaceAllString(l, " ")
		l = spacePunctRe.ReplaceAllString(l, "$1")
		lines[i] = strings.TrimRight(l, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func truncate(text string, limit int) string {
	runes := []rune(text)
	cut := strings.TrimRight(string(runes[:limit-1]), " \t\n")
	return cut + "…"
}
