// Package composer assembles the message list sent to the model: system
// rules, the user's profile, bounded dialog history and, for factual answers,
// the numbered sources the answer may cite.
package composer

import (
	"fmt"
	"strings"

	"github.com/kalambet/aide/internal/llm"
	"github.com/kalambet/aide/internal/result"
)

const defaultMaxContextTokens = 4000

// Kind selects the system rules.
type Kind int

const (
	KindChat Kind = iota
	KindFacts
	KindSummary
	KindDocument
)

// PlainTextRules forbid citation-shaped output when no sources were given.
const PlainTextRules = "Answer in plain text only. Do not return JSON, fields, status or intent. " +
	"Do not use links, citations, source numbers or bracketed digits such as [1] or (1), " +
	"and do not write phrases like \"according to\" or \"Sources:\". " +
	"No sources were provided, so do not mention sources at all."

const factsRules = "Answer using only the numbered sources below. Cite them inline as [n] " +
	"where n is the source number. If the sources do not answer the question, say so. " +
	"Never invent sources or numbers that are not listed."

const summaryRules = "Summarize briefly in 5 to 8 bullet points. No speculation and no invented details. " +
	"Do not cite sources."

const documentRules = "Answer the question using only the document below. If the document does not " +
	"contain the answer, say so. Do not cite external sources."

// Turn is one message of dialog history.
type Turn struct {
	Role    string
	Content string
}

// Request describes one model call.
type Request struct {
	Kind           Kind
	Question       string
	History        []Turn
	ProfileSummary string
	Sources        []result.Source
	Document       string
}

// Prompt is the composed message list plus the sources that fit the budget.
// Citation numbers in the answer refer to Sources.
type Prompt struct {
	Messages []llm.Message
	Sources  []result.Source
}

// Composer builds prompts within a token budget for injected context.
type Composer struct {
	MaxContextTokens int
}

// New creates a Composer with the given token budget for injected context.
// If maxContextTokens <= 0, the default (4000) is used.
func New(maxContextTokens int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Composer{MaxContextTokens: maxContextTokens}
}

// Compose builds the messages for req. Sources are kept in order and cut from
// the tail when over budget; history is cut from the oldest turn.
func (c *Composer) Compose(req Request) Prompt {
	var sb strings.Builder
	switch req.Kind {
	case KindFacts:
		sb.WriteString(factsRules)
	case KindSummary:
		sb.WriteString(summaryRules)
	case KindDocument:
		sb.WriteString(documentRules)
	default:
		sb.WriteString(PlainTextRules)
	}
	if req.ProfileSummary != "" {
		sb.WriteString("\n\n[User Profile]\n")
		sb.WriteString(req.ProfileSummary)
	}

	remaining := c.MaxContextTokens - EstimateTokens(sb.String()) - EstimateTokens(req.Question)

	var kept []result.Source
	switch req.Kind {
	case KindFacts:
		header := "\n\n[Sources]\n"
		remaining -= EstimateTokens(header)
		var entries []string
		for i, src := range req.Sources {
			entry := formatSource(i+1, src)
			tokens := EstimateTokens(entry)
			if tokens > remaining {
				break
			}
			entries = append(entries, entry)
			kept = append(kept, src)
			remaining -= tokens
		}
		if len(entries) > 0 {
			sb.WriteString(header)
			sb.WriteString(strings.Join(entries, "\n"))
		}
	case KindDocument:
		doc := req.Document
		if limit := remaining * 4; limit > 0 && len(doc) > limit {
			doc = truncateRunes(doc, limit)
		}
		sb.WriteString("\n\n[Document]\n")
		sb.WriteString(doc)
		remaining -= EstimateTokens(doc)
	}

	msgs := []llm.Message{{Role: "system", Content: sb.String()}}
	if req.Kind == KindChat {
		msgs = append(msgs, fitHistory(req.History, remaining)...)
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: req.Question})
	return Prompt{Messages: msgs, Sources: kept}
}

// fitHistory keeps the newest turns whose combined size fits budget.
func fitHistory(history []Turn, budget int) []llm.Message {
	start := len(history)
	for start > 0 {
		tokens := EstimateTokens(history[start-1].Content)
		if tokens > budget {
			break
		}
		budget -= tokens
		start--
	}
	out := make([]llm.Message, 0, len(history)-start)
	for _, t := range history[start:] {
		if t.Role != "user" && t.Role != "assistant" {
			continue
		}
		out = append(out, llm.Message{Role: t.Role, Content: t.Content})
	}
	return out
}

func formatSource(n int, src result.Source) string {
	title := src.Title
	if title == "" {
		title = src.URL
	}
	entry := fmt.Sprintf("[%d] %s - %s", n, title, src.URL)
	if src.Snippet != "" {
		entry += "\n    " + truncateRunes(src.Snippet, 400)
	}
	return entry
}

func truncateRunes(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
