// Package tasks holds the deterministic local utilities a user can invoke by
// name without reaching any backend.
package tasks

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"
)

var (
	// ErrUnknownTask is returned for a name that is not registered.
	ErrUnknownTask = errors.New("unknown task")
	// ErrInvalidPayload is returned when a task cannot process its input.
	ErrInvalidPayload = errors.New("invalid payload")
)

// MaxPayloadBytes bounds the input of any task.
const MaxPayloadBytes = 16 << 10

// Func runs a task on its payload.
type Func func(payload string) (string, error)

// Task is a registered utility.
type Task struct {
	Name        string
	Description string
	Run         Func
}

// Registry maps task names to implementations.
type Registry struct {
	tasks map[string]Task
}

// NewRegistry returns a registry with the built-in tasks. When enabled is
// non-empty only the named tasks are kept.
func NewRegistry(enabled ...string) *Registry {
	all := []Task{
		{Name: "echo", Description: "Return the payload as-is.", Run: echo},
		{Name: "upper", Description: "Uppercase the payload.", Run: upper},
		{Name: "lower", Description: "Lowercase the payload.", Run: lower},
		{Name: "json_pretty", Description: "Pretty-print a JSON payload.", Run: jsonPretty},
		{Name: "calc", Description: "Evaluate an arithmetic expression.", Run: calc},
		{Name: "wordcount", Description: "Count words, lines and characters.", Run: wordCount},
	}
	keep := make(map[string]bool, len(enabled))
	for _, n := range enabled {
		keep[strings.ToLower(strings.TrimSpace(n))] = true
	}
	r := &Registry{tasks: make(map[string]Task, len(all))}
	for _, t := range all {
		if len(keep) > 0 && !keep[t.Name] {
			continue
		}
		r.tasks[t.Name] = t
	}
	return r
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.tasks[strings.ToLower(name)]
	return ok
}

// List returns registered tasks sorted by name.
func (r *Registry) List() []Task {
	out := make([]Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Run executes the named task.
func (r *Registry) Run(name, payload string) (string, error) {
	t, ok := r.tasks[strings.ToLower(name)]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTask, name)
	}
	if len(payload) > MaxPayloadBytes {
		return "", fmt.Errorf("%w: payload exceeds %d bytes", ErrInvalidPayload, MaxPayloadBytes)
	}
	return t.Run(payload)
}

func echo(payload string) (string, error) {
	return payload, nil
}

func upper(payload string) (string, error) {
	return strings.ToUpper(payload), nil
}

func lower(payload string) (string, error) {
	return strings.ToLower(payload), nil
}

func jsonPretty(payload string) (string, error) {
	var v any
	if err := json.Unmarshal([]byte(payload), &v); err != nil {
		return "", fmt.Errorf("%w: not valid JSON", ErrInvalidPayload)
	}
	// Marshal sorts map keys.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("encoding JSON: %w", err)
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

func wordCount(payload string) (string, error) {
	words := len(strings.FieldsFunc(payload, unicode.IsSpace))
	lines := 0
	if payload != "" {
		lines = strings.Count(payload, "\n") + 1
	}
	chars := len([]rune(payload))
	return fmt.Sprintf("words: %d, lines: %d, characters: %d", words, lines, chars), nil
}
