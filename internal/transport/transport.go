// Package transport is the boundary to the chat platform: it renders
// normalized Results into outbound messages with callback buttons and sends
// them.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kalambet/aide/internal/actions"
	"github.com/kalambet/aide/internal/result"
)

// Button is one rendered action. Callback is the opaque payload the
// platform echoes back when the button is pressed.
type Button struct {
	Label    string `json:"label"`
	Callback string `json:"callback"`
}

// Message is what the chat platform receives. It deliberately has no debug
// field.
type Message struct {
	OwnerID        string              `json:"owner_id"`
	ConversationID string              `json:"conversation_id"`
	Text           string              `json:"text"`
	Status         result.Status       `json:"status"`
	Mode           result.Mode         `json:"mode"`
	Intent         string              `json:"intent"`
	RequestID      string              `json:"request_id,omitempty"`
	Sources        []result.Source     `json:"sources"`
	Buttons        []Button            `json:"buttons"`
	Attachments    []result.Attachment `json:"attachments"`
}

// Registrar issues callback tokens. Implemented by actions.Registry.
type Registrar interface {
	Register(ownerID, conversationID string, a result.Action, ttl time.Duration) (string, error)
}

// Sender delivers a message to the platform.
type Sender interface {
	Send(ctx context.Context, m Message) error
}

// Render normalizes r and turns it into a Message, registering one callback
// token per action. An action whose token cannot be issued is left out and
// noted in the returned debug map, which callers may log but never send.
func Render(ownerID, conversationID string, r result.Result, reg Registrar) (Message, map[string]any) {
	r = result.Normalize(r)
	debug := r.Debug

	text := r.Text
	if len(r.Sources) > 0 {
		text += "\n\n" + result.FormatSources(r.Sources)
	}

	m := Message{
		OwnerID:        ownerID,
		ConversationID: conversationID,
		Text:           text,
		Status:         r.Status,
		Mode:           r.Mode,
		Intent:         r.Intent,
		RequestID:      r.RequestID,
		Sources:        r.Sources,
		Buttons:        make([]Button, 0, len(r.Actions)),
		Attachments:    r.Attachments,
	}

	var dropped []string
	for _, a := range r.Actions {
		cb, err := reg.Register(ownerID, conversationID, a, 0)
		if err != nil {
			if errors.Is(err, actions.ErrTokenTooLong) || errors.Is(err, actions.ErrPayloadTooLarge) {
				slog.Error("transport: action cannot be encoded", "op", a.Op, "label", a.Label, "error", err)
			} else {
				slog.Warn("transport: registering action failed", "op", a.Op, "error", err)
			}
			dropped = append(dropped, a.Label)
			continue
		}
		m.Buttons = append(m.Buttons, Button{Label: a.Label, Callback: cb})
	}
	if len(dropped) > 0 {
		d := make(map[string]any, len(debug)+1)
		for k, v := range debug {
			d[k] = v
		}
		d["dropped_actions"] = dropped
		debug = d
	}
	return m, debug
}

// LogSender writes messages to the log. It stands in when no webhook is
// configured.
type LogSender struct{}

// Send implements Sender.
func (LogSender) Send(_ context.Context, m Message) error {
	slog.Info("transport: outbound message", "owner", m.OwnerID, "conversation", m.ConversationID,
		"status", m.Status, "intent", m.Intent, "buttons", len(m.Buttons), "text", m.Text)
	return nil
}
