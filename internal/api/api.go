// Package api is the HTTP boundary: the inbound chat webhook, button
// callbacks, reminder management and the MCP server.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/aide/internal/metrics"
	"github.com/kalambet/aide/internal/orchestrator"
	"github.com/kalambet/aide/internal/reminder"
	"github.com/kalambet/aide/internal/result"
	"github.com/kalambet/aide/internal/transport"
)

const maxRequestBodySize = 12 << 20 // a 10MB document plus base64 overhead

// Assistant is the request path.
type Assistant interface {
	Handle(ctx context.Context, req orchestrator.Request) result.Result
	HandleCallback(ctx context.Context, ownerID, conversationID, callback string) result.Result
}

// Reminders is the scheduler surface exposed over REST and MCP.
type Reminders interface {
	Create(ev reminder.Event) (reminder.Event, error)
	List(ownerID string, all bool) ([]reminder.Event, error)
	Get(ownerID, id string) (reminder.Event, error)
	Snooze(ownerID, id string, delay time.Duration) (reminder.Event, error)
	Reschedule(ownerID, id string, at time.Time) (reminder.Event, error)
	RescheduleOccurrence(ownerID, id string, at time.Time) (reminder.Event, error)
	Delete(ownerID, id string) error
	Toggle(ownerID, id string) (reminder.Event, error)
}

// Zones resolves an owner's time zone.
type Zones interface {
	Location(ownerID string) *time.Location
}

// Clock abstracts time for testing.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Deps holds the handler dependencies.
type Deps struct {
	Assistant Assistant
	Registrar transport.Registrar
	Reminders Reminders
	Zones     Zones
	Token     string
	Clock     Clock
}

// MessageRequest is an inbound chat message from the platform adapter.
type MessageRequest struct {
	OwnerID        string              `json:"owner_id"`
	ConversationID string              `json:"conversation_id"`
	Text           string              `json:"text"`
	Attachments    []result.Attachment `json:"attachments"`
}

// CallbackRequest is a button press echoed back by the platform adapter.
type CallbackRequest struct {
	OwnerID        string `json:"owner_id"`
	ConversationID string `json:"conversation_id"`
	Callback       string `json:"callback"`
}

// NewHandler returns the HTTP handler. Everything under /v1 requires the
// bearer token.
func NewHandler(deps Deps) http.Handler {
	if deps.Clock == nil {
		deps.Clock = realClock{}
	}
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/messages", handleMessage(deps))
		r.Post("/callbacks", handleCallback(deps))

		r.Get("/reminders", handleListReminders(deps))
		r.Post("/reminders", handleCreateReminder(deps))
		r.Get("/reminders/{id}", handleGetReminder(deps))
		r.Delete("/reminders/{id}", handleDeleteReminder(deps))
		r.Post("/reminders/{id}/snooze", handleSnoozeReminder(deps))
		r.Post("/reminders/{id}/reschedule", handleRescheduleReminder(deps))
		r.Post("/reminders/{id}/toggle", handleToggleReminder(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleMessage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req MessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.OwnerID == "" || req.ConversationID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "owner_id and conversation_id are required")
			return
		}

		res := deps.Assistant.Handle(r.Context(), orchestrator.Request{
			OwnerID:        req.OwnerID,
			ConversationID: req.ConversationID,
			Text:           req.Text,
			Attachments:    req.Attachments,
		})
		writeMessage(w, req.OwnerID, req.ConversationID, res, deps.Registrar)
	}
}

func handleCallback(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
		defer r.Body.Close()

		var req CallbackRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.OwnerID == "" || req.ConversationID == "" || req.Callback == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "owner_id, conversation_id and callback are required")
			return
		}

		res := deps.Assistant.HandleCallback(r.Context(), req.OwnerID, req.ConversationID, req.Callback)
		writeMessage(w, req.OwnerID, req.ConversationID, res, deps.Registrar)
	}
}

// writeMessage renders res for the platform. Rate-limited results also set
// Retry-After so well-behaved adapters can back off.
func writeMessage(w http.ResponseWriter, ownerID, conversationID string, res result.Result, reg transport.Registrar) {
	msg, debug := transport.Render(ownerID, conversationID, res, reg)
	if len(debug) > 0 {
		slog.Debug("api: render debug", "request_id", msg.RequestID, "debug", debug)
	}
	if res.Status == result.StatusRateLimited {
		if secs, ok := res.Debug["retry_after_seconds"].(int); ok {
			w.Header().Set("Retry-After", fmt.Sprint(secs))
		}
	}
	writeJSON(w, http.StatusOK, msg)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

func ownerParam(r *http.Request) string {
	return strings.TrimSpace(r.URL.Query().Get("owner_id"))
}
