package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/aide/internal/reminder"
	"github.com/kalambet/aide/internal/timeparse"
)

// CreateReminderRequest creates a reminder. At is RFC 3339 or a phrase such
// as "tomorrow 9:00" read in the owner's zone; Recurrence is a phrase such as
// "weekdays".
type CreateReminderRequest struct {
	OwnerID        string `json:"owner_id"`
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
	At             string `json:"at"`
	Recurrence     string `json:"recurrence"`
}

type snoozeRequest struct {
	Minutes int `json:"minutes"`
}

// rescheduleRequest moves the whole series unless Scope is "this".
type rescheduleRequest struct {
	At    string `json:"at"`
	Scope string `json:"scope,omitempty"`
}

func handleListReminders(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner := ownerParam(r)
		if owner == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "owner_id is required")
			return
		}
		all, _ := strconv.ParseBool(r.URL.Query().Get("all"))

		evs, err := deps.Reminders.List(owner, all)
		if err != nil {
			reminderError(w, err)
			return
		}
		if evs == nil {
			evs = []reminder.Event{}
		}
		writeJSON(w, http.StatusOK, evs)
	}
}

func handleCreateReminder(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
		defer r.Body.Close()

		var req CreateReminderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		ev, err := createReminder(deps, req)
		if err != nil {
			reminderError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, ev)
	}
}

func handleGetReminder(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ev, err := deps.Reminders.Get(ownerParam(r), chi.URLParam(r, "id"))
		if err != nil {
			reminderError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ev)
	}
}

func handleDeleteReminder(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Reminders.Delete(ownerParam(r), chi.URLParam(r, "id")); err != nil {
			reminderError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleSnoozeReminder(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req snoozeRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<12)).Decode(&req); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
				return
			}
		}
		ev, err := deps.Reminders.Snooze(ownerParam(r), chi.URLParam(r, "id"), time.Duration(req.Minutes)*time.Minute)
		if err != nil {
			reminderError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ev)
	}
}

func handleRescheduleReminder(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req rescheduleRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<12)).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		owner := ownerParam(r)
		at, _, err := parseAt(deps, owner, req.At)
		if err != nil {
			reminderError(w, err)
			return
		}
		reschedule := deps.Reminders.Reschedule
		if req.Scope == "this" {
			reschedule = deps.Reminders.RescheduleOccurrence
		}
		ev, err := reschedule(owner, chi.URLParam(r, "id"), at)
		if err != nil {
			reminderError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ev)
	}
}

func handleToggleReminder(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ev, err := deps.Reminders.Toggle(ownerParam(r), chi.URLParam(r, "id"))
		if err != nil {
			reminderError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ev)
	}
}

// errBadRequest marks caller mistakes found before the scheduler is called.
var errBadRequest = errors.New("bad request")

// createReminder is shared by REST and MCP. Text left over after a phrase
// time ("friday 10:00 dentist") is used when Text is empty.
func createReminder(deps Deps, req CreateReminderRequest) (reminder.Event, error) {
	req.OwnerID = strings.TrimSpace(req.OwnerID)
	if req.OwnerID == "" {
		return reminder.Event{}, fmt.Errorf("%w: owner_id is required", errBadRequest)
	}
	if req.ConversationID == "" {
		req.ConversationID = req.OwnerID
	}
	at, rest, err := parseAt(deps, req.OwnerID, req.At)
	if err != nil {
		return reminder.Event{}, err
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		text = rest
	}

	loc := deps.Zones.Location(req.OwnerID)
	rec := reminder.Recurrence{Kind: reminder.KindNone}
	if strings.TrimSpace(req.Recurrence) != "" {
		if rec, err = reminder.ParseRecurrence(req.Recurrence, at.In(loc)); err != nil {
			return reminder.Event{}, err
		}
	}

	return deps.Reminders.Create(reminder.Event{
		OwnerID:        req.OwnerID,
		ConversationID: req.ConversationID,
		FireAt:         at,
		Payload:        text,
		Recurrence:     rec,
		TimeZone:       loc.String(),
	})
}

func parseAt(deps Deps, ownerID, raw string) (time.Time, string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, "", fmt.Errorf("%w: at is required", errBadRequest)
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, "", nil
	}
	t, rest, err := timeparse.Parse(raw, deps.Clock.Now(), deps.Zones.Location(ownerID))
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return t, rest, nil
}

func reminderError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, reminder.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found_error", "reminder not found")
	case errors.Is(err, reminder.ErrNotScheduled):
		httpError(w, http.StatusConflict, "conflict_error", "%v", err)
	case errors.Is(err, errBadRequest),
		errors.Is(err, reminder.ErrInPast),
		errors.Is(err, reminder.ErrTooFar),
		errors.Is(err, reminder.ErrEmptyPayload),
		errors.Is(err, reminder.ErrBadRecurrence),
		errors.Is(err, reminder.ErrUnknownRule):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "internal error")
	}
}
