package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/aide/internal/actions"
	"github.com/kalambet/aide/internal/orchestrator"
	"github.com/kalambet/aide/internal/reminder"
	"github.com/kalambet/aide/internal/result"
	"github.com/kalambet/aide/internal/storage"
	"github.com/kalambet/aide/internal/transport"
)

const testToken = "secret-token"

// Wednesday 2026-03-11 10:00 UTC.
var t0 = time.Date(2026, 3, 11, 10, 0, 0, 0, time.UTC)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type fixedZones struct{ loc *time.Location }

func (z fixedZones) Location(string) *time.Location { return z.loc }

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, reminder.Notification) error { return nil }

type mockAssistant struct {
	mu        sync.Mutex
	requests  []orchestrator.Request
	callbacks []string
	reply     result.Result
}

func (m *mockAssistant) Handle(_ context.Context, req orchestrator.Request) result.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	return m.reply
}

func (m *mockAssistant) HandleCallback(_ context.Context, _, _, callback string) result.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, callback)
	return m.reply
}

type testEnv struct {
	handler   http.Handler
	deps      Deps
	assistant *mockAssistant
	sched     *reminder.Scheduler
	reg       *actions.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	clock := fixedClock{t: t0}
	sched := reminder.NewWithClock(store, nopNotifier{}, reminder.Config{}, clock)
	reg := actions.NewRegistry(actions.Options{Clock: clock})
	assistant := &mockAssistant{
		reply: result.OK("Hi! How can I help?", result.ModeLocal, "smalltalk.local").WithActions(result.MenuAction()),
	}
	deps := Deps{
		Assistant: assistant,
		Registrar: reg,
		Reminders: sched,
		Zones:     fixedZones{loc: time.UTC},
		Token:     testToken,
		Clock:     clock,
	}
	return &testEnv{handler: NewHandler(deps), deps: deps, assistant: assistant, sched: sched, reg: reg}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("health = %d %s", rec.Code, rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("metrics status = %d", rec.Code)
	}
}

func TestBearerAuth(t *testing.T) {
	env := newTestEnv(t)
	for _, auth := range []string{"", "Bearer wrong", "Basic " + testToken} {
		req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{}`))
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("auth %q: status = %d, want 401", auth, rec.Code)
		}
	}
	if len(env.assistant.requests) != 0 {
		t.Error("unauthenticated request reached the assistant")
	}
}

func TestMessage_RendersButtons(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/v1/messages", MessageRequest{OwnerID: "u1", ConversationID: "c1", Text: "hello"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var msg transport.Message
	if err := json.NewDecoder(rec.Body).Decode(&msg); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if msg.Text != "Hi! How can I help?" || len(msg.Buttons) != 1 {
		t.Fatalf("message = %+v", msg)
	}
	a, err := env.reg.Resolve(msg.Buttons[0].Callback, "u1", "c1")
	if err != nil || a.Op != result.OpMenu {
		t.Errorf("button resolves to %+v, %v", a, err)
	}
	if strings.Contains(rec.Body.String(), "debug") {
		t.Error("debug leaked into the response")
	}
	if got := env.assistant.requests[0]; got.Text != "hello" || got.OwnerID != "u1" {
		t.Errorf("request = %+v", got)
	}
}

func TestMessage_Validation(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/v1/messages", MessageRequest{Text: "hello"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{not json`))
	req.Header.Set("Authorization", "Bearer "+testToken)
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", rr.Code)
	}
}

func TestMessage_RateLimitedSetsRetryAfter(t *testing.T) {
	env := newTestEnv(t)
	env.assistant.reply = result.RateLimited("minute", 42)

	rec := env.do(t, http.MethodPost, "/v1/messages", MessageRequest{OwnerID: "u1", ConversationID: "c1", Text: "hi"})
	if got := rec.Header().Get("Retry-After"); got != "42" {
		t.Errorf("Retry-After = %q, want 42", got)
	}
}

func TestCallback_PassesPayload(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/v1/callbacks", CallbackRequest{OwnerID: "u1", ConversationID: "c1", Callback: "a:xyz"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(env.assistant.callbacks) != 1 || env.assistant.callbacks[0] != "a:xyz" {
		t.Errorf("callbacks = %v", env.assistant.callbacks)
	}

	if rec := env.do(t, http.MethodPost, "/v1/callbacks", CallbackRequest{OwnerID: "u1", ConversationID: "c1"}); rec.Code != http.StatusBadRequest {
		t.Errorf("missing callback status = %d", rec.Code)
	}
}

func TestReminders_CRUD(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/reminders", CreateReminderRequest{
		OwnerID: "u1", At: "tomorrow 9:00 water plants", Recurrence: "daily",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	var ev reminder.Event
	json.NewDecoder(rec.Body).Decode(&ev)
	if ev.Payload != "water plants" || ev.Recurrence.Kind != reminder.KindDaily {
		t.Errorf("created = %+v", ev)
	}
	if want := time.Date(2026, 3, 12, 9, 0, 0, 0, time.UTC); !ev.FireAt.Equal(want) {
		t.Errorf("FireAt = %v, want %v", ev.FireAt, want)
	}
	if ev.ConversationID != "u1" {
		t.Errorf("ConversationID = %q, want owner fallback", ev.ConversationID)
	}

	rec = env.do(t, http.MethodGet, "/v1/reminders?owner_id=u1", nil)
	var list []reminder.Event
	json.NewDecoder(rec.Body).Decode(&list)
	if len(list) != 1 || list[0].ID != ev.ID {
		t.Errorf("list = %+v", list)
	}

	// Another owner cannot see or touch it.
	if rec := env.do(t, http.MethodGet, "/v1/reminders/"+ev.ID+"?owner_id=u2", nil); rec.Code != http.StatusNotFound {
		t.Errorf("foreign get status = %d, want 404", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/v1/reminders/"+ev.ID+"/toggle?owner_id=u1", nil)
	var toggled reminder.Event
	json.NewDecoder(rec.Body).Decode(&toggled)
	if rec.Code != http.StatusOK || toggled.Active() {
		t.Errorf("toggle = %d %+v", rec.Code, toggled)
	}

	if rec := env.do(t, http.MethodDelete, "/v1/reminders/"+ev.ID+"?owner_id=u1", nil); rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, "/v1/reminders/"+ev.ID+"?owner_id=u1", nil); rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}
}

func TestReminders_CreateRejects(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name string
		req  CreateReminderRequest
	}{
		{"no owner", CreateReminderRequest{Text: "x", At: "2026-03-12T09:00:00Z"}},
		{"no time", CreateReminderRequest{OwnerID: "u1", Text: "x"}},
		{"past", CreateReminderRequest{OwnerID: "u1", Text: "x", At: "2026-03-10T09:00:00Z"}},
		{"empty text", CreateReminderRequest{OwnerID: "u1", At: "2026-03-12T09:00:00Z"}},
		{"bad recurrence", CreateReminderRequest{OwnerID: "u1", Text: "x", At: "2026-03-12T09:00:00Z", Recurrence: "fortnightly-ish"}},
		{"garbage time", CreateReminderRequest{OwnerID: "u1", Text: "x", At: "whenever"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := env.do(t, http.MethodPost, "/v1/reminders", tt.req); rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestReminders_SnoozeAndReschedule(t *testing.T) {
	env := newTestEnv(t)
	ev, err := env.sched.Create(reminder.Event{OwnerID: "u1", ConversationID: "c1", FireAt: t0.Add(time.Hour), Payload: "stretch"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	rec := env.do(t, http.MethodPost, "/v1/reminders/"+ev.ID+"/snooze?owner_id=u1", map[string]int{"minutes": 30})
	var snoozed reminder.Event
	json.NewDecoder(rec.Body).Decode(&snoozed)
	if want := t0.Add(90 * time.Minute); rec.Code != http.StatusOK || !snoozed.FireAt.Equal(want) {
		t.Errorf("snooze = %d, FireAt %v, want %v", rec.Code, snoozed.FireAt, want)
	}

	rec = env.do(t, http.MethodPost, "/v1/reminders/"+ev.ID+"/reschedule?owner_id=u1", map[string]string{"at": "2026-03-13T08:30:00Z"})
	var moved reminder.Event
	json.NewDecoder(rec.Body).Decode(&moved)
	if rec.Code != http.StatusOK || moved.FireAt.Day() != 13 {
		t.Errorf("reschedule = %d %+v", rec.Code, moved)
	}

	rec = env.do(t, http.MethodPost, "/v1/reminders/"+ev.ID+"/reschedule?owner_id=u1", map[string]string{"at": "2026-03-01T08:30:00Z"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("reschedule into the past status = %d, want 400", rec.Code)
	}
}

func TestReminders_RescheduleOneOccurrence(t *testing.T) {
	env := newTestEnv(t)
	ev, err := env.sched.Create(reminder.Event{OwnerID: "u1", ConversationID: "c1", FireAt: t0.Add(time.Hour), Payload: "pills",
		Recurrence: reminder.Recurrence{Kind: reminder.KindDaily}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	rec := env.do(t, http.MethodPost, "/v1/reminders/"+ev.ID+"/reschedule?owner_id=u1",
		map[string]string{"at": t0.Add(3 * time.Hour).Format(time.RFC3339), "scope": "this"})
	var moved reminder.Event
	json.NewDecoder(rec.Body).Decode(&moved)
	if rec.Code != http.StatusOK || moved.ID == ev.ID || moved.Recurrence.Repeats() {
		t.Fatalf("reschedule = %d %+v", rec.Code, moved)
	}
	series, _ := env.sched.Get("u1", ev.ID)
	if want := t0.Add(25 * time.Hour); !series.FireAt.Equal(want) {
		t.Errorf("series FireAt = %v, want %v", series.FireAt, want)
	}
}

func TestBearerAuth_EmptyTokenDisablesRoutes(t *testing.T) {
	h := BearerAuth("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler reached without a configured token")
	}))
	req := httptest.NewRequest(http.MethodGet, "/v1/reminders", nil)
	req.Header.Set("Authorization", "Bearer ")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}
