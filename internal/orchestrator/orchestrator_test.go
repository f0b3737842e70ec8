package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/aide/internal/actions"
	"github.com/kalambet/aide/internal/llm"
	"github.com/kalambet/aide/internal/profile"
	"github.com/kalambet/aide/internal/ratelimit"
	"github.com/kalambet/aide/internal/reminder"
	"github.com/kalambet/aide/internal/result"
	"github.com/kalambet/aide/internal/storage"
	"github.com/kalambet/aide/internal/wizard"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeLLM struct {
	mu      sync.Mutex
	calls   int
	errs    []error
	text    string
	sources []result.Source
	panics  bool
	last    []llm.Message
}

func (f *fakeLLM) Complete(_ context.Context, model string, msgs []llm.Message) (llm.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = msgs
	if f.panics {
		panic("model exploded")
	}
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return llm.Completion{}, err
		}
	}
	return llm.Completion{Text: f.text, Sources: f.sources, Model: model}, nil
}

type fakeSearch struct {
	sources []result.Source
	err     error
	queries []string
}

func (f *fakeSearch) Search(_ context.Context, q string, _ int) ([]result.Source, error) {
	f.queries = append(f.queries, q)
	return f.sources, f.err
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, reminder.Notification) error { return nil }

// Wednesday 2026-03-11 10:00 UTC.
var t0 = time.Date(2026, 3, 11, 10, 0, 0, 0, time.UTC)

type fixture struct {
	o       *Orchestrator
	store   *storage.Store
	clock   *fakeClock
	sched   *reminder.Scheduler
	reg     *actions.Registry
	limiter *ratelimit.Limiter
	llm     *fakeLLM
	search  *fakeSearch
}

func newFixture(t *testing.T, cfg Config, limits ratelimit.Limits) *fixture {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	clock := &fakeClock{t: t0}
	sched := reminder.NewWithClock(store, nopNotifier{}, reminder.Config{}, clock)
	profiles := profile.NewManagerWithClock(store, profile.Defaults{TimeZone: "UTC"}, clock, time.Minute)
	wiz := wizard.NewWithClock(store, sched, wizard.SchedulerCalendar{Reminders: sched}, profiles, 10*time.Minute, clock)
	reg := actions.NewRegistry(actions.Options{Clock: clock})
	limiter := ratelimit.NewWithClock(limits, clock)
	fl := &fakeLLM{text: "Sure."}
	fs := &fakeSearch{}

	o := New(Deps{
		Limiter:   limiter,
		Wizard:    wiz,
		Reminders: sched,
		Profiles:  profiles,
		Actions:   reg,
		LLM:       fl,
		Search:    fs,
		History:   store,
		Clock:     clock,
	}, cfg)
	return &fixture{o: o, store: store, clock: clock, sched: sched, reg: reg, limiter: limiter, llm: fl, search: fs}
}

func (f *fixture) send(t *testing.T, text string) result.Result {
	t.Helper()
	return f.o.Handle(context.Background(), Request{OwnerID: "u1", ConversationID: "c1", Text: text})
}

func (f *fixture) press(t *testing.T, a result.Action) result.Result {
	t.Helper()
	cb, err := f.reg.Register("u1", "c1", a, 0)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return f.o.HandleCallback(context.Background(), "u1", "c1", cb)
}

func (f *fixture) wizardStep(t *testing.T) string {
	t.Helper()
	row, err := f.store.GetWizardState("u1", "c1")
	if errors.Is(err, storage.ErrNotFound) {
		return ""
	}
	if err != nil {
		t.Fatalf("GetWizardState: %v", err)
	}
	return row.Step
}

func assertNormalized(t *testing.T, r result.Result) {
	t.Helper()
	if r.Text == "" || r.RequestID == "" || r.Sources == nil || r.Actions == nil || r.Attachments == nil {
		t.Errorf("result not normalized: %+v", r)
	}
}

func TestHandle_RateLimit(t *testing.T) {
	f := newFixture(t, Config{}, ratelimit.Limits{PerMinute: 3})

	for i := 0; i < 3; i++ {
		if r := f.send(t, "hi"); r.Status != result.StatusOK {
			t.Fatalf("call %d: status %q", i+1, r.Status)
		}
	}
	r := f.send(t, "hi")
	if r.Status != result.StatusRateLimited {
		t.Fatalf("4th call status = %q, want ratelimited", r.Status)
	}
	assertNormalized(t, r)

	f.clock.Advance(time.Minute)
	if r := f.send(t, "hi"); r.Status != result.StatusOK {
		t.Errorf("next window status = %q, want ok", r.Status)
	}
}

func TestHandle_AccessListBeforeQuota(t *testing.T) {
	f := newFixture(t, Config{AllowedOwners: []string{"u1", " "}}, ratelimit.Limits{PerMinute: 1})

	r := f.o.Handle(context.Background(), Request{OwnerID: "intruder", ConversationID: "c9", Text: "hi"})
	if r.Status != result.StatusRefused || r.Intent != "system.access_denied" || len(r.Actions) == 0 {
		t.Errorf("stranger = %+v", r)
	}
	for _, c := range f.limiter.Counters("intruder") {
		if c.Count != 0 {
			t.Errorf("stranger consumed quota: %+v", c)
		}
	}
	if r := f.send(t, "hi"); r.Status != result.StatusOK {
		t.Errorf("allowed owner status = %q", r.Status)
	}
}

func TestHandle_InputBounds(t *testing.T) {
	f := newFixture(t, Config{MaxInputRunes: 10}, ratelimit.Limits{})

	tests := []struct {
		name   string
		text   string
		intent string
	}{
		{"empty", "   ", "intent.empty"},
		{"too long", strings.Repeat("я", 11), "intent.too_long"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := f.send(t, tt.text)
			if r.Status != result.StatusRefused || r.Intent != tt.intent {
				t.Errorf("got %+v", r)
			}
		})
	}
	if f.llm.calls != 0 {
		t.Errorf("model called %d times for refused input", f.llm.calls)
	}
}

func TestHandle_WizardPreemptsClassification(t *testing.T) {
	f := newFixture(t, Config{}, ratelimit.Limits{})

	f.send(t, "/remind")
	if got := f.wizardStep(t); got != string(wizard.StepTitle) {
		t.Fatalf("step = %q, want title", got)
	}

	// A greeting is a title while the dialog is active.
	r := f.send(t, "hello")
	if r.Intent == "smalltalk.local" {
		t.Fatalf("wizard input was classified as smalltalk: %+v", r)
	}
	if got := f.wizardStep(t); got != string(wizard.StepDateTime) {
		t.Fatalf("step = %q, want datetime", got)
	}

	// An out-of-shape date leaves the step unchanged.
	r = f.send(t, "no idea")
	if r.Intent != "wizard.clarify" || f.wizardStep(t) != string(wizard.StepDateTime) {
		t.Errorf("invalid input: %+v, step %q", r, f.wizardStep(t))
	}

	if r := f.send(t, "cancel"); !strings.Contains(r.Text, "Cancelled") {
		t.Errorf("cancel = %+v", r)
	}
	if f.wizardStep(t) != "" {
		t.Fatal("state survived cancel")
	}
	if r := f.send(t, "hello"); r.Intent != "smalltalk.local" {
		t.Errorf("after cancel intent = %q, want smalltalk.local", r.Intent)
	}
}

func TestHandle_WizardTimeoutRoutesNormally(t *testing.T) {
	f := newFixture(t, Config{}, ratelimit.Limits{})

	f.send(t, "/remind")
	f.clock.Advance(11 * time.Minute)

	r := f.send(t, "hello")
	if r.Intent != "smalltalk.local" {
		t.Errorf("intent = %q, want smalltalk.local", r.Intent)
	}
	if !strings.Contains(r.Text, "timed out") {
		t.Errorf("text lacks timeout notice: %q", r.Text)
	}
	if f.wizardStep(t) != "" {
		t.Error("expired state not cleared")
	}
}

func TestHandle_RemindWithTitleSkipsTitleStep(t *testing.T) {
	f := newFixture(t, Config{}, ratelimit.Limits{})
	f.send(t, "/remind call mom")
	if got := f.wizardStep(t); got != string(wizard.StepDateTime) {
		t.Errorf("step = %q, want datetime", got)
	}
}

func TestHandle_Commands(t *testing.T) {
	f := newFixture(t, Config{}, ratelimit.Limits{})

	tests := []struct {
		text   string
		status result.Status
		intent string
	}{
		{"/start", result.StatusOK, "menu.open"},
		{"/help@aide_bot", result.StatusOK, "menu.help"},
		{"/reminders", result.StatusOK, "reminder.list"},
		{"/tasks", result.StatusOK, "task.list"},
		{"/search", result.StatusRefused, "command.search"},
		{"/ask", result.StatusRefused, "command.ask"},
		{"/summary", result.StatusRefused, "utility.summary"},
		{"/facts maybe", result.StatusRefused, "command.facts"},
		{"/tz Mars/Olympus", result.StatusRefused, "settings.tz"},
		{"/tz Europe/Berlin", result.StatusOK, "settings.tz"},
		{"/frobnicate", result.StatusRefused, "command.unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			r := f.send(t, tt.text)
			if r.Status != tt.status || r.Intent != tt.intent {
				t.Errorf("got status %q intent %q, want %q %q", r.Status, r.Intent, tt.status, tt.intent)
			}
			if r.Status == result.StatusRefused && len(r.Actions) == 0 {
				t.Error("refusal without a follow-up action")
			}
		})
	}
}

func TestHandle_Tasks(t *testing.T) {
	f := newFixture(t, Config{}, ratelimit.Limits{})

	if r := f.send(t, "!upper hi there"); r.Text != "HI THERE" || r.Mode != result.ModeLocal {
		t.Errorf("upper = %+v", r)
	}
	if r := f.send(t, "calc 2 + 2 * 3"); r.Text != "8" {
		t.Errorf("calc = %+v", r)
	}
	if r := f.send(t, "!nope x"); r.Status != result.StatusRefused {
		t.Errorf("unknown task = %+v", r)
	}
	if r := f.send(t, "!json_pretty {bad"); r.Status != result.StatusRefused || !strings.Contains(r.Text, "not valid JSON") {
		t.Errorf("bad payload = %+v", r)
	}
}

func TestHandle_ChatStripsUnbackedCitations(t *testing.T) {
	f := newFixture(t, Config{}, ratelimit.Limits{})
	f.llm.text = "Go was released in 2009 [1].\n\nSources:\n[1] somewhere"

	r := f.send(t, "when was go released")
	if r.Status != result.StatusOK || r.Mode != result.ModeLLM {
		t.Fatalf("chat = %+v", r)
	}
	if strings.Contains(r.Text, "[1]") || strings.Contains(r.Text, "Sources:") {
		t.Errorf("citation markers survived without sources: %q", r.Text)
	}
}

func TestHandle_ChatRecordsHistory(t *testing.T) {
	f := newFixture(t, Config{HistoryTurns: 4}, ratelimit.Limits{})

	f.send(t, "first question")
	f.send(t, "second question")

	// system + 2 history turns + question
	if len(f.llm.last) != 4 || f.llm.last[1].Content != "first question" {
		t.Errorf("second call messages = %+v", f.llm.last)
	}
	f.send(t, "third question")
	turns, err := f.store.RecentTurns("u1", "c1", 10)
	if err != nil {
		t.Fatalf("RecentTurns: %v", err)
	}
	if len(turns) != 4 || turns[0].Content != "second question" {
		t.Errorf("history = %+v, want the newest 4 turns", turns)
	}
}

func TestHandle_ModelTimeoutRetriedOnce(t *testing.T) {
	f := newFixture(t, Config{}, ratelimit.Limits{})
	f.llm.errs = []error{fmt.Errorf("executing request: %w", context.DeadlineExceeded)}

	r := f.send(t, "what is a monad")
	if r.Status != result.StatusOK || f.llm.calls != 2 {
		t.Errorf("status %q after %d calls, want ok after 2", r.Status, f.llm.calls)
	}

	f.llm.calls = 0
	f.llm.errs = []error{context.DeadlineExceeded, context.DeadlineExceeded}
	r = f.send(t, "again")
	if r.Status != result.StatusError || f.llm.calls != 2 {
		t.Errorf("status %q after %d calls, want error after 2", r.Status, f.llm.calls)
	}
}

func TestHandle_ModelErrorHidesCause(t *testing.T) {
	f := newFixture(t, Config{}, ratelimit.Limits{})
	f.llm.errs = []error{errors.New("unexpected status 500: secret upstream detail")}

	r := f.send(t, "what is a monad")
	if r.Status != result.StatusError || f.llm.calls != 1 {
		t.Fatalf("status %q after %d calls", r.Status, f.llm.calls)
	}
	if strings.Contains(r.Text, "secret") {
		t.Errorf("cause leaked into text: %q", r.Text)
	}
	if cause, _ := r.Debug["error"].(string); !strings.Contains(cause, "secret") {
		t.Errorf("cause missing from debug: %+v", r.Debug)
	}
}

func TestHandle_ModelNotConfigured(t *testing.T) {
	f := newFixture(t, Config{}, ratelimit.Limits{})
	f.llm.errs = []error{llm.ErrNotConfigured}
	if r := f.send(t, "what is a monad"); r.Status != result.StatusRefused {
		t.Errorf("status = %q, want refused", r.Status)
	}
}

func TestHandle_PanicBecomesError(t *testing.T) {
	f := newFixture(t, Config{}, ratelimit.Limits{})
	f.llm.panics = true

	r := f.send(t, "what is a monad")
	if r.Status != result.StatusError || r.Intent != "system.internal" {
		t.Errorf("got %+v", r)
	}
	assertNormalized(t, r)
}

func TestHandle_FactsOnly(t *testing.T) {
	f := newFixture(t, Config{}, ratelimit.Limits{})
	if r := f.send(t, "/facts on"); r.Status != result.StatusOK {
		t.Fatalf("/facts on = %+v", r)
	}

	// No sources: refused, never answered from the model alone.
	r := f.send(t, "population of lisbon")
	if r.Status != result.StatusRefused || f.llm.calls != 0 {
		t.Errorf("without sources: %+v, model calls %d", r, f.llm.calls)
	}
	if len(f.search.queries) != 1 {
		t.Errorf("free text did not go to search: %v", f.search.queries)
	}

	f.search.sources = []result.Source{{Title: "INE", URL: "https://ine.pt/lisbon"}}
	f.llm.text = "About 545,000 people live in Lisbon [1]."
	r = f.send(t, "population of lisbon")
	if r.Status != result.StatusOK || r.Mode != result.ModeTool || len(r.Sources) != 1 {
		t.Errorf("with sources: %+v", r)
	}
	if !strings.Contains(r.Text, "[1]") {
		t.Errorf("backed citation stripped: %q", r.Text)
	}

	// Local replies make no claims and pass.
	if r := f.send(t, "/menu"); r.Status != result.StatusOK {
		t.Errorf("menu under facts-only = %+v", r)
	}
}

func TestHandle_SearchFailure(t *testing.T) {
	f := newFixture(t, Config{}, ratelimit.Limits{})
	f.search.err = errors.New("dns failure")
	r := f.send(t, "search: go 1.25")
	if r.Status != result.StatusError || r.Mode != result.ModeTool {
		t.Errorf("got %+v", r)
	}
}

func TestHandle_Document(t *testing.T) {
	f := newFixture(t, Config{}, ratelimit.Limits{})
	f.llm.text = "Alice signed it."

	r := f.o.Handle(context.Background(), Request{
		OwnerID:        "u1",
		ConversationID: "c1",
		Text:           "who signed?",
		Attachments:    []result.Attachment{{Name: "contract.txt", MIME: "text/plain", Data: []byte("Signed by Alice.")}},
	})
	if r.Status != result.StatusOK || r.Intent != "document.qa" {
		t.Fatalf("got %+v", r)
	}
	if !strings.Contains(f.llm.last[0].Content, "Signed by Alice.") {
		t.Errorf("document not in prompt: %q", f.llm.last[0].Content)
	}

	r = f.o.Handle(context.Background(), Request{
		OwnerID:        "u1",
		ConversationID: "c1",
		Attachments:    []result.Attachment{{Name: "photo.png", MIME: "image/png", Data: []byte{1}}},
	})
	if r.Status != result.StatusRefused {
		t.Errorf("image = %+v", r)
	}
}

func TestHandle_DestructiveRefused(t *testing.T) {
	f := newFixture(t, Config{}, ratelimit.Limits{})
	r := f.send(t, "delete all reminders")
	if r.Status != result.StatusRefused || r.Intent != "refused.destructive" {
		t.Errorf("got %+v", r)
	}
}

func TestCallback_SnoozeIsSingleUse(t *testing.T) {
	f := newFixture(t, Config{}, ratelimit.Limits{})
	ev, err := f.sched.Create(reminder.Event{OwnerID: "u1", ConversationID: "c1", FireAt: t0.Add(time.Hour), Payload: "stretch"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	cb, err := f.reg.Register("u1", "c1", result.Action{Label: "+15 min", Op: result.OpSnooze, ReminderID: ev.ID, Minutes: 15}, 0)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	r := f.o.HandleCallback(context.Background(), "u1", "c1", cb)
	if r.Status != result.StatusOK || !strings.Contains(r.Text, "11:15") {
		t.Errorf("snooze = %+v", r)
	}

	r = f.o.HandleCallback(context.Background(), "u1", "c1", cb)
	if r.Status != result.StatusRefused || r.Intent != "action.expired" {
		t.Errorf("second press = %+v", r)
	}
}

func TestCallback_ForeignOwnerSeesExpired(t *testing.T) {
	f := newFixture(t, Config{}, ratelimit.Limits{})
	cb, _ := f.reg.Register("u1", "c1", result.Action{Label: "Menu", Op: result.OpMenu}, 0)

	r := f.o.HandleCallback(context.Background(), "u2", "c1", cb)
	if r.Intent != "action.expired" {
		t.Errorf("foreign press = %+v", r)
	}
	if r := f.o.HandleCallback(context.Background(), "u1", "c1", cb); r.Intent != "menu.open" {
		t.Errorf("owner press after foreign attempt = %+v", r)
	}
}

func TestCallback_DeleteNeedsConfirmation(t *testing.T) {
	f := newFixture(t, Config{}, ratelimit.Limits{})
	ev, _ := f.sched.Create(reminder.Event{OwnerID: "u1", ConversationID: "c1", FireAt: t0.Add(time.Hour), Payload: "stretch"})

	r := f.press(t, result.Action{Label: "Delete", Op: result.OpDelete, ReminderID: ev.ID})
	if len(r.Actions) == 0 || r.Actions[0].Op != result.OpDeleteConfirm {
		t.Fatalf("delete prompt = %+v", r)
	}
	if _, err := f.sched.Get("u1", ev.ID); err != nil {
		t.Fatal("reminder deleted before confirmation")
	}

	f.press(t, r.Actions[0])
	if _, err := f.sched.Get("u1", ev.ID); !errors.Is(err, reminder.ErrNotFound) {
		t.Errorf("Get after confirm err = %v", err)
	}

	r = f.press(t, result.Action{Label: "Yes, delete", Op: result.OpDeleteConfirm, ReminderID: ev.ID})
	if r.Status != result.StatusRefused {
		t.Errorf("deleting twice = %+v", r)
	}
}

func TestCallback_ToggleAndSettings(t *testing.T) {
	f := newFixture(t, Config{}, ratelimit.Limits{})
	ev, _ := f.sched.Create(reminder.Event{OwnerID: "u1", ConversationID: "c1", FireAt: t0.Add(time.Hour), Payload: "stretch"})

	if r := f.press(t, result.Action{Op: result.OpToggle, Label: "Pause", ReminderID: ev.ID}); r.Text != "Paused." {
		t.Errorf("pause = %+v", r)
	}
	if r := f.press(t, result.Action{Op: result.OpToggle, Label: "Resume", ReminderID: ev.ID}); !strings.HasPrefix(r.Text, "Resumed") {
		t.Errorf("resume = %+v", r)
	}

	f.press(t, result.Action{Op: result.OpDigestToggle, Label: "Digest"})
	r := f.send(t, "/menu")
	found := false
	for _, a := range r.Actions {
		if a.Label == "Daily digest: on" {
			found = true
		}
	}
	if !found {
		t.Errorf("digest not enabled, menu = %+v", r.Actions)
	}
}

func TestCallback_WizardButtons(t *testing.T) {
	f := newFixture(t, Config{}, ratelimit.Limits{})

	r := f.press(t, result.Action{Label: "New reminder", Op: result.OpWizardStart, Flow: string(wizard.FlowCreateReminder)})
	if r.Status != result.StatusOK || f.wizardStep(t) != string(wizard.StepTitle) {
		t.Fatalf("start = %+v, step %q", r, f.wizardStep(t))
	}
	f.press(t, result.Action{Label: "Cancel", Op: result.OpWizardCancel})
	if f.wizardStep(t) != "" {
		t.Error("cancel button left state behind")
	}
}

func TestCallback_RateLimited(t *testing.T) {
	f := newFixture(t, Config{}, ratelimit.Limits{PerMinute: 1})
	f.send(t, "hi")
	if r := f.press(t, result.MenuAction()); r.Status != result.StatusRateLimited {
		t.Errorf("status = %q, want ratelimited", r.Status)
	}
}

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	k := newKeyedMutex()
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("u1\x00c1")
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	if got := maxInside.Load(); got != 1 {
		t.Errorf("max concurrent holders = %d, want 1", got)
	}
	if k.len() != 0 {
		t.Errorf("idle keys retained: %d", k.len())
	}
}
