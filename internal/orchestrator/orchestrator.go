// Package orchestrator is the request path: it applies access and rate
// policy, routes input to the wizard, local tasks or the model, and returns
// a normalized Result for every request.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"runtime/debug"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/kalambet/aide/internal/composer"
	"github.com/kalambet/aide/internal/intent"
	"github.com/kalambet/aide/internal/llm"
	"github.com/kalambet/aide/internal/metrics"
	"github.com/kalambet/aide/internal/profile"
	"github.com/kalambet/aide/internal/ratelimit"
	"github.com/kalambet/aide/internal/reminder"
	"github.com/kalambet/aide/internal/result"
	"github.com/kalambet/aide/internal/storage"
	"github.com/kalambet/aide/internal/tasks"
	"github.com/kalambet/aide/internal/wizard"
)

const (
	DefaultMaxInputRunes = 4000
	DefaultHistoryTurns  = 10
	DefaultSearchResults = 5
)

// Limiter is the per-owner rate limiter.
type Limiter interface {
	Allow(ownerID string) ratelimit.Decision
}

// Wizard runs guided dialogs.
type Wizard interface {
	Handle(ctx context.Context, ownerID, conversationID, text string) wizard.Outcome
	Apply(ctx context.Context, ownerID, conversationID string, a result.Action) wizard.Outcome
	Start(ctx context.Context, ownerID, conversationID string, flow wizard.Flow, seed wizard.Seed) result.Result
	Cancel(ownerID, conversationID string) result.Result
}

// Reminders is the scheduler surface for direct reminder actions.
type Reminders interface {
	List(ownerID string, all bool) ([]reminder.Event, error)
	Get(ownerID, id string) (reminder.Event, error)
	Snooze(ownerID, id string, delay time.Duration) (reminder.Event, error)
	Delete(ownerID, id string) error
	Toggle(ownerID, id string) (reminder.Event, error)
}

// Profiles reads and updates per-owner settings.
type Profiles interface {
	Get(ownerID string) (profile.Profile, error)
	Touch(ownerID, conversationID string) error
	SetFactsOnly(ownerID string, on bool) (profile.Profile, error)
	SetDigest(ownerID string, on bool) (profile.Profile, error)
	SetTimeZone(ownerID, name string) (profile.Profile, error)
}

// Completer is the model call.
type Completer interface {
	Complete(ctx context.Context, model string, messages []llm.Message) (llm.Completion, error)
}

// Searcher finds sources for a query.
type Searcher interface {
	Search(ctx context.Context, query string, max int) ([]result.Source, error)
}

// History stores dialog turns for model context.
type History interface {
	AppendTurn(t storage.Turn) error
	RecentTurns(ownerID, conversationID string, limit int) ([]storage.Turn, error)
	PruneTurns(ownerID, conversationID string, keep int) error
}

// Resolver turns callback payloads back into actions.
type Resolver interface {
	Resolve(token, ownerID, conversationID string) (result.Action, error)
}

// Clock abstracts time for testing.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Deps are the collaborators. LLM, Search and History may be nil; the
// features that need them then refuse politely.
type Deps struct {
	Limiter   Limiter
	Wizard    Wizard
	Reminders Reminders
	Profiles  Profiles
	Actions   Resolver
	Tasks     *tasks.Registry
	Composer  *composer.Composer
	LLM       Completer
	Search    Searcher
	History   History
	Clock     Clock
}

// Config tunes request handling.
type Config struct {
	// AllowedOwners restricts access when non-empty.
	AllowedOwners []string
	Model         string
	HistoryTurns  int
	MaxInputRunes int
	SearchResults int
	// Smalltalk overrides canned greeting replies by phrase.
	Smalltalk map[string]string
}

// Request is one inbound message.
type Request struct {
	OwnerID        string
	ConversationID string
	Text           string
	Attachments    []result.Attachment
}

// Orchestrator handles inbound messages and button presses.
type Orchestrator struct {
	deps       Deps
	cfg        Config
	allowed    map[string]bool
	classifier *intent.Classifier
	locks      *keyedMutex
}

// New creates an Orchestrator.
func New(deps Deps, cfg Config) *Orchestrator {
	if deps.Tasks == nil {
		deps.Tasks = tasks.NewRegistry()
	}
	if deps.Composer == nil {
		deps.Composer = composer.New(0)
	}
	if deps.Clock == nil {
		deps.Clock = realClock{}
	}
	if cfg.MaxInputRunes <= 0 {
		cfg.MaxInputRunes = DefaultMaxInputRunes
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = DefaultHistoryTurns
	}
	if cfg.SearchResults <= 0 {
		cfg.SearchResults = DefaultSearchResults
	}
	allowed := make(map[string]bool, len(cfg.AllowedOwners))
	for _, id := range cfg.AllowedOwners {
		if id = strings.TrimSpace(id); id != "" {
			allowed[id] = true
		}
	}
	return &Orchestrator{
		deps:       deps,
		cfg:        cfg,
		allowed:    allowed,
		classifier: intent.NewClassifier(deps.Tasks.Has),
		locks:      newKeyedMutex(),
	}
}

// Handle processes one inbound message. It never returns a raw error: every
// failure is folded into the Result.
func (o *Orchestrator) Handle(ctx context.Context, req Request) result.Result {
	start := o.deps.Clock.Now()
	requestID := uuid.New().String()
	logger := slog.With("request_id", requestID, "owner_id", req.OwnerID, "conversation_id", req.ConversationID)

	if r, ok := o.admit(logger, req.OwnerID); !ok {
		return o.finish(logger, profile.Profile{}, "policy", start, requestID, r)
	}

	text := strings.TrimSpace(req.Text)
	if text == "" && len(req.Attachments) == 0 {
		return o.finish(logger, profile.Profile{}, "policy", start, requestID,
			result.Refused("Your message is empty. Send some text or open the menu.", "intent.empty"))
	}
	if utf8.RuneCountInString(text) > o.cfg.MaxInputRunes {
		return o.finish(logger, profile.Profile{}, "policy", start, requestID,
			result.Refused(fmt.Sprintf("That message is too long. Please keep it under %d characters.", o.cfg.MaxInputRunes), "intent.too_long"))
	}

	unlock := o.locks.Lock(req.OwnerID + "\x00" + req.ConversationID)
	defer unlock()

	p := o.profile(logger, req.OwnerID)
	if err := o.deps.Profiles.Touch(req.OwnerID, req.ConversationID); err != nil {
		logger.Warn("orchestrator: touching profile failed", "error", err)
	}

	route := "wizard"
	r := o.safely(logger, route, func() result.Result {
		out := o.deps.Wizard.Handle(ctx, req.OwnerID, req.ConversationID, text)
		if out.Handled {
			return out.Result
		}
		var r result.Result
		r, route = o.route(ctx, logger, p, req, text)
		if out.TimedOut {
			r.Text = "Your previous dialog timed out, so I treated this as a new message.\n\n" + r.Text
			r = r.WithDebug("wizard_timed_out", true)
		}
		return r
	})
	return o.finish(logger, p, route, start, requestID, r)
}

// HandleCallback processes a button press carrying a callback payload.
func (o *Orchestrator) HandleCallback(ctx context.Context, ownerID, conversationID, callback string) result.Result {
	start := o.deps.Clock.Now()
	requestID := uuid.New().String()
	logger := slog.With("request_id", requestID, "owner_id", ownerID, "conversation_id", conversationID)

	if r, ok := o.admit(logger, ownerID); !ok {
		return o.finish(logger, profile.Profile{}, "policy", start, requestID, r)
	}

	unlock := o.locks.Lock(ownerID + "\x00" + conversationID)
	defer unlock()

	a, err := o.deps.Actions.Resolve(callback, ownerID, conversationID)
	if err != nil {
		// Unknown, consumed and expired tokens look the same to the owner.
		logger.Debug("orchestrator: callback not resolved", "error", err)
		return o.finish(logger, profile.Profile{}, "callback", start, requestID,
			result.Refused("This button has expired. Open the menu to continue.", "action.expired"))
	}

	p := o.profile(logger, ownerID)
	r := o.safely(logger, "callback", func() result.Result {
		return o.apply(ctx, logger, p, ownerID, conversationID, a)
	})
	return o.finish(logger, p, "callback", start, requestID, r)
}

// admit applies the access list and the rate limiter, in that order, so a
// stranger never consumes quota.
func (o *Orchestrator) admit(logger *slog.Logger, ownerID string) (result.Result, bool) {
	if len(o.allowed) > 0 && !o.allowed[ownerID] {
		logger.Info("orchestrator: access denied")
		return result.Refused("Sorry, this assistant is private.", "system.access_denied"), false
	}
	d := o.deps.Limiter.Allow(ownerID)
	if !d.Allowed {
		secs := int(math.Ceil(d.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		logger.Info("orchestrator: rate limited", "window", d.Window, "retry_after", d.RetryAfter)
		return result.RateLimited(string(d.Window), secs), false
	}
	return result.Result{}, true
}

func (o *Orchestrator) profile(logger *slog.Logger, ownerID string) profile.Profile {
	p, err := o.deps.Profiles.Get(ownerID)
	if err != nil {
		logger.Warn("orchestrator: loading profile failed", "error", err)
		return profile.Profile{OwnerID: ownerID, TimeZone: "UTC"}
	}
	return p
}

// safely runs fn, converting a panic into an error Result.
func (o *Orchestrator) safely(logger *slog.Logger, route string, fn func() result.Result) (r result.Result) {
	defer func() {
		if v := recover(); v != nil {
			logger.Error("orchestrator: handler panicked", "route", route, "panic", v, "stack", string(debug.Stack()))
			r = result.Error("system.internal", fmt.Errorf("panic: %v", v))
		}
	}()
	return fn()
}

// finish is the single exit of the request path: normalization, then the
// facts-only policy, then normalization again.
func (o *Orchestrator) finish(logger *slog.Logger, p profile.Profile, route string, start time.Time, requestID string, r result.Result) result.Result {
	r.RequestID = requestID
	r = result.Normalize(r)
	if p.FactsOnly {
		r = result.Normalize(result.EnforceFactsOnly(r))
	}

	elapsed := o.deps.Clock.Now().Sub(start)
	metrics.RequestsTotal.WithLabelValues(string(r.Status), string(r.Mode), route).Inc()
	metrics.RequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
	if r.Status == result.StatusError {
		logger.Warn("request failed", "route", route, "intent", r.Intent, "debug", r.Debug)
	} else {
		logger.Info("request handled", "route", route, "status", r.Status, "mode", r.Mode, "intent", r.Intent, "duration", elapsed)
	}
	return r
}
