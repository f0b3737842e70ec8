// Package actions maps short opaque callback tokens to button actions.
//
// Tokens are single-use: an entry is removed on its first successful
// resolution or when it expires, whichever comes first. A caller cannot tell
// an expired token from one that never existed.
package actions

import (
	"container/list"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/aide/internal/metrics"
	"github.com/kalambet/aide/internal/result"
)

const (
	// CallbackPrefix marks registry tokens in transport callback payloads.
	CallbackPrefix = "a:"
	// MaxCallbackBytes is the transport's hard callback payload ceiling.
	MaxCallbackBytes = 64
	// MaxPayloadBytes bounds the encoded action kept per token.
	MaxPayloadBytes = 2048

	DefaultTTL        = 15 * time.Minute
	DefaultMaxEntries = 2000
	defaultTokenBytes = 9
)

var (
	// ErrNotFound is returned for unknown, consumed, expired or foreign tokens.
	ErrNotFound = errors.New("action not found")
	// ErrTokenTooLong means the encoded callback would not fit the transport.
	ErrTokenTooLong = errors.New("callback token exceeds transport limit")
	// ErrPayloadTooLarge means the action is too big to keep.
	ErrPayloadTooLarge = errors.New("action payload too large")
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Token is a registered action bound to the owner and conversation it was
// rendered for.
type Token struct {
	Token          string
	Action         result.Action
	OwnerID        string
	ConversationID string
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// Options configures a Registry. Zero values select the defaults.
type Options struct {
	TTL        time.Duration
	MaxEntries int
	// TokenBytes is the number of random bytes per token before encoding.
	TokenBytes int
	Clock      Clock
}

// Registry is a process-wide ephemeral token store.
type Registry struct {
	ttl        time.Duration
	maxEntries int
	tokenBytes int
	clock      Clock
	logger     *slog.Logger

	mu      sync.Mutex
	entries map[string]*list.Element // token -> element holding *Token
	order   *list.List               // insertion order, oldest at front
}

// NewRegistry creates a Registry.
func NewRegistry(opts Options) *Registry {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.TokenBytes <= 0 {
		opts.TokenBytes = defaultTokenBytes
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	return &Registry{
		ttl:        opts.TTL,
		maxEntries: opts.MaxEntries,
		tokenBytes: opts.TokenBytes,
		clock:      opts.Clock,
		logger:     slog.Default(),
		entries:    make(map[string]*list.Element),
		order:      list.New(),
	}
}

// Register stores a and returns the callback payload for it ("a:<token>").
// A ttl <= 0 uses the registry default. Oversized tokens or payloads are
// programming errors: they are logged at error level and returned, never
// truncated.
func (r *Registry) Register(ownerID, conversationID string, a result.Action, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = r.ttl
	}

	payload, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("encoding action: %w", err)
	}
	if len(payload) > MaxPayloadBytes {
		r.logger.Error("action payload too large", "op", a.Op, "bytes", len(payload), "limit", MaxPayloadBytes)
		return "", fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	tok, err := r.newToken()
	if err != nil {
		return "", err
	}
	callback := CallbackPrefix + tok
	if len(callback) > MaxCallbackBytes {
		r.logger.Error("callback token too long", "bytes", len(callback), "limit", MaxCallbackBytes)
		return "", fmt.Errorf("%w: %d bytes", ErrTokenTooLong, len(callback))
	}

	now := r.clock.Now()
	entry := &Token{
		Token:          callback,
		Action:         a,
		OwnerID:        ownerID,
		ConversationID: conversationID,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[callback] = r.order.PushBack(entry)
	if len(r.entries) > r.maxEntries {
		r.sweepLocked(now)
		for len(r.entries) > r.maxEntries {
			r.removeLocked(r.order.Front())
			metrics.ActionTokensTotal.WithLabelValues("evicted").Inc()
		}
	}
	metrics.ActionTokensTotal.WithLabelValues("registered").Inc()
	return callback, nil
}

// Resolve returns and deletes the action behind token. The token must be
// unexpired and bound to the same owner and conversation; otherwise
// ErrNotFound is returned and a foreign caller does not consume it.
func (r *Registry) Resolve(token, ownerID, conversationID string) (result.Action, error) {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	el, ok := r.entries[token]
	if !ok {
		metrics.ActionTokensTotal.WithLabelValues("not_found").Inc()
		return result.Action{}, ErrNotFound
	}
	entry := el.Value.(*Token)
	if !now.Before(entry.ExpiresAt) {
		r.removeLocked(el)
		metrics.ActionTokensTotal.WithLabelValues("not_found").Inc()
		return result.Action{}, ErrNotFound
	}
	if entry.OwnerID != ownerID || entry.ConversationID != conversationID {
		metrics.ActionTokensTotal.WithLabelValues("not_found").Inc()
		return result.Action{}, ErrNotFound
	}

	r.removeLocked(el)
	metrics.ActionTokensTotal.WithLabelValues("resolved").Inc()
	return entry.Action, nil
}

// Len reports the number of live entries, expired ones included until swept.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Sweep removes expired entries and returns how many were dropped.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sweepLocked(r.clock.Now())
}

// Run sweeps every interval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := r.Sweep(); n > 0 {
				r.logger.Debug("swept expired action tokens", "count", n)
			}
		}
	}
}

func (r *Registry) sweepLocked(now time.Time) int {
	removed := 0
	for el := r.order.Front(); el != nil; {
		next := el.Next()
		if !now.Before(el.Value.(*Token).ExpiresAt) {
			r.removeLocked(el)
			removed++
		}
		el = next
	}
	return removed
}

func (r *Registry) removeLocked(el *list.Element) {
	entry := r.order.Remove(el).(*Token)
	delete(r.entries, entry.Token)
}

func (r *Registry) newToken() (string, error) {
	b := make([]byte, r.tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
