package profile

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/aide/internal/storage"
)

// ProfileStore defines the storage operations the Manager needs.
// Implemented by storage.Store.
type ProfileStore interface {
	GetProfile(ownerID string) (storage.Profile, error)
	SaveProfile(p storage.Profile) error
	ListDigestProfiles() ([]storage.Profile, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type cacheEntry struct {
	p        Profile
	cachedAt time.Time
}

// Manager provides cached access to owner profiles stored in SQLite.
// Owners without a stored row get the configured defaults.
type Manager struct {
	store    ProfileStore
	clock    Clock
	ttl      time.Duration
	defaults Defaults

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewManager creates a Manager with a 60-second cache TTL.
func NewManager(store ProfileStore, defaults Defaults) *Manager {
	return NewManagerWithClock(store, defaults, realClock{}, 60*time.Second)
}

// NewManagerWithClock creates a Manager with a custom clock (for testing).
func NewManagerWithClock(store ProfileStore, defaults Defaults, clock Clock, ttl time.Duration) *Manager {
	if defaults.TimeZone == "" {
		defaults.TimeZone = "UTC"
	}
	return &Manager{
		store:    store,
		clock:    clock,
		ttl:      ttl,
		defaults: defaults,
		cache:    make(map[string]cacheEntry),
	}
}

// Get returns ownerID's profile, or the defaults if none is stored.
func (m *Manager) Get(ownerID string) (Profile, error) {
	// Fast path: read lock for cache hit.
	m.mu.RLock()
	if e, ok := m.cache[ownerID]; ok && m.clock.Now().Before(e.cachedAt.Add(m.ttl)) {
		m.mu.RUnlock()
		return e.p, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock.
	if e, ok := m.cache[ownerID]; ok && m.clock.Now().Before(e.cachedAt.Add(m.ttl)) {
		return e.p, nil
	}
	p, err := m.loadLocked(ownerID)
	if err != nil {
		return Profile{}, err
	}
	m.cache[ownerID] = cacheEntry{p: p, cachedAt: m.clock.Now()}
	return p, nil
}

func (m *Manager) loadLocked(ownerID string) (Profile, error) {
	row, err := m.store.GetProfile(ownerID)
	if errors.Is(err, storage.ErrNotFound) {
		return Profile{OwnerID: ownerID, TimeZone: m.defaults.TimeZone, FactsOnly: m.defaults.FactsOnly}, nil
	}
	if err != nil {
		return Profile{}, fmt.Errorf("loading profile %s: %w", ownerID, err)
	}
	return fromRow(row), nil
}

// update applies fn to the stored profile, persists it and invalidates the
// cache entry.
func (m *Manager) update(ownerID string, fn func(*Profile)) (Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.loadLocked(ownerID)
	if err != nil {
		return Profile{}, err
	}
	fn(&p)
	if err := m.store.SaveProfile(toRow(p)); err != nil {
		return Profile{}, fmt.Errorf("saving profile %s: %w", ownerID, err)
	}
	delete(m.cache, ownerID)
	return p, nil
}

// Touch records the conversation an owner last wrote from, creating the
// profile on first contact. Digests are delivered there.
func (m *Manager) Touch(ownerID, conversationID string) error {
	p, err := m.Get(ownerID)
	if err != nil {
		return err
	}
	if p.ConversationID == conversationID {
		return nil
	}
	_, err = m.update(ownerID, func(p *Profile) { p.ConversationID = conversationID })
	return err
}

// SetTimeZone validates and stores an IANA zone name.
func (m *Manager) SetTimeZone(ownerID, name string) (Profile, error) {
	name = strings.TrimSpace(name)
	loc, err := time.LoadLocation(name)
	if err != nil || name == "" || strings.EqualFold(name, "local") {
		return Profile{}, fmt.Errorf("unknown time zone %q", name)
	}
	slog.Info("profile: time zone set", "owner", ownerID, "tz", loc.String())
	return m.update(ownerID, func(p *Profile) { p.TimeZone = loc.String() })
}

// SetFactsOnly toggles the facts-only preference.
func (m *Manager) SetFactsOnly(ownerID string, on bool) (Profile, error) {
	return m.update(ownerID, func(p *Profile) { p.FactsOnly = on })
}

// SetDigest toggles the daily digest.
func (m *Manager) SetDigest(ownerID string, on bool) (Profile, error) {
	return m.update(ownerID, func(p *Profile) { p.DigestEnabled = on })
}

// MarkDigestSent records the local date of the last digest.
func (m *Manager) MarkDigestSent(ownerID, date string) error {
	_, err := m.update(ownerID, func(p *Profile) { p.DigestLastSent = date })
	return err
}

// DigestCandidates returns the stored profiles with the digest enabled.
func (m *Manager) DigestCandidates() ([]storage.Profile, error) {
	rows, err := m.store.ListDigestProfiles()
	if err != nil {
		return nil, fmt.Errorf("listing digest profiles: %w", err)
	}
	return rows, nil
}

// Location returns the owner's zone.
func (m *Manager) Location(ownerID string) *time.Location {
	p, err := m.Get(ownerID)
	if err != nil {
		slog.Warn("profile: falling back to UTC", "owner", ownerID, "error", err)
		return time.UTC
	}
	return p.Location()
}

// Summary renders the parts of a profile worth telling the model.
func Summary(p Profile, now time.Time) string {
	local := now.In(p.Location())
	return fmt.Sprintf("User time zone: %s. Local time: %s.", p.Location().String(), local.Format("Monday 2006-01-02 15:04"))
}

func fromRow(r storage.Profile) Profile {
	return Profile{
		OwnerID:        r.OwnerID,
		TimeZone:       r.TimeZone,
		FactsOnly:      r.FactsOnly,
		DigestEnabled:  r.DigestEnabled,
		DigestLastSent: r.DigestLastSent,
		ConversationID: r.ConversationID,
	}
}

func toRow(p Profile) storage.Profile {
	return storage.Profile{
		OwnerID:        p.OwnerID,
		TimeZone:       p.TimeZone,
		FactsOnly:      p.FactsOnly,
		DigestEnabled:  p.DigestEnabled,
		DigestLastSent: p.DigestLastSent,
		ConversationID: p.ConversationID,
	}
}
