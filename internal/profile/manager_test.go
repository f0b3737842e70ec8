package profile

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/aide/internal/storage"
)

// --- Mock store ---

type mockStore struct {
	mu   sync.Mutex
	data map[string]storage.Profile

	getCalls int
}

func newMockStore() *mockStore {
	return &mockStore{data: make(map[string]storage.Profile)}
}

func (m *mockStore) GetProfile(ownerID string) (storage.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	p, ok := m.data[ownerID]
	if !ok {
		return storage.Profile{}, storage.ErrNotFound
	}
	return p, nil
}

func (m *mockStore) SaveProfile(p storage.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[p.OwnerID] = p
	return nil
}

func (m *mockStore) ListDigestProfiles() ([]storage.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.Profile
	for _, p := range m.data {
		if p.DigestEnabled {
			out = append(out, p)
		}
	}
	return out, nil
}

// --- Mock clock ---

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// --- Tests ---

func TestGet_Defaults(t *testing.T) {
	mgr := NewManager(newMockStore(), Defaults{TimeZone: "Europe/Berlin", FactsOnly: true})

	p, err := mgr.Get("u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.OwnerID != "u1" || p.TimeZone != "Europe/Berlin" || !p.FactsOnly || p.DigestEnabled {
		t.Errorf("defaults = %+v", p)
	}
}

func TestGet_Cached(t *testing.T) {
	store := newMockStore()
	clock := &mockClock{now: time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC)}
	mgr := NewManagerWithClock(store, Defaults{}, clock, time.Minute)

	for i := 0; i < 3; i++ {
		if _, err := mgr.Get("u1"); err != nil {
			t.Fatalf("Get: %v", err)
		}
	}
	if store.getCalls != 1 {
		t.Errorf("store calls = %d, want 1", store.getCalls)
	}
	clock.Advance(2 * time.Minute)
	mgr.Get("u1")
	if store.getCalls != 2 {
		t.Errorf("store calls after TTL = %d, want 2", store.getCalls)
	}
}

func TestSetters_InvalidateCache(t *testing.T) {
	store := newMockStore()
	mgr := NewManager(store, Defaults{})

	if _, err := mgr.Get("u1"); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.SetFactsOnly("u1", true); err != nil {
		t.Fatalf("SetFactsOnly: %v", err)
	}
	if _, err := mgr.SetDigest("u1", true); err != nil {
		t.Fatalf("SetDigest: %v", err)
	}
	p, _ := mgr.Get("u1")
	if !p.FactsOnly || !p.DigestEnabled {
		t.Errorf("profile = %+v, want both flags on", p)
	}
	if store.data["u1"].TimeZone != "UTC" {
		t.Errorf("stored tz = %q, want default UTC", store.data["u1"].TimeZone)
	}
}

func TestSetTimeZone(t *testing.T) {
	mgr := NewManager(newMockStore(), Defaults{})

	if _, err := mgr.SetTimeZone("u1", "Mars/Olympus"); err == nil {
		t.Error("expected error for unknown zone")
	}
	if _, err := mgr.SetTimeZone("u1", "Local"); err == nil {
		t.Error("expected error for Local")
	}
	p, err := mgr.SetTimeZone("u1", "UTC")
	if err != nil {
		t.Fatalf("SetTimeZone: %v", err)
	}
	if p.Location() != time.UTC {
		t.Errorf("Location = %v", p.Location())
	}
}

func TestTouchAndDigest(t *testing.T) {
	store := newMockStore()
	mgr := NewManager(store, Defaults{})

	if err := mgr.Touch("u1", "chat-9"); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	mgr.SetDigest("u1", true)
	mgr.Touch("u2", "chat-2")

	rows, err := mgr.DigestCandidates()
	if err != nil {
		t.Fatalf("DigestCandidates: %v", err)
	}
	if len(rows) != 1 || rows[0].OwnerID != "u1" || rows[0].ConversationID != "chat-9" {
		t.Fatalf("candidates = %+v", rows)
	}

	if err := mgr.MarkDigestSent("u1", "2026-03-11"); err != nil {
		t.Fatalf("MarkDigestSent: %v", err)
	}
	p, _ := mgr.Get("u1")
	if p.DigestLastSent != "2026-03-11" || !p.DigestEnabled {
		t.Errorf("profile = %+v", p)
	}
}

func TestSummary(t *testing.T) {
	now := time.Date(2026, 3, 11, 9, 30, 0, 0, time.UTC)
	got := Summary(Profile{TimeZone: "UTC"}, now)
	if !strings.Contains(got, "UTC") || !strings.Contains(got, "Wednesday 2026-03-11 09:30") {
		t.Errorf("Summary = %q", got)
	}
}
