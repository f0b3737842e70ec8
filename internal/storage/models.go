package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Reminder is a stored reminder row. Recurrence is kept as JSON text.
type Reminder struct {
	ID             string
	OwnerID        string
	ConversationID string
	FireAt         time.Time
	Payload        string
	RecurrenceJSON string
	TimeZone       string
	Status         string // "scheduled", "fired", "snoozed", "cancelled"
	LastFiredAt    time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// WizardState is the persisted dialog state for one (owner, conversation).
// DataJSON holds the flow-specific draft.
type WizardState struct {
	OwnerID        string
	ConversationID string
	Flow           string
	Step           string
	DataJSON       string
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// Profile holds per-owner settings.
type Profile struct {
	OwnerID        string
	TimeZone       string
	FactsOnly      bool
	DigestEnabled  bool
	DigestLastSent string // YYYY-MM-DD in the owner's zone
	ConversationID string // where digests are delivered
	UpdatedAt      time.Time
}

// Turn is one message of recorded dialog history.
type Turn struct {
	ID             int64
	OwnerID        string
	ConversationID string
	Role           string // "user" or "assistant"
	Content        string
	CreatedAt      time.Time
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
