package profile

import "time"

// Profile holds one owner's settings.
type Profile struct {
	OwnerID        string `json:"owner_id"`
	TimeZone       string `json:"time_zone"`
	FactsOnly      bool   `json:"facts_only"`
	DigestEnabled  bool   `json:"digest_enabled"`
	DigestLastSent string `json:"digest_last_sent,omitempty"` // YYYY-MM-DD in TimeZone
	ConversationID string `json:"conversation_id,omitempty"`  // last conversation seen, where digests go
}

// Location returns the owner's zone, falling back to UTC for unknown names.
func (p Profile) Location() *time.Location {
	if p.TimeZone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Defaults seed profiles for owners seen for the first time.
type Defaults struct {
	TimeZone  string
	FactsOnly bool
}
