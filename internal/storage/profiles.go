package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// SaveProfile upserts an owner profile.
func (s *Store) SaveProfile(p Profile) error {
	_, err := s.db.Exec(`
		INSERT INTO profiles (owner_id, time_zone, facts_only, digest_enabled, digest_last_sent, conversation_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id) DO UPDATE SET
			time_zone = excluded.time_zone,
			facts_only = excluded.facts_only,
			digest_enabled = excluded.digest_enabled,
			digest_last_sent = excluded.digest_last_sent,
			conversation_id = excluded.conversation_id,
			updated_at = excluded.updated_at`,
		p.OwnerID, p.TimeZone, boolToInt(p.FactsOnly), boolToInt(p.DigestEnabled),
		p.DigestLastSent, p.ConversationID, formatTime(time.Now()),
	)
	return err
}

// GetProfile returns the profile for ownerID.
func (s *Store) GetProfile(ownerID string) (Profile, error) {
	row := s.db.QueryRow(`
		SELECT owner_id, time_zone, facts_only, digest_enabled, digest_last_sent, conversation_id, updated_at
		FROM profiles WHERE owner_id = ?`, ownerID)
	p, err := scanProfile(row)
	if err == sql.ErrNoRows {
		return Profile{}, ErrNotFound
	}
	return p, err
}

// ListDigestProfiles returns every profile that opted into the daily digest.
func (s *Store) ListDigestProfiles() ([]Profile, error) {
	rows, err := s.db.Query(`
		SELECT owner_id, time_zone, facts_only, digest_enabled, digest_last_sent, conversation_id, updated_at
		FROM profiles WHERE digest_enabled = 1 ORDER BY owner_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning profile: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanProfile(row rowScanner) (Profile, error) {
	var p Profile
	var facts, digest int
	var updatedAt string
	if err := row.Scan(&p.OwnerID, &p.TimeZone, &facts, &digest, &p.DigestLastSent, &p.ConversationID, &updatedAt); err != nil {
		return Profile{}, err
	}
	p.FactsOnly = facts != 0
	p.DigestEnabled = digest != 0
	t, err := parseTime("updated_at", updatedAt)
	if err != nil {
		return Profile{}, err
	}
	p.UpdatedAt = t
	return p, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
