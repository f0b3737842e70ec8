package storage

import (
	"database/sql"
	"fmt"
	"time"
)

const reminderColumns = `id, owner_id, conversation_id, fire_at, payload, recurrence_json, time_zone, status, last_fired_at, created_at, updated_at`

// SaveReminder inserts or replaces a reminder row.
func (s *Store) SaveReminder(r Reminder) error {
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.RecurrenceJSON == "" {
		r.RecurrenceJSON = `{"kind":"none"}`
	}
	if r.TimeZone == "" {
		r.TimeZone = "UTC"
	}
	var lastFired any
	if !r.LastFiredAt.IsZero() {
		lastFired = formatTime(r.LastFiredAt)
	}
	_, err := s.db.Exec(`
		INSERT INTO reminders (`+reminderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			fire_at = excluded.fire_at,
			payload = excluded.payload,
			recurrence_json = excluded.recurrence_json,
			time_zone = excluded.time_zone,
			status = excluded.status,
			last_fired_at = excluded.last_fired_at,
			updated_at = excluded.updated_at`,
		r.ID, r.OwnerID, r.ConversationID, formatTime(r.FireAt), r.Payload, r.RecurrenceJSON,
		r.TimeZone, r.Status, lastFired, formatTime(r.CreatedAt), formatTime(now),
	)
	return err
}

// GetReminder returns a reminder by ID.
func (s *Store) GetReminder(id string) (Reminder, error) {
	row := s.db.QueryRow(`SELECT `+reminderColumns+` FROM reminders WHERE id = ?`, id)
	r, err := scanReminder(row)
	if err == sql.ErrNoRows {
		return Reminder{}, ErrNotFound
	}
	return r, err
}

// DeleteReminder removes a reminder owned by ownerID.
func (s *Store) DeleteReminder(ownerID, id string) error {
	res, err := s.db.Exec(`DELETE FROM reminders WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRemindersByOwner returns an owner's reminders ordered by fire time,
// cancelled ones included. A limit <= 0 returns all rows.
func (s *Store) ListRemindersByOwner(ownerID string, limit int) ([]Reminder, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`SELECT `+reminderColumns+` FROM reminders
		WHERE owner_id = ? ORDER BY fire_at ASC LIMIT ?`, ownerID, limit)
	if err != nil {
		return nil, err
	}
	return collectReminders(rows)
}

// ListScheduledReminders returns every reminder in the scheduled or snoozed
// state ordered by fire time.
func (s *Store) ListScheduledReminders() ([]Reminder, error) {
	rows, err := s.db.Query(`SELECT ` + reminderColumns + ` FROM reminders
		WHERE status IN ('scheduled', 'snoozed') ORDER BY fire_at ASC`)
	if err != nil {
		return nil, err
	}
	return collectReminders(rows)
}

// ListScheduledBetween returns an owner's scheduled reminders with
// from <= fire_at < to.
func (s *Store) ListScheduledBetween(ownerID string, from, to time.Time) ([]Reminder, error) {
	rows, err := s.db.Query(`SELECT `+reminderColumns+` FROM reminders
		WHERE owner_id = ? AND status IN ('scheduled', 'snoozed') AND fire_at >= ? AND fire_at < ?
		ORDER BY fire_at ASC`, ownerID, formatTime(from), formatTime(to))
	if err != nil {
		return nil, err
	}
	return collectReminders(rows)
}

func scanReminder(row rowScanner) (Reminder, error) {
	var r Reminder
	var fireAt, createdAt, updatedAt string
	var lastFired sql.NullString
	if err := row.Scan(&r.ID, &r.OwnerID, &r.ConversationID, &fireAt, &r.Payload, &r.RecurrenceJSON,
		&r.TimeZone, &r.Status, &lastFired, &createdAt, &updatedAt); err != nil {
		return Reminder{}, err
	}
	var err error
	if r.FireAt, err = parseTime("fire_at", fireAt); err != nil {
		return Reminder{}, err
	}
	if r.LastFiredAt, err = parseNullTime("last_fired_at", lastFired); err != nil {
		return Reminder{}, err
	}
	if r.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Reminder{}, err
	}
	if r.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Reminder{}, err
	}
	return r, nil
}

func collectReminders(rows *sql.Rows) ([]Reminder, error) {
	defer rows.Close()
	var out []Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning reminder: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
