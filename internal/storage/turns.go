package storage

import "fmt"

// AppendTurn records one dialog message.
func (s *Store) AppendTurn(t Turn) error {
	_, err := s.db.Exec(`
		INSERT INTO dialog_turns (owner_id, conversation_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		t.OwnerID, t.ConversationID, t.Role, t.Content, formatTime(t.CreatedAt),
	)
	return err
}

// RecentTurns returns up to limit most recent turns of a conversation in
// chronological order.
func (s *Store) RecentTurns(ownerID, conversationID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.Query(`
		SELECT id, owner_id, conversation_id, role, content, created_at FROM (
			SELECT id, owner_id, conversation_id, role, content, created_at
			FROM dialog_turns WHERE owner_id = ? AND conversation_id = ?
			ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, ownerID, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var t Turn
		var createdAt string
		if err := rows.Scan(&t.ID, &t.OwnerID, &t.ConversationID, &t.Role, &t.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}
		if t.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// PruneTurns keeps only the newest keep turns of a conversation.
func (s *Store) PruneTurns(ownerID, conversationID string, keep int) error {
	_, err := s.db.Exec(`
		DELETE FROM dialog_turns WHERE owner_id = ? AND conversation_id = ? AND id NOT IN (
			SELECT id FROM dialog_turns WHERE owner_id = ? AND conversation_id = ?
			ORDER BY id DESC LIMIT ?
		)`, ownerID, conversationID, ownerID, conversationID, keep)
	return err
}
