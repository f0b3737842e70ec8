package storage

import "database/sql"

// SaveWizardState upserts the state for (OwnerID, ConversationID). There is
// at most one row per key.
func (s *Store) SaveWizardState(st WizardState) error {
	if st.DataJSON == "" {
		st.DataJSON = "{}"
	}
	_, err := s.db.Exec(`
		INSERT INTO wizard_states (owner_id, conversation_id, flow, step, data_json, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, conversation_id) DO UPDATE SET
			flow = excluded.flow,
			step = excluded.step,
			data_json = excluded.data_json,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at`,
		st.OwnerID, st.ConversationID, st.Flow, st.Step, st.DataJSON,
		formatTime(st.CreatedAt), formatTime(st.ExpiresAt),
	)
	return err
}

// GetWizardState returns the state for (ownerID, conversationID).
func (s *Store) GetWizardState(ownerID, conversationID string) (WizardState, error) {
	var st WizardState
	var createdAt, expiresAt string
	err := s.db.QueryRow(`
		SELECT owner_id, conversation_id, flow, step, data_json, created_at, expires_at
		FROM wizard_states WHERE owner_id = ? AND conversation_id = ?`, ownerID, conversationID,
	).Scan(&st.OwnerID, &st.ConversationID, &st.Flow, &st.Step, &st.DataJSON, &createdAt, &expiresAt)
	if err == sql.ErrNoRows {
		return WizardState{}, ErrNotFound
	}
	if err != nil {
		return WizardState{}, err
	}
	if st.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return WizardState{}, err
	}
	if st.ExpiresAt, err = parseTime("expires_at", expiresAt); err != nil {
		return WizardState{}, err
	}
	return st, nil
}

// DeleteWizardState removes the state for (ownerID, conversationID). Deleting
// a missing state is not an error.
func (s *Store) DeleteWizardState(ownerID, conversationID string) error {
	_, err := s.db.Exec(`DELETE FROM wizard_states WHERE owner_id = ? AND conversation_id = ?`, ownerID, conversationID)
	return err
}
