package store

import "context"

// AddMembership adds conversationID to userID's index.
func (db *DB) AddMembership(ctx context.Context, userID, conversationID string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO memberships (user_id, conversation_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id, conversation_id) DO NOTHING`,
		userID, conversationID, nowMillis())
	return err
}

// RemoveMembership removes conversationID from userID's index.
func (db *DB) RemoveMembership(ctx context.Context, userID, conversationID string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM memberships WHERE user_id = ? AND conversation_id = ?`, userID, conversationID)
	return err
}

// Memberships returns the conversation ids in userID's index, ordered by id.
func (db *DB) Memberships(ctx context.Context, userID string) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT conversation_id FROM memberships
		WHERE user_id = ?
		ORDER BY conversation_id ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
