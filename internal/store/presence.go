package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/matheus3301/chatsync/internal/remote"
)

// PutPresence replaces userID's presence record.
func (db *DB) PutPresence(ctx context.Context, p remote.Presence) error {
	doc, err := remote.Encode(p)
	if err != nil {
		return fmt.Errorf("encode presence: %w", err)
	}
	return db.putPresenceDoc(ctx, db.DB, p.UserID, doc)
}

func (db *DB) putPresenceDoc(ctx context.Context, ex execer, userID string, doc []byte) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO presence (user_id, doc, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			doc = excluded.doc,
			updated_at = excluded.updated_at`,
		userID, doc, nowMillis())
	return err
}

// PresenceDoc returns the raw presence document for userID, or nil.
func (db *DB) PresenceDoc(ctx context.Context, userID string) ([]byte, error) {
	var doc []byte
	err := db.QueryRowContext(ctx, `SELECT doc FROM presence WHERE user_id = ?`, userID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return doc, err
}

// PutWill records the presence document to apply when userID disconnects.
func (db *DB) PutWill(ctx context.Context, fallback remote.Presence) error {
	doc, err := remote.Encode(fallback)
	if err != nil {
		return fmt.Errorf("encode will: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO presence_wills (user_id, doc, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET doc = excluded.doc, created_at = excluded.created_at`,
		fallback.UserID, doc, nowMillis())
	return err
}

// DeleteWill drops userID's registered will, if any.
func (db *DB) DeleteWill(ctx context.Context, userID string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM presence_wills WHERE user_id = ?`, userID)
	return err
}

// ApplyWill moves userID's registered will into its presence record. It
// reports whether a will was registered.
func (db *DB) ApplyWill(ctx context.Context, userID string) (bool, error) {
	applied := false
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		var doc []byte
		err := tx.QueryRowContext(ctx, `SELECT doc FROM presence_wills WHERE user_id = ?`, userID).Scan(&doc)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := db.putPresenceDoc(ctx, tx, userID, doc); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM presence_wills WHERE user_id = ?`, userID); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}
