package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/remote"
)

// PutConversation inserts or replaces a conversation document.
func (db *DB) PutConversation(ctx context.Context, c *remote.Conversation) error {
	if c.ID == "" {
		return errors.New("put conversation: empty id")
	}
	if c.Participants == nil {
		cp := *c
		cp.Participants = []string{}
		c = &cp
	}
	doc, err := remote.Encode(c)
	if err != nil {
		return fmt.Errorf("encode conversation %s: %w", c.ID, err)
	}
	return db.putConversationDoc(ctx, db.DB, c.ID, doc, c.UpdatedAt)
}

func (db *DB) putConversationDoc(ctx context.Context, ex execer, id string, doc []byte, updatedAt int64) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO conversations (id, doc, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			doc = excluded.doc,
			updated_at = excluded.updated_at`,
		id, doc, updatedAt)
	return err
}

// ConversationDoc returns the raw stored document for id, or nil when there is none.
func (db *DB) ConversationDoc(ctx context.Context, id string) ([]byte, error) {
	return db.conversationDoc(ctx, db.DB, id)
}

func (db *DB) conversationDoc(ctx context.Context, q querier, id string) ([]byte, error) {
	var doc []byte
	err := q.QueryRowContext(ctx, `SELECT doc FROM conversations WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return doc, err
}

// GetConversation returns the decoded conversation, nil when absent, or
// an error wrapping remote.ErrMalformedRecord.
func (db *DB) GetConversation(ctx context.Context, id string) (*remote.Conversation, error) {
	doc, err := db.ConversationDoc(ctx, id)
	if err != nil {
		return nil, err
	}
	return remote.DecodeConversation(id, doc)
}

// DeleteConversation removes a conversation document and its messages.
func (db *DB) DeleteConversation(ctx context.Context, id string) error {
	return db.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
		return err
	})
}

// SetTyping sets or clears the typing flag of userID in a conversation.
func (db *DB) SetTyping(ctx context.Context, conversationID, userID string, typing bool) error {
	return db.updateConversation(ctx, conversationID, func(c *remote.Conversation) {
		if typing {
			if c.Typing == nil {
				c.Typing = make(map[string]bool)
			}
			c.Typing[userID] = true
			return
		}
		delete(c.Typing, userID)
	})
}

func (db *DB) updateConversation(ctx context.Context, id string, fn func(*remote.Conversation)) error {
	return db.inTx(ctx, func(tx *sql.Tx) error {
		return db.updateConversationTx(ctx, tx, id, fn)
	})
}

func (db *DB) updateConversationTx(ctx context.Context, tx *sql.Tx, id string, fn func(*remote.Conversation)) error {
	doc, err := db.conversationDoc(ctx, tx, id)
	if err != nil {
		return err
	}
	c, err := remote.DecodeConversation(id, doc)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("conversation %s: not found", id)
	}
	fn(c)
	out, err := remote.Encode(c)
	if err != nil {
		return err
	}
	return db.putConversationDoc(ctx, tx, id, out, c.UpdatedAt)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (db *DB) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
