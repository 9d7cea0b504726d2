package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/remote"
)

// MessageDoc is one stored message document.
type MessageDoc struct {
	ID  string
	Doc []byte
}

// AppendMessage stores m in conversationID and advances the conversation's
// last-message fields in the same transaction. updatedAt strictly increases. An empty m.ID gets a new uuid
// and a zero Timestamp is set to now. The stored message is returned.
func (db *DB) AppendMessage(ctx context.Context, conversationID string, m remote.Message) (remote.Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp <= 0 {
		m.Timestamp = nowMillis()
	}
	doc, err := remote.Encode(m)
	if err != nil {
		return m, fmt.Errorf("encode message: %w", err)
	}

	err = db.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (conversation_id, id, doc, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(conversation_id, id) DO UPDATE SET doc = excluded.doc`,
			conversationID, m.ID, doc, nowMillis()); err != nil {
			return err
		}
		return db.updateConversationTx(ctx, tx, conversationID, func(c *remote.Conversation) {
			c.LastMessage = m.Text
			c.LastMessageSenderID = m.SenderID
			// Every append advances updatedAt, even for an older or equal timestamp.
			c.UpdatedAt = max(c.UpdatedAt+1, m.Timestamp)
		})
	})
	if err != nil {
		return m, fmt.Errorf("append message to %s: %w", conversationID, err)
	}
	return m, nil
}

// PutMessageDoc stores a raw message document without touching the conversation.
func (db *DB) PutMessageDoc(ctx context.Context, conversationID, id string, doc []byte) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, id, doc, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_id, id) DO UPDATE SET doc = excluded.doc`,
		conversationID, id, doc, nowMillis())
	return err
}

// MessageDocs returns every stored message document of a conversation in insertion order.
func (db *DB) MessageDocs(ctx context.Context, conversationID string) ([]MessageDoc, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, doc FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, id ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var docs []MessageDoc
	for rows.Next() {
		var d MessageDoc
		if err := rows.Scan(&d.ID, &d.Doc); err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// ListMessages decodes the messages of a conversation. Malformed documents are
// skipped and reported in skipped.
func (db *DB) ListMessages(ctx context.Context, conversationID string) (msgs []remote.Message, skipped []string, err error) {
	docs, err := db.MessageDocs(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	msgs = make([]remote.Message, 0, len(docs))
	for _, d := range docs {
		m, err := remote.DecodeMessage(d.ID, d.Doc)
		if errors.Is(err, remote.ErrMalformedRecord) {
			skipped = append(skipped, d.ID)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, skipped, nil
}
