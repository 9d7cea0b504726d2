package store

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/remote"
	"go.uber.org/zap"
)

// KindExternal is published when another process changed the database file.
const KindExternal = "store.external"

// Per-record change kinds end with ';' so that "store.conversation.c1;" never
// prefix-matches c10.
const (
	kindPrefix   = "store."
	kindIndex    = "index"
	kindConv     = "conversation"
	kindMessages = "messages"
	kindPresence = "presence"
)

const (
	pollInterval = 500 * time.Millisecond
	watchBuffer  = 16
)

func changeKind(kind, id string) string {
	return kindPrefix + kind + "." + id + ";"
}

// Local is a remote.Store backed by the SQLite database. Writes through
// Local are announced on the bus; writes by other processes sharing the file
// are picked up by polling PRAGMA data_version once Start has been called.
type Local struct {
	db      *DB
	bus     *bus.Bus
	metrics *metrics.Collectors
	logger  *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}

	mu    gosync.Mutex
	wills map[string]struct{}
}

var _ remote.Store = (*Local)(nil)

// NewLocal creates a local store over db. b may be nil, in which case a
// private bus is used.
func NewLocal(db *DB, b *bus.Bus, m *metrics.Collectors, logger *zap.Logger) *Local {
	if b == nil {
		b = bus.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Local{db: db, bus: b, metrics: m, logger: logger, wills: make(map[string]struct{})}
}

// DB returns the underlying database.
func (l *Local) DB() *DB {
	return l.db
}

// Start begins watching the database file for changes made by other processes.
func (l *Local) Start(ctx context.Context) error {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("data_version conn: %w", err)
	}
	var version int64
	if err := conn.QueryRowContext(ctx, `PRAGMA data_version`).Scan(&version); err != nil {
		_ = conn.Close()
		return fmt.Errorf("read data_version: %w", err)
	}
	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})
	go func() {
		defer close(l.done)
		defer func() { _ = conn.Close() }()
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				var v int64
				if err := conn.QueryRowContext(ctx, `PRAGMA data_version`).Scan(&v); err != nil {
					if ctx.Err() == nil {
						l.logger.Warn("polling data_version failed", zap.Error(err))
					}
					continue
				}
				if v != version {
					version = v
					l.announce(KindExternal)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Close stops the change poller and applies the wills registered through this
// store, as a remote server would when the connection drops.
func (l *Local) Close(ctx context.Context) error {
	if l.cancel != nil {
		l.cancel()
		<-l.done
		l.cancel = nil
	}
	l.mu.Lock()
	users := make([]string, 0, len(l.wills))
	for u := range l.wills {
		users = append(users, u)
	}
	clear(l.wills)
	l.mu.Unlock()

	var errs []error
	for _, u := range users {
		if err := l.Disconnect(ctx, u); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Disconnect applies userID's registered will, if any.
func (l *Local) Disconnect(ctx context.Context, userID string) error {
	applied, err := l.db.ApplyWill(ctx, userID)
	if err != nil {
		return &remote.TransportError{Op: "apply will", Key: userID, Err: err}
	}
	if applied {
		l.logger.Info("disconnect will applied", zap.String("user_id", userID))
		l.announce(changeKind(kindPresence, userID))
	}
	return nil
}

func (l *Local) announce(kind string) {
	l.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now()})
}

// watch delivers the current value once, then again after every change event
// for kind or external change. Deliveries stop once the returned function is called.
func (l *Local) watch(kind string, deliver func(ctx context.Context)) remote.Unsubscribe {
	events, unsub := l.bus.SubscribeMany([]string{kind, KindExternal}, watchBuffer)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer unsub()
		deliver(ctx)
		for {
			select {
			case <-events:
				// Coalesce bursts: one re-read covers every pending change.
				for drained := false; !drained; {
					select {
					case <-events:
					default:
						drained = true
					}
				}
				if ctx.Err() != nil {
					return
				}
				deliver(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
	var once gosync.Once
	return func() { once.Do(cancel) }
}

func (l *Local) SubscribeIndex(userID string, onUpdate func([]string), onError func(error)) (remote.Unsubscribe, error) {
	var failed bool
	return l.watch(changeKind(kindIndex, userID), func(ctx context.Context) {
		if failed {
			return
		}
		ids, err := l.db.Memberships(ctx, userID)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			failed = true
			onError(&remote.TransportError{Op: "read index", Key: userID, Err: err})
			return
		}
		onUpdate(ids)
	}), nil
}

func (l *Local) SubscribeConversation(id string, onUpdate func(*remote.Conversation)) (remote.Unsubscribe, error) {
	return l.watch(changeKind(kindConv, id), func(ctx context.Context) {
		doc, err := l.db.ConversationDoc(ctx, id)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			l.logger.Warn("reading conversation failed", zap.Error(err), zap.String("conversation_id", id))
			return
		}
		c, err := remote.DecodeConversation(id, doc)
		if err != nil {
			l.metrics.MalformedRecord(kindConv)
			l.logger.Warn("malformed conversation record", zap.Error(err), zap.String("conversation_id", id))
			c = nil
		}
		onUpdate(c)
	}), nil
}

func (l *Local) SubscribeMessages(conversationID string, onUpdate func([]remote.Message)) (remote.Unsubscribe, error) {
	return l.watch(changeKind(kindMessages, conversationID), func(ctx context.Context) {
		msgs, skipped, err := l.db.ListMessages(ctx, conversationID)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			l.logger.Warn("reading messages failed", zap.Error(err), zap.String("conversation_id", conversationID))
			return
		}
		for _, id := range skipped {
			l.metrics.MalformedRecord("message")
			l.logger.Warn("malformed message record", zap.String("conversation_id", conversationID), zap.String("message_id", id))
		}
		onUpdate(msgs)
	}), nil
}

func (l *Local) SubscribePresence(userID string, onUpdate func(*remote.Presence)) (remote.Unsubscribe, error) {
	return l.watch(changeKind(kindPresence, userID), func(ctx context.Context) {
		doc, err := l.db.PresenceDoc(ctx, userID)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			l.logger.Warn("reading presence failed", zap.Error(err), zap.String("user_id", userID))
			return
		}
		p, err := remote.DecodePresence(userID, doc)
		if err != nil {
			l.metrics.MalformedRecord(kindPresence)
			l.logger.Warn("malformed presence record", zap.Error(err), zap.String("user_id", userID))
			p = nil
		}
		onUpdate(p)
	}), nil
}

func (l *Local) WritePresence(ctx context.Context, userID string, online bool) error {
	p := remote.Presence{UserID: userID, Online: online, LastSeen: nowMillis()}
	if err := l.db.PutPresence(ctx, p); err != nil {
		return &remote.TransportError{Op: "write presence", Key: userID, Err: err}
	}
	l.announce(changeKind(kindPresence, userID))
	return nil
}

func (l *Local) RegisterDisconnectCleanup(ctx context.Context, userID string, fallback remote.Presence) error {
	fallback.UserID = userID
	if err := l.db.PutWill(ctx, fallback); err != nil {
		return &remote.TransportError{Op: "register will", Key: userID, Err: err}
	}
	l.mu.Lock()
	l.wills[userID] = struct{}{}
	l.mu.Unlock()
	return nil
}

// CancelDisconnectCleanup drops userID's registered will.
func (l *Local) CancelDisconnectCleanup(ctx context.Context, userID string) error {
	if err := l.db.DeleteWill(ctx, userID); err != nil {
		return &remote.TransportError{Op: "cancel will", Key: userID, Err: err}
	}
	l.mu.Lock()
	delete(l.wills, userID)
	l.mu.Unlock()
	return nil
}

// PutConversation stores c and notifies its watchers.
func (l *Local) PutConversation(ctx context.Context, c *remote.Conversation) error {
	if err := l.db.PutConversation(ctx, c); err != nil {
		return err
	}
	l.announce(changeKind(kindConv, c.ID))
	return nil
}

// AddMembership adds conversationID to userID's index.
func (l *Local) AddMembership(ctx context.Context, userID, conversationID string) error {
	if err := l.db.AddMembership(ctx, userID, conversationID); err != nil {
		return err
	}
	l.announce(changeKind(kindIndex, userID))
	return nil
}

// RemoveMembership removes conversationID from userID's index.
func (l *Local) RemoveMembership(ctx context.Context, userID, conversationID string) error {
	if err := l.db.RemoveMembership(ctx, userID, conversationID); err != nil {
		return err
	}
	l.announce(changeKind(kindIndex, userID))
	return nil
}

// AppendMessage stores m and advances the conversation's last message.
func (l *Local) AppendMessage(ctx context.Context, conversationID string, m remote.Message) (remote.Message, error) {
	m, err := l.db.AppendMessage(ctx, conversationID, m)
	if err != nil {
		return m, err
	}
	l.announce(changeKind(kindMessages, conversationID))
	l.announce(changeKind(kindConv, conversationID))
	return m, nil
}

// SetTyping sets or clears userID's typing flag in a conversation.
func (l *Local) SetTyping(ctx context.Context, conversationID, userID string, typing bool) error {
	if err := l.db.SetTyping(ctx, conversationID, userID, typing); err != nil {
		return err
	}
	l.announce(changeKind(kindConv, conversationID))
	return nil
}
