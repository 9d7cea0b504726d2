// Package natskv implements remote.Store on a NATS JetStream key-value bucket.
// Every record is one key; subscriptions are KV watches.
package natskv

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	gosync "sync"
	"time"

	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

const (
	DefaultBucket         = "chatsync"
	defaultConnectTimeout = 5 * time.Second
	casRetries            = 5
)

// Config describes how to reach the bucket.
type Config struct {
	URL            string
	Bucket         string
	ConnectTimeout time.Duration
	// Name is reported to the server as the connection name.
	Name string
}

// Store is a remote.Store backed by a JetStream KV bucket.
type Store struct {
	nc      *nats.Conn
	kv      jetstream.KeyValue
	metrics *metrics.Collectors
	logger  *zap.Logger

	mu          gosync.Mutex
	onReconnect func()
	wills       map[string]struct{}
}

var _ remote.Store = (*Store)(nil)

// Connect dials the server and opens (creating if needed) the bucket.
func Connect(ctx context.Context, cfg Config, m *metrics.Collectors, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Bucket == "" {
		cfg.Bucket = DefaultBucket
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.Name == "" {
		cfg.Name = "chatsync"
	}

	s := &Store{metrics: m, logger: logger, wills: make(map[string]struct{})}
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.Timeout(cfg.ConnectTimeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
			s.mu.Lock()
			fn := s.onReconnect
			s.mu.Unlock()
			if fn != nil {
				go fn()
			}
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info("nats connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "chatsync records",
		History:     1,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("open bucket %q: %w", cfg.Bucket, err)
	}

	s.nc = nc
	s.kv = kv
	logger.Info("nats store ready", zap.String("url", nc.ConnectedUrl()), zap.String("bucket", cfg.Bucket))
	return s, nil
}

// OnReconnect registers fn to run, on its own goroutine, after every reconnect.
func (s *Store) OnReconnect(fn func()) {
	s.mu.Lock()
	s.onReconnect = fn
	s.mu.Unlock()
}

// Close applies the wills registered through this store and closes the connection.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	users := make([]string, 0, len(s.wills))
	for u := range s.wills {
		users = append(users, u)
	}
	clear(s.wills)
	s.mu.Unlock()

	var errs []error
	for _, u := range users {
		if _, err := s.ApplyWill(ctx, u); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.nc.Drain(); err != nil {
		s.nc.Close()
	}
	return errors.Join(errs...)
}

// watch runs a KV watch on pattern. onEntry receives every put or delete,
// onLoaded is called once when the initial values have been delivered and
// onClosed if the watch ends without being released.
func (s *Store) watch(pattern string, onEntry func(jetstream.KeyValueEntry), onLoaded func(), onClosed func()) (remote.Unsubscribe, error) {
	ctx, cancel := context.WithCancel(context.Background())
	w, err := s.kv.Watch(ctx, pattern)
	if err != nil {
		cancel()
		return nil, &remote.TransportError{Op: "watch", Key: pattern, Err: err}
	}
	go func() {
		for {
			select {
			case e, ok := <-w.Updates():
				if ctx.Err() != nil {
					return
				}
				if !ok {
					if onClosed != nil {
						onClosed()
					}
					return
				}
				if e == nil {
					onLoaded()
					continue
				}
				onEntry(e)
			case <-ctx.Done():
				return
			}
		}
	}()
	var once gosync.Once
	return func() {
		once.Do(func() {
			cancel()
			_ = w.Stop()
		})
	}, nil
}

func removed(e jetstream.KeyValueEntry) bool {
	op := e.Operation()
	return op == jetstream.KeyValueDelete || op == jetstream.KeyValuePurge
}

func (s *Store) SubscribeIndex(userID string, onUpdate func([]string), onError func(error)) (remote.Unsubscribe, error) {
	k, err := key(prefixIndex, userID)
	if err != nil {
		return nil, err
	}
	var loaded bool
	var failed bool
	deliver := func(ids []string) {
		if !failed {
			onUpdate(ids)
		}
	}
	fail := func(err error) {
		if !failed {
			failed = true
			onError(err)
		}
	}
	return s.watch(k,
		func(e jetstream.KeyValueEntry) {
			loaded = true
			if removed(e) {
				deliver([]string{})
				return
			}
			ids, err := decodeIndex(e.Value())
			if err != nil {
				s.metrics.MalformedRecord("index")
				fail(&remote.TransportError{Op: "decode index", Key: k, Err: err})
				return
			}
			deliver(ids)
		},
		func() {
			if !loaded {
				loaded = true
				deliver([]string{})
			}
		},
		func() {
			fail(&remote.TransportError{Op: "watch", Key: k, Err: errors.New("watch closed")})
		},
	)
}

func decodeIndex(raw []byte) ([]string, error) {
	if remote.IsEmpty(raw) {
		return []string{}, nil
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("%w: %v", remote.ErrMalformedRecord, err)
	}
	return ids, nil
}

func (s *Store) SubscribeConversation(id string, onUpdate func(*remote.Conversation)) (remote.Unsubscribe, error) {
	k, err := key(prefixConv, id)
	if err != nil {
		return nil, err
	}
	var loaded bool
	return s.watch(k,
		func(e jetstream.KeyValueEntry) {
			loaded = true
			if removed(e) {
				onUpdate(nil)
				return
			}
			c, err := remote.DecodeConversation(id, e.Value())
			if err != nil {
				s.metrics.MalformedRecord("conversation")
				s.logger.Warn("malformed conversation record", zap.Error(err), zap.String("conversation_id", id))
				c = nil
			}
			onUpdate(c)
		},
		func() {
			if !loaded {
				loaded = true
				onUpdate(nil)
			}
		},
		func() {
			s.logger.Warn("conversation watch closed", zap.String("conversation_id", id))
		},
	)
}

func (s *Store) SubscribeMessages(conversationID string, onUpdate func([]remote.Message)) (remote.Unsubscribe, error) {
	k, err := key(prefixMsg, conversationID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]remote.Message)
	var loaded bool
	snapshot := func() {
		out := make([]remote.Message, 0, len(byID))
		for _, m := range byID {
			out = append(out, m)
		}
		slices.SortFunc(out, func(a, b remote.Message) int { return cmp.Compare(a.ID, b.ID) })
		onUpdate(out)
	}
	return s.watch(k+".*",
		func(e jetstream.KeyValueEntry) {
			id := messageID(e.Key())
			if removed(e) {
				delete(byID, id)
			} else if m, err := remote.DecodeMessage(id, e.Value()); err != nil {
				s.metrics.MalformedRecord("message")
				s.logger.Warn("malformed message record", zap.Error(err), zap.String("conversation_id", conversationID))
				delete(byID, id)
			} else {
				byID[id] = *m
			}
			if loaded {
				snapshot()
			}
		},
		func() {
			if !loaded {
				loaded = true
				snapshot()
			}
		},
		func() {
			s.logger.Warn("message watch closed", zap.String("conversation_id", conversationID))
		},
	)
}

func (s *Store) SubscribePresence(userID string, onUpdate func(*remote.Presence)) (remote.Unsubscribe, error) {
	k, err := key(prefixPresence, userID)
	if err != nil {
		return nil, err
	}
	var loaded bool
	return s.watch(k,
		func(e jetstream.KeyValueEntry) {
			loaded = true
			if removed(e) {
				onUpdate(nil)
				return
			}
			p, err := remote.DecodePresence(userID, e.Value())
			if err != nil {
				s.metrics.MalformedRecord("presence")
				s.logger.Warn("malformed presence record", zap.Error(err), zap.String("user_id", userID))
				p = nil
			}
			onUpdate(p)
		},
		func() {
			if !loaded {
				loaded = true
				onUpdate(nil)
			}
		},
		nil,
	)
}

func (s *Store) put(ctx context.Context, k string, v any) error {
	raw, err := remote.Encode(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", k, err)
	}
	if _, err := s.kv.Put(ctx, k, raw); err != nil {
		return &remote.TransportError{Op: "put", Key: k, Err: err}
	}
	return nil
}

func (s *Store) WritePresence(ctx context.Context, userID string, online bool) error {
	k, err := key(prefixPresence, userID)
	if err != nil {
		return err
	}
	return s.put(ctx, k, remote.Presence{UserID: userID, Online: online, LastSeen: time.Now().UnixMilli()})
}

// RegisterDisconnectCleanup stores fallback under will.<user>. It is applied
// by Close, or by ApplyWill from any client that observes the user gone.
func (s *Store) RegisterDisconnectCleanup(ctx context.Context, userID string, fallback remote.Presence) error {
	k, err := key(prefixWill, userID)
	if err != nil {
		return err
	}
	if err := s.put(ctx, k, fallback); err != nil {
		return err
	}
	s.mu.Lock()
	s.wills[userID] = struct{}{}
	s.mu.Unlock()
	return nil
}

// CancelDisconnectCleanup deletes will.<user>.
func (s *Store) CancelDisconnectCleanup(ctx context.Context, userID string) error {
	k, err := key(prefixWill, userID)
	if err != nil {
		return err
	}
	if err := s.kv.Delete(ctx, k); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return &remote.TransportError{Op: "delete", Key: k, Err: err}
	}
	s.mu.Lock()
	delete(s.wills, userID)
	s.mu.Unlock()
	return nil
}

// ApplyWill copies userID's will into its presence record and deletes the will.
// It reports whether a will existed.
func (s *Store) ApplyWill(ctx context.Context, userID string) (bool, error) {
	wk, err := key(prefixWill, userID)
	if err != nil {
		return false, err
	}
	e, err := s.kv.Get(ctx, wk)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, &remote.TransportError{Op: "get", Key: wk, Err: err}
	}
	pk, _ := key(prefixPresence, userID)
	if _, err := s.kv.Put(ctx, pk, e.Value()); err != nil {
		return false, &remote.TransportError{Op: "put", Key: pk, Err: err}
	}
	if err := s.kv.Delete(ctx, wk); err != nil {
		return true, &remote.TransportError{Op: "delete", Key: wk, Err: err}
	}
	s.logger.Info("disconnect will applied", zap.String("user_id", userID))
	return true, nil
}

// PutConversation writes c under conv.<id>.
func (s *Store) PutConversation(ctx context.Context, c *remote.Conversation) error {
	k, err := key(prefixConv, c.ID)
	if err != nil {
		return err
	}
	if c.Participants == nil {
		cp := *c
		cp.Participants = []string{}
		c = &cp
	}
	return s.put(ctx, k, c)
}

// AddMembership adds conversationID to userID's index.
func (s *Store) AddMembership(ctx context.Context, userID, conversationID string) error {
	if !validToken(conversationID) {
		return fmt.Errorf("invalid conversation id %q", conversationID)
	}
	return s.updateIndex(ctx, userID, func(ids []string) []string {
		if slices.Contains(ids, conversationID) {
			return ids
		}
		return append(ids, conversationID)
	})
}

// RemoveMembership removes conversationID from userID's index.
func (s *Store) RemoveMembership(ctx context.Context, userID, conversationID string) error {
	return s.updateIndex(ctx, userID, func(ids []string) []string {
		return slices.DeleteFunc(ids, func(id string) bool { return id == conversationID })
	})
}

// updateIndex applies fn to the index with compare-and-set, retrying on conflicts.
func (s *Store) updateIndex(ctx context.Context, userID string, fn func([]string) []string) error {
	k, err := key(prefixIndex, userID)
	if err != nil {
		return err
	}
	for range casRetries {
		var ids []string
		var rev uint64
		e, err := s.kv.Get(ctx, k)
		switch {
		case errors.Is(err, jetstream.ErrKeyNotFound):
		case err != nil:
			return &remote.TransportError{Op: "get", Key: k, Err: err}
		default:
			rev = e.Revision()
			if ids, err = decodeIndex(e.Value()); err != nil {
				return fmt.Errorf("index %s: %w", userID, err)
			}
		}
		raw, err := json.Marshal(fn(ids))
		if err != nil {
			return err
		}
		if rev == 0 {
			_, err = s.kv.Create(ctx, k, raw)
		} else {
			_, err = s.kv.Update(ctx, k, raw, rev)
		}
		if err == nil {
			return nil
		}
		if !errors.Is(err, jetstream.ErrKeyExists) {
			return &remote.TransportError{Op: "update", Key: k, Err: err}
		}
	}
	return &remote.TransportError{Op: "update", Key: k, Err: errors.New("too many concurrent updates")}
}

// AppendMessage writes m under msg.<conversation>.<id> and advances the
// conversation's last-message fields. m.ID and m.Timestamp must be set.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, m remote.Message) error {
	mk, err := key(prefixMsg, conversationID, m.ID)
	if err != nil {
		return err
	}
	if err := s.put(ctx, mk, m); err != nil {
		return err
	}
	ck, _ := key(prefixConv, conversationID)
	for range casRetries {
		e, err := s.kv.Get(ctx, ck)
		if err != nil {
			return &remote.TransportError{Op: "get", Key: ck, Err: err}
		}
		c, err := remote.DecodeConversation(conversationID, e.Value())
		if err != nil {
			return err
		}
		if c == nil {
			return fmt.Errorf("conversation %s: not found", conversationID)
		}
		c.LastMessage = m.Text
		c.LastMessageSenderID = m.SenderID
		c.UpdatedAt = max(c.UpdatedAt+1, m.Timestamp)
		raw, err := remote.Encode(c)
		if err != nil {
			return err
		}
		if _, err = s.kv.Update(ctx, ck, raw, e.Revision()); err == nil {
			return nil
		}
		if !errors.Is(err, jetstream.ErrKeyExists) {
			return &remote.TransportError{Op: "update", Key: ck, Err: err}
		}
	}
	return &remote.TransportError{Op: "update", Key: ck, Err: errors.New("too many concurrent updates")}
}
