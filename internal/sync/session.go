package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/notify"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/status"
	"go.uber.org/zap"
)

// ErrClosed is returned by Session operations after Close.
var ErrClosed = errors.New("session closed")

// ErrNotStarted is returned by Retry before Start.
var ErrNotStarted = errors.New("session not started")

const defaultShutdownTimeout = 3 * time.Second

var allStates = []string{string(status.Idle), string(status.Connecting), string(status.Connected), string(status.Error)}

// SessionConfig tunes a Session.
type SessionConfig struct {
	// ShutdownTimeout bounds the final offline presence write in Stop.
	ShutdownTimeout time.Duration
}

// Snapshot is a read-only view of the session state. Slices and maps are
// rebuilt on every change and must not be modified by the receiver.
type Snapshot struct {
	UserID          string                     `json:"userId"`
	State           status.State               `json:"state"`
	Conversations   []remote.Conversation      `json:"conversations"`
	Presence        map[string]remote.Presence `json:"presence"`
	SelectedID      string                     `json:"selectedId,omitempty"`
	Foreground      bool                       `json:"foreground"`
	Messages        []remote.Message           `json:"messages"`
	MessagesLoading bool                       `json:"messagesLoading"`
}

// MessagesUpdate is the bus payload for KindMessages.
type MessagesUpdate struct {
	ConversationID string           `json:"conversationId"`
	Messages       []remote.Message `json:"messages"`
	Loading        bool             `json:"loading"`
}

// syncState is the session's mutable state. Only the event loop touches it.
type syncState struct {
	userID        string
	conversations []remote.Conversation
	hasSnapshot   bool
	presence      map[string]remote.Presence
	lastNotified  map[string]int64
	selectedID    string
	foreground    bool
	messages      []remote.Message
	loading       bool
}

// Session owns the synchronizers and the sync state for one login. All store
// callbacks and all state mutations run on a single event-loop goroutine.
type Session struct {
	store      remote.Store
	cfg        SessionConfig
	machine    *status.Machine
	dispatcher *notify.Dispatcher
	bus        *bus.Bus
	metrics    *metrics.Collectors
	logger     *zap.Logger

	index    *IndexSynchronizer
	presence *PresenceTracker
	stream   *MessageStream

	queue     *queue
	quit      chan struct{}
	loopDone  chan struct{}
	closeOnce gosync.Once

	state syncState

	mu       gosync.RWMutex
	snapshot Snapshot

	life lifecycle
}

// lifecycle guards Start/Stop bookkeeping.
type lifecycle struct {
	gosync.Mutex
	active bool
	userID string
}

// NewSession creates a session and starts its event loop. bus and m may be nil.
func NewSession(store remote.Store, machine *status.Machine, dispatcher *notify.Dispatcher, b *bus.Bus, m *metrics.Collectors, cfg SessionConfig, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if dispatcher == nil {
		dispatcher = notify.NewDispatcher(nil, nil, m, logger)
	}
	s := &Session{
		store:      store,
		cfg:        cfg,
		machine:    machine,
		dispatcher: dispatcher,
		bus:        b,
		metrics:    m,
		logger:     logger,
		queue:      newQueue(),
		quit:       make(chan struct{}),
		loopDone:   make(chan struct{}),
	}
	s.state.lastNotified = make(map[string]int64)
	serial := serialStore{Store: store, post: s.post}
	s.index = NewIndexSynchronizer(serial, machine, s.onConversations, m, logger.Named("index"))
	s.presence = NewPresenceTracker(serial, s.dispatcher.Emit, s.onPresence, m, logger.Named("presence"))
	s.stream = NewMessageStream(serial, s.onMessages, m, logger.Named("messages"))
	s.snapshot = Snapshot{State: machine.Current()}

	go s.run()
	return s
}

func (s *Session) run() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.queue.signal:
			for _, fn := range s.queue.drain() {
				fn()
			}
			s.metrics.SetState(string(s.machine.Current()), allStates)
		case <-s.quit:
			return
		}
	}
}

func (s *Session) post(fn func()) {
	s.queue.push(fn)
}

// do runs fn on the event loop and waits for it to finish.
func (s *Session) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !s.queue.push(func() {
		defer close(done)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.loopDone:
		return ErrClosed
	}
}

// Start begins synchronizing for userID: it subscribes to the conversation
// index, arms the disconnect fallback and marks the user online. Calling Start
// again restarts the subscriptions, which is how a caller retries after error.
func (s *Session) Start(ctx context.Context, userID string) error {
	if userID == "" {
		return errors.New("start session: empty user id")
	}
	s.life.Lock()
	defer s.life.Unlock()

	if s.life.active && s.life.userID != userID {
		if err := s.stopLocked(ctx); err != nil {
			return err
		}
	}
	s.life.active = true
	s.life.userID = userID

	var startErr error
	if err := s.do(ctx, func() {
		if s.state.userID != userID {
			s.resetState()
		}
		s.state.userID = userID
		// Every start re-baselines; lastNotified only moves forward, so nothing repeats.
		s.state.hasSnapshot = false
		startErr = s.index.Start(userID)
		s.publishSnapshot()
	}); err != nil {
		return err
	}
	if startErr != nil {
		return fmt.Errorf("start index: %w", startErr)
	}

	if err := s.armPresence(ctx, userID); err != nil {
		_ = s.do(ctx, func() {
			s.index.fail(err)
			s.publishSnapshot()
		})
		return err
	}
	s.logger.Info("sync session started", zap.String("user_id", userID))
	return nil
}

// Retry restarts the subscriptions of a started session.
func (s *Session) Retry(ctx context.Context) error {
	s.life.Lock()
	active, userID := s.life.active, s.life.userID
	s.life.Unlock()
	if !active {
		return ErrNotStarted
	}
	return s.Start(ctx, userID)
}

// Reconnected re-arms the disconnect fallback after the transport comes back.
// It holds the lifecycle lock so it cannot write online after Stop's offline write.
func (s *Session) Reconnected(ctx context.Context) error {
	s.life.Lock()
	defer s.life.Unlock()
	if !s.life.active {
		return nil
	}
	userID := s.life.userID
	if err := s.armPresence(ctx, userID); err != nil {
		s.logger.Warn("re-arming presence after reconnect failed", zap.Error(err))
		return err
	}
	s.logger.Info("presence re-armed after reconnect", zap.String("user_id", userID))
	return nil
}

func (s *Session) armPresence(ctx context.Context, userID string) error {
	fallback := remote.Presence{UserID: userID, Online: false, LastSeen: time.Now().UnixMilli()}
	if err := s.store.RegisterDisconnectCleanup(ctx, userID, fallback); err != nil {
		return fmt.Errorf("register disconnect cleanup: %w", err)
	}
	if err := s.store.WritePresence(ctx, userID, true); err != nil {
		return fmt.Errorf("write online presence: %w", err)
	}
	return nil
}

// Stop releases every subscription, then writes the offline presence record,
// waiting at most ShutdownTimeout for it. A second Stop is a no-op.
func (s *Session) Stop(ctx context.Context) error {
	s.life.Lock()
	defer s.life.Unlock()
	return s.stopLocked(ctx)
}

func (s *Session) stopLocked(ctx context.Context) error {
	if !s.life.active {
		return nil
	}
	userID := s.life.userID
	s.life.active = false

	err := s.do(ctx, func() {
		s.stream.Unsubscribe(s.stream.Current())
		s.presence.Stop()
		s.index.Stop()
		s.resetState()
		s.publishSnapshot()
	})
	if err != nil {
		s.logger.Warn("releasing subscriptions failed", zap.Error(err))
	}

	wctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	if werr := s.store.WritePresence(wctx, userID, false); werr != nil {
		// The registered fallback stays armed and covers the failed write.
		s.logger.Warn("offline presence write failed, continuing shutdown", zap.Error(werr), zap.String("user_id", userID))
	} else if cerr := s.store.CancelDisconnectCleanup(wctx, userID); cerr != nil {
		s.logger.Warn("cancelling disconnect cleanup failed", zap.Error(cerr), zap.String("user_id", userID))
	}
	s.logger.Info("sync session stopped", zap.String("user_id", userID))
	return err
}

// Close stops the event loop. Call Stop first to release subscriptions.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.queue.close()
		close(s.quit)
		<-s.loopDone
	})
}

// Select follows the message stream of conversationID. An empty id clears the selection.
func (s *Session) Select(ctx context.Context, conversationID string) error {
	var subErr error
	err := s.do(ctx, func() {
		cur := s.stream.Current()
		if cur != nil && cur.ConversationID == conversationID {
			return
		}
		s.state.selectedID = conversationID
		if conversationID == "" {
			s.stream.Unsubscribe(cur)
			s.state.messages = nil
			s.state.loading = false
			s.publishSnapshot()
			return
		}
		if _, err := s.stream.Subscribe(conversationID); err != nil {
			subErr = fmt.Errorf("subscribe messages: %w", err)
			s.logger.Warn("message subscription failed", zap.Error(err), zap.String("conversation_id", conversationID))
		}
		s.publishSnapshot()
	})
	if err != nil {
		return err
	}
	return subErr
}

// SetForeground records whether the window is foregrounded and visible.
func (s *Session) SetForeground(ctx context.Context, foreground bool) error {
	return s.do(ctx, func() {
		s.state.foreground = foreground
		s.publishSnapshot()
	})
}

// MarkSent plays the sent cue for a message the user just sent.
func (s *Session) MarkSent() {
	s.dispatcher.PlaySent()
}

// Snapshot returns the latest published view.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	snap := s.snapshot
	s.mu.RUnlock()
	snap.State = s.machine.Current()
	return snap
}

func (s *Session) resetState() {
	s.state = syncState{
		lastNotified: make(map[string]int64),
		foreground:   s.state.foreground,
	}
}

func (s *Session) onConversations(list []remote.Conversation) {
	dec := Decide(DecisionInput{
		HasPrevious:  s.state.hasSnapshot,
		Previous:     s.state.conversations,
		Next:         list,
		SelfID:       s.state.userID,
		SelectedID:   s.state.selectedID,
		Foreground:   s.state.foreground,
		LastNotified: s.state.lastNotified,
	})
	s.state.lastNotified = dec.LastNotified
	s.state.conversations = list
	s.state.hasSnapshot = true

	s.presence.Reconcile(list, s.state.userID)

	for _, in := range dec.Intents {
		s.dispatcher.Emit(in)
	}
	if dec.PlayReceived {
		s.dispatcher.PlayReceived()
	}

	s.metrics.SnapshotPublished()
	s.publishSnapshot()
	s.publish(bus.KindConversations, list)
}

func (s *Session) onPresence(p map[string]remote.Presence) {
	s.state.presence = p
	s.publishSnapshot()
	s.publish(bus.KindPresence, p)
}

func (s *Session) onMessages(conversationID string, msgs []remote.Message, loading bool) {
	s.state.messages = msgs
	s.state.loading = loading
	s.publishSnapshot()
	s.publish(bus.KindMessages, MessagesUpdate{ConversationID: conversationID, Messages: msgs, Loading: loading})
}

func (s *Session) publish(kind string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

// publishSnapshot copies the loop-owned state into the shared snapshot.
func (s *Session) publishSnapshot() {
	presence := make(map[string]remote.Presence, len(s.state.presence))
	for k, v := range s.state.presence {
		presence[k] = v
	}
	convs := make([]remote.Conversation, len(s.state.conversations))
	for i, c := range s.state.conversations {
		convs[i] = c.Clone()
	}
	snap := Snapshot{
		UserID:          s.state.userID,
		State:           s.machine.Current(),
		Conversations:   convs,
		Presence:        presence,
		SelectedID:      s.state.selectedID,
		Foreground:      s.state.foreground,
		Messages:        append([]remote.Message(nil), s.state.messages...),
		MessagesLoading: s.state.loading,
	}
	s.mu.Lock()
	s.snapshot = snap
	s.mu.Unlock()
}
