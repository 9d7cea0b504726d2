package sync

import (
	"cmp"
	"slices"

	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/remote"
	"go.uber.org/zap"
)

// StreamHandle identifies one Subscribe call on a MessageStream.
type StreamHandle struct {
	h              *handle
	ConversationID string
}

// MessageStream follows the message stream of the selected conversation.
// At most one conversation is followed at a time.
type MessageStream struct {
	store   remote.Store
	publish func(conversationID string, msgs []remote.Message, loading bool)
	logger  *zap.Logger

	subs     *subscriptionSet
	current  *StreamHandle
	messages []remote.Message
	loading  bool
}

// NewMessageStream creates a message stream. publish receives the full sorted
// snapshot on every update, and an empty loading snapshot on subscribe.
func NewMessageStream(store remote.Store, publish func(string, []remote.Message, bool), m *metrics.Collectors, logger *zap.Logger) *MessageStream {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageStream{
		store:   store,
		publish: publish,
		logger:  logger,
		subs:    newSubscriptionSet("messages", m),
	}
}

// Subscribe follows conversationID, releasing the previous subscription first.
func (s *MessageStream) Subscribe(conversationID string) (*StreamHandle, error) {
	if s.current != nil {
		s.Unsubscribe(s.current)
	}
	sh := &StreamHandle{ConversationID: conversationID}
	s.current = sh
	s.messages = nil
	s.loading = true
	s.notify()

	h, err := s.subs.acquire(conversationID, func(h *handle) (remote.Unsubscribe, error) {
		sh.h = h
		return s.store.SubscribeMessages(conversationID, func(msgs []remote.Message) {
			if s.subs.live(h) && s.current == sh {
				s.onMessages(msgs)
			}
		})
	})
	if err != nil {
		s.current = nil
		s.loading = false
		s.notify()
		return nil, err
	}
	sh.h = h
	return sh, nil
}

// Unsubscribe releases sh if it is still the active subscription.
func (s *MessageStream) Unsubscribe(sh *StreamHandle) {
	if sh == nil || s.current != sh {
		return
	}
	if sh.h != nil && s.subs.live(sh.h) {
		s.subs.release(sh.h.key)
	}
	s.current = nil
	s.messages = nil
	s.loading = false
}

// Current returns the active handle, or nil.
func (s *MessageStream) Current() *StreamHandle {
	return s.current
}

// Loading reports whether the active subscription is still waiting for its first snapshot.
func (s *MessageStream) Loading() bool {
	return s.loading
}

// Messages returns a copy of the current snapshot.
func (s *MessageStream) Messages() []remote.Message {
	return slices.Clone(s.messages)
}

func (s *MessageStream) onMessages(msgs []remote.Message) {
	sorted := slices.Clone(msgs)
	SortMessages(sorted)
	s.messages = sorted
	s.loading = false
	s.notify()
}

func (s *MessageStream) notify() {
	if s.publish == nil || s.current == nil {
		return
	}
	s.publish(s.current.ConversationID, slices.Clone(s.messages), s.loading)
}

// SortMessages orders ascending by timestamp. Missing or invalid timestamps are
// zero and sort first; ties are broken by id.
func SortMessages(msgs []remote.Message) {
	slices.SortStableFunc(msgs, func(a, b remote.Message) int {
		if c := cmp.Compare(max(a.Timestamp, 0), max(b.Timestamp, 0)); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
