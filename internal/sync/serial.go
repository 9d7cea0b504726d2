package sync

import (
	gosync "sync"

	"github.com/matheus3301/chatsync/internal/remote"
)

// queue is an unbounded FIFO of tasks drained by a single goroutine. Pushing
// never blocks, so store callbacks fired from inside a task cannot deadlock.
type queue struct {
	mu     gosync.Mutex
	items  []func()
	closed bool
	signal chan struct{}
}

func newQueue() *queue {
	return &queue{signal: make(chan struct{}, 1)}
}

func (q *queue) push(fn func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, fn)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

func (q *queue) drain() []func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
}

// serialStore wraps a remote.Store so every callback is posted onto the
// session's event loop instead of running on the store's goroutine.
type serialStore struct {
	remote.Store
	post func(func())
}

func (s serialStore) SubscribeIndex(userID string, onUpdate func([]string), onError func(error)) (remote.Unsubscribe, error) {
	return s.Store.SubscribeIndex(userID,
		func(ids []string) { s.post(func() { onUpdate(ids) }) },
		func(err error) { s.post(func() { onError(err) }) },
	)
}

func (s serialStore) SubscribeConversation(id string, onUpdate func(*remote.Conversation)) (remote.Unsubscribe, error) {
	return s.Store.SubscribeConversation(id, func(c *remote.Conversation) {
		s.post(func() { onUpdate(c) })
	})
}

func (s serialStore) SubscribeMessages(conversationID string, onUpdate func([]remote.Message)) (remote.Unsubscribe, error) {
	return s.Store.SubscribeMessages(conversationID, func(msgs []remote.Message) {
		s.post(func() { onUpdate(msgs) })
	})
}

func (s serialStore) SubscribePresence(userID string, onUpdate func(*remote.Presence)) (remote.Unsubscribe, error) {
	return s.Store.SubscribePresence(userID, func(p *remote.Presence) {
		s.post(func() { onUpdate(p) })
	})
}
