package sync

import (
	"sort"

	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/remote"
)

// handle is one acquisition of a keyed subscription. Callbacks capture the
// handle they were opened with and must check subscriptionSet.live before
// touching state, so a callback racing a release is dropped.
type handle struct {
	key      string
	release  remote.Unsubscribe
	released bool
}

// subscriptionSet maps logical keys (conversation id, user id) to the open
// subscription for that key.
type subscriptionSet struct {
	kind    string
	active  map[string]*handle
	metrics *metrics.Collectors
}

func newSubscriptionSet(kind string, m *metrics.Collectors) *subscriptionSet {
	return &subscriptionSet{kind: kind, active: make(map[string]*handle), metrics: m}
}

// acquire opens a subscription for key. The handle is registered before open
// runs so callbacks delivered synchronously from open are accepted.
func (s *subscriptionSet) acquire(key string, open func(h *handle) (remote.Unsubscribe, error)) (*handle, error) {
	s.release(key)
	h := &handle{key: key}
	s.active[key] = h
	release, err := open(h)
	if err != nil {
		h.released = true
		delete(s.active, key)
		return nil, err
	}
	if h.released {
		// open's callbacks released the key already.
		if release != nil {
			release()
		}
		return h, nil
	}
	h.release = release
	s.metrics.SubscriptionOpened(s.kind)
	return h, nil
}

// live reports whether h is still the current subscription for its key.
func (s *subscriptionSet) live(h *handle) bool {
	return h != nil && !h.released && s.active[h.key] == h
}

// release closes the subscription for key. Returns false if none was open.
func (s *subscriptionSet) release(key string) bool {
	h, ok := s.active[key]
	if !ok {
		return false
	}
	delete(s.active, key)
	h.released = true
	if h.release != nil {
		h.release()
		s.metrics.SubscriptionClosed(s.kind)
	}
	return true
}

func (s *subscriptionSet) releaseAll() {
	for _, key := range s.keys() {
		s.release(key)
	}
}

func (s *subscriptionSet) has(key string) bool {
	_, ok := s.active[key]
	return ok
}

func (s *subscriptionSet) len() int {
	return len(s.active)
}

// keys returns the open keys in sorted order.
func (s *subscriptionSet) keys() []string {
	out := make([]string, 0, len(s.active))
	for k := range s.active {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
