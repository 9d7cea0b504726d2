package sync

import (
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/notify"
	"github.com/matheus3301/chatsync/internal/remote"
	"go.uber.org/zap"
)

// PresenceTracker keeps one presence subscription per counterpart that appears
// in the current conversation set and turns online/offline changes into
// intents. The first record after a subscription opens is only a baseline.
type PresenceTracker struct {
	store    remote.Store
	emit     func(notify.Intent)
	onChange func(map[string]remote.Presence)
	logger   *zap.Logger

	subs   *subscriptionSet
	states map[string]*tracked[remote.Presence]
	names  map[string]string
}

// NewPresenceTracker creates a tracker. emit receives transition intents;
// onChange, if set, receives the presence snapshot after every cached update.
func NewPresenceTracker(store remote.Store, emit func(notify.Intent), onChange func(map[string]remote.Presence), m *metrics.Collectors, logger *zap.Logger) *PresenceTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PresenceTracker{
		store:    store,
		emit:     emit,
		onChange: onChange,
		logger:   logger,
		subs:     newSubscriptionSet("presence", m),
		states:   make(map[string]*tracked[remote.Presence]),
		names:    make(map[string]string),
	}
}

// Reconcile opens subscriptions for counterparts that are new in conversations
// and closes those no longer present, discarding their cached state.
func (p *PresenceTracker) Reconcile(conversations []remote.Conversation, selfID string) {
	want := make(map[string]string)
	for i := range conversations {
		c := &conversations[i]
		for _, id := range c.Counterparts(selfID) {
			if name := c.NameOf(id); name != id || want[id] == "" {
				want[id] = name
			}
		}
	}

	for _, id := range p.subs.keys() {
		if _, ok := want[id]; !ok {
			p.subs.release(id)
			delete(p.states, id)
			delete(p.names, id)
		}
	}

	for id, name := range want {
		p.names[id] = name
		if p.subs.has(id) {
			continue
		}
		p.states[id] = &tracked[remote.Presence]{}
		_, err := p.subs.acquire(id, func(h *handle) (remote.Unsubscribe, error) {
			return p.store.SubscribePresence(id, func(rec *remote.Presence) {
				if p.subs.live(h) {
					p.onPresence(id, rec)
				}
			})
		})
		if err != nil {
			delete(p.states, id)
			p.logger.Warn("presence subscription failed", zap.Error(err), zap.String("user_id", id))
		}
	}
}

// Stop releases all presence subscriptions.
func (p *PresenceTracker) Stop() {
	p.subs.releaseAll()
	clear(p.states)
	clear(p.names)
}

// Snapshot returns the cached presence of every tracked user with at least one record.
func (p *PresenceTracker) Snapshot() map[string]remote.Presence {
	out := make(map[string]remote.Presence, len(p.states))
	for id, st := range p.states {
		if v, ok := st.current(); ok {
			out[id] = v
		}
	}
	return out
}

// Tracked returns the ids with an open presence subscription.
func (p *PresenceTracker) Tracked() []string {
	return p.subs.keys()
}

func (p *PresenceTracker) onPresence(id string, rec *remote.Presence) {
	// An absent record carries no state; it neither sets nor consumes the baseline.
	if rec == nil {
		return
	}
	st := p.states[id]
	if st == nil {
		return
	}
	next := *rec
	next.UserID = id
	prev, ok := st.observe(next)
	if ok && prev.Online != next.Online {
		name := p.names[id]
		if name == "" {
			name = id
		}
		if next.Online {
			p.emit(notify.ContactOnline(name))
		} else {
			p.emit(notify.ContactOffline(name))
		}
	}
	if p.onChange != nil {
		p.onChange(p.Snapshot())
	}
}
