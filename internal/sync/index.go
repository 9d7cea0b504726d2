package sync

import (
	"cmp"
	"slices"

	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/status"
	"go.uber.org/zap"
)

// IndexSynchronizer follows a user's conversation-membership index, keeps one
// subscription per member conversation and publishes the aggregated list,
// newest first. Not safe for concurrent use; the Session serializes calls.
type IndexSynchronizer struct {
	store   remote.Store
	machine *status.Machine
	publish func([]remote.Conversation)
	logger  *zap.Logger

	index *subscriptionSet
	convs *subscriptionSet
	// cache holds nil for conversations that loaded but are absent or malformed.
	cache   map[string]*remote.Conversation
	pending map[string]struct{}
	ready   bool
	// applying suppresses publishes while an index update is half applied.
	applying bool
}

// NewIndexSynchronizer creates an index synchronizer. publish receives every
// aggregated snapshot; the slice is owned by the receiver.
func NewIndexSynchronizer(store remote.Store, machine *status.Machine, publish func([]remote.Conversation), m *metrics.Collectors, logger *zap.Logger) *IndexSynchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IndexSynchronizer{
		store:   store,
		machine: machine,
		publish: publish,
		logger:  logger,
		index:   newSubscriptionSet("index", m),
		convs:   newSubscriptionSet("conversation", m),
		cache:   make(map[string]*remote.Conversation),
		pending: make(map[string]struct{}),
	}
}

// Start subscribes to userID's membership index, discarding any previous run.
func (x *IndexSynchronizer) Start(userID string) error {
	x.Stop()
	if err := x.machine.Transition(status.Connecting); err != nil {
		return err
	}
	_, err := x.index.acquire(userID, func(h *handle) (remote.Unsubscribe, error) {
		return x.store.SubscribeIndex(userID,
			func(ids []string) {
				if x.index.live(h) {
					x.onIndex(ids)
				}
			},
			func(err error) {
				if x.index.live(h) {
					x.fail(err)
				}
			})
	})
	if err != nil {
		x.fail(err)
		return err
	}
	x.logger.Info("index subscription opened", zap.String("user_id", userID))
	return nil
}

// Stop releases the index and every conversation subscription and clears the cache.
// Safe to call repeatedly.
func (x *IndexSynchronizer) Stop() {
	x.release()
	_ = x.machine.Transition(status.Idle)
}

func (x *IndexSynchronizer) release() {
	x.index.releaseAll()
	x.convs.releaseAll()
	clear(x.cache)
	clear(x.pending)
	x.ready = false
}

// Tracked returns the ids of the conversations currently subscribed.
func (x *IndexSynchronizer) Tracked() []string {
	return x.convs.keys()
}

func (x *IndexSynchronizer) onIndex(ids []string) {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			want[id] = struct{}{}
		}
	}

	for _, id := range x.convs.keys() {
		if _, ok := want[id]; ok {
			continue
		}
		x.convs.release(id)
		delete(x.cache, id)
		delete(x.pending, id)
		x.logger.Debug("conversation left index", zap.String("conversation_id", id))
	}

	added := make([]string, 0, len(want))
	for id := range want {
		if !x.convs.has(id) {
			added = append(added, id)
		}
	}
	slices.Sort(added)
	for _, id := range added {
		x.pending[id] = struct{}{}
	}

	x.applying = true
	for _, id := range added {
		_, err := x.convs.acquire(id, func(h *handle) (remote.Unsubscribe, error) {
			return x.store.SubscribeConversation(id, func(c *remote.Conversation) {
				if x.convs.live(h) {
					x.onConversation(id, c)
				}
			})
		})
		if err != nil {
			x.applying = false
			x.fail(err)
			return
		}
	}
	x.applying = false

	x.aggregate()
}

func (x *IndexSynchronizer) onConversation(id string, c *remote.Conversation) {
	delete(x.pending, id)
	if c == nil {
		x.cache[id] = nil
		x.aggregate()
		return
	}
	if prev := x.cache[id]; prev != nil && c.UpdatedAt < prev.UpdatedAt {
		x.logger.Debug("ignoring stale conversation update",
			zap.String("conversation_id", id),
			zap.Int64("updated_at", c.UpdatedAt),
			zap.Int64("cached_updated_at", prev.UpdatedAt))
		return
	}
	next := c.Clone()
	next.ID = id
	x.cache[id] = &next
	x.aggregate()
}

// aggregate publishes the sorted list. The first publish waits until every
// conversation known from the index has delivered its initial record, so the
// first snapshot is complete.
func (x *IndexSynchronizer) aggregate() {
	if x.applying {
		return
	}
	if !x.ready {
		if len(x.pending) > 0 {
			return
		}
		x.ready = true
	}

	list := make([]remote.Conversation, 0, len(x.cache))
	for _, c := range x.cache {
		if c != nil {
			list = append(list, c.Clone())
		}
	}
	SortConversations(list)
	x.publish(list)

	if x.machine.Current() == status.Connecting {
		_ = x.machine.Transition(status.Connected)
	}
}

// fail surfaces err as the error state and releases all subscriptions.
// The last published snapshot stays with the consumer; recovery is an explicit Start.
func (x *IndexSynchronizer) fail(err error) {
	x.logger.Error("conversation index subscription failed", zap.Error(err))
	x.release()
	_ = x.machine.Transition(status.Error)
}

// SortConversations orders by UpdatedAt descending, ties broken by id ascending.
func SortConversations(list []remote.Conversation) {
	slices.SortFunc(list, func(a, b remote.Conversation) int {
		if c := cmp.Compare(b.UpdatedAt, a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
