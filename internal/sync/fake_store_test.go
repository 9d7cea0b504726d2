package sync

import (
	"context"
	"fmt"
	"strings"
	gosync "sync"

	"github.com/matheus3301/chatsync/internal/remote"
)

// fakeSub is one Subscribe* call recorded by fakeStore.
type fakeSub struct {
	key        string
	onIndex    func([]string)
	onIndexErr func(error)
	onConv     func(*remote.Conversation)
	onMsgs     func([]remote.Message)
	onPresence func(*remote.Presence)
	released   bool
}

type presenceWrite struct {
	UserID string
	Online bool
}

// fakeStore is a scripted remote.Store. Tests push updates into the callbacks
// of the most recent live subscription for a key.
type fakeStore struct {
	mu        gosync.Mutex
	subs      map[string][]*fakeSub
	log       []string
	writes    []presenceWrite
	cleanups  []remote.Presence
	cancels   []string
	// cleanupGate, when set, blocks RegisterDisconnectCleanup until closed;
	// cleanupEntered is signalled on entry.
	cleanupGate    chan struct{}
	cleanupEntered chan struct{}
	failOpen  map[string]error
	writeErr  error
	blockOff  bool
	unsubCall int
}

func newFakeStore() *fakeStore {
	return &fakeStore{subs: make(map[string][]*fakeSub), failOpen: make(map[string]error)}
}

func (f *fakeStore) open(key string, sub *fakeSub) (remote.Unsubscribe, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOpen[key]; err != nil {
		return nil, err
	}
	sub.key = key
	f.subs[key] = append(f.subs[key], sub)
	f.log = append(f.log, "open "+key)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if sub.released {
			return
		}
		sub.released = true
		f.unsubCall++
		f.log = append(f.log, "close "+key)
	}, nil
}

func (f *fakeStore) SubscribeIndex(userID string, onUpdate func([]string), onError func(error)) (remote.Unsubscribe, error) {
	return f.open("index:"+userID, &fakeSub{onIndex: onUpdate, onIndexErr: onError})
}

func (f *fakeStore) SubscribeConversation(id string, onUpdate func(*remote.Conversation)) (remote.Unsubscribe, error) {
	return f.open("conv:"+id, &fakeSub{onConv: onUpdate})
}

func (f *fakeStore) SubscribeMessages(conversationID string, onUpdate func([]remote.Message)) (remote.Unsubscribe, error) {
	return f.open("msgs:"+conversationID, &fakeSub{onMsgs: onUpdate})
}

func (f *fakeStore) SubscribePresence(userID string, onUpdate func(*remote.Presence)) (remote.Unsubscribe, error) {
	return f.open("presence:"+userID, &fakeSub{onPresence: onUpdate})
}

func (f *fakeStore) WritePresence(ctx context.Context, userID string, online bool) error {
	f.mu.Lock()
	block := f.blockOff && !online
	err := f.writeErr
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.writes = append(f.writes, presenceWrite{UserID: userID, Online: online})
	f.log = append(f.log, fmt.Sprintf("presence %s %v", userID, online))
	f.mu.Unlock()
	return nil
}

func (f *fakeStore) RegisterDisconnectCleanup(_ context.Context, _ string, fallback remote.Presence) error {
	f.mu.Lock()
	gate, entered := f.cleanupGate, f.cleanupEntered
	f.mu.Unlock()
	if gate != nil {
		if entered != nil {
			entered <- struct{}{}
		}
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups = append(f.cleanups, fallback)
	f.log = append(f.log, "will "+fallback.UserID)
	return nil
}

func (f *fakeStore) CancelDisconnectCleanup(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, userID)
	f.log = append(f.log, "cancel will "+userID)
	return nil
}

func (f *fakeStore) cancelledWills() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancels...)
}

// live returns the latest unreleased subscription for key, or nil.
func (f *fakeStore) live(key string) *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.subs[key]
	for i := len(subs) - 1; i >= 0; i-- {
		if !subs[i].released {
			return subs[i]
		}
	}
	return nil
}

// latest returns the latest subscription for key even if released.
func (f *fakeStore) latest(key string) *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.subs[key]
	if len(subs) == 0 {
		return nil
	}
	return subs[len(subs)-1]
}

func (f *fakeStore) mustLive(key string) *fakeSub {
	sub := f.live(key)
	if sub == nil {
		panic(fmt.Sprintf("no live subscription for %s", key))
	}
	return sub
}

func (f *fakeStore) pushIndex(userID string, ids ...string) {
	f.mustLive("index:" + userID).onIndex(ids)
}

func (f *fakeStore) failIndex(userID string, err error) {
	f.mustLive("index:" + userID).onIndexErr(err)
}

func (f *fakeStore) pushConv(c remote.Conversation) {
	f.mustLive("conv:" + c.ID).onConv(&c)
}

func (f *fakeStore) pushConvNil(id string) {
	f.mustLive("conv:" + id).onConv(nil)
}

func (f *fakeStore) pushPresence(userID string, online bool) {
	f.mustLive("presence:" + userID).onPresence(&remote.Presence{UserID: userID, Online: online})
}

func (f *fakeStore) pushMessages(conversationID string, msgs ...remote.Message) {
	f.mustLive("msgs:" + conversationID).onMsgs(msgs)
}

// liveKeys returns the live subscription keys with the given prefix.
func (f *fakeStore) liveKeys(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for key, subs := range f.subs {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		for _, s := range subs {
			if !s.released {
				out = append(out, key)
				break
			}
		}
	}
	return out
}

func (f *fakeStore) unsubscribeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unsubCall
}

func (f *fakeStore) opLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.log...)
}

func (f *fakeStore) presenceWrites() []presenceWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]presenceWrite(nil), f.writes...)
}

func conv(id string, updatedAt int64, participants ...string) remote.Conversation {
	return remote.Conversation{ID: id, Participants: participants, UpdatedAt: updatedAt}
}
