package sync

import (
	"sort"
	"testing"

	"github.com/matheus3301/chatsync/internal/notify"
	"github.com/matheus3301/chatsync/internal/remote"
)

type intentRecorder struct {
	intents []notify.Intent
}

func (r *intentRecorder) emit(in notify.Intent) {
	r.intents = append(r.intents, in)
}

func newTestPresence() (*PresenceTracker, *fakeStore, *intentRecorder) {
	fs := newFakeStore()
	rec := &intentRecorder{}
	return NewPresenceTracker(fs, rec.emit, nil, nil, nil), fs, rec
}

func TestPresenceTracksCounterpartsExcludingSelf(t *testing.T) {
	p, fs, _ := newTestPresence()
	p.Reconcile([]remote.Conversation{
		conv("c1", 1, "alice", "bob"),
		conv("c2", 2, "alice", "bob", "carol"),
	}, "alice")

	got := fs.liveKeys("presence:")
	sort.Strings(got)
	want := []string{"presence:bob", "presence:carol"}
	if !equalIDs(got, want) {
		t.Errorf("subscriptions = %v, want %v", got, want)
	}
}

// TestPresenceFirstUpdateIsBaseline: false then true right after subscribing
// yields exactly one ContactOnline, for the second update.
func TestPresenceFirstUpdateIsBaseline(t *testing.T) {
	p, fs, rec := newTestPresence()
	c := conv("c1", 1, "alice", "bob")
	c.ParticipantNames = map[string]string{"bob": "Bob"}
	p.Reconcile([]remote.Conversation{c}, "alice")

	fs.pushPresence("bob", false)
	if len(rec.intents) != 0 {
		t.Fatalf("baseline emitted %v", rec.intents)
	}
	fs.pushPresence("bob", true)
	if len(rec.intents) != 1 || rec.intents[0] != notify.ContactOnline("Bob") {
		t.Fatalf("intents = %v, want [ContactOnline(Bob)]", rec.intents)
	}
}

func TestPresenceFirstOnlineIsNotAnnounced(t *testing.T) {
	p, fs, rec := newTestPresence()
	p.Reconcile([]remote.Conversation{conv("c1", 1, "alice", "bob")}, "alice")
	fs.pushPresence("bob", true)
	if len(rec.intents) != 0 {
		t.Errorf("intents = %v, want none on initial load", rec.intents)
	}
}

func TestPresenceTransitions(t *testing.T) {
	p, fs, rec := newTestPresence()
	p.Reconcile([]remote.Conversation{conv("c1", 1, "alice", "bob")}, "alice")

	fs.pushPresence("bob", true)
	fs.pushPresence("bob", true)
	fs.pushPresence("bob", false)
	fs.pushPresence("bob", false)
	fs.pushPresence("bob", true)

	want := []notify.Intent{notify.ContactOffline("bob"), notify.ContactOnline("bob")}
	if len(rec.intents) != len(want) {
		t.Fatalf("intents = %v, want %v", rec.intents, want)
	}
	for i := range want {
		if rec.intents[i] != want[i] {
			t.Errorf("intent[%d] = %v, want %v", i, rec.intents[i], want[i])
		}
	}
	if snap := p.Snapshot(); !snap["bob"].Online {
		t.Errorf("cached presence = %+v, want online", snap["bob"])
	}
}

func TestPresenceAbsentRecordIgnored(t *testing.T) {
	p, fs, rec := newTestPresence()
	p.Reconcile([]remote.Conversation{conv("c1", 1, "alice", "bob")}, "alice")

	fs.mustLive("presence:bob").onPresence(nil)
	fs.pushPresence("bob", true)
	if len(rec.intents) != 0 {
		t.Errorf("absent record consumed the baseline: %v", rec.intents)
	}
}

// TestPresenceReAddResetsBaseline verifies a contact removed and quickly
// re-added starts from a fresh baseline rather than the old cached value.
func TestPresenceReAddResetsBaseline(t *testing.T) {
	p, fs, rec := newTestPresence()
	withBob := []remote.Conversation{conv("c1", 1, "alice", "bob")}
	p.Reconcile(withBob, "alice")
	fs.pushPresence("bob", false)
	fs.pushPresence("bob", false)

	p.Reconcile(nil, "alice")
	if fs.live("presence:bob") != nil {
		t.Fatal("presence subscription still open after removal")
	}
	if _, ok := p.Snapshot()["bob"]; ok {
		t.Error("cached presence kept after removal")
	}

	p.Reconcile(withBob, "alice")
	fs.pushPresence("bob", true)
	if len(rec.intents) != 0 {
		t.Errorf("re-added contact emitted %v on its first update", rec.intents)
	}
}

func TestPresenceStaleCallbackDropped(t *testing.T) {
	p, fs, rec := newTestPresence()
	p.Reconcile([]remote.Conversation{conv("c1", 1, "alice", "bob")}, "alice")
	stale := fs.mustLive("presence:bob")
	stale.onPresence(&remote.Presence{Online: false})

	p.Stop()
	stale.onPresence(&remote.Presence{Online: true})
	if len(rec.intents) != 0 {
		t.Errorf("callback after Stop emitted %v", rec.intents)
	}
	if len(p.Tracked()) != 0 {
		t.Errorf("tracked = %v after Stop", p.Tracked())
	}
}

func TestPresenceOnChangeReceivesSnapshot(t *testing.T) {
	fs := newFakeStore()
	var snaps []map[string]remote.Presence
	p := NewPresenceTracker(fs, func(notify.Intent) {}, func(m map[string]remote.Presence) {
		snaps = append(snaps, m)
	}, nil, nil)
	p.Reconcile([]remote.Conversation{conv("c1", 1, "alice", "bob")}, "alice")
	fs.pushPresence("bob", true)

	if len(snaps) != 1 || !snaps[0]["bob"].Online || snaps[0]["bob"].UserID != "bob" {
		t.Errorf("snapshots = %v", snaps)
	}
}
