package sync

import (
	"testing"

	"github.com/matheus3301/chatsync/internal/notify"
	"github.com/matheus3301/chatsync/internal/remote"
)

func fromBob(id string, updatedAt int64, text string) remote.Conversation {
	c := conv(id, updatedAt, "alice", "bob")
	c.LastMessageSenderID = "bob"
	c.LastMessage = text
	return c
}

func TestDecideFirstSnapshotIsBaseline(t *testing.T) {
	next := []remote.Conversation{fromBob("conv200", 200, "old"), fromBob("conv100", 100, "older")}
	d := Decide(DecisionInput{Next: next, SelfID: "alice", LastNotified: map[string]int64{}})

	if len(d.Intents) != 0 || d.PlayReceived {
		t.Errorf("first snapshot produced %v (sound=%v)", d.Intents, d.PlayReceived)
	}
	if d.LastNotified["conv200"] != 200 || d.LastNotified["conv100"] != 100 {
		t.Errorf("lastNotified = %v, want {conv200:200 conv100:100}", d.LastNotified)
	}
}

func TestDecideRules(t *testing.T) {
	base := map[string]int64{"conv100": 100, "conv200": 200}
	tests := []struct {
		name        string
		conv        remote.Conversation
		selected    string
		foreground  bool
		wantIntents []notify.Intent
		wantSound   bool
		wantLast    int64
	}{
		{
			name:        "other conversation selected",
			conv:        fromBob("conv100", 300, "hi"),
			selected:    "conv200",
			foreground:  true,
			wantIntents: []notify.Intent{notify.NewMessage("conv100", "bob", "hi")},
			wantSound:   true,
			wantLast:    300,
		},
		{
			name:       "selected and foreground",
			conv:       fromBob("conv100", 300, "hi"),
			selected:   "conv100",
			foreground: true,
			wantSound:  true,
			wantLast:   300,
		},
		{
			name:        "selected but backgrounded",
			conv:        fromBob("conv100", 300, "hi"),
			selected:    "conv100",
			foreground:  false,
			wantIntents: []notify.Intent{notify.NewMessage("conv100", "bob", "hi")},
			wantSound:   true,
			wantLast:    300,
		},
		{
			name: "own message",
			conv: func() remote.Conversation {
				c := fromBob("conv100", 300, "mine")
				c.LastMessageSenderID = "alice"
				return c
			}(),
			wantLast: 300,
		},
		{
			name: "unknown sender",
			conv: func() remote.Conversation {
				c := fromBob("conv100", 300, "system")
				c.LastMessageSenderID = ""
				return c
			}(),
			wantLast: 300,
		},
		{
			name:     "not newer",
			conv:     fromBob("conv100", 100, "hi"),
			wantLast: 100,
		},
		{
			name:     "older than last notified",
			conv:     fromBob("conv100", 50, "hi"),
			wantLast: 100,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(DecisionInput{
				HasPrevious:  true,
				Previous:     []remote.Conversation{fromBob("conv200", 200, ""), fromBob("conv100", 100, "")},
				Next:         []remote.Conversation{tt.conv, fromBob("conv200", 200, "")},
				SelfID:       "alice",
				SelectedID:   tt.selected,
				Foreground:   tt.foreground,
				LastNotified: base,
			})
			if len(d.Intents) != len(tt.wantIntents) {
				t.Fatalf("intents = %v, want %v", d.Intents, tt.wantIntents)
			}
			for i := range tt.wantIntents {
				if d.Intents[i] != tt.wantIntents[i] {
					t.Errorf("intent[%d] = %v, want %v", i, d.Intents[i], tt.wantIntents[i])
				}
			}
			if d.PlayReceived != tt.wantSound {
				t.Errorf("PlayReceived = %v, want %v", d.PlayReceived, tt.wantSound)
			}
			if d.LastNotified["conv100"] != tt.wantLast {
				t.Errorf("lastNotified[conv100] = %d, want %d", d.LastNotified["conv100"], tt.wantLast)
			}
		})
	}
	if base["conv100"] != 100 {
		t.Error("Decide mutated the input map")
	}
}

func TestDecideUsesParticipantName(t *testing.T) {
	c := fromBob("c", 10, "yo")
	c.ParticipantNames = map[string]string{"bob": "Bob Builder"}
	d := Decide(DecisionInput{HasPrevious: true, Next: []remote.Conversation{c}, SelfID: "alice", LastNotified: map[string]int64{}})
	if len(d.Intents) != 1 || d.Intents[0].SenderName != "Bob Builder" {
		t.Errorf("intents = %v", d.Intents)
	}
}

func TestDecideReplayProducesNothing(t *testing.T) {
	next := []remote.Conversation{fromBob("c1", 500, "hey")}
	first := Decide(DecisionInput{HasPrevious: true, Next: next, SelfID: "alice", LastNotified: map[string]int64{"c1": 100}})
	if len(first.Intents) != 1 {
		t.Fatalf("first pass intents = %v, want 1", first.Intents)
	}
	second := Decide(DecisionInput{HasPrevious: true, Previous: next, Next: next, SelfID: "alice", LastNotified: first.LastNotified})
	if len(second.Intents) != 0 || second.PlayReceived {
		t.Errorf("replay produced %v (sound=%v)", second.Intents, second.PlayReceived)
	}
}

func TestDecideNewConversationAfterBaseline(t *testing.T) {
	d := Decide(DecisionInput{
		HasPrevious:  true,
		Next:         []remote.Conversation{fromBob("fresh", 10, "hello there")},
		SelfID:       "alice",
		LastNotified: map[string]int64{},
	})
	if len(d.Intents) != 1 || d.Intents[0].ConversationID != "fresh" {
		t.Errorf("intents = %v, want NewMessage for fresh", d.Intents)
	}
}
