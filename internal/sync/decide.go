package sync

import (
	"maps"

	"github.com/matheus3301/chatsync/internal/notify"
	"github.com/matheus3301/chatsync/internal/remote"
)

// DecisionInput is everything the message notification decision depends on.
type DecisionInput struct {
	// HasPrevious is false for the first snapshot after Start.
	HasPrevious  bool
	Previous     []remote.Conversation
	Next         []remote.Conversation
	SelfID       string
	SelectedID   string
	Foreground   bool
	LastNotified map[string]int64
}

// Decision is the outcome of Decide. LastNotified is a new map; the input map
// is never modified.
type Decision struct {
	Intents      []notify.Intent
	PlayReceived bool
	LastNotified map[string]int64
}

// Decide compares a new conversation snapshot against what has already been
// accounted for and returns the notifications to fire.
//
// The first snapshot only records every conversation's UpdatedAt as the
// baseline. Afterwards, a conversation whose UpdatedAt advanced past its
// last-notified timestamp produces a NewMessage intent plus the received cue,
// unless the message is the viewer's own (or has no sender), or the
// conversation is selected in a foreground window, in which case only the
// received cue plays.
func Decide(in DecisionInput) Decision {
	last := make(map[string]int64, len(in.LastNotified)+len(in.Next))
	maps.Copy(last, in.LastNotified)
	out := Decision{LastNotified: last}

	if !in.HasPrevious {
		for _, c := range in.Next {
			if c.UpdatedAt > last[c.ID] {
				last[c.ID] = c.UpdatedAt
			}
		}
		return out
	}

	for i := range in.Next {
		c := &in.Next[i]
		ts := c.UpdatedAt
		if ts <= last[c.ID] {
			continue
		}
		last[c.ID] = ts

		switch {
		case c.LastMessageSenderID == "" || c.LastMessageSenderID == in.SelfID:
		case c.ID == in.SelectedID && in.Foreground:
			out.PlayReceived = true
		default:
			out.Intents = append(out.Intents, notify.NewMessage(c.ID, c.NameOf(c.LastMessageSenderID), c.LastMessage))
			out.PlayReceived = true
		}
	}
	return out
}
