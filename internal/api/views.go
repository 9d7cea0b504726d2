package api

import (
	"encoding/json"
	"maps"
	"slices"

	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/status"
	intsync "github.com/matheus3301/chatsync/internal/sync"
)

// Conversation is a conversation with its id, as served over the API.
type Conversation struct {
	ID string `json:"id"`
	remote.Conversation
}

// Message is a message with its id.
type Message struct {
	ID string `json:"id"`
	remote.Message
}

// Presence is a presence record with its user id.
type Presence struct {
	UserID string `json:"userId"`
	remote.Presence
}

// StatusResponse is returned by GET /v1/status.
type StatusResponse struct {
	Profile       string       `json:"profile"`
	UserID        string       `json:"userId"`
	State         status.State `json:"state"`
	Conversations int          `json:"conversations"`
	Contacts      int          `json:"contacts"`
	SelectedID    string       `json:"selectedId,omitempty"`
	Foreground    bool         `json:"foreground"`
}

// ConversationsResponse is returned by GET /v1/conversations, newest first.
type ConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
}

// PresenceResponse is returned by GET /v1/presence, ordered by user id.
type PresenceResponse struct {
	Presence []Presence `json:"presence"`
}

// MessagesResponse is returned by GET /v1/messages for the selected conversation.
type MessagesResponse struct {
	ConversationID string    `json:"conversationId"`
	Loading        bool      `json:"loading"`
	Messages       []Message `json:"messages"`
}

// SelectRequest is the body of POST /v1/select. An empty id clears the selection.
type SelectRequest struct {
	ConversationID string `json:"conversationId"`
}

// FocusRequest is the body of POST /v1/focus.
type FocusRequest struct {
	Foreground bool `json:"foreground"`
}

// Envelope wraps every event streamed on /v1/events.
type Envelope struct {
	EventID          string          `json:"eventId"`
	Profile          string          `json:"profile"`
	Kind             string          `json:"kind"`
	OccurredAtUnixMs int64           `json:"occurredAtUnixMs"`
	PayloadVersion   int             `json:"payloadVersion"`
	Payload          json.RawMessage `json:"payload,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func conversationViews(list []remote.Conversation) []Conversation {
	out := make([]Conversation, len(list))
	for i, c := range list {
		out[i] = Conversation{ID: c.ID, Conversation: c}
	}
	return out
}

func messageViews(list []remote.Message) []Message {
	out := make([]Message, len(list))
	for i, m := range list {
		out[i] = Message{ID: m.ID, Message: m}
	}
	return out
}

func presenceViews(m map[string]remote.Presence) []Presence {
	out := make([]Presence, 0, len(m))
	for _, id := range slices.Sorted(maps.Keys(m)) {
		out = append(out, Presence{UserID: id, Presence: m[id]})
	}
	return out
}

// eventPayload converts bus payloads into their API shapes.
func eventPayload(payload any) any {
	switch p := payload.(type) {
	case []remote.Conversation:
		return ConversationsResponse{Conversations: conversationViews(p)}
	case map[string]remote.Presence:
		return PresenceResponse{Presence: presenceViews(p)}
	case intsync.MessagesUpdate:
		return MessagesResponse{ConversationID: p.ConversationID, Loading: p.Loading, Messages: messageViews(p.Messages)}
	default:
		return payload
	}
}
