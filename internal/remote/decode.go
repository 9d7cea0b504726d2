package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const conversationSchema = `{
	"type": "object",
	"required": ["participants", "updatedAt"],
	"properties": {
		"participants": {"type": "array", "items": {"type": "string"}},
		"participantNames": {"type": "object", "additionalProperties": {"type": "string"}},
		"isGroup": {"type": "boolean"},
		"lastMessage": {"type": ["string", "null"]},
		"lastMessageSenderId": {"type": ["string", "null"]},
		"updatedAt": {"type": "number", "minimum": 0, "maximum": 9007199254740991},
		"typing": {"type": "object", "additionalProperties": {"type": "boolean"}},
		"ownerId": {"type": ["string", "null"]}
	}
}`

// timestamp is deliberately unconstrained: pending server timestamps arrive as
// null or as {seconds, nanoseconds} objects and are coerced, not rejected.
const messageSchema = `{
	"type": "object",
	"required": ["senderId", "text"],
	"properties": {
		"senderId": {"type": "string"},
		"senderName": {"type": ["string", "null"]},
		"text": {"type": "string"}
	}
}`

const presenceSchema = `{
	"type": "object",
	"required": ["online"],
	"properties": {
		"online": {"type": "boolean"},
		"lastSeen": {"type": ["number", "null", "object"]}
	}
}`

var (
	conversationValidator = mustCompile("conversation.json", conversationSchema)
	messageValidator      = mustCompile("message.json", messageSchema)
	presenceValidator     = mustCompile("presence.json", presenceSchema)
)

func mustCompile(name, src string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		panic(fmt.Sprintf("parse %s: %v", name, err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("add %s: %v", name, err))
	}
	sch, err := c.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("compile %s: %v", name, err))
	}
	return sch
}

// IsEmpty reports whether raw represents an absent record.
func IsEmpty(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func validate(sch *jsonschema.Schema, raw []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	return nil
}

type conversationWire struct {
	Participants        []string          `json:"participants"`
	ParticipantNames    map[string]string `json:"participantNames"`
	IsGroup             bool              `json:"isGroup"`
	LastMessage         *string           `json:"lastMessage"`
	LastMessageSenderID *string           `json:"lastMessageSenderId"`
	UpdatedAt           json.RawMessage   `json:"updatedAt"`
	Typing              map[string]bool   `json:"typing"`
	OwnerID             *string           `json:"ownerId"`
}

// DecodeConversation validates and decodes a conversation document.
// It returns (nil, nil) for an absent record.
func DecodeConversation(id string, raw []byte) (*Conversation, error) {
	if IsEmpty(raw) {
		return nil, nil
	}
	if err := validate(conversationValidator, raw); err != nil {
		return nil, fmt.Errorf("conversation %s: %w", id, err)
	}
	var w conversationWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("conversation %s: %w: %v", id, ErrMalformedRecord, err)
	}
	return &Conversation{
		ID:                  id,
		Participants:        w.Participants,
		ParticipantNames:    w.ParticipantNames,
		IsGroup:             w.IsGroup,
		LastMessage:         deref(w.LastMessage),
		LastMessageSenderID: deref(w.LastMessageSenderID),
		UpdatedAt:           coerceMillis(w.UpdatedAt),
		Typing:              w.Typing,
		OwnerID:             deref(w.OwnerID),
	}, nil
}

type messageWire struct {
	SenderID   string          `json:"senderId"`
	SenderName *string         `json:"senderName"`
	Text       string          `json:"text"`
	Timestamp  json.RawMessage `json:"timestamp"`
}

// DecodeMessage validates and decodes a message document.
func DecodeMessage(id string, raw []byte) (*Message, error) {
	if IsEmpty(raw) {
		return nil, fmt.Errorf("message %s: %w: empty", id, ErrMalformedRecord)
	}
	if err := validate(messageValidator, raw); err != nil {
		return nil, fmt.Errorf("message %s: %w", id, err)
	}
	var w messageWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("message %s: %w: %v", id, ErrMalformedRecord, err)
	}
	return &Message{
		ID:         id,
		SenderID:   w.SenderID,
		SenderName: deref(w.SenderName),
		Text:       w.Text,
		Timestamp:  coerceMillis(w.Timestamp),
	}, nil
}

type presenceWire struct {
	Online   bool            `json:"online"`
	LastSeen json.RawMessage `json:"lastSeen"`
}

// DecodePresence validates and decodes a presence document.
// It returns (nil, nil) for an absent record.
func DecodePresence(userID string, raw []byte) (*Presence, error) {
	if IsEmpty(raw) {
		return nil, nil
	}
	if err := validate(presenceValidator, raw); err != nil {
		return nil, fmt.Errorf("presence %s: %w", userID, err)
	}
	var w presenceWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("presence %s: %w: %v", userID, ErrMalformedRecord, err)
	}
	return &Presence{UserID: userID, Online: w.Online, LastSeen: coerceMillis(w.LastSeen)}, nil
}

// Encode returns the persisted form of a record.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// maxMillis is the largest integer a JSON number carries exactly.
const maxMillis = 1<<53 - 1

// coerceMillis accepts epoch milliseconds or a {seconds, nanoseconds} object.
// Anything else, including negative or out-of-range values, becomes 0.
func coerceMillis(raw json.RawMessage) int64 {
	if IsEmpty(raw) {
		return 0
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		if n < 0 || n > maxMillis || math.IsNaN(n) {
			return 0
		}
		return int64(n)
	}
	var ts struct {
		Seconds     int64 `json:"seconds"`
		Nanoseconds int64 `json:"nanoseconds"`
	}
	if err := json.Unmarshal(raw, &ts); err == nil && ts.Seconds > 0 && ts.Seconds <= maxMillis/1000 {
		return ts.Seconds*1000 + ts.Nanoseconds/1_000_000
	}
	return 0
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
