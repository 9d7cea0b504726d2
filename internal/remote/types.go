package remote

// Conversation is a direct or group thread as stored under its conversation key.
// ID is the document key and is not part of the persisted body.
type Conversation struct {
	ID                  string            `json:"-"`
	Participants        []string          `json:"participants"`
	ParticipantNames    map[string]string `json:"participantNames,omitempty"`
	IsGroup             bool              `json:"isGroup"`
	LastMessage         string            `json:"lastMessage"`
	LastMessageSenderID string            `json:"lastMessageSenderId,omitempty"`
	UpdatedAt           int64             `json:"updatedAt"`
	Typing              map[string]bool   `json:"typing,omitempty"`
	OwnerID             string            `json:"ownerId,omitempty"`
}

// NameOf returns the display name recorded for a participant, falling back to the id.
func (c *Conversation) NameOf(userID string) string {
	if name := c.ParticipantNames[userID]; name != "" {
		return name
	}
	return userID
}

// Counterparts returns the participants other than selfID.
func (c *Conversation) Counterparts(selfID string) []string {
	out := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p != selfID && p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Clone returns a deep copy so snapshots handed to consumers never alias cache state.
func (c Conversation) Clone() Conversation {
	c.Participants = append([]string(nil), c.Participants...)
	if c.ParticipantNames != nil {
		names := make(map[string]string, len(c.ParticipantNames))
		for k, v := range c.ParticipantNames {
			names[k] = v
		}
		c.ParticipantNames = names
	}
	if c.Typing != nil {
		typing := make(map[string]bool, len(c.Typing))
		for k, v := range c.Typing {
			typing[k] = v
		}
		c.Typing = typing
	}
	return c
}

// Message is one entry of a conversation's message stream. Timestamp is the
// server-assigned epoch millisecond value; zero means it was missing or invalid.
type Message struct {
	ID         string `json:"-"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	Text       string `json:"text"`
	Timestamp  int64  `json:"timestamp"`
}

// Presence is the authoritative online record of a single user.
type Presence struct {
	UserID   string `json:"-"`
	Online   bool   `json:"online"`
	LastSeen int64  `json:"lastSeen"`
}
