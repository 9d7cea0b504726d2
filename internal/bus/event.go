package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Kinds published by the sync session.
const (
	KindConversations  = "sync.conversations"
	KindMessages       = "sync.messages"
	KindPresence       = "sync.presence"
	KindState          = "sync.state"
	KindNewMessage     = "notify.new_message"
	KindContactOnline  = "notify.contact_online"
	KindContactOffline = "notify.contact_offline"
	KindSoundReceived  = "sound.received"
	KindSoundSent      = "sound.sent"
)
