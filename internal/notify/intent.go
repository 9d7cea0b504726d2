package notify

// Kind tags a notification intent.
type Kind string

const (
	KindNewMessage     Kind = "new_message"
	KindContactOnline  Kind = "contact_online"
	KindContactOffline Kind = "contact_offline"
)

// Intent is a decision to alert the user. ConversationID, SenderName and Text
// are set for KindNewMessage; Name is set for the contact kinds.
type Intent struct {
	Kind           Kind   `json:"kind"`
	ConversationID string `json:"conversationId,omitempty"`
	SenderName     string `json:"senderName,omitempty"`
	Text           string `json:"text,omitempty"`
	Name           string `json:"name,omitempty"`
}

func NewMessage(conversationID, senderName, text string) Intent {
	return Intent{Kind: KindNewMessage, ConversationID: conversationID, SenderName: senderName, Text: text}
}

func ContactOnline(name string) Intent {
	return Intent{Kind: KindContactOnline, Name: name}
}

func ContactOffline(name string) Intent {
	return Intent{Kind: KindContactOffline, Name: name}
}
