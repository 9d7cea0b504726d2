package remote

import "context"

// Unsubscribe releases a subscription. Implementations must be safe to call
// more than once. A callback already in flight may still complete after it
// returns; the sync layer drops those by handle identity.
type Unsubscribe func()

// Store is the real-time data source the sync layer consumes. Callbacks may be
// invoked from any goroutine; callers serialize them.
//
// A nil record passed to a conversation or presence callback means the record
// does not exist or failed validation.
type Store interface {
	SubscribeIndex(userID string, onUpdate func(conversationIDs []string), onError func(error)) (Unsubscribe, error)
	SubscribeConversation(id string, onUpdate func(*Conversation)) (Unsubscribe, error)
	SubscribeMessages(conversationID string, onUpdate func([]Message)) (Unsubscribe, error)
	SubscribePresence(userID string, onUpdate func(*Presence)) (Unsubscribe, error)
	WritePresence(ctx context.Context, userID string, online bool) error
	// RegisterDisconnectCleanup arranges for fallback to be applied to the
	// user's presence record if the client goes away without writing it.
	// Must be called again after every reconnect.
	RegisterDisconnectCleanup(ctx context.Context, userID string, fallback Presence) error
	// CancelDisconnectCleanup drops the registered fallback after an orderly
	// offline write. It is a no-op when none is registered.
	CancelDisconnectCleanup(ctx context.Context, userID string) error
}
