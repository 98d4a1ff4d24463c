package domain

import "context"

// Subscription is an owned listener registration. Unsubscribe releases it and
// is safe to call more than once.
type Subscription interface {
	Unsubscribe()
}

// Gateway is the chat backend the agent talks to (Stream-like pub/sub with
// at-least-once delivery). Implementations live in internal/gateway.
type Gateway interface {
	// Subscribe registers fn for events of the given type. Callbacks run on the
	// gateway's delivery goroutine and must not block.
	Subscribe(eventType EventType, fn func(Event)) Subscription

	// SendMessage posts a new message authored by the assistant.
	SendMessage(ctx context.Context, conversationID, text string) (Message, error)

	// UpdateMessageText overwrites a message's text. Last write wins.
	UpdateMessageText(ctx context.Context, messageID, text string) error

	// SendEvent publishes a custom (indicator) event to the conversation.
	SendEvent(ctx context.Context, evt Event) error
}
