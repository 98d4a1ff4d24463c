// Package gateway contains the chat backends the agent can be bridged to.
//
// Local keeps messages in memory and fans events out through a bus.EventBus;
// WebSocket exposes a Local to browser clients. Telegram maps the same
// contract onto a Telegram bot (message edits, typing action, stop button).
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"aiwriter/internal/bus"
	"aiwriter/internal/domain"

	"github.com/google/uuid"
)

// Local is an in-process chat backend.
type Local struct {
	events *bus.EventBus
	logger *slog.Logger

	mu       sync.RWMutex
	messages map[string]domain.Message
	closed   bool

	newID func() string
}

var _ domain.Gateway = (*Local)(nil)

// NewLocal creates an empty in-memory gateway.
func NewLocal(logger *slog.Logger) *Local {
	return &Local{
		events:   bus.NewEventBus(logger),
		logger:   logger,
		messages: make(map[string]domain.Message),
		newID:    uuid.NewString,
	}
}

func (l *Local) Subscribe(eventType domain.EventType, fn func(domain.Event)) domain.Subscription {
	return l.events.On(eventType, fn)
}

// Post stores a new message and announces it with message.new.
func (l *Local) Post(ctx context.Context, conversationID, text string, human bool) (domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return domain.Message{}, err
	}
	if conversationID == "" {
		return domain.Message{}, fmt.Errorf("post message: conversation id is required")
	}

	msg := domain.Message{
		ID:             l.newID(),
		ConversationID: conversationID,
		Text:           text,
		SenderIsHuman:  human,
		CreatedAt:      time.Now(),
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return domain.Message{}, fmt.Errorf("post message: gateway closed")
	}
	l.messages[msg.ID] = msg
	l.mu.Unlock()

	l.events.Emit(domain.Event{
		Type:           domain.EventMessageNew,
		ConversationID: conversationID,
		MessageID:      msg.ID,
		Message:        &msg,
	})
	return msg, nil
}

// SendMessage posts a message authored by the assistant.
func (l *Local) SendMessage(ctx context.Context, conversationID, text string) (domain.Message, error) {
	return l.Post(ctx, conversationID, text, false)
}

func (l *Local) UpdateMessageText(ctx context.Context, messageID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	msg, ok := l.messages[messageID]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("update message %s: %w", messageID, domain.ErrUnknownMessage)
	}
	msg.Text = text
	l.messages[messageID] = msg
	l.mu.Unlock()

	l.events.Emit(domain.Event{
		Type:           domain.EventMessageUpdated,
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		Message:        &msg,
	})
	return nil
}

func (l *Local) SendEvent(ctx context.Context, evt domain.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch evt.Type {
	case domain.EventIndicatorUpdate, domain.EventIndicatorClear:
	default:
		return fmt.Errorf("send event: unsupported event type %q", evt.Type)
	}
	if evt.MessageID == "" {
		return fmt.Errorf("send event %s: message id is required", evt.Type)
	}
	l.events.Emit(evt)
	return nil
}

// RequestStop publishes the user's request to stop generating messageID.
func (l *Local) RequestStop(messageID string) {
	conversationID := ""
	if msg, ok := l.Message(messageID); ok {
		conversationID = msg.ConversationID
	}
	l.events.Emit(domain.Event{
		Type:           domain.EventIndicatorStop,
		ConversationID: conversationID,
		MessageID:      messageID,
	})
}

// Message returns the current snapshot of a stored message.
func (l *Local) Message(id string) (domain.Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	msg, ok := l.messages[id]
	return msg, ok
}

// Close stops event delivery and rejects new messages.
func (l *Local) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.events.Close()
}
