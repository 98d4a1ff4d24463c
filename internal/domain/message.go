package domain

import "time"

// EventType names a chat gateway event.
type EventType string

const (
	EventMessageNew      EventType = "message.new"
	EventMessageUpdated  EventType = "message.updated"
	EventIndicatorUpdate EventType = "ai_indicator.update"
	EventIndicatorClear  EventType = "ai_indicator.clear"
	EventIndicatorStop   EventType = "ai_indicator.stop"
)

// IndicatorState is the advisory AI state shown next to a message.
type IndicatorState string

const (
	IndicatorGenerating IndicatorState = "AI_STATE_GENERATING"
	IndicatorError      IndicatorState = "AI_STATE_ERROR"
)

// Message is an immutable snapshot of a chat message as delivered by the gateway.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Text           string    `json:"text"`
	SenderIsHuman  bool      `json:"sender_is_human"`
	CreatedAt      time.Time `json:"created_at,omitempty"`
}

// Event is the envelope exchanged with the chat gateway, in both directions.
//
// message.new and message.updated carry Message. Indicator events carry
// ConversationID and MessageID, plus State for ai_indicator.update.
// ai_indicator.stop carries the MessageID the user asked to stop.
type Event struct {
	Type           EventType      `json:"type"`
	ConversationID string         `json:"conversation_id,omitempty"`
	MessageID      string         `json:"message_id,omitempty"`
	State          IndicatorState `json:"state,omitempty"`
	Message        *Message       `json:"message,omitempty"`
	Timestamp      time.Time      `json:"timestamp,omitempty"`
}

// IndicatorUpdate builds an ai_indicator.update event.
func IndicatorUpdate(conversationID, messageID string, state IndicatorState) Event {
	return Event{
		Type:           EventIndicatorUpdate,
		ConversationID: conversationID,
		MessageID:      messageID,
		State:          state,
	}
}

// IndicatorClear builds an ai_indicator.clear event.
func IndicatorClear(conversationID, messageID string) Event {
	return Event{
		Type:           EventIndicatorClear,
		ConversationID: conversationID,
		MessageID:      messageID,
	}
}
