package domain

import "context"

// ConversationContext is the durable cross-turn state the provider needs.
type ConversationContext struct {
	ThreadID    string `json:"thread_id"`
	AssistantID string `json:"assistant_id"`
}

// RunRequest asks the provider to generate a reply to Text as the newest turn
// of the conversation.
type RunRequest struct {
	Conversation ConversationContext
	Text         string
}

// StreamEventKind classifies a provider stream event.
type StreamEventKind string

const (
	StreamRunCreated       StreamEventKind = "run_created"
	StreamRunStepCreated   StreamEventKind = "run_step_created"
	StreamMessageDelta     StreamEventKind = "message_delta"
	StreamMessageCompleted StreamEventKind = "message_completed"
	StreamRunCompleted     StreamEventKind = "run_completed"
	StreamRunCancelled     StreamEventKind = "run_cancelled"
	StreamError            StreamEventKind = "error"
)

// StepMessageCreation is the run step type announcing that the assistant has
// started writing a message.
const StepMessageCreation = "message_creation"

// StreamEvent is one typed event of a run's stream.
type StreamEvent struct {
	Kind      StreamEventKind
	RunID     string // run_created (and most run-scoped events)
	StepType  string // run_step_created
	DeltaText string // message_delta
	FinalText string // message_completed
	Err       error  // error
}

// Stream is the live event sequence of one run. Events is closed by the
// provider once the run is over or the stream has been closed.
type Stream interface {
	Events() <-chan StreamEvent
	// Close detaches from the run. It does not cancel the run provider-side.
	Close() error
}

// Provider is the generation capability set the agent needs.
type Provider interface {
	// Validate reports a *ConfigurationError when required credentials are missing.
	Validate() error
	CreateConversation(ctx context.Context) (ConversationContext, error)
	StartRun(ctx context.Context, req RunRequest) (Stream, error)
	CancelRun(ctx context.Context, conv ConversationContext, runID string) error
}
