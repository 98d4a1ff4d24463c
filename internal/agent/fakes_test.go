package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"aiwriter/internal/bus"
	"aiwriter/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// call is one outbound gateway interaction.
type call struct {
	Kind      string // "text" or "event"
	MessageID string
	Text      string
	Event     domain.EventType
	State     domain.IndicatorState
}

// fakeGateway records every outbound call and delivers inbound events
// through a real EventBus.
type fakeGateway struct {
	events *bus.EventBus

	mu      sync.Mutex
	calls   []call
	replies int
	sendErr error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{events: bus.NewEventBus(testLogger())}
}

func (g *fakeGateway) Subscribe(t domain.EventType, fn func(domain.Event)) domain.Subscription {
	return g.events.On(t, fn)
}

func (g *fakeGateway) SendMessage(ctx context.Context, conversationID, text string) (domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return domain.Message{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sendErr != nil {
		return domain.Message{}, g.sendErr
	}
	g.replies++
	return domain.Message{
		ID:             fmt.Sprintf("reply-%d", g.replies),
		ConversationID: conversationID,
		Text:           text,
	}, nil
}

func (g *fakeGateway) UpdateMessageText(ctx context.Context, messageID, text string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, call{Kind: "text", MessageID: messageID, Text: text})
	return nil
}

func (g *fakeGateway) SendEvent(ctx context.Context, evt domain.Event) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, call{Kind: "event", MessageID: evt.MessageID, Event: evt.Type, State: evt.State})
	return nil
}

func (g *fakeGateway) emit(evt domain.Event) { g.events.Emit(evt) }

func (g *fakeGateway) stop(messageID string) {
	g.emit(domain.Event{Type: domain.EventIndicatorStop, MessageID: messageID})
}

func (g *fakeGateway) post(id, conversationID, text string, human bool) {
	g.emit(domain.Event{
		Type:           domain.EventMessageNew,
		ConversationID: conversationID,
		MessageID:      id,
		Message: &domain.Message{
			ID:             id,
			ConversationID: conversationID,
			Text:           text,
			SenderIsHuman:  human,
		},
	})
}

func (g *fakeGateway) recorded() []call {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]call(nil), g.calls...)
}

func (g *fakeGateway) texts() []string {
	var out []string
	for _, c := range g.recorded() {
		if c.Kind == "text" {
			out = append(out, c.Text)
		}
	}
	return out
}

func (g *fakeGateway) count(evt domain.EventType, state domain.IndicatorState) int {
	n := 0
	for _, c := range g.recorded() {
		if c.Kind == "event" && c.Event == evt && c.State == state {
			n++
		}
	}
	return n
}

func textCall(id, text string) call {
	return call{Kind: "text", MessageID: id, Text: text}
}

func eventCall(id string, t domain.EventType, state domain.IndicatorState) call {
	return call{Kind: "event", MessageID: id, Event: t, State: state}
}

// fakeStream is a stream fed by the test.
type fakeStream struct {
	ch chan domain.StreamEvent

	mu     sync.Mutex
	closes int
}

func newFakeStream(events ...domain.StreamEvent) *fakeStream {
	s := &fakeStream{ch: make(chan domain.StreamEvent, 64)}
	for _, e := range events {
		s.ch <- e
	}
	return s
}

func (s *fakeStream) Events() <-chan domain.StreamEvent { return s.ch }

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *fakeStream) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// fakeProvider hands out streams queued by the test.
type fakeProvider struct {
	validateErr error
	createErr   error
	startErr    error
	cancelErr   error
	// createGate, when set, holds CreateConversation until it is closed.
	createGate chan struct{}
	// startGate, when set, holds StartRun until it is closed or ctx ends.
	startGate    chan struct{}
	startEntered chan struct{}

	mu            sync.Mutex
	conversations int
	requests      []domain.RunRequest
	cancels       []string
	streams       []*fakeStream
	started       chan *fakeStream
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{started: make(chan *fakeStream, 16)}
}

func (p *fakeProvider) Validate() error { return p.validateErr }

func (p *fakeProvider) CreateConversation(ctx context.Context) (domain.ConversationContext, error) {
	if p.createGate != nil {
		select {
		case <-p.createGate:
		case <-ctx.Done():
			return domain.ConversationContext{}, ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return domain.ConversationContext{}, p.createErr
	}
	p.conversations++
	return domain.ConversationContext{
		ThreadID:    fmt.Sprintf("thread_%d", p.conversations),
		AssistantID: "asst_1",
	}, nil
}

func (p *fakeProvider) StartRun(ctx context.Context, req domain.RunRequest) (domain.Stream, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	if p.startErr != nil {
		p.mu.Unlock()
		return nil, p.startErr
	}
	gate := p.startGate
	p.mu.Unlock()
	if gate != nil {
		if p.startEntered != nil {
			p.startEntered <- struct{}{}
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p.mu.Lock()
	s := newFakeStream()
	p.streams = append(p.streams, s)
	p.mu.Unlock()
	p.started <- s
	return s, nil
}

func (p *fakeProvider) CancelRun(ctx context.Context, conv domain.ConversationContext, runID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancels = append(p.cancels, runID)
	return p.cancelErr
}

func (p *fakeProvider) runRequests() []domain.RunRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.RunRequest(nil), p.requests...)
}

func (p *fakeProvider) cancelled() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.cancels...)
}

func (p *fakeProvider) conversationCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conversations
}

func (p *fakeProvider) nextStream(t *testing.T) *fakeStream {
	t.Helper()
	select {
	case s := <-p.started:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no run started")
		return nil
	}
}

// fakeClock advances by step on every reading.
type fakeClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func runCreated(id string) domain.StreamEvent {
	return domain.StreamEvent{Kind: domain.StreamRunCreated, RunID: id}
}

func stepCreated(stepType string) domain.StreamEvent {
	return domain.StreamEvent{Kind: domain.StreamRunStepCreated, StepType: stepType}
}

func delta(text string) domain.StreamEvent {
	return domain.StreamEvent{Kind: domain.StreamMessageDelta, DeltaText: text}
}

func completed(text string) domain.StreamEvent {
	return domain.StreamEvent{Kind: domain.StreamMessageCompleted, FinalText: text}
}

func streamFailed(msg string) domain.StreamEvent {
	return domain.StreamEvent{Kind: domain.StreamError, Err: &domain.ProviderStreamError{Err: errors.New(msg)}}
}
