// Package agent bridges chat messages to streamed assistant runs.
//
// An Agent is bound to one conversation. Every human message starts a run
// whose reply is rendered into a fresh assistant message by a
// ResponseHandler. The Manager keeps one Agent per conversation and disposes
// idle ones.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"aiwriter/internal/dedupe"
	"aiwriter/internal/domain"
	"aiwriter/internal/metrics"

	"golang.org/x/time/rate"
)

const (
	defaultRunsPerMinute = 30.0
	defaultRunBurst      = 5
	defaultDedupeTTL     = 10 * time.Minute
	defaultDedupeSize    = 4096

	// abandonedReplyText replaces the empty placeholder of a reply whose run
	// never got a handler.
	abandonedReplyText = "Generation stopped."
	abandonTimeout     = 5 * time.Second
)

var (
	ErrAlreadyInitialized = errors.New("agent already initialized")
	ErrDisposed           = errors.New("agent disposed")
)

// Agent owns the conversation context of one chat conversation and the
// response handlers of its in-flight replies.
type Agent struct {
	conversationID string
	gateway        domain.Gateway
	provider       domain.Provider
	logger         *slog.Logger
	flushInterval  time.Duration
	limiter        *rate.Limiter
	seen           *dedupe.Cache
	now            func() time.Time

	mu          sync.Mutex
	conv        domain.ConversationContext
	sub         domain.Subscription
	handlers    map[string]*ResponseHandler // keyed by target message id
	initialized bool
	disposed    bool

	lastInteraction atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Config struct {
	ConversationID string
	Gateway        domain.Gateway
	Provider       domain.Provider
	FlushInterval  time.Duration
	RunsPerMinute  float64
	RunBurst       int
	DedupeTTL      time.Duration
	Logger         *slog.Logger
	Now            func() time.Time
}

func New(cfg Config) *Agent {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RunsPerMinute <= 0 {
		cfg.RunsPerMinute = defaultRunsPerMinute
	}
	if cfg.RunBurst <= 0 {
		cfg.RunBurst = defaultRunBurst
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = defaultDedupeTTL
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Agent{
		conversationID: cfg.ConversationID,
		gateway:        cfg.Gateway,
		provider:       cfg.Provider,
		logger:         cfg.Logger.With("conversation_id", cfg.ConversationID),
		flushInterval:  cfg.FlushInterval,
		limiter:        rate.NewLimiter(rate.Limit(cfg.RunsPerMinute/60.0), cfg.RunBurst),
		seen:           dedupe.New(cfg.DedupeTTL, defaultDedupeSize),
		now:            cfg.Now,
		handlers:       make(map[string]*ResponseHandler),
		ctx:            ctx,
		cancel:         cancel,
	}
	a.touch()
	return a
}

// Initialize validates provider credentials, creates the conversation
// context and starts listening for new messages. On error nothing is
// subscribed.
func (a *Agent) Initialize(ctx context.Context) error {
	a.mu.Lock()
	switch {
	case a.disposed:
		a.mu.Unlock()
		return ErrDisposed
	case a.initialized:
		a.mu.Unlock()
		return ErrAlreadyInitialized
	}
	a.mu.Unlock()

	if err := a.provider.Validate(); err != nil {
		return fmt.Errorf("initialize agent: %w", err)
	}
	conv, err := a.provider.CreateConversation(ctx)
	if err != nil {
		return fmt.Errorf("initialize agent: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.disposed {
		return ErrDisposed
	}
	if a.initialized {
		return ErrAlreadyInitialized
	}
	a.conv = conv
	a.initialized = true
	a.sub = a.gateway.Subscribe(domain.EventMessageNew, a.HandleMessage)
	metrics.ActiveAgents.Inc()

	a.logger.Info("agent initialized", "thread_id", conv.ThreadID, "assistant_id", conv.AssistantID)
	return nil
}

// HandleMessage reacts to a message.new event. Only non-empty messages
// authored by a human in this agent's conversation start a run, and each
// message id is acted on once.
func (a *Agent) HandleMessage(evt domain.Event) {
	msg := evt.Message
	if msg == nil || strings.TrimSpace(msg.Text) == "" {
		return
	}
	if msg.ConversationID != a.conversationID {
		return
	}
	if !msg.SenderIsHuman {
		return
	}

	a.mu.Lock()
	if a.disposed || !a.initialized {
		a.mu.Unlock()
		return
	}
	if a.seen.CheckAndMark(msg.ID) {
		a.mu.Unlock()
		a.logger.Debug("duplicate message ignored", "message_id", msg.ID)
		return
	}
	a.wg.Add(1)
	a.mu.Unlock()

	a.touch()
	go func() {
		defer a.wg.Done()
		a.respond(a.ctx, *msg)
	}()
}

// respond posts the reply placeholder, starts the run and drives its
// handler to the end.
func (a *Agent) respond(ctx context.Context, msg domain.Message) {
	if err := a.limiter.Wait(ctx); err != nil {
		return
	}

	reply, err := a.gateway.SendMessage(ctx, a.conversationID, "")
	if err != nil {
		metrics.RunStartFailures.Inc()
		a.logger.Error("create reply message failed", "message_id", msg.ID, "err", err)
		return
	}

	conv := a.Conversation()
	stream, err := a.provider.StartRun(ctx, domain.RunRequest{Conversation: conv, Text: msg.Text})
	if err != nil {
		metrics.RunStartFailures.Inc()
		if ctx.Err() != nil {
			a.abandon(ctx, reply)
			return
		}
		a.logger.Error("start run failed", "message_id", msg.ID, "err", err)
		if err := a.gateway.SendEvent(ctx, domain.IndicatorUpdate(a.conversationID, reply.ID, domain.IndicatorError)); err != nil {
			a.logger.Warn("send event failed", "err", err)
		}
		if err := a.gateway.UpdateMessageText(ctx, reply.ID, err.Error()); err != nil {
			a.logger.Warn("update message failed", "err", err)
		}
		return
	}
	metrics.RunsStarted.Inc()

	var h *ResponseHandler
	h = NewResponseHandler(HandlerConfig{
		Gateway:       a.gateway,
		Provider:      a.provider,
		Conversation:  conv,
		Target:        reply,
		Source:        msg,
		Stream:        stream,
		FlushInterval: a.flushInterval,
		Logger:        a.logger,
		Now:           a.now,
		OnDispose:     func() { a.remove(reply.ID, h) },
	})
	if !a.register(h) {
		h.Dispose()
		a.abandon(ctx, reply)
		return
	}

	a.logger.Info("reply started", "message_id", msg.ID, "reply_id", reply.ID)
	h.Run(ctx)
}

// abandon fills the placeholder of a reply that will never stream. It runs
// after the agent context is cancelled, so it gets its own deadline.
func (a *Agent) abandon(ctx context.Context, reply domain.Message) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abandonTimeout)
	defer cancel()
	if err := a.gateway.UpdateMessageText(ctx, reply.ID, abandonedReplyText); err != nil {
		a.logger.Warn("update abandoned reply failed", "reply_id", reply.ID, "err", err)
	}
}

// register inserts h unless the agent is disposed or a live handler already
// owns the same target.
func (a *Agent) register(h *ResponseHandler) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.disposed {
		return false
	}
	if cur, ok := a.handlers[h.TargetID()]; ok && !cur.Disposed() {
		a.logger.Warn("handler already active for message", "message_id", h.TargetID())
		return false
	}
	a.handlers[h.TargetID()] = h
	return true
}

// remove deletes the entry for id only if it still points at h.
func (a *Agent) remove(id string, h *ResponseHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.handlers[id] == h {
		delete(a.handlers, id)
	}
}

// Dispose stops listening, disposes every active handler and waits for
// their goroutines. Safe to call more than once.
func (a *Agent) Dispose() {
	a.mu.Lock()
	if a.disposed {
		a.mu.Unlock()
		return
	}
	a.disposed = true
	sub := a.sub
	wasActive := a.initialized
	handlers := make([]*ResponseHandler, 0, len(a.handlers))
	for _, h := range a.handlers {
		handlers = append(handlers, h)
	}
	a.handlers = make(map[string]*ResponseHandler)
	a.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	a.cancel()
	for _, h := range handlers {
		h.Dispose()
	}
	a.wg.Wait()

	if wasActive {
		metrics.ActiveAgents.Dec()
	}
	a.logger.Info("agent disposed", "handlers", len(handlers))
}

func (a *Agent) touch() {
	a.lastInteraction.Store(a.now().UnixNano())
}

// LastInteraction returns when the agent last accepted a message.
func (a *Agent) LastInteraction() time.Time {
	return time.Unix(0, a.lastInteraction.Load())
}

// ActiveHandlers returns the number of replies currently streaming.
func (a *Agent) ActiveHandlers() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.handlers)
}

func (a *Agent) ConversationID() string { return a.conversationID }

// Conversation returns the provider conversation context.
func (a *Agent) Conversation() domain.ConversationContext {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conv
}
