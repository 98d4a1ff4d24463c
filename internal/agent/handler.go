package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"aiwriter/internal/domain"
	"aiwriter/internal/metrics"
)

var errStreamClosed = errors.New("stream closed before the run completed")

const defaultErrorText = "Error generating the message"

// ResponseHandler drives one run's stream into one chat message: throttled
// partial text, the generating indicator, the final text, errors and user
// cancellation. All handler state is owned by the Run goroutine; gateway
// callbacks only forward stop signals.
type ResponseHandler struct {
	gateway        domain.Gateway
	provider       domain.Provider
	conv           domain.ConversationContext
	conversationID string
	target         domain.Message
	sourceID       string
	stream         domain.Stream
	onDispose      func()
	logger         *slog.Logger
	now            func() time.Time

	throttle *flushThrottle
	text     strings.Builder
	deltas   int
	runID    string
	held     *domain.StreamEvent
	eof      bool

	stopCh  chan struct{}
	stopSub domain.Subscription

	done        atomic.Bool
	doneCh      chan struct{}
	releaseOnce sync.Once
	started     time.Time
}

type HandlerConfig struct {
	Gateway      domain.Gateway
	Provider     domain.Provider
	Conversation domain.ConversationContext
	// Target is the chat message the reply is rendered into.
	Target domain.Message
	// Source is the human message being answered. Stop requests may name
	// either message.
	Source    domain.Message
	Stream    domain.Stream
	OnDispose func()
	// FlushInterval is the throttle window for partial updates.
	FlushInterval time.Duration
	Logger        *slog.Logger
	Now           func() time.Time
}

// NewResponseHandler binds a stream to its target message and starts
// listening for stop requests on that message or its source.
func NewResponseHandler(cfg HandlerConfig) *ResponseHandler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.OnDispose == nil {
		cfg.OnDispose = func() {}
	}

	h := &ResponseHandler{
		gateway:        cfg.Gateway,
		provider:       cfg.Provider,
		conv:           cfg.Conversation,
		conversationID: cfg.Target.ConversationID,
		target:         cfg.Target,
		sourceID:       cfg.Source.ID,
		stream:         cfg.Stream,
		onDispose:      cfg.OnDispose,
		logger:         cfg.Logger.With("message_id", cfg.Target.ID),
		now:            cfg.Now,
		throttle:       newFlushThrottle(cfg.FlushInterval),
		stopCh:         make(chan struct{}, 1),
		doneCh:         make(chan struct{}),
		started:        cfg.Now(),
	}
	h.stopSub = cfg.Gateway.Subscribe(domain.EventIndicatorStop, h.onStopSignal)
	metrics.ActiveHandlers.Inc()
	return h
}

// TargetID returns the id of the message this handler writes.
func (h *ResponseHandler) TargetID() string { return h.target.ID }

// Done is closed once the handler has been disposed.
func (h *ResponseHandler) Done() <-chan struct{} { return h.doneCh }

// Disposed reports whether the handler reached a terminal state.
func (h *ResponseHandler) Disposed() bool { return h.done.Load() }

// onStopSignal runs on the gateway's delivery goroutine.
func (h *ResponseHandler) onStopSignal(evt domain.Event) {
	if h.done.Load() || !h.addressedBy(evt.MessageID) {
		return
	}
	select {
	case h.stopCh <- struct{}{}:
	default:
	}
}

func (h *ResponseHandler) addressedBy(messageID string) bool {
	if messageID == "" {
		return false
	}
	return messageID == h.target.ID || messageID == h.sourceID
}

// Run consumes the stream until a terminal event, a stop request or Dispose.
func (h *ResponseHandler) Run(ctx context.Context) {
	events := h.stream.Events()
	for {
		var evt domain.StreamEvent
		var ok bool

		switch {
		case h.held != nil:
			evt, ok = *h.held, true
			h.held = nil
		case h.eof:
			ok = false
		default:
			select {
			case <-h.doneCh:
				return
			case <-ctx.Done():
				h.Dispose()
				return
			case <-h.stopCh:
				if h.cancel(ctx) {
					return
				}
				continue
			case evt, ok = <-events:
			}
		}

		// select picks at random among ready cases, so an event can win
		// against a Dispose that already closed doneCh.
		if h.done.Load() {
			return
		}
		if !ok {
			h.fail(ctx, &domain.ProviderStreamError{RunID: h.runID, Err: errStreamClosed})
			return
		}
		if h.handleEvent(ctx, evt, events) {
			return
		}
	}
}

// handleEvent applies one stream event and reports whether the handler is
// finished.
func (h *ResponseHandler) handleEvent(ctx context.Context, evt domain.StreamEvent, events <-chan domain.StreamEvent) bool {
	switch evt.Kind {
	case domain.StreamRunCreated:
		h.runID = evt.RunID
		h.logger.Debug("run created", "run_id", evt.RunID)

	case domain.StreamRunStepCreated:
		if evt.StepType == domain.StepMessageCreation {
			h.sendEvent(ctx, domain.IndicatorUpdate(h.conversationID, h.target.ID, domain.IndicatorGenerating))
		}

	case domain.StreamMessageDelta:
		h.appendDelta(evt.DeltaText)
		h.coalesce(events)
		if h.throttle.allow(h.now()) {
			h.updateText(ctx, h.text.String())
			metrics.PartialUpdates.Inc()
		}

	case domain.StreamMessageCompleted:
		if !h.claim() {
			return true
		}
		final := evt.FinalText
		if final == "" {
			final = h.text.String()
		}
		h.updateText(ctx, final)
		h.sendEvent(ctx, domain.IndicatorClear(h.conversationID, h.target.ID))
		h.logger.Info("reply completed", "run_id", h.runID, "deltas", h.deltas)
		h.release(metrics.OutcomeCompleted)
		return true

	case domain.StreamError:
		err := evt.Err
		if err == nil {
			err = &domain.ProviderStreamError{RunID: h.runID}
		}
		h.fail(ctx, err)
		return true

	default:
		// run_completed, run_cancelled and future kinds carry nothing for the chat.
	}
	return false
}

func (h *ResponseHandler) appendDelta(text string) {
	h.text.WriteString(text)
	h.deltas++
}

// coalesce folds deltas already queued behind the current one into the
// buffer so a burst becomes one partial update. The first non-delta event is
// held for the next loop turn.
func (h *ResponseHandler) coalesce(events <-chan domain.StreamEvent) {
	for {
		select {
		case next, ok := <-events:
			if !ok {
				h.eof = true
				return
			}
			if next.Kind != domain.StreamMessageDelta {
				h.held = &next
				return
			}
			h.appendDelta(next.DeltaText)
		default:
			return
		}
	}
}

// cancel handles a stop request. A request that arrives before the run id is
// known is ignored and the handler keeps streaming.
func (h *ResponseHandler) cancel(ctx context.Context) bool {
	if h.runID == "" {
		h.logger.Debug("stop ignored, run id not known yet")
		return false
	}
	if !h.claim() {
		return true
	}

	if err := h.provider.CancelRun(ctx, h.conv, h.runID); err != nil {
		cancelErr := &domain.ProviderCancelError{RunID: h.runID, Err: err}
		metrics.CancelFailures.Inc()
		h.logger.Warn("provider cancel failed", "err", cancelErr)
	}
	h.sendEvent(ctx, domain.IndicatorClear(h.conversationID, h.target.ID))
	h.logger.Info("reply cancelled", "run_id", h.runID, "deltas", h.deltas)
	h.release(metrics.OutcomeCancelled)
	return true
}

// fail renders err into the target message. No-op once disposed.
func (h *ResponseHandler) fail(ctx context.Context, err error) {
	if !h.claim() {
		return
	}
	text := err.Error()
	if strings.TrimSpace(text) == "" {
		text = defaultErrorText
	}
	h.sendEvent(ctx, domain.IndicatorUpdate(h.conversationID, h.target.ID, domain.IndicatorError))
	h.updateText(ctx, text)
	h.logger.Warn("reply failed", "run_id", h.runID, "err", err)
	h.release(metrics.OutcomeErrored)
}

// Dispose detaches the handler from the gateway and the stream. Safe to call
// any number of times from any goroutine.
func (h *ResponseHandler) Dispose() {
	if h.claim() {
		h.release(metrics.OutcomeDisposed)
	}
}

// claim takes the one-shot terminal slot.
func (h *ResponseHandler) claim() bool {
	return h.done.CompareAndSwap(false, true)
}

func (h *ResponseHandler) release(outcome string) {
	h.releaseOnce.Do(func() {
		h.stopSub.Unsubscribe()
		if err := h.stream.Close(); err != nil {
			h.logger.Debug("close stream", "err", err)
		}
		close(h.doneCh)
		metrics.ActiveHandlers.Dec()
		metrics.ObserveHandler(outcome, h.started)
		h.onDispose()
	})
}

func (h *ResponseHandler) updateText(ctx context.Context, text string) {
	if err := h.gateway.UpdateMessageText(ctx, h.target.ID, text); err != nil {
		h.logger.Warn("update message failed", "err", err)
	}
}

func (h *ResponseHandler) sendEvent(ctx context.Context, evt domain.Event) {
	if err := h.gateway.SendEvent(ctx, evt); err != nil {
		h.logger.Warn("send event failed", "event", evt.Type, "err", err)
	}
}
