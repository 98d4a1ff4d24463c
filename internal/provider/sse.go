package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"aiwriter/internal/domain"

	openai "github.com/sashabaranov/go-openai"
)

// maxSSELine bounds a single SSE line; completed messages arrive on one line.
const maxSSELine = 4 << 20

// sseEvent is one server-sent event.
type sseEvent struct {
	Event string
	Data  string
}

// readSSE calls onEvent for every event in body until the body ends, ctx is
// cancelled or onEvent returns false.
func readSSE(ctx context.Context, body io.Reader, onEvent func(sseEvent) bool) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)

	var eventType string
	var dataLines []string

	flush := func() bool {
		defer func() {
			eventType = ""
			dataLines = nil
		}()
		if eventType == "" && len(dataLines) == 0 {
			return true
		}
		return onEvent(sseEvent{Event: eventType, Data: strings.Join(dataLines, "\n")})
	}

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := scanner.Text()
		switch {
		case line == "":
			if !flush() {
				return nil
			}
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("reading SSE stream: %w", err)
	}
	flush()
	return nil
}

// Assistants stream event names.
const (
	evRunCreated        = "thread.run.created"
	evRunStepCreated    = "thread.run.step.created"
	evMessageDelta      = "thread.message.delta"
	evMessageCompleted  = "thread.message.completed"
	evRunRequiresAction = "thread.run.requires_action"
	evRunCompleted      = "thread.run.completed"
	evRunCancelled      = "thread.run.cancelled"
	evRunFailed         = "thread.run.failed"
	evRunExpired        = "thread.run.expired"
	evRunIncomplete     = "thread.run.incomplete"
	evError             = "error"
	evDone              = "done"
)

type messageDelta struct {
	ID    string `json:"id"`
	Delta struct {
		Content []openai.MessageContent `json:"content"`
	} `json:"delta"`
}

type streamErrorBody struct {
	Message string `json:"message"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// decoded is the translation of one SSE event.
type decoded struct {
	event    domain.StreamEvent
	emit     bool
	terminal bool
	action   *openai.Run // set for requires_action
}

// decodeEvent maps an Assistants stream event onto the provider-neutral
// stream event vocabulary. Unknown events are dropped.
func decodeEvent(ev sseEvent) (decoded, error) {
	switch ev.Event {
	case evRunCreated:
		var run openai.Run
		if err := json.Unmarshal([]byte(ev.Data), &run); err != nil {
			return decoded{}, fmt.Errorf("decode %s: %w", ev.Event, err)
		}
		return decoded{event: domain.StreamEvent{Kind: domain.StreamRunCreated, RunID: run.ID}, emit: true}, nil

	case evRunStepCreated:
		var step openai.RunStep
		if err := json.Unmarshal([]byte(ev.Data), &step); err != nil {
			return decoded{}, fmt.Errorf("decode %s: %w", ev.Event, err)
		}
		stepType := string(step.StepDetails.Type)
		if stepType == "" {
			stepType = string(step.Type)
		}
		return decoded{event: domain.StreamEvent{Kind: domain.StreamRunStepCreated, RunID: step.RunID, StepType: stepType}, emit: true}, nil

	case evMessageDelta:
		var delta messageDelta
		if err := json.Unmarshal([]byte(ev.Data), &delta); err != nil {
			return decoded{}, fmt.Errorf("decode %s: %w", ev.Event, err)
		}
		if len(delta.Delta.Content) == 0 {
			return decoded{}, nil
		}
		part := delta.Delta.Content[0]
		if part.Type != "text" || part.Text == nil {
			return decoded{}, nil
		}
		return decoded{event: domain.StreamEvent{Kind: domain.StreamMessageDelta, DeltaText: part.Text.Value}, emit: true}, nil

	case evMessageCompleted:
		var msg openai.Message
		if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
			return decoded{}, fmt.Errorf("decode %s: %w", ev.Event, err)
		}
		out := domain.StreamEvent{Kind: domain.StreamMessageCompleted}
		if msg.RunID != nil {
			out.RunID = *msg.RunID
		}
		if len(msg.Content) > 0 && msg.Content[0].Type == "text" && msg.Content[0].Text != nil {
			out.FinalText = msg.Content[0].Text.Value
		}
		return decoded{event: out, emit: true}, nil

	case evRunRequiresAction:
		var run openai.Run
		if err := json.Unmarshal([]byte(ev.Data), &run); err != nil {
			return decoded{}, fmt.Errorf("decode %s: %w", ev.Event, err)
		}
		return decoded{action: &run}, nil

	case evRunCompleted, evRunCancelled:
		var run openai.Run
		_ = json.Unmarshal([]byte(ev.Data), &run)
		kind := domain.StreamRunCompleted
		if ev.Event == evRunCancelled {
			kind = domain.StreamRunCancelled
		}
		return decoded{event: domain.StreamEvent{Kind: kind, RunID: run.ID}, emit: true, terminal: true}, nil

	case evRunFailed, evRunExpired, evRunIncomplete:
		var run openai.Run
		_ = json.Unmarshal([]byte(ev.Data), &run)
		reason := "run " + strings.TrimPrefix(ev.Event, "thread.run.")
		if run.LastError != nil && run.LastError.Message != "" {
			reason = run.LastError.Message
		}
		return decoded{
			event:    streamError(run.ID, errors.New(reason)),
			emit:     true,
			terminal: true,
		}, nil

	case evError:
		var body streamErrorBody
		msg := ev.Data
		if json.Unmarshal([]byte(ev.Data), &body) == nil {
			switch {
			case body.Error != nil && body.Error.Message != "":
				msg = body.Error.Message
			case body.Message != "":
				msg = body.Message
			}
		}
		return decoded{event: streamError("", errors.New(msg)), emit: true, terminal: true}, nil

	default:
		return decoded{}, nil
	}
}

func streamError(runID string, err error) domain.StreamEvent {
	return domain.StreamEvent{
		Kind:  domain.StreamError,
		RunID: runID,
		Err:   &domain.ProviderStreamError{RunID: runID, Err: err},
	}
}
