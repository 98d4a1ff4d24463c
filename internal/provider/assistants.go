// Package provider implements the generation provider on top of the OpenAI
// Assistants API: one assistant and one thread per conversation, runs
// streamed over SSE, tool calls served from a tool.Registry.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"aiwriter/internal/domain"
	"aiwriter/internal/tool"

	openai "github.com/sashabaranov/go-openai"
)

const (
	DefaultAPIBase       = "https://api.openai.com/v1"
	DefaultModel         = "gpt-4.1-mini"
	DefaultAssistantName = "AI Writing Assistant"
	DefaultInstructions  = "You are a helpful writing assistant."

	streamBuffer   = 64
	maxToolRounds  = 8
	assistantsBeta = "assistants=v2"
)

// Assistants implements domain.Provider for the OpenAI Assistants API.
type Assistants struct {
	apiKey       string
	apiBase      string
	model        string
	assistantID  string
	name         string
	instructions string

	client *openai.Client
	http   *http.Client
	tools  *tool.Registry
	retry  retryPolicy
	logger *slog.Logger
}

var _ domain.Provider = (*Assistants)(nil)

type AssistantsConfig struct {
	APIKey       string
	APIBase      string
	Model        string
	AssistantID  string // reuse an existing assistant instead of creating one
	Name         string
	Instructions string
	Tools        *tool.Registry
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

func NewAssistants(cfg AssistantsConfig) *Assistants {
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Name == "" {
		cfg.Name = DefaultAssistantName
	}
	if cfg.Instructions == "" {
		cfg.Instructions = DefaultInstructions
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = SharedHTTPClient(0)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tools == nil {
		cfg.Tools = tool.NewRegistry(cfg.Logger)
	}

	oaiCfg := openai.DefaultConfig(cfg.APIKey)
	oaiCfg.BaseURL = strings.TrimRight(cfg.APIBase, "/")
	oaiCfg.HTTPClient = cfg.HTTPClient

	return &Assistants{
		apiKey:       cfg.APIKey,
		apiBase:      oaiCfg.BaseURL,
		model:        cfg.Model,
		assistantID:  cfg.AssistantID,
		name:         cfg.Name,
		instructions: cfg.Instructions,
		client:       openai.NewClientWithConfig(oaiCfg),
		http:         cfg.HTTPClient,
		tools:        cfg.Tools,
		retry:        defaultRetryPolicy,
		logger:       cfg.Logger,
	}
}

func (a *Assistants) Name() string { return "openai-assistants" }

// Validate reports a missing API key.
func (a *Assistants) Validate() error {
	if strings.TrimSpace(a.apiKey) == "" {
		return &domain.ConfigurationError{Key: "openai.apiKey", Reason: "OpenAI API key is required"}
	}
	return nil
}

// CreateConversation resolves the assistant and opens a fresh thread.
func (a *Assistants) CreateConversation(ctx context.Context) (domain.ConversationContext, error) {
	assistantID, err := a.ensureAssistant(ctx)
	if err != nil {
		return domain.ConversationContext{}, err
	}

	thread, err := a.client.CreateThread(ctx, openai.ThreadRequest{})
	if err != nil {
		return domain.ConversationContext{}, fmt.Errorf("create thread: %w", err)
	}
	a.logger.Info("conversation created", "assistant_id", assistantID, "thread_id", thread.ID)
	return domain.ConversationContext{ThreadID: thread.ID, AssistantID: assistantID}, nil
}

func (a *Assistants) ensureAssistant(ctx context.Context) (string, error) {
	if a.assistantID != "" {
		asst, err := a.client.RetrieveAssistant(ctx, a.assistantID)
		if err != nil {
			return "", fmt.Errorf("retrieve assistant %s: %w", a.assistantID, err)
		}
		return asst.ID, nil
	}

	req := openai.AssistantRequest{
		Model:        a.model,
		Name:         &a.name,
		Instructions: &a.instructions,
		Tools:        a.assistantTools(),
	}
	asst, err := a.client.CreateAssistant(ctx, req)
	if err != nil {
		return "", fmt.Errorf("create assistant: %w", err)
	}
	return asst.ID, nil
}

func (a *Assistants) assistantTools() []openai.AssistantTool {
	defs := a.tools.GetDefinitions()
	if len(defs) == 0 {
		return nil
	}
	tools := make([]openai.AssistantTool, 0, len(defs))
	for _, d := range defs {
		tools = append(tools, openai.AssistantTool{
			Type: openai.AssistantToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			},
		})
	}
	return tools
}

type runMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type createRunRequest struct {
	AssistantID        string       `json:"assistant_id"`
	Stream             bool         `json:"stream"`
	AdditionalMessages []runMessage `json:"additional_messages,omitempty"`
}

type submitToolOutputsRequest struct {
	ToolOutputs []openai.ToolOutput `json:"tool_outputs"`
	Stream      bool                `json:"stream"`
}

// StartRun appends req.Text as a user turn and starts a streamed run. The
// returned stream stays open until the run ends or Close is called.
func (a *Assistants) StartRun(ctx context.Context, req domain.RunRequest) (domain.Stream, error) {
	conv := req.Conversation
	if conv.ThreadID == "" || conv.AssistantID == "" {
		return nil, fmt.Errorf("start run: conversation is not initialized")
	}

	runCtx, cancel := context.WithCancel(ctx)
	body, err := a.postStream(runCtx, "/threads/"+conv.ThreadID+"/runs", createRunRequest{
		AssistantID:        conv.AssistantID,
		Stream:             true,
		AdditionalMessages: []runMessage{{Role: "user", Content: req.Text}},
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("start run: %w", err)
	}

	s := &runStream{
		events: make(chan domain.StreamEvent, streamBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go a.pump(runCtx, s, conv, body)
	return s, nil
}

// CancelRun asks the API to stop runID.
func (a *Assistants) CancelRun(ctx context.Context, conv domain.ConversationContext, runID string) error {
	if _, err := a.client.CancelRun(ctx, conv.ThreadID, runID); err != nil {
		return fmt.Errorf("cancel run %s: %w", runID, err)
	}
	a.logger.Info("run cancelled", "thread_id", conv.ThreadID, "run_id", runID)
	return nil
}

// postStream POSTs payload and returns the SSE body of a successful response.
func (a *Assistants) postStream(ctx context.Context, path string, payload any) (io.ReadCloser, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := doWithRetry(ctx, a.http, a.retry, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiBase+path, bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("OpenAI-Beta", assistantsBeta)
		return req, nil
	}, a.logger)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, errorResponse(resp)
	}
	return resp.Body, nil
}

// errorResponse extracts the API error message from a non-200 response.
func errorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var apiErr struct {
		Error *openai.APIError `json:"error"`
	}
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != nil && apiErr.Error.Message != "" {
		apiErr.Error.HTTPStatusCode = resp.StatusCode
		apiErr.Error.HTTPStatus = resp.Status
		return apiErr.Error
	}
	return fmt.Errorf("openai returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

// pump forwards translated events until the run ends, serving tool calls
// by submitting their outputs and following the continuation stream.
func (a *Assistants) pump(ctx context.Context, s *runStream, conv domain.ConversationContext, body io.ReadCloser) {
	defer close(s.done)
	defer close(s.events)

	send := func(evt domain.StreamEvent) bool {
		select {
		case s.events <- evt:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var runID string
	finished := false
	for round := 0; body != nil; round++ {
		var action *openai.Run
		var decodeErr error

		readErr := readSSE(ctx, body, func(ev sseEvent) bool {
			d, err := decodeEvent(ev)
			if err != nil {
				decodeErr = err
				return false
			}
			if d.event.RunID != "" {
				runID = d.event.RunID
			}
			if d.action != nil {
				action = d.action
				return true
			}
			if d.emit && !send(d.event) {
				return false
			}
			if d.terminal {
				finished = true
				return false
			}
			return true
		})
		body.Close()
		body = nil

		if ctx.Err() != nil {
			return
		}
		switch {
		case decodeErr != nil:
			send(streamError(runID, decodeErr))
			return
		case readErr != nil:
			send(streamError(runID, readErr))
			return
		case finished:
			return
		case action == nil:
			send(streamError(runID, errors.New("stream ended before the run completed")))
			return
		case round >= maxToolRounds:
			send(streamError(runID, fmt.Errorf("run exceeded %d tool rounds", maxToolRounds)))
			return
		}

		next, err := a.submitToolOutputs(ctx, conv, action)
		if err != nil {
			if ctx.Err() == nil {
				send(streamError(action.ID, err))
			}
			return
		}
		body = next
	}
}

func (a *Assistants) submitToolOutputs(ctx context.Context, conv domain.ConversationContext, run *openai.Run) (io.ReadCloser, error) {
	if run.RequiredAction == nil || run.RequiredAction.SubmitToolOutputs == nil {
		return nil, fmt.Errorf("run %s requires an unsupported action", run.ID)
	}

	calls := run.RequiredAction.SubmitToolOutputs.ToolCalls
	outputs := make([]openai.ToolOutput, 0, len(calls))
	for _, call := range calls {
		outputs = append(outputs, openai.ToolOutput{
			ToolCallID: call.ID,
			Output:     a.executeToolCall(ctx, call),
		})
	}

	body, err := a.postStream(ctx, "/threads/"+conv.ThreadID+"/runs/"+run.ID+"/submit_tool_outputs", submitToolOutputsRequest{
		ToolOutputs: outputs,
		Stream:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("submit tool outputs: %w", err)
	}
	return body, nil
}

func (a *Assistants) executeToolCall(ctx context.Context, call openai.ToolCall) string {
	args := map[string]any{}
	if raw := strings.TrimSpace(call.Function.Arguments); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return tool.ErrorPayload(fmt.Errorf("invalid arguments for %s: %w", call.Function.Name, err))
		}
	}
	a.logger.Info("executing tool call", "tool", call.Function.Name, "call_id", call.ID)
	return a.tools.ExecuteCall(ctx, domain.ToolCall{
		ID:        call.ID,
		Name:      call.Function.Name,
		Arguments: args,
	})
}

// runStream is the domain.Stream of one run.
type runStream struct {
	events    chan domain.StreamEvent
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func (s *runStream) Events() <-chan domain.StreamEvent { return s.events }

// Close stops the pump and waits for it to release the connection.
func (s *runStream) Close() error {
	s.closeOnce.Do(s.cancel)
	<-s.done
	return nil
}
