package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"aiwriter/internal/agent"
	"aiwriter/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSupervisor struct {
	mu       sync.Mutex
	running  map[string]bool
	startErr error
	started  []string
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{running: make(map[string]bool)}
}

func (f *fakeSupervisor) Start(_ context.Context, id string) (*agent.Agent, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, id)
	if f.startErr != nil {
		return nil, false, f.startErr
	}
	if f.running[id] {
		return nil, false, nil
	}
	f.running[id] = true
	return nil, true, nil
}

func (f *fakeSupervisor) Stop(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	ok := f.running[id]
	delete(f.running, id)
	return ok
}

func (f *fakeSupervisor) Agents() []agent.AgentInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	infos := make([]agent.AgentInfo, 0, len(f.running))
	for id := range f.running {
		infos = append(infos, agent.AgentInfo{ConversationID: id, LastInteraction: time.Unix(0, 0).UTC()})
	}
	return infos
}

func newTestServer(t *testing.T, sup Supervisor, ws http.Handler) *httptest.Server {
	t.Helper()
	s := New(Config{
		Port:      0,
		Manager:   sup,
		WebSocket: ws,
		Version:   "test",
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestStatus(t *testing.T) {
	sup := newFakeSupervisor()
	sup.running["c1"] = true
	ts := newTestServer(t, sup, nil)

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "test", out["version"])
	assert.EqualValues(t, 1, out["active_agents"])
}

func TestUnknownPathIsNotFound(t *testing.T) {
	ts := newTestServer(t, newFakeSupervisor(), nil)
	resp, err := http.Get(ts.URL + "/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, newFakeSupervisor(), nil)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStartAgent(t *testing.T) {
	sup := newFakeSupervisor()
	ts := newTestServer(t, sup, nil)

	resp, out := postJSON(t, ts.URL+"/start-ai-agent", `{"channel_id":"general"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "AI Agent started", out["message"])

	resp, out = postJSON(t, ts.URL+"/start-ai-agent", `{"channel_id":"general"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "AI Agent already started", out["message"])
	assert.Equal(t, []string{"general", "general"}, sup.started)
}

func TestStartAgent_Validation(t *testing.T) {
	sup := newFakeSupervisor()
	ts := newTestServer(t, sup, nil)

	for _, body := range []string{`{}`, `{"channel_id":"  "}`, `not json`} {
		resp, out := postJSON(t, ts.URL+"/start-ai-agent", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
		assert.NotEmpty(t, out["error"], body)
	}
	assert.Empty(t, sup.started)
}

func TestStartAgent_Failure(t *testing.T) {
	sup := newFakeSupervisor()
	ts := newTestServer(t, sup, nil)

	sup.startErr = fmt.Errorf("initialize agent: %w", &domain.ConfigurationError{Key: "openai.apiKey"})
	resp, out := postJSON(t, ts.URL+"/start-ai-agent", `{"channel_id":"c"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "Failed to start AI Agent", out["error"])
	assert.Contains(t, out["reason"], "openai.apiKey")

	sup.startErr = fmt.Errorf("create thread: boom")
	resp, _ = postJSON(t, ts.URL+"/start-ai-agent", `{"channel_id":"c"}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestStopAgent(t *testing.T) {
	sup := newFakeSupervisor()
	sup.running["general"] = true
	ts := newTestServer(t, sup, nil)

	resp, out := postJSON(t, ts.URL+"/stop-ai-agent", `{"channel_id":"general"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "AI Agent stopped", out["message"])

	_, out = postJSON(t, ts.URL+"/stop-ai-agent", `{"channel_id":"general"}`)
	assert.Equal(t, "AI Agent not running", out["message"])

	resp, _ = postJSON(t, ts.URL+"/stop-ai-agent", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListAgents(t *testing.T) {
	sup := newFakeSupervisor()
	sup.running["a"] = true
	ts := newTestServer(t, sup, nil)

	resp, err := http.Get(ts.URL + "/agents")
	require.NoError(t, err)
	defer resp.Body.Close()

	var out struct {
		Data []agent.AgentInfo `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Data, 1)
	assert.Equal(t, "a", out.Data[0].ConversationID)
}

func TestPreflight(t *testing.T) {
	ts := newTestServer(t, newFakeSupervisor(), nil)
	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/start-ai-agent", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")
}

func TestWebSocketMount(t *testing.T) {
	ws := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	ts := newTestServer(t, newFakeSupervisor(), ws)
	resp, err := http.Get(ts.URL + "/ws")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)

	bare := newTestServer(t, newFakeSupervisor(), nil)
	resp, err = http.Get(bare.URL + "/ws")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, newFakeSupervisor(), nil)
	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "aiwriter_")
}
