package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"aiwriter/internal/domain"

	"github.com/robfig/cron/v3"
)

const (
	DefaultIdleTimeout = 8 * time.Hour
	DefaultSweepSpec   = "@every 5s"
)

// Manager supervises one Agent per conversation: explicit start/stop, auto
// start on the first human message, and disposal of idle agents.
type Manager struct {
	gateway     domain.Gateway
	provider    domain.Provider
	logger      *slog.Logger
	agentCfg    Config
	idleTimeout time.Duration
	sweepSpec   string
	now         func() time.Time

	mu       sync.Mutex
	agents   map[string]*Agent
	starting map[string]*startCall
	closed   bool

	cron    *cron.Cron
	autoSub domain.Subscription
}

type startCall struct {
	done  chan struct{}
	agent *Agent
	err   error
}

type ManagerConfig struct {
	Gateway  domain.Gateway
	Provider domain.Provider
	// Agent holds per-agent tuning; ConversationID, Gateway and Provider are
	// filled in by the manager.
	Agent       Config
	IdleTimeout time.Duration
	SweepSpec   string // robfig/cron spec, default "@every 5s"
	Logger      *slog.Logger
	Now         func() time.Time
}

// AgentInfo is a snapshot of a running agent.
type AgentInfo struct {
	ConversationID  string    `json:"conversation_id"`
	ThreadID        string    `json:"thread_id"`
	AssistantID     string    `json:"assistant_id"`
	LastInteraction time.Time `json:"last_interaction"`
	ActiveHandlers  int       `json:"active_handlers"`
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.SweepSpec == "" {
		cfg.SweepSpec = DefaultSweepSpec
	}
	cfg.Agent.Logger = cfg.Logger
	cfg.Agent.Now = cfg.Now
	return &Manager{
		gateway:     cfg.Gateway,
		provider:    cfg.Provider,
		logger:      cfg.Logger,
		agentCfg:    cfg.Agent,
		idleTimeout: cfg.IdleTimeout,
		sweepSpec:   cfg.SweepSpec,
		now:         cfg.Now,
		agents:      make(map[string]*Agent),
		starting:    make(map[string]*startCall),
	}
}

// Start returns the agent for conversationID, creating and initializing it if
// needed. created reports whether this call created it. Concurrent calls for
// the same conversation share one initialization.
func (m *Manager) Start(ctx context.Context, conversationID string) (a *Agent, created bool, err error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, false, fmt.Errorf("start agent: conversation id is required")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, false, fmt.Errorf("start agent: manager closed")
	}
	if existing, ok := m.agents[conversationID]; ok {
		m.mu.Unlock()
		return existing, false, nil
	}
	if call, ok := m.starting[conversationID]; ok {
		m.mu.Unlock()
		select {
		case <-call.done:
			return call.agent, false, call.err
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
	call := &startCall{done: make(chan struct{})}
	m.starting[conversationID] = call
	m.mu.Unlock()

	cfg := m.agentCfg
	cfg.ConversationID = conversationID
	cfg.Gateway = m.gateway
	cfg.Provider = m.provider
	a = New(cfg)
	err = a.Initialize(ctx)

	m.mu.Lock()
	delete(m.starting, conversationID)
	if err == nil && m.closed {
		err = fmt.Errorf("start agent: manager closed")
	}
	if err == nil {
		m.agents[conversationID] = a
	}
	m.mu.Unlock()

	if err != nil {
		a.Dispose()
		a = nil
		m.logger.Error("agent start failed", "conversation_id", conversationID, "err", err)
	} else {
		m.logger.Info("agent started", "conversation_id", conversationID)
	}
	call.agent, call.err = a, err
	close(call.done)
	return a, err == nil, err
}

// Stop disposes the agent of conversationID. It reports whether one existed.
func (m *Manager) Stop(conversationID string) bool {
	m.mu.Lock()
	a, ok := m.agents[conversationID]
	delete(m.agents, conversationID)
	m.mu.Unlock()

	if !ok {
		return false
	}
	a.Dispose()
	m.logger.Info("agent stopped", "conversation_id", conversationID)
	return true
}

// Get returns the running agent of conversationID.
func (m *Manager) Get(conversationID string) (*Agent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[conversationID]
	return a, ok
}

// Agents lists running agents ordered by conversation id.
func (m *Manager) Agents() []AgentInfo {
	m.mu.Lock()
	agents := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		agents = append(agents, a)
	}
	m.mu.Unlock()

	infos := make([]AgentInfo, 0, len(agents))
	for _, a := range agents {
		conv := a.Conversation()
		infos = append(infos, AgentInfo{
			ConversationID:  a.ConversationID(),
			ThreadID:        conv.ThreadID,
			AssistantID:     conv.AssistantID,
			LastInteraction: a.LastInteraction(),
			ActiveHandlers:  a.ActiveHandlers(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ConversationID < infos[j].ConversationID })
	return infos
}

// Sweep disposes agents idle for longer than the idle timeout and returns
// how many were disposed.
func (m *Manager) Sweep() int {
	now := m.now()

	m.mu.Lock()
	var idle []*Agent
	for id, a := range m.agents {
		if now.Sub(a.LastInteraction()) > m.idleTimeout {
			idle = append(idle, a)
			delete(m.agents, id)
		}
	}
	m.mu.Unlock()

	for _, a := range idle {
		m.logger.Info("disposing idle agent", "conversation_id", a.ConversationID(), "last_interaction", a.LastInteraction())
		a.Dispose()
	}
	return len(idle)
}

// StartSweeper schedules Sweep on the configured cron spec.
func (m *Manager) StartSweeper() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron != nil {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(m.sweepSpec, func() { m.Sweep() }); err != nil {
		return fmt.Errorf("schedule idle sweep %q: %w", m.sweepSpec, err)
	}
	c.Start()
	m.cron = c
	m.logger.Info("idle sweeper started", "schedule", m.sweepSpec, "idle_timeout", m.idleTimeout)
	return nil
}

// EnableAutoStart starts an agent for any conversation that receives a human
// message and has none yet. The triggering message is handed to the new
// agent directly since it subscribed after the event was published. Messages
// that arrive while the agent is initializing are handed over the same way;
// the agent's dedupe cache drops any it also saw through its subscription.
func (m *Manager) EnableAutoStart(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.autoSub != nil || m.closed {
		return
	}
	m.autoSub = m.gateway.Subscribe(domain.EventMessageNew, func(evt domain.Event) {
		msg := evt.Message
		if msg == nil || !msg.SenderIsHuman || strings.TrimSpace(msg.Text) == "" || msg.ConversationID == "" {
			return
		}
		if _, ok := m.Get(msg.ConversationID); ok {
			return
		}
		go func() {
			a, _, err := m.Start(ctx, msg.ConversationID)
			if err != nil {
				return
			}
			a.HandleMessage(evt)
		}()
	})
}

// Close stops the sweeper and auto start and disposes every agent.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	c := m.cron
	sub := m.autoSub
	agents := m.agents
	m.agents = make(map[string]*Agent)
	m.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	if c != nil {
		<-c.Stop().Done()
	}
	for _, a := range agents {
		a.Dispose()
	}
	m.logger.Info("agent manager closed", "agents", len(agents))
}
