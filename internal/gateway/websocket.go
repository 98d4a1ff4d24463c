package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"aiwriter/internal/bus"
	"aiwriter/internal/domain"

	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsSendBuffer   = 64
)

// Frame is the JSON protocol spoken by browser clients.
//
// Inbound frames are "message.new" (a human message: conversation_id, text)
// and "ai_indicator.stop" (message_id). Outbound frames are domain.Event values.
type Frame struct {
	Type           domain.EventType `json:"type"`
	ConversationID string           `json:"conversation_id,omitempty"`
	MessageID      string           `json:"message_id,omitempty"`
	Text           string           `json:"text,omitempty"`
	UserID         string           `json:"user_id,omitempty"`
}

// WebSocket serves a Local gateway to browser clients. Each client watches a
// single conversation chosen with the conversation_id query parameter.
type WebSocket struct {
	local    *Local
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*wsClient]struct{}

	fanout domain.Subscription
}

type wsClient struct {
	conn           *websocket.Conn
	conversationID string
	send           chan []byte
	done           chan struct{}
	closeOnce      sync.Once
}

func newWSClient(conn *websocket.Conn, conversationID string) *wsClient {
	return &wsClient{
		conn:           conn,
		conversationID: conversationID,
		send:           make(chan []byte, wsSendBuffer),
		done:           make(chan struct{}),
	}
}

// NewWebSocket attaches a websocket transport to local.
func NewWebSocket(local *Local, logger *slog.Logger) *WebSocket {
	ws := &WebSocket{
		local:  local,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*wsClient]struct{}),
	}
	ws.fanout = local.Subscribe(bus.Wildcard, ws.broadcast)
	return ws
}

// ServeHTTP upgrades the request and pumps frames until the client leaves.
func (ws *WebSocket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		http.Error(w, "conversation_id is required", http.StatusBadRequest)
		return
	}

	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.logger.Error("websocket upgrade failed", "err", err)
		return
	}

	client := newWSClient(conn, conversationID)
	ws.mu.Lock()
	ws.clients[client] = struct{}{}
	ws.mu.Unlock()
	go client.writeLoop(ws.logger)

	ws.logger.Info("websocket client connected", "conversation_id", conversationID)

	defer func() {
		ws.mu.Lock()
		delete(ws.clients, client)
		ws.mu.Unlock()
		client.close()
		ws.logger.Info("websocket client disconnected", "conversation_id", conversationID)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ws.logger.Error("websocket read error", "err", err)
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			ws.logger.Warn("invalid websocket frame", "err", err)
			continue
		}
		if frame.ConversationID == "" {
			frame.ConversationID = conversationID
		}
		if err := ws.handleFrame(r.Context(), frame); err != nil {
			ws.logger.Warn("websocket frame rejected", "type", frame.Type, "err", err)
		}
	}
}

func (ws *WebSocket) handleFrame(ctx context.Context, frame Frame) error {
	switch frame.Type {
	case domain.EventMessageNew:
		_, err := ws.local.Post(ctx, frame.ConversationID, frame.Text, true)
		return err
	case domain.EventIndicatorStop:
		if frame.MessageID == "" {
			return fmt.Errorf("message_id is required")
		}
		ws.local.RequestStop(frame.MessageID)
		return nil
	default:
		return fmt.Errorf("unsupported frame type %q", frame.Type)
	}
}

func (ws *WebSocket) broadcast(evt domain.Event) {
	conversationID := evt.ConversationID
	if conversationID == "" && evt.Message != nil {
		conversationID = evt.Message.ConversationID
	}
	if conversationID == "" {
		return
	}

	data, err := json.Marshal(evt)
	if err != nil {
		ws.logger.Error("marshal websocket event", "event", evt.Type, "err", err)
		return
	}

	ws.mu.RLock()
	var slow []*wsClient
	for client := range ws.clients {
		if client.conversationID != conversationID || client.closed() {
			continue
		}
		if !client.enqueue(data) {
			slow = append(slow, client)
		}
	}
	ws.mu.RUnlock()

	// The read loop of a closed client removes it from the set.
	for _, client := range slow {
		ws.logger.Warn("websocket client too slow, dropping", "conversation_id", client.conversationID)
		client.close()
	}
}

// enqueue queues data for the client's writer without blocking. It reports
// false when the queue is full or the client is gone.
func (c *wsClient) enqueue(data []byte) bool {
	if c.closed() {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// writeLoop is the only writer of the connection.
func (c *wsClient) writeLoop(logger *slog.Logger) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Debug("websocket write failed", "err", err)
				c.close()
				return
			}
		}
	}
}

func (c *wsClient) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// Clients returns the number of connected clients.
func (ws *WebSocket) Clients() int {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return len(ws.clients)
}

// Close disconnects every client and detaches from the local gateway.
func (ws *WebSocket) Close() {
	ws.fanout.Unsubscribe()
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for client := range ws.clients {
		client.close()
		delete(ws.clients, client)
	}
}
