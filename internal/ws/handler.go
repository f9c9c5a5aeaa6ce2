package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/veil-waf/veil-anomaly/internal/db"
	"github.com/veil-waf/veil-anomaly/internal/events"
	"github.com/veil-waf/veil-anomaly/internal/sse"
)

const (
	hydrateLimit = 20
	writeTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// History is the subset of the history store used to hydrate new clients.
type History interface {
	RecentPredictions(ctx context.Context, limit int, attacksOnly bool) ([]events.Prediction, error)
	PredictionStats(ctx context.Context, window time.Duration) (*db.Stats, error)
}

// Message is the envelope of every frame sent to clients.
type Message struct {
	Type       string          `json:"type"` // "prediction", "stats"
	Prediction json.RawMessage `json:"prediction,omitempty"`
	Stats      *db.Stats       `json:"stats,omitempty"`
}

type client struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *client) send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

// Manager tracks active WebSocket connections and broadcasts prediction events.
type Manager struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	history History
	logger  *slog.Logger
}

// NewManager creates a new WebSocket manager. history may be nil.
func NewManager(history History, logger *slog.Logger) *Manager {
	return &Manager{
		clients: make(map[*client]struct{}),
		history: history,
		logger:  logger,
	}
}

// HandleWS upgrades an HTTP connection to WebSocket and registers it.
func (m *Manager) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Error("websocket upgrade failed", "err", err)
		return
	}

	c := &client{conn: conn}
	m.hydrate(r.Context(), c)

	m.mu.Lock()
	m.clients[c] = struct{}{}
	m.mu.Unlock()

	defer m.remove(c)

	// Client messages are ignored; reading detects disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (m *Manager) hydrate(ctx context.Context, c *client) {
	if m.history == nil {
		return
	}

	if stats, err := m.history.PredictionStats(ctx, 24*time.Hour); err == nil {
		m.sendTo(c, Message{Type: "stats", Stats: stats})
	}

	preds, err := m.history.RecentPredictions(ctx, hydrateLimit, false)
	if err != nil {
		return
	}
	for i := len(preds) - 1; i >= 0; i-- {
		data, err := events.Marshal(preds[i])
		if err != nil {
			continue
		}
		m.sendTo(c, Message{Type: "prediction", Prediction: data})
	}
}

// Run relays hub prediction events to every client until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, hub *sse.Hub) {
	ch, cancel := hub.Subscribe(sse.TopicPredictions)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.Broadcast(Message{Type: ev.Type, Prediction: ev.Data})
		}
	}
}

// Broadcast sends a message to all connected WebSocket clients.
func (m *Manager) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		m.logger.Error("websocket: encode message failed", "err", err)
		return
	}

	m.mu.RLock()
	clients := make([]*client, 0, len(m.clients))
	for c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.RUnlock()

	for _, c := range clients {
		if err := c.send(data); err != nil {
			m.remove(c)
		}
	}
}

// ClientCount returns the number of connected clients.
func (m *Manager) ClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

func (m *Manager) sendTo(c *client, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := c.send(data); err != nil {
		m.logger.Debug("websocket: hydrate send failed", "err", err)
	}
}

func (m *Manager) remove(c *client) {
	m.mu.Lock()
	_, ok := m.clients[c]
	delete(m.clients, c)
	m.mu.Unlock()
	if ok {
		c.conn.Close()
	}
}
