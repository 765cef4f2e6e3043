// Package ws pushes meter state to websocket subscribers.
//
// A new subscriber first receives a "snapshot" frame with every meter, then one
// "meter" frame per committed change. The subscriber is registered before the
// snapshot is read, so a change committed in between can arrive ahead of the
// snapshot; clients keep the version with the newest lastUpdated per meter.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/theb0imanuu/ramani/backend/services/meter-service/internal/models"
	"github.com/theb0imanuu/ramani/backend/services/meter-service/internal/query"
	"github.com/theb0imanuu/ramani/backend/services/meter-service/internal/registry"
)

// Frame types.
const (
	FrameSnapshot = "snapshot"
	FrameMeter    = "meter"
)

const (
	defaultPingInterval = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

// Frame is the JSON message sent to subscribers.
type Frame struct {
	Type   string       `json:"type"`
	Meters []query.View `json:"meters,omitempty"`
	Meter  *query.View  `json:"meter,omitempty"`
}

// Snapshotter provides the state a new subscriber starts from.
type Snapshotter interface {
	Snapshot(ctx context.Context) ([]query.View, error)
	ViewOf(m models.Meter) query.View
}

// Hub tracks subscribers and fans committed changes out to them.
type Hub struct {
	snapshots    Snapshotter
	logger       *zap.Logger
	pingInterval time.Duration
	writeTimeout time.Duration
	upgrader     websocket.Upgrader

	mu       sync.RWMutex
	clients  map[uint64]*Connection
	nextID   uint64
	shutdown bool
}

// NewHub builds hub.
func NewHub(snapshots Snapshotter, pingInterval, writeTimeout time.Duration, logger *zap.Logger) *Hub {
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		snapshots:    snapshots,
		logger:       logger.Named("ws"),
		pingInterval: pingInterval,
		writeTimeout: writeTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients: make(map[uint64]*Connection),
	}
}

// HandleWS is HTTP handler for /api/meters/ws endpoint.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := h.add(conn)
	if client == nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(h.writeTimeout))
		_ = conn.Close()
		return
	}

	views, err := h.snapshots.Snapshot(r.Context())
	if err != nil {
		h.logger.Error("snapshot for subscriber failed", zap.Uint64("client_id", client.ID()), zap.Error(err))
		client.Close()
		_ = conn.Close()
		return
	}
	if views == nil {
		views = []query.View{}
	}
	data, err := json.Marshal(Frame{Type: FrameSnapshot, Meters: views})
	if err != nil {
		h.logger.Error("encode snapshot failed", zap.Error(err))
		client.Close()
		_ = conn.Close()
		return
	}
	client.Send(data)

	go client.Start()
	h.logger.Info("subscriber connected", zap.Uint64("client_id", client.ID()), zap.Int("meters", len(views)))
}

// MeterChanged pushes the committed version of a meter to every subscriber.
func (h *Hub) MeterChanged(_ context.Context, change registry.Change) {
	view := h.snapshots.ViewOf(change.After)
	data, err := json.Marshal(Frame{Type: FrameMeter, Meter: &view})
	if err != nil {
		h.logger.Error("encode meter frame failed", zap.String("meter_id", change.After.ID), zap.Error(err))
		return
	}

	h.mu.RLock()
	clients := make([]*Connection, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.Send(data)
	}
}

// Run blocks until ctx is done, then disconnects every subscriber.
func (h *Hub) Run(ctx context.Context) error {
	<-ctx.Done()

	h.mu.Lock()
	h.shutdown = true
	clients := make([]*Connection, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
	h.logger.Info("subscribers disconnected", zap.Int("count", len(clients)))
	return nil
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) add(conn *websocket.Conn) *Connection {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.shutdown {
		return nil
	}
	h.nextID++
	c := NewConnection(h.nextID, conn, h.pingInterval, h.writeTimeout, h.logger, h.remove)
	h.clients[c.ID()] = c
	return c
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, id)
}

var _ registry.Observer = (*Hub)(nil)
