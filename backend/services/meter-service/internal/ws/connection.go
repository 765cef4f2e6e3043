package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	sendBuffer   = 64
	maxReadBytes = 4096
)

// Connection is one subscribed dashboard or field app. Only the write pump writes
// to the socket.
type Connection struct {
	id           uint64
	ws           *websocket.Conn
	send         chan []byte
	done         chan struct{}
	logger       *zap.Logger
	pingInterval time.Duration
	writeTimeout time.Duration
	onClose      func(id uint64)

	mu     sync.Mutex
	closed bool
}

// NewConnection builds connection wrapper.
func NewConnection(id uint64, ws *websocket.Conn, pingInterval, writeTimeout time.Duration, logger *zap.Logger, onClose func(uint64)) *Connection {
	return &Connection{
		id:           id,
		ws:           ws,
		send:         make(chan []byte, sendBuffer),
		done:         make(chan struct{}),
		logger:       logger,
		pingInterval: pingInterval,
		writeTimeout: writeTimeout,
		onClose:      onClose,
	}
}

// ID returns identifier.
func (c *Connection) ID() uint64 {
	return c.id
}

// Start launches read/write pumps and blocks until the read side ends.
func (c *Connection) Start() {
	go c.writePump()
	c.readPump()
}

// Send enqueues a frame. A client that cannot keep up is disconnected so it can
// reconnect and start again from a fresh snapshot.
func (c *Connection) Send(msg []byte) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	select {
	case c.send <- msg:
		c.mu.Unlock()
		return true
	default:
	}
	c.mu.Unlock()

	c.logger.Warn("client too slow, disconnecting", zap.Uint64("client_id", c.id))
	c.Close()
	return false
}

// Close stops both pumps. Safe to call more than once.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	if c.onClose != nil {
		c.onClose(c.id)
	}
}

// readPump only services control frames; subscribers do not send data.
func (c *Connection) readPump() {
	defer c.Close()

	pongWait := 2 * c.pingInterval
	c.ws.SetReadLimit(maxReadBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			c.logger.Debug("connection read closed", zap.Uint64("client_id", c.id), zap.Error(err))
			return
		}
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.logger.Debug("connection write failed", zap.Uint64("client_id", c.id), zap.Error(err))
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

func (c *Connection) write(messageType int, data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(messageType, data)
}
