package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/margwa-realtime/pkg/identity"
)

var (
	// ErrNotReady is returned by Send on a connection that is not Ready.
	ErrNotReady = errors.New("connection not ready")
	// ErrSendBufferFull is returned by Send when the client is not keeping up.
	ErrSendBufferFull = errors.New("send buffer full")
)

// State is a connection's lifecycle state.
type State int32

const (
	Connecting State = iota
	Authenticating
	Ready
	Disconnected
	Rejected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Ready:
		return "ready"
	case Disconnected:
		return "disconnected"
	case Rejected:
		return "rejected"
	default:
		return "invalid"
	}
}

// Conn is one authenticated WebSocket client.
type Conn struct {
	id       string
	identity identity.Identity
	ws       *websocket.Conn
	manager  *Manager
	ctx      context.Context
	cancel   context.CancelFunc

	state atomic.Int32

	// mu guards send against close: Send holds it for reading.
	mu   sync.RWMutex
	send chan []byte

	closeOnce sync.Once
}

func (c *Conn) ID() string                  { return c.id }
func (c *Conn) Identity() identity.Identity { return c.identity }
func (c *Conn) State() State                { return State(c.state.Load()) }

// Send queues a frame for the client without blocking.
func (c *Conn) Send(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.State() != Ready {
		return ErrNotReady
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *Conn) readPump() {
	defer c.disconnect()

	cfg := c.manager.cfg
	c.ws.SetReadLimit(cfg.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.manager.logger.Warn("Read error", "conn", c.id, "user", c.identity.UserID, "error", err)
			}
			return
		}
		// Errors are logged by the router; the connection carries on.
		_ = c.manager.router.Handle(c.ctx, c, data)
	}
}

func (c *Conn) writePump() {
	cfg := c.manager.cfg
	ticker := time.NewTicker(cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// disconnect runs once per connection: it stops deliveries, takes the
// connection offline, drops every membership and lets the writer finish.
func (c *Conn) disconnect() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state.Store(int32(Disconnected))
		close(c.send)
		c.mu.Unlock()

		m := c.manager
		m.presence.Disconnect(c.ctx, c.id)
		rooms := m.registry.Purge(c.id)
		m.remove(c)
		c.cancel()

		m.logger.Info("Client disconnected", "conn", c.id, "user", c.identity.UserID, "rooms", len(rooms))
	})
}
