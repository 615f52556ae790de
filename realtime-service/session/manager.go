// Package session owns the lifecycle of client connections: handshake
// authentication, implicit room membership, the read/write pumps and the
// disconnect path.
package session

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/margwa-realtime/pkg/identity"
	"github.com/example/margwa-realtime/pkg/otelhelper"
	"github.com/example/margwa-realtime/pkg/room"
	"github.com/example/margwa-realtime/realtime-service/hub"
	"github.com/example/margwa-realtime/realtime-service/router"
)

type Verifier interface {
	Verify(token string) (identity.Identity, error)
}

type Registry interface {
	Join(c hub.Conn, r room.ID)
	Purge(connID string) []room.ID
}

type Presence interface {
	Disconnect(ctx context.Context, connID string) bool
}

type Router interface {
	Handle(ctx context.Context, c router.Client, raw []byte) error
}

// Config holds the WebSocket limits and origin policy.
type Config struct {
	SendBufferSize int
	MaxMessageSize int64
	PingPeriod     time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	// AllowedOrigins empty or containing "*" accepts any origin.
	AllowedOrigins []string
}

func DefaultConfig() Config {
	return Config{
		SendBufferSize: 256,
		MaxMessageSize: 64 * 1024,
		PingPeriod:     25 * time.Second,
		PongWait:       60 * time.Second,
		WriteWait:      10 * time.Second,
	}
}

// bearerProtocol is offered by browser clients as "bearer, <token>" since
// they cannot set an Authorization header on a WebSocket request.
const bearerProtocol = "bearer"

type Manager struct {
	verifier Verifier
	registry Registry
	presence Presence
	router   Router
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conns   map[string]*Conn
	closing bool
	wg      sync.WaitGroup

	rejections metric.Int64Counter
}

func NewManager(v Verifier, reg Registry, p Presence, rt Router, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = def.SendBufferSize
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if cfg.PingPeriod <= 0 || cfg.PingPeriod >= cfg.PongWait {
		cfg.PingPeriod = (cfg.PongWait * 9) / 10
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}

	rejections, _ := otelhelper.Meter().Int64Counter("realtime_auth_rejections_total",
		metric.WithDescription("Handshakes rejected by token verification"))

	m := &Manager{
		verifier:   v,
		registry:   reg,
		presence:   p,
		router:     rt,
		cfg:        cfg,
		logger:     logger,
		conns:      make(map[string]*Conn),
		rejections: rejections,
	}
	m.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		Subprotocols:    []string{bearerProtocol},
		CheckOrigin:     OriginChecker(cfg.AllowedOrigins),
	}
	return m
}

// OriginChecker builds a CheckOrigin func from an allow-list. Requests
// without an Origin header are not from browsers and are accepted.
func OriginChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}

// TokenFromRequest finds the handshake token in the token query parameter,
// an Authorization bearer header or a "bearer, <token>" subprotocol offer.
func TokenFromRequest(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		if t, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(t)
		}
	}
	protocols := websocket.Subprotocols(r)
	for i, p := range protocols {
		if strings.EqualFold(p, bearerProtocol) && i+1 < len(protocols) {
			return protocols[i+1]
		}
	}
	return ""
}

// ServeHTTP authenticates and upgrades one client. A rejected handshake gets
// 401 and never reaches Ready.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, err := m.verifier.Verify(TokenFromRequest(r))
	if err != nil {
		m.rejections.Add(r.Context(), 1)
		m.logger.Warn("Rejected connection", "remote", r.RemoteAddr, "state", Rejected, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	m.mu.Lock()
	closing := m.closing
	m.mu.Unlock()
	if closing {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		m.logger.Warn("WebSocket upgrade failed", "user", id.UserID, "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		id:       uuid.NewString(),
		identity: id,
		ws:       ws,
		manager:  m,
		ctx:      ctx,
		cancel:   cancel,
		send:     make(chan []byte, m.cfg.SendBufferSize),
	}
	c.state.Store(int32(Authenticating))

	if !m.add(c) {
		cancel()
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(m.cfg.WriteWait))
		ws.Close()
		return
	}

	c.state.Store(int32(Ready))
	m.registry.Join(c, room.User(id.UserID))
	if id.UserType.CanDrive() {
		m.registry.Join(c, room.Drivers)
	}

	m.logger.Info("Client connected", "conn", c.id, "user", id.UserID, "userType", id.UserType)

	go c.writePump()
	go c.readPump()
}

func (m *Manager) add(c *Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		return false
	}
	m.conns[c.id] = c
	m.wg.Add(1)
	return true
}

func (m *Manager) remove(c *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conns[c.id]; ok {
		delete(m.conns, c.id)
		m.wg.Done()
	}
}

// Count returns the number of connections that have not yet disconnected.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Shutdown stops accepting connections, closes every open one through the
// normal disconnect path and waits for them to finish or ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	deadline := time.Now().Add(m.cfg.WriteWait)
	for _, c := range conns {
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
		c.ws.Close()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("All connections closed", "count", len(conns))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
