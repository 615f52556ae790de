// Package presence tracks whether each driver connection is online. A
// connection is online exactly while it is a member of drivers:online; every
// transition is announced once to the drivers room.
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/margwa-realtime/pkg/events"
	"github.com/example/margwa-realtime/pkg/identity"
	"github.com/example/margwa-realtime/pkg/room"
	"github.com/example/margwa-realtime/realtime-service/hub"
)

type State int

const (
	Unknown State = iota
	Online
	Offline
)

func (s State) String() string {
	switch s {
	case Online:
		return "online"
	case Offline:
		return "offline"
	default:
		return "unknown"
	}
}

// Registry is the part of the room registry presence needs.
type Registry interface {
	Join(c hub.Conn, r room.ID)
	Leave(connID string, r room.ID)
}

// Broadcaster delivers an event to a room on every process.
type Broadcaster interface {
	Broadcast(ctx context.Context, target room.ID, event string, payload any) error
}

type entry struct {
	driverID string
	state    State
}

type Tracker struct {
	registry Registry
	out      Broadcaster
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	conns map[string]*entry
}

func New(registry Registry, out Broadcaster, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		registry: registry,
		out:      out,
		logger:   logger,
		now:      time.Now,
		conns:    make(map[string]*entry),
	}
}

// State returns the presence state of connID; connections never seen, and
// connections already disconnected, are Unknown.
func (t *Tracker) State(connID string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.conns[connID]; ok {
		return e.state
	}
	return Unknown
}

// GoOnline moves c from Unknown to Online. It reports whether a transition
// happened; repeated declarations, declarations after Offline and
// declarations from non-driver identities change nothing.
func (t *Tracker) GoOnline(ctx context.Context, c hub.Conn, id identity.Identity) bool {
	if !id.UserType.CanDrive() {
		t.logger.Warn("Ignoring driver:online from non-driver", "conn", c.ID(), "user", id.UserID, "userType", id.UserType)
		return false
	}

	t.mu.Lock()
	e, ok := t.conns[c.ID()]
	if !ok {
		e = &entry{driverID: id.UserID}
		t.conns[c.ID()] = e
	}
	if state := e.state; state != Unknown {
		t.mu.Unlock()
		t.logger.Debug("Ignoring driver:online", "conn", c.ID(), "state", state)
		return false
	}
	e.state = Online
	t.registry.Join(c, room.DriversOnline)
	t.mu.Unlock()

	t.announce(ctx, id.UserID, true)
	return true
}

// GoOffline moves connID from Online to Offline.
func (t *Tracker) GoOffline(ctx context.Context, connID string) bool {
	driverID, ok := t.takeOffline(connID, false)
	if !ok {
		return false
	}
	t.announce(ctx, driverID, false)
	return true
}

// Disconnect is the implicit offline path. An Online connection goes Offline
// exactly as with GoOffline; in every case the connection is forgotten.
func (t *Tracker) Disconnect(ctx context.Context, connID string) bool {
	driverID, ok := t.takeOffline(connID, true)
	if !ok {
		return false
	}
	t.announce(ctx, driverID, false)
	return true
}

func (t *Tracker) takeOffline(connID string, forget bool) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.conns[connID]
	if forget {
		delete(t.conns, connID)
	}
	if !ok || e.state != Online {
		return "", false
	}
	e.state = Offline
	t.registry.Leave(connID, room.DriversOnline)
	return e.driverID, true
}

func (t *Tracker) announce(ctx context.Context, driverID string, online bool) {
	payload := events.PresenceChanged{
		DriverID:  driverID,
		Online:    online,
		Timestamp: events.FormatTime(t.now()),
	}
	if err := t.out.Broadcast(ctx, room.Drivers, events.EventPresenceChanged, payload); err != nil {
		t.logger.Error("Failed to announce presence", "driver", driverID, "online", online, "error", err)
		return
	}
	t.logger.Info("Driver presence changed", "driver", driverID, "online", online)
}

// OnlineCount returns the number of connections currently Online.
func (t *Tracker) OnlineCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.conns {
		if e.state == Online {
			n++
		}
	}
	return n
}
