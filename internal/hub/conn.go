package hub

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/panelworks/signage/internal/protocol"
)

// DeviceStatus is the derived liveness state of a connected device.
type DeviceStatus string

const (
	StatusOnline  DeviceStatus = "online"
	StatusWarning DeviceStatus = "warning"
	StatusOffline DeviceStatus = "offline"
	StatusError   DeviceStatus = "error"
)

// wire is the minimal transport surface a DeviceConn needs. Satisfied by
// *websocket.Conn; registry and dispatcher tests substitute in-memory
// fakes.
type wire interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// DeviceConn is one live transport connection bound to a device identity.
// At most one exists per device ID; the Registry enforces this.
type DeviceConn struct {
	ID          string
	Name        string
	Role        string
	Version     protocol.Version
	RemoteAddr  string
	ConnectedAt time.Time

	conn    wire
	writeMu sync.Mutex // serialises frames from concurrent dispatches

	mu       sync.Mutex
	lastSeen time.Time
	status   DeviceStatus
	faultAt  time.Time
}

func newDeviceConn(id, name, role, remoteAddr string, v protocol.Version, w wire) *DeviceConn {
	now := time.Now()
	return &DeviceConn{
		ID:          id,
		Name:        name,
		Role:        role,
		Version:     v,
		RemoteAddr:  remoteAddr,
		ConnectedAt: now,
		conn:        w,
		lastSeen:    now,
		status:      StatusOnline,
	}
}

// Touch refreshes the liveness timestamp. Called for every inbound frame;
// liveness is traffic-based, not limited to explicit heartbeats.
func (c *DeviceConn) Touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

func (c *DeviceConn) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

func (c *DeviceConn) Status() DeviceStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *DeviceConn) setStatus(s DeviceStatus) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

// MarkError records a device-reported fault. The Error state holds until
// the device sends traffic after the report.
func (c *DeviceConn) MarkError() {
	c.mu.Lock()
	c.status = StatusError
	c.faultAt = time.Now()
	c.mu.Unlock()
}

// faultCleared reports whether traffic has arrived since the last fault.
func (c *DeviceConn) faultCleared() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen.After(c.faultAt)
}

// Send marshals env and writes it as a single text frame. Sends are
// serialised so frames from concurrent dispatches never interleave.
func (c *DeviceConn) Send(env *protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportFailure, err)
	}
	return nil
}

// Close tears down the underlying transport. Safe to call more than once
// with gorilla conns; errors are for the caller to swallow.
func (c *DeviceConn) Close() error {
	return c.conn.Close()
}
