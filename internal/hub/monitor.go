package hub

import (
	"time"

	"github.com/rs/zerolog"
)

// StatusChange is handed to the monitor's notify callback when the sweep
// moves a device between liveness states.
type StatusChange struct {
	DeviceID string
	Role     string
	Old      DeviceStatus
	New      DeviceStatus
	At       time.Time
}

// MonitorConfig controls the sweep cadence and aging thresholds.
type MonitorConfig struct {
	Interval     time.Duration // time between sweeps
	WarningAfter time.Duration // heartbeat age that marks a device Warning
	OfflineAfter time.Duration // heartbeat age that evicts a device as Offline
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.WarningAfter <= 0 {
		c.WarningAfter = 90 * time.Second
	}
	if c.OfflineAfter <= 0 {
		c.OfflineAfter = 180 * time.Second
	}
	return c
}

// Monitor drives the Online → Warning → Offline state machine from a
// periodic sweep over the registry. Error is entered only via device
// self-report (DeviceConn.MarkError) and clears once traffic resumes.
type Monitor struct {
	registry *Registry
	cfg      MonitorConfig
	notify   func(StatusChange) // must not block; the sweep's cadence depends on it
	log      zerolog.Logger
	now      func() time.Time

	stop chan struct{}
	done chan struct{}
}

func NewMonitor(registry *Registry, cfg MonitorConfig, notify func(StatusChange), log zerolog.Logger) *Monitor {
	return &Monitor{
		registry: registry,
		cfg:      cfg.withDefaults(),
		notify:   notify,
		log:      log,
		now:      time.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop on its own goroutine.
func (m *Monitor) Start() {
	go m.loop()
}

// Stop halts the sweep loop and waits for it to exit.
func (m *Monitor) Stop() {
	close(m.stop)
	<-m.done
}

func (m *Monitor) loop() {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep examines every registered connection once. Exported so tests and
// the service can force a pass without waiting for the ticker.
func (m *Monitor) Sweep() {
	now := m.now()

	for _, conn := range m.registry.Snapshot() {
		age := now.Sub(conn.LastSeen())
		old := conn.Status()

		switch {
		case age > m.cfg.OfflineAfter:
			// Evict only if this conn is still authoritative; a replacement
			// registered mid-sweep stays untouched.
			if m.registry.Unregister(conn.ID, conn) {
				_ = conn.Close()
				conn.setStatus(StatusOffline)
				m.log.Info().
					Str("device_id", conn.ID).
					Dur("age", age).
					Msg("device timed out, evicting")
				m.emit(conn, old, StatusOffline, now)
			}

		case age > m.cfg.WarningAfter:
			if old == StatusOnline {
				conn.setStatus(StatusWarning)
				m.emit(conn, old, StatusWarning, now)
			}

		default:
			if old == StatusError && !conn.faultCleared() {
				continue // fault holds until the device speaks again
			}
			if old != StatusOnline {
				conn.setStatus(StatusOnline)
				m.emit(conn, old, StatusOnline, now)
			}
		}
	}
}

func (m *Monitor) emit(conn *DeviceConn, old, now DeviceStatus, at time.Time) {
	if m.notify == nil {
		return
	}
	m.notify(StatusChange{
		DeviceID: conn.ID,
		Role:     conn.Role,
		Old:      old,
		New:      now,
		At:       at,
	})
}
