// Package hub implements the client communication core: the WebSocket
// endpoint devices connect to, the per-device connection registry, the
// heartbeat liveness monitor, and the command dispatcher that correlates
// asynchronous responses.
package hub

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/panelworks/signage/internal/protocol"
	"github.com/panelworks/signage/internal/store"
)

// registrationTimeout is how long the server waits for the client's
// initial registration message after the WebSocket handshake.
const registrationTimeout = 30 * time.Second

// writeTimeout bounds individual control writes during handshake rejection.
const writeTimeout = 5 * time.Second

// Repository is the persistence surface the hub depends on. store.Store
// satisfies it; tests use an in-memory fake.
type Repository interface {
	GetDevice(ctx context.Context, id string) (*store.DeviceRecord, error)
	UpdateDeviceStatus(ctx context.Context, id, status string, seen time.Time) error
	GetLayout(ctx context.Context, id string) (*store.LayoutRecord, error)
	AssignLayout(ctx context.Context, deviceID, layoutID string) error
}

// CredentialVerifier checks a registration credential and returns the
// device ID it was issued to. *security.Platform satisfies it.
type CredentialVerifier interface {
	VerifyCredential(credential string) (string, error)
}

// Config tunes the communication service.
type Config struct {
	CommandTimeout time.Duration // default wait for a correlated response
	CommandRetries int           // extra attempts for idempotent commands
	Monitor        MonitorConfig
}

func (c Config) withDefaults() Config {
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 30 * time.Second
	}
	return c
}

// DeviceInfo is a point-in-time view of one connected device.
type DeviceInfo struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Role            string       `json:"role"`
	Status          DeviceStatus `json:"status"`
	ProtocolVersion string       `json:"protocol_version"`
	RemoteAddr      string       `json:"remote_addr"`
	ConnectedAt     time.Time    `json:"connected_at"`
	LastSeen        time.Time    `json:"last_seen"`
}

// Health is the service liveness summary.
type Health struct {
	Status          string `json:"status"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
	Connected       int    `json:"connected"`
	PendingCommands int    `json:"pending_commands"`
	ProtocolVersion string `json:"protocol_version"`
}

// Service owns the listener, the registry, the liveness monitor, and the
// dispatcher, and is the single surface the rest of the application
// talks to.
type Service struct {
	cfg        Config
	repo       Repository
	verifier   CredentialVerifier
	registry   *Registry
	dispatcher *Dispatcher
	monitor    *Monitor
	events     *events
	upgrader   websocket.Upgrader
	log        zerolog.Logger

	httpSrv *http.Server
	ln      net.Listener

	mu        sync.Mutex
	started   bool
	startedAt time.Time

	loops sync.WaitGroup // per-connection read loops
	bg    sync.WaitGroup // async status persistence
}

// New wires a Service. Start must be called before devices can connect.
func New(cfg Config, repo Repository, verifier CredentialVerifier, log zerolog.Logger) *Service {
	s := &Service{
		cfg:      cfg.withDefaults(),
		repo:     repo,
		verifier: verifier,
		registry: NewRegistry(),
		events:   newEvents(log),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Clients are Pi displays and mobile apps, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log,
	}
	s.dispatcher = NewDispatcher(s.registry, s.cfg.CommandRetries, log)
	s.monitor = NewMonitor(s.registry, s.cfg.Monitor, s.onStatusChange, log)
	return s
}

// Start binds the listener on addr, mounts the WebSocket endpoint on mux
// (a nil mux gets a fresh one), and begins the heartbeat sweep. A bind
// failure aborts startup; it is the only error that does.
func (s *Service) Start(addr string, mux *http.ServeMux, tlsCfg *tls.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("service already started")
	}

	if mux == nil {
		mux = http.NewServeMux()
	}
	mux.HandleFunc("/ws/device", s.handleDeviceWS)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}

	s.ln = ln
	s.httpSrv = &http.Server{Handler: mux}
	s.started = true
	s.startedAt = time.Now()

	s.monitor.Start()

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("listener stopped unexpectedly")
		}
	}()

	s.log.Info().
		Str("addr", ln.Addr().String()).
		Str("protocol_version", protocol.ServerVersion.String()).
		Msg("communication service started")
	return nil
}

// Addr returns the bound listener address, useful when addr was ":0".
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop drains the service: no new connections, all live connections
// closed, sweep loop stopped, read loops joined, event deliveries
// flushed. No background work survives it.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	srv := s.httpSrv
	s.mu.Unlock()

	s.monitor.Stop()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}

	for _, conn := range s.registry.Snapshot() {
		_ = conn.Close()
	}
	s.loops.Wait()
	s.bg.Wait()
	s.events.drain()

	s.log.Info().Msg("communication service stopped")
	return err
}

// Subscribe registers fn for device lifecycle and status events.
// Delivery is asynchronous and best-effort.
func (s *Service) Subscribe(fn func(Event)) *Subscription {
	return s.events.subscribe(fn)
}

// ConnectedDevices returns a snapshot of every live connection.
func (s *Service) ConnectedDevices() []DeviceInfo {
	conns := s.registry.Snapshot()
	infos := make([]DeviceInfo, 0, len(conns))
	for _, c := range conns {
		infos = append(infos, DeviceInfo{
			ID:              c.ID,
			Name:            c.Name,
			Role:            c.Role,
			Status:          c.Status(),
			ProtocolVersion: c.Version.String(),
			RemoteAddr:      c.RemoteAddr,
			ConnectedAt:     c.ConnectedAt,
			LastSeen:        c.LastSeen(),
		})
	}
	return infos
}

// Execute dispatches cmd to each target and returns per-device outcomes.
// A zero timeout uses the configured default.
func (s *Service) Execute(ctx context.Context, targets []string, cmd protocol.Command, timeout time.Duration) []CommandResult {
	if timeout <= 0 {
		timeout = s.cfg.CommandTimeout
	}
	return s.dispatcher.Dispatch(ctx, targets, cmd, timeout)
}

// SendLayout loads the layout and pushes it to one device as a
// show_layout command, recording the assignment on success.
func (s *Service) SendLayout(ctx context.Context, deviceID, layoutID string) (CommandResult, error) {
	layout, err := s.repo.GetLayout(ctx, layoutID)
	if err != nil {
		return CommandResult{}, fmt.Errorf("load layout %s: %w", layoutID, err)
	}
	if layout == nil {
		return CommandResult{}, fmt.Errorf("layout %s not found", layoutID)
	}

	args, err := json.Marshal(protocol.LayoutPayload{
		LayoutID: layout.ID,
		Name:     layout.Name,
		Content:  layout.Content,
	})
	if err != nil {
		return CommandResult{}, fmt.Errorf("marshal layout %s: %w", layoutID, err)
	}

	cmd := protocol.Command{
		Name: protocol.CommandShowLayout,
		Args: args,
		// Re-showing the same layout is harmless.
		Idempotent: true,
	}

	results := s.dispatcher.Dispatch(ctx, []string{deviceID}, cmd, s.cfg.CommandTimeout)
	res := results[0]

	if res.Err == nil && res.Response != nil && res.Response.OK {
		if err := s.repo.AssignLayout(ctx, deviceID, layoutID); err != nil {
			s.log.Warn().Err(err).
				Str("device_id", deviceID).
				Str("layout_id", layoutID).
				Msg("layout pushed but assignment not persisted")
		}
	}
	return res, nil
}

// Health reports running state and uptime for external monitoring.
func (s *Service) Health() Health {
	s.mu.Lock()
	started := s.started
	startedAt := s.startedAt
	s.mu.Unlock()

	status := "ok"
	var uptime int64
	if started {
		uptime = int64(time.Since(startedAt).Seconds())
	} else {
		status = "stopped"
	}

	return Health{
		Status:          status,
		UptimeSeconds:   uptime,
		Connected:       s.registry.Len(),
		PendingCommands: s.dispatcher.PendingCount(),
		ProtocolVersion: protocol.ServerVersion.String(),
	}
}

// onStatusChange is the monitor's notify callback. It must return
// quickly: persistence runs on its own goroutine and event delivery is
// already asynchronous.
func (s *Service) onStatusChange(ch StatusChange) {
	s.events.emit(Event{
		Kind:     EventStatusChanged,
		DeviceID: ch.DeviceID,
		Role:     ch.Role,
		Status:   ch.New,
		At:       ch.At,
	})
	s.persistStatus(ch.DeviceID, ch.New, ch.At)

	if ch.New == StatusOffline {
		// Eviction by the sweep counts as a disconnect: callers waiting on
		// this device must not sit out their timeouts.
		if n := s.dispatcher.FailDevice(ch.DeviceID); n > 0 {
			s.log.Debug().Str("device_id", ch.DeviceID).Int("failed", n).
				Msg("failed pending commands for evicted device")
		}
		s.events.emit(Event{
			Kind:     EventDeviceDisconnected,
			DeviceID: ch.DeviceID,
			Role:     ch.Role,
			Status:   StatusOffline,
			At:       ch.At,
		})
	}
}

func (s *Service) persistStatus(deviceID string, status DeviceStatus, at time.Time) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.repo.UpdateDeviceStatus(ctx, deviceID, string(status), at); err != nil {
			s.log.Warn().Err(err).
				Str("device_id", deviceID).
				Str("status", string(status)).
				Msg("status change not persisted")
		}
	}()
}
