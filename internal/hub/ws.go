package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/panelworks/signage/internal/protocol"
)

// handleDeviceWS manages the lifecycle of one device connection: upgrade,
// handshake (version gate, then credential gate), registration, read
// loop, and cleanup. Display clients and mobile apps use the same
// endpoint and are distinguished by the role in their registration.
func (s *Service) handleDeviceWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	conn, err := s.handshake(ws, r.RemoteAddr)
	if err != nil {
		s.log.Info().Err(err).Str("remote_addr", r.RemoteAddr).Msg("registration rejected")
		_ = ws.Close()
		return
	}

	evicted := s.registry.Register(conn)
	if evicted != nil {
		s.log.Info().
			Str("device_id", conn.ID).
			Str("old_remote", evicted.RemoteAddr).
			Msg("duplicate registration, evicted previous connection")
	}

	ack, _ := protocol.NewEnvelope(protocol.TypeRegistered, "", protocol.Registered{DeviceID: conn.ID})
	if err := conn.Send(ack); err != nil {
		s.teardown(conn)
		return
	}
	_ = ws.SetReadDeadline(time.Time{})
	ws.SetPongHandler(func(string) error {
		conn.Touch()
		return nil
	})

	s.log.Info().
		Str("device_id", conn.ID).
		Str("name", conn.Name).
		Str("role", conn.Role).
		Str("client_version", conn.Version.String()).
		Msg("device registered")

	s.events.emit(Event{
		Kind:     EventDeviceConnected,
		DeviceID: conn.ID,
		Role:     conn.Role,
		Status:   StatusOnline,
		At:       time.Now(),
	})
	s.persistStatus(conn.ID, StatusOnline, time.Now())

	s.loops.Add(1)
	defer s.loops.Done()
	s.readLoop(conn, ws)
	s.teardown(conn)
}

// handshake reads and validates the registration message. The version
// gate runs before anything else: a major mismatch is rejected with an
// explicit version-mismatch notice and never reaches the credential
// check or the registry.
func (s *Service) handshake(ws *websocket.Conn, remoteAddr string) (*DeviceConn, error) {
	_ = ws.SetReadDeadline(time.Now().Add(registrationTimeout))

	_, raw, err := ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read registration: %w", err)
	}

	env, err := protocol.ParseEnvelope(raw)
	if err != nil {
		s.reject(ws, protocol.ErrCodeMalformed, "registration frame not understood")
		return nil, err
	}
	if env.Type != protocol.TypeRegister {
		s.reject(ws, protocol.ErrCodeMalformed, "expected register message")
		return nil, fmt.Errorf("%w: first message was %q", protocol.ErrMalformed, env.Type)
	}

	clientVersion, err := protocol.ParseVersion(env.Version)
	if err != nil {
		s.reject(ws, protocol.ErrCodeMalformed, "unparseable protocol version")
		return nil, err
	}
	if !protocol.Compatible(clientVersion, protocol.ServerVersion) {
		s.reject(ws, protocol.ErrCodeVersionMismatch,
			fmt.Sprintf("server speaks %s", protocol.ServerVersion))
		return nil, fmt.Errorf("%w: client %s, server %s",
			ErrVersionMismatch, clientVersion, protocol.ServerVersion)
	}

	var reg protocol.Registration
	if err := json.Unmarshal(env.Payload, &reg); err != nil {
		s.reject(ws, protocol.ErrCodeMalformed, "bad registration payload")
		return nil, fmt.Errorf("%w: %v", protocol.ErrMalformed, err)
	}
	if reg.Role != protocol.RoleDisplay && reg.Role != protocol.RoleMobile {
		s.reject(ws, protocol.ErrCodeMalformed, "unknown role")
		return nil, fmt.Errorf("%w: role %q", protocol.ErrMalformed, reg.Role)
	}
	if reg.Credential == "" {
		s.reject(ws, protocol.ErrCodeUnauthorized, "credential required")
		return nil, fmt.Errorf("%w: no credential", ErrUnauthorized)
	}

	deviceID, err := s.verifier.VerifyCredential(reg.Credential)
	if err != nil {
		s.reject(ws, protocol.ErrCodeUnauthorized, "invalid credential")
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	// Confirm the device is enrolled.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := s.repo.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("lookup device %s: %w", deviceID, err)
	}
	if rec == nil {
		s.reject(ws, protocol.ErrCodeUnauthorized, "device not enrolled")
		return nil, fmt.Errorf("%w: device %s not enrolled", ErrUnauthorized, deviceID)
	}

	name := reg.Name
	if name == "" {
		name = rec.Name
	}

	return newDeviceConn(deviceID, name, reg.Role, remoteAddr, clientVersion, ws), nil
}

// readLoop processes inbound frames until the connection fails or the
// client closes. Every frame, whatever its type, refreshes liveness.
func (s *Service) readLoop(conn *DeviceConn, ws *websocket.Conn) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Err(err).Str("device_id", conn.ID).Msg("read loop ended")
			}
			return
		}

		conn.Touch()

		env, err := protocol.ParseEnvelope(raw)
		if err != nil {
			// A device emitting garbage is terminated; other connections
			// are unaffected.
			s.log.Warn().Err(err).Str("device_id", conn.ID).Msg("malformed frame, closing connection")
			s.reject(ws, protocol.ErrCodeMalformed, "frame not understood")
			return
		}

		// Every frame's version is checked before its payload is touched.
		v, err := protocol.ParseVersion(env.Version)
		if err != nil {
			s.log.Warn().Str("device_id", conn.ID).Str("version", env.Version).Msg("bad frame version, closing connection")
			s.reject(ws, protocol.ErrCodeMalformed, "unparseable protocol version")
			return
		}
		if !protocol.Compatible(v, protocol.ServerVersion) {
			s.reject(ws, protocol.ErrCodeVersionMismatch,
				fmt.Sprintf("server speaks %s", protocol.ServerVersion))
			return
		}

		switch env.Type {
		case protocol.TypeHeartbeat:
			// Touch above already did the work.

		case protocol.TypeCommandResult:
			var res protocol.CommandResult
			if err := json.Unmarshal(env.Payload, &res); err != nil {
				s.log.Warn().Err(err).Str("device_id", conn.ID).Msg("malformed command result, closing connection")
				s.reject(ws, protocol.ErrCodeMalformed, "bad command result")
				return
			}
			if env.RequestID == "" || !s.dispatcher.Resolve(env.RequestID, &res) {
				s.log.Debug().
					Str("device_id", conn.ID).
					Str("request_id", env.RequestID).
					Msg("dropping uncorrelated command result")
			}

		case protocol.TypeFault:
			var fault protocol.FaultReport
			_ = json.Unmarshal(env.Payload, &fault)
			old := conn.Status()
			conn.MarkError()
			s.log.Warn().
				Str("device_id", conn.ID).
				Str("message", fault.Message).
				Msg("device reported fault")
			s.onStatusChange(StatusChange{
				DeviceID: conn.ID,
				Role:     conn.Role,
				Old:      old,
				New:      StatusError,
				At:       time.Now(),
			})

		default:
			s.log.Debug().
				Str("device_id", conn.ID).
				Str("type", env.Type).
				Msg("ignoring unexpected message type")
		}
	}
}

// teardown runs when a read loop exits. Cleanup happens only if this
// connection is still authoritative; a connection replaced by a newer
// registration must not disturb its successor's state.
func (s *Service) teardown(conn *DeviceConn) {
	_ = conn.Close()
	if !s.registry.Unregister(conn.ID, conn) {
		return
	}

	conn.setStatus(StatusOffline)
	if n := s.dispatcher.FailDevice(conn.ID); n > 0 {
		s.log.Debug().
			Str("device_id", conn.ID).
			Int("failed", n).
			Msg("failed pending commands on disconnect")
	}

	now := time.Now()
	s.persistStatus(conn.ID, StatusOffline, now)
	s.events.emit(Event{
		Kind:     EventDeviceDisconnected,
		DeviceID: conn.ID,
		Role:     conn.Role,
		Status:   StatusOffline,
		At:       now,
	})
	s.log.Info().Str("device_id", conn.ID).Msg("device disconnected")
}

// reject sends a final error notice before the connection is closed.
func (s *Service) reject(ws *websocket.Conn, code, message string) {
	env, err := protocol.NewEnvelope(protocol.TypeError, "", protocol.ErrorNotice{Code: code, Message: message})
	if err != nil {
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = ws.WriteMessage(websocket.TextMessage, data)
}
