// Package protocol defines the wire envelope and shared message types
// exchanged between the server, display clients, and mobile apps.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message types carried in the envelope Type field.
const (
	TypeRegister      = "register"
	TypeRegistered    = "registered"
	TypeHeartbeat     = "heartbeat"
	TypeCommand       = "command"
	TypeCommandResult = "command_result"
	TypeFault         = "fault"
	TypeError         = "error"
)

// Device roles.
const (
	RoleDisplay = "display"
	RoleMobile  = "mobile"
)

// Command names understood by display clients.
const (
	CommandRestart    = "restart"
	CommandScreenshot = "screenshot"
	CommandShowLayout = "show_layout"
	CommandReload     = "reload"
)

// ErrMalformed marks a frame that fails envelope or payload decoding.
// The offending connection is terminated by the caller.
var ErrMalformed = errors.New("malformed message")

// Envelope wraps every message on the wire. Version is the sender's
// protocol version; RequestID correlates a command with its result.
type Envelope struct {
	Type      string          `json:"type"`
	Version   string          `json:"version"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ParseEnvelope decodes a raw frame into an Envelope.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return &env, nil
}

// NewEnvelope builds an outbound envelope stamped with the server's
// protocol version. A nil payload produces an envelope with no payload
// field.
func NewEnvelope(msgType, requestID string, payload any) (*Envelope, error) {
	env := &Envelope{
		Type:      msgType,
		Version:   ServerVersion.String(),
		RequestID: requestID,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		env.Payload = data
	}
	return env, nil
}

// Registration is the first message a client sends after connecting.
// Shared between the server (deserialisation) and the simulated device
// (serialisation) to keep the two sides in sync.
type Registration struct {
	Credential    string `json:"credential"`
	Name          string `json:"name"`
	Role          string `json:"role"`
	Model         string `json:"model,omitempty"`
	ScreenWidth   int    `json:"screen_width,omitempty"`
	ScreenHeight  int    `json:"screen_height,omitempty"`
	ClientVersion string `json:"client_version,omitempty"`
}

// Registered is the server's acknowledgement of a successful registration.
type Registered struct {
	DeviceID string `json:"device_id"`
}

// Command asks a device to perform an action. Args are command-specific.
// Idempotent marks commands that are safe to re-issue; only those are
// eligible for the configured retry.
type Command struct {
	Name       string          `json:"name"`
	Args       json.RawMessage `json:"args,omitempty"`
	Idempotent bool            `json:"idempotent,omitempty"`
}

// CommandResult is a device's response to a Command, correlated by the
// echoed request ID on the envelope.
type CommandResult struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// LayoutPayload carries a layout definition to a display, as the Args of
// a show_layout command.
type LayoutPayload struct {
	LayoutID string          `json:"layout_id"`
	Name     string          `json:"name,omitempty"`
	Content  json.RawMessage `json:"content"`
}

// FaultReport is a device's self-reported error condition.
type FaultReport struct {
	Message string `json:"message"`
}

// ErrorNotice is sent before the server closes a rejected connection.
type ErrorNotice struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorNotice codes.
const (
	ErrCodeVersionMismatch = "version_mismatch"
	ErrCodeMalformed       = "malformed_message"
	ErrCodeUnauthorized    = "unauthorized"
)
