// Package store defines the persistence interface for the platform.
// All implementations (SQLite today, PostgreSQL later) satisfy the Store
// interface, allowing the server to swap backends without changing
// business logic.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Store is the persistence interface for all platform data.
// Implementations must be safe for concurrent use.
type Store interface {
	// Device management (enrolled devices).
	CreateDevice(ctx context.Context, device *DeviceRecord) error
	GetDevice(ctx context.Context, id string) (*DeviceRecord, error)
	GetDeviceByCredential(ctx context.Context, credentialHash string) (*DeviceRecord, error)
	UpdateDeviceStatus(ctx context.Context, id, status string, seen time.Time) error
	AssignLayout(ctx context.Context, deviceID, layoutID string) error
	ListDevices(ctx context.Context) ([]*DeviceRecord, error)
	DeleteDevice(ctx context.Context, id string) error

	// Layouts.
	CreateLayout(ctx context.Context, layout *LayoutRecord) error
	GetLayout(ctx context.Context, id string) (*LayoutRecord, error)
	ListLayouts(ctx context.Context) ([]*LayoutRecord, error)
	DeleteLayout(ctx context.Context, id string) error

	// Enrollment tokens.
	CreateEnrollmentToken(ctx context.Context, token *EnrollmentToken) error
	ConsumeEnrollmentToken(ctx context.Context, codeHash, deviceID string) (*EnrollmentToken, error)
	ListEnrollmentTokens(ctx context.Context) ([]*EnrollmentToken, error)
	DeleteEnrollmentToken(ctx context.Context, id string) error

	// API keys.
	CreateAPIKey(ctx context.Context, key *APIKey) error
	VerifyAPIKey(ctx context.Context, keyHash string) (*APIKey, error)
	ListAPIKeys(ctx context.Context) ([]*APIKey, error)
	DeleteAPIKey(ctx context.Context, id string) error

	// Close releases database resources.
	Close() error
}

// DeviceRecord is the persistent record for an enrolled device
// (Raspberry Pi display client or mobile companion app).
type DeviceRecord struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Role           string    `json:"role"`
	Model          string    `json:"model"`
	CredentialHash string    `json:"-"`
	LayoutID       string    `json:"layout_id,omitempty"`
	Status         string    `json:"status"`
	EnrolledAt     time.Time `json:"enrolled_at"`
	LastSeen       time.Time `json:"last_seen"`
}

// LayoutRecord is a stored layout definition. Content is the rendered
// layout document pushed verbatim to display clients.
type LayoutRecord struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Content   json.RawMessage `json:"content"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// EnrollmentToken authorises a single device enrollment.
type EnrollmentToken struct {
	ID        string     `json:"id"`
	CodeHash  string     `json:"-"`
	Type      string     `json:"type"`  // "attended" or "unattended"
	Label     string     `json:"label"` // human-readable description
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	UsedBy    string     `json:"used_by,omitempty"`
}

// APIKey grants access to the management dashboard and APIs.
type APIKey struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	KeyHash   string     `json:"-"`
	Prefix    string     `json:"prefix"` // first 12 chars for identification
	CreatedAt time.Time  `json:"created_at"`
	LastUsed  *time.Time `json:"last_used,omitempty"`
}
