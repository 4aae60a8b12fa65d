package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// migrations is an ordered list of SQL statements applied on startup.
// Each entry is idempotent (IF NOT EXISTS) so re-running is safe.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS devices (
		id              TEXT PRIMARY KEY,
		name            TEXT NOT NULL,
		role            TEXT NOT NULL DEFAULT 'display',
		model           TEXT NOT NULL DEFAULT '',
		credential_hash TEXT UNIQUE NOT NULL,
		layout_id       TEXT NOT NULL DEFAULT '',
		status          TEXT NOT NULL DEFAULT 'offline',
		enrolled_at     TEXT NOT NULL,
		last_seen       TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS layouts (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		content    TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS enrollment_tokens (
		id         TEXT PRIMARY KEY,
		code_hash  TEXT UNIQUE NOT NULL,
		type       TEXT NOT NULL DEFAULT 'attended',
		label      TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		used_at    TEXT,
		used_by    TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS api_keys (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		key_hash   TEXT UNIQUE NOT NULL,
		prefix     TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		last_used  TEXT
	)`,
}

// SQLiteStore implements Store using a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at path and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_journal=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite handles one writer at a time.

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	for _, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// --- Devices ---

func (s *SQLiteStore) CreateDevice(ctx context.Context, d *DeviceRecord) error {
	status := d.Status
	if status == "" {
		status = "offline"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (id, name, role, model, credential_hash, layout_id, status, enrolled_at, last_seen)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Name, d.Role, d.Model, d.CredentialHash, d.LayoutID, status,
		d.EnrolledAt.UTC().Format(time.RFC3339), d.LastSeen.UTC().Format(time.RFC3339))
	return err
}

func (s *SQLiteStore) GetDevice(ctx context.Context, id string) (*DeviceRecord, error) {
	return s.scanDevice(s.db.QueryRowContext(ctx,
		`SELECT id, name, role, model, credential_hash, layout_id, status, enrolled_at, last_seen
		 FROM devices WHERE id = ?`, id))
}

func (s *SQLiteStore) GetDeviceByCredential(ctx context.Context, credentialHash string) (*DeviceRecord, error) {
	return s.scanDevice(s.db.QueryRowContext(ctx,
		`SELECT id, name, role, model, credential_hash, layout_id, status, enrolled_at, last_seen
		 FROM devices WHERE credential_hash = ?`, credentialHash))
}

func (s *SQLiteStore) UpdateDeviceStatus(ctx context.Context, id, status string, seen time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE devices SET status = ?, last_seen = ? WHERE id = ?`,
		status, seen.UTC().Format(time.RFC3339), id)
	return err
}

func (s *SQLiteStore) AssignLayout(ctx context.Context, deviceID, layoutID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE devices SET layout_id = ? WHERE id = ?`, layoutID, deviceID)
	return err
}

func (s *SQLiteStore) ListDevices(ctx context.Context) ([]*DeviceRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, role, model, credential_hash, layout_id, status, enrolled_at, last_seen
		 FROM devices ORDER BY enrolled_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var devices []*DeviceRecord
	for rows.Next() {
		d, err := s.scanDeviceRows(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

func (s *SQLiteStore) DeleteDevice(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) scanDevice(row *sql.Row) (*DeviceRecord, error) {
	var d DeviceRecord
	var enrolled, seen string
	if err := row.Scan(&d.ID, &d.Name, &d.Role, &d.Model, &d.CredentialHash,
		&d.LayoutID, &d.Status, &enrolled, &seen); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	d.EnrolledAt, _ = time.Parse(time.RFC3339, enrolled)
	d.LastSeen, _ = time.Parse(time.RFC3339, seen)
	return &d, nil
}

func (s *SQLiteStore) scanDeviceRows(rows *sql.Rows) (*DeviceRecord, error) {
	var d DeviceRecord
	var enrolled, seen string
	if err := rows.Scan(&d.ID, &d.Name, &d.Role, &d.Model, &d.CredentialHash,
		&d.LayoutID, &d.Status, &enrolled, &seen); err != nil {
		return nil, err
	}
	d.EnrolledAt, _ = time.Parse(time.RFC3339, enrolled)
	d.LastSeen, _ = time.Parse(time.RFC3339, seen)
	return &d, nil
}

// --- Layouts ---

func (s *SQLiteStore) CreateLayout(ctx context.Context, l *LayoutRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO layouts (id, name, content, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name,
		   content = excluded.content, updated_at = excluded.updated_at`,
		l.ID, l.Name, string(l.Content),
		l.CreatedAt.UTC().Format(time.RFC3339), l.UpdatedAt.UTC().Format(time.RFC3339))
	return err
}

func (s *SQLiteStore) GetLayout(ctx context.Context, id string) (*LayoutRecord, error) {
	var l LayoutRecord
	var content, created, updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, content, created_at, updated_at FROM layouts WHERE id = ?`, id).
		Scan(&l.ID, &l.Name, &content, &created, &updated)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	l.Content = json.RawMessage(content)
	l.CreatedAt, _ = time.Parse(time.RFC3339, created)
	l.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return &l, nil
}

func (s *SQLiteStore) ListLayouts(ctx context.Context) ([]*LayoutRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, content, created_at, updated_at FROM layouts ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var layouts []*LayoutRecord
	for rows.Next() {
		var l LayoutRecord
		var content, created, updated string
		if err := rows.Scan(&l.ID, &l.Name, &content, &created, &updated); err != nil {
			return nil, err
		}
		l.Content = json.RawMessage(content)
		l.CreatedAt, _ = time.Parse(time.RFC3339, created)
		l.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
		layouts = append(layouts, &l)
	}
	return layouts, rows.Err()
}

func (s *SQLiteStore) DeleteLayout(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM layouts WHERE id = ?`, id)
	return err
}

// --- Enrollment Tokens ---

func (s *SQLiteStore) CreateEnrollmentToken(ctx context.Context, t *EnrollmentToken) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO enrollment_tokens (id, code_hash, type, label, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.CodeHash, t.Type, t.Label,
		t.CreatedAt.UTC().Format(time.RFC3339), t.ExpiresAt.UTC().Format(time.RFC3339))
	return err
}

func (s *SQLiteStore) ConsumeEnrollmentToken(ctx context.Context, codeHash, deviceID string) (*EnrollmentToken, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	var t EnrollmentToken
	var created, expires string
	var usedAt, usedBy sql.NullString

	err = tx.QueryRowContext(ctx,
		`SELECT id, code_hash, type, label, created_at, expires_at, used_at, used_by
		 FROM enrollment_tokens WHERE code_hash = ?`, codeHash).
		Scan(&t.ID, &t.CodeHash, &t.Type, &t.Label, &created, &expires, &usedAt, &usedBy)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	t.CreatedAt, _ = time.Parse(time.RFC3339, created)
	t.ExpiresAt, _ = time.Parse(time.RFC3339, expires)

	if usedAt.Valid {
		return nil, fmt.Errorf("enrollment token already used")
	}
	if time.Now().After(t.ExpiresAt) {
		return nil, fmt.Errorf("enrollment token expired")
	}

	// Mark as consumed.
	if _, err := tx.ExecContext(ctx,
		`UPDATE enrollment_tokens SET used_at = ?, used_by = ? WHERE id = ?`,
		now, deviceID, t.ID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &t, nil
}

func (s *SQLiteStore) ListEnrollmentTokens(ctx context.Context) ([]*EnrollmentToken, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, code_hash, type, label, created_at, expires_at, used_at, used_by
		 FROM enrollment_tokens ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var tokens []*EnrollmentToken
	for rows.Next() {
		var t EnrollmentToken
		var created, expires string
		var usedAt, usedBy sql.NullString
		if err := rows.Scan(&t.ID, &t.CodeHash, &t.Type, &t.Label, &created, &expires, &usedAt, &usedBy); err != nil {
			return nil, err
		}
		t.CreatedAt, _ = time.Parse(time.RFC3339, created)
		t.ExpiresAt, _ = time.Parse(time.RFC3339, expires)
		if usedAt.Valid {
			parsed, _ := time.Parse(time.RFC3339, usedAt.String)
			t.UsedAt = &parsed
		}
		t.UsedBy = usedBy.String
		tokens = append(tokens, &t)
	}
	return tokens, rows.Err()
}

func (s *SQLiteStore) DeleteEnrollmentToken(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM enrollment_tokens WHERE id = ?`, id)
	return err
}

// --- API Keys ---

func (s *SQLiteStore) CreateAPIKey(ctx context.Context, k *APIKey) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, name, key_hash, prefix, created_at) VALUES (?, ?, ?, ?, ?)`,
		k.ID, k.Name, k.KeyHash, k.Prefix, k.CreatedAt.UTC().Format(time.RFC3339))
	return err
}

func (s *SQLiteStore) VerifyAPIKey(ctx context.Context, keyHash string) (*APIKey, error) {
	var k APIKey
	var created string
	var lastUsed sql.NullString

	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, key_hash, prefix, created_at, last_used FROM api_keys WHERE key_hash = ?`, keyHash).
		Scan(&k.ID, &k.Name, &k.KeyHash, &k.Prefix, &created, &lastUsed)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	k.CreatedAt, _ = time.Parse(time.RFC3339, created)

	// Update last_used timestamp.
	now := time.Now()
	k.LastUsed = &now
	_, _ = s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used = ? WHERE id = ?`,
		now.UTC().Format(time.RFC3339), k.ID)

	return &k, nil
}

func (s *SQLiteStore) ListAPIKeys(ctx context.Context) ([]*APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, key_hash, prefix, created_at, last_used FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var keys []*APIKey
	for rows.Next() {
		var k APIKey
		var created string
		var lastUsed sql.NullString
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.Prefix, &created, &lastUsed); err != nil {
			return nil, err
		}
		k.CreatedAt, _ = time.Parse(time.RFC3339, created)
		if lastUsed.Valid {
			parsed, _ := time.Parse(time.RFC3339, lastUsed.String)
			k.LastUsed = &parsed
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) DeleteAPIKey(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ?`, id)
	return err
}
