package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/panelworks/signage/internal/hub"
	"github.com/panelworks/signage/internal/protocol"
	"github.com/panelworks/signage/internal/security"
	"github.com/panelworks/signage/internal/store"
	"github.com/panelworks/signage/internal/version"
)

// handleHealth reports service liveness; used by load balancers and the
// mobile app's server picker.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h := s.hub.Health()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           h.Status,
		"uptime_seconds":   h.UptimeSeconds,
		"connected":        h.Connected,
		"pending_commands": h.PendingCommands,
		"protocol_version": h.ProtocolVersion,
		"server_version":   version.Version,
	})
}

// deviceView merges the persisted record with live connection state.
type deviceView struct {
	*store.DeviceRecord
	Connected       bool   `json:"connected"`
	LiveStatus      string `json:"live_status,omitempty"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
	RemoteAddr      string `json:"remote_addr,omitempty"`
}

// handleDevices lists enrolled devices overlaid with live status, or
// removes one.
func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		records, err := s.store.ListDevices(r.Context())
		if err != nil {
			s.log.Error().Err(err).Msg("list devices")
			writeError(w, http.StatusInternalServerError, "failed to list devices")
			return
		}

		live := make(map[string]hub.DeviceInfo)
		for _, d := range s.hub.ConnectedDevices() {
			live[d.ID] = d
		}

		views := make([]deviceView, 0, len(records))
		for _, rec := range records {
			v := deviceView{DeviceRecord: rec}
			if info, ok := live[rec.ID]; ok {
				v.Connected = true
				v.LiveStatus = string(info.Status)
				v.ProtocolVersion = info.ProtocolVersion
				v.RemoteAddr = info.RemoteAddr
				v.LastSeen = info.LastSeen
			}
			views = append(views, v)
		}
		writeJSON(w, http.StatusOK, views)

	case http.MethodDelete:
		id := r.URL.Query().Get("id")
		if id == "" {
			writeError(w, http.StatusBadRequest, "id required")
			return
		}
		if err := s.store.DeleteDevice(r.Context(), id); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to delete device")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// commandOutcome is the per-device result shape returned to API callers.
type commandOutcome struct {
	DeviceID  string          `json:"device_id"`
	RequestID string          `json:"request_id,omitempty"`
	OK        bool            `json:"ok"`
	Error     string          `json:"error,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// handleCommand dispatches a command to one or more devices and returns
// per-device outcomes once every target has resolved.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		Targets        []string        `json:"targets"`
		Name           string          `json:"name"`
		Args           json.RawMessage `json:"args,omitempty"`
		Idempotent     bool            `json:"idempotent"`
		TimeoutSeconds int             `json:"timeout_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Targets) == 0 || req.Name == "" {
		writeError(w, http.StatusBadRequest, "targets and name required")
		return
	}

	results := s.hub.Execute(r.Context(), req.Targets, protocol.Command{
		Name:       req.Name,
		Args:       req.Args,
		Idempotent: req.Idempotent,
	}, time.Duration(req.TimeoutSeconds)*time.Second)

	outcomes := make([]commandOutcome, 0, len(results))
	for _, res := range results {
		outcomes = append(outcomes, toOutcome(res))
	}
	writeJSON(w, http.StatusOK, outcomes)
}

func toOutcome(res hub.CommandResult) commandOutcome {
	out := commandOutcome{DeviceID: res.DeviceID, RequestID: res.RequestID}
	switch {
	case res.Err != nil:
		out.Error = res.Err.Error()
	case res.Response != nil:
		out.OK = res.Response.OK
		out.Error = res.Response.Error
		out.Data = res.Response.Data
	}
	return out
}

// handleLayouts is layout CRUD. POST upserts by ID.
func (s *Server) handleLayouts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if id := r.URL.Query().Get("id"); id != "" {
			layout, err := s.store.GetLayout(r.Context(), id)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to load layout")
				return
			}
			if layout == nil {
				writeError(w, http.StatusNotFound, "layout not found")
				return
			}
			writeJSON(w, http.StatusOK, layout)
			return
		}
		layouts, err := s.store.ListLayouts(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list layouts")
			return
		}
		if layouts == nil {
			layouts = []*store.LayoutRecord{}
		}
		writeJSON(w, http.StatusOK, layouts)

	case http.MethodPost:
		var layout store.LayoutRecord
		if err := json.NewDecoder(r.Body).Decode(&layout); err != nil {
			writeError(w, http.StatusBadRequest, "invalid layout")
			return
		}
		if layout.Name == "" || len(layout.Content) == 0 {
			writeError(w, http.StatusBadRequest, "name and content required")
			return
		}
		now := time.Now()
		if layout.ID == "" {
			layout.ID = uuid.NewString()
			layout.CreatedAt = now
		}
		layout.UpdatedAt = now
		if err := s.store.CreateLayout(r.Context(), &layout); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to save layout")
			return
		}
		s.log.Info().Str("layout_id", layout.ID).Str("name", layout.Name).Msg("layout saved")
		writeJSON(w, http.StatusOK, layout)

	case http.MethodDelete:
		id := r.URL.Query().Get("id")
		if id == "" {
			writeError(w, http.StatusBadRequest, "id required")
			return
		}
		if err := s.store.DeleteLayout(r.Context(), id); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to delete layout")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handlePushLayout pushes a stored layout to one display and records the
// assignment when the device acknowledges it.
func (s *Server) handlePushLayout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		DeviceID string `json:"device_id"`
		LayoutID string `json:"layout_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceID == "" || req.LayoutID == "" {
		writeError(w, http.StatusBadRequest, "device_id and layout_id required")
		return
	}

	res, err := s.hub.SendLayout(r.Context(), req.DeviceID, req.LayoutID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toOutcome(res))
}

// handleEnroll exchanges an enrollment code for device credentials.
// Open endpoint: the code itself is the proof of authorisation.
func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		Code  string `json:"code"`
		Name  string `json:"name"`
		Role  string `json:"role"`
		Model string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Code == "" {
		writeError(w, http.StatusBadRequest, "enrollment code required")
		return
	}
	if req.Role == "" {
		req.Role = protocol.RoleDisplay
	}
	if req.Role != protocol.RoleDisplay && req.Role != protocol.RoleMobile {
		writeError(w, http.StatusBadRequest, "role must be display or mobile")
		return
	}

	codeHash := security.HashEnrollmentCode(req.Code)
	deviceID := security.HashAPIKey(req.Code + s.platform.Fingerprint())[:16]

	token, err := s.store.ConsumeEnrollmentToken(r.Context(), codeHash, deviceID)
	if err != nil {
		s.log.Warn().Err(err).Msg("enrollment failed")
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	if token == nil {
		writeError(w, http.StatusForbidden, "invalid enrollment code")
		return
	}

	credential := s.platform.SignCredential(deviceID)

	now := time.Now()
	rec := &store.DeviceRecord{
		ID:             deviceID,
		Name:           req.Name,
		Role:           req.Role,
		Model:          req.Model,
		CredentialHash: security.CredentialHash(credential),
		EnrolledAt:     now,
		LastSeen:       now,
	}
	if err := s.store.CreateDevice(r.Context(), rec); err != nil {
		s.log.Error().Err(err).Str("device_id", deviceID).Msg("store enrolled device")
		writeError(w, http.StatusInternalServerError, "enrollment failed")
		return
	}

	s.log.Info().
		Str("device_id", deviceID).
		Str("name", req.Name).
		Str("role", req.Role).
		Str("token_type", token.Type).
		Msg("device enrolled")

	resp := map[string]string{
		"device_id":            deviceID,
		"credential":           credential,
		"platform_fingerprint": s.platform.Fingerprint(),
	}
	if s.tlsPaths != nil {
		if data, err := security.ReadCACert(s.tlsPaths); err == nil {
			resp["ca_certificate"] = string(data)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleEnrollmentTokens manages enrollment tokens.
func (s *Server) handleEnrollmentTokens(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		tokens, err := s.store.ListEnrollmentTokens(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list tokens")
			return
		}
		if tokens == nil {
			tokens = []*store.EnrollmentToken{}
		}
		writeJSON(w, http.StatusOK, tokens)

	case http.MethodPost:
		var req struct {
			Type  string `json:"type"`
			Label string `json:"label"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request")
			return
		}
		if req.Type == "" {
			req.Type = "attended"
		}

		token, code, err := security.GenerateEnrollmentToken(req.Type, req.Label)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := s.store.CreateEnrollmentToken(r.Context(), token); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to create token")
			return
		}

		s.log.Info().Str("token_id", token.ID).Str("type", token.Type).Msg("enrollment token created")
		writeJSON(w, http.StatusOK, map[string]any{
			"id":         token.ID,
			"code":       code,
			"type":       token.Type,
			"label":      token.Label,
			"expires_at": token.ExpiresAt,
		})

	case http.MethodDelete:
		id := r.URL.Query().Get("id")
		if id == "" {
			writeError(w, http.StatusBadRequest, "id required")
			return
		}
		if err := s.store.DeleteEnrollmentToken(r.Context(), id); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to delete")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleAPIKeys manages management API keys. The raw key appears only in
// the create response.
func (s *Server) handleAPIKeys(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		keys, err := s.store.ListAPIKeys(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list keys")
			return
		}
		if keys == nil {
			keys = []*store.APIKey{}
		}
		writeJSON(w, http.StatusOK, keys)

	case http.MethodPost:
		var req struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
			writeError(w, http.StatusBadRequest, "name required")
			return
		}

		rec, key, err := security.GenerateAPIKey(req.Name)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to generate key")
			return
		}
		if err := s.store.CreateAPIKey(r.Context(), rec); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to store key")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"id":     rec.ID,
			"name":   rec.Name,
			"key":    key,
			"prefix": rec.Prefix,
		})

	case http.MethodDelete:
		id := r.URL.Query().Get("id")
		if id == "" {
			writeError(w, http.StatusBadRequest, "id required")
			return
		}
		if err := s.store.DeleteAPIKey(r.Context(), id); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to delete")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleAuthVerify validates an API key for dashboard login flows.
func (s *Server) handleAuthVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" {
		writeError(w, http.StatusBadRequest, "key required")
		return
	}

	apiKey, err := s.store.VerifyAPIKey(r.Context(), security.HashAPIKey(req.Key))
	if err != nil || apiKey == nil {
		writeError(w, http.StatusUnauthorized, "invalid API key")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"valid":    true,
		"name":     apiKey.Name,
		"platform": s.platform.Fingerprint(),
	})
}
