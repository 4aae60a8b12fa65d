package main

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/panelworks/signage/internal/hub"
	"github.com/panelworks/signage/internal/security"
	"github.com/panelworks/signage/internal/store"
)

// Server holds the management API's dependencies. The WebSocket side
// lives in the hub service; this type only serves HTTP.
type Server struct {
	store    store.Store
	platform *security.Platform
	hub      *hub.Service
	tlsPaths *security.TLSConfig
	auth     *security.AuthMiddleware
	log      zerolog.Logger
}

func NewServer(st store.Store, platform *security.Platform, h *hub.Service, tlsPaths *security.TLSConfig, log zerolog.Logger) *Server {
	return &Server{
		store:    st,
		platform: platform,
		hub:      h,
		tlsPaths: tlsPaths,
		auth:     security.NewAuthMiddleware(st),
		log:      log,
	}
}

// routes mounts the management API. Enrollment and health are open;
// everything else requires an API key.
func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/enroll", s.handleEnroll)
	mux.HandleFunc("/api/auth/verify", s.handleAuthVerify)

	mux.HandleFunc("/api/devices", s.auth.Wrap(s.handleDevices))
	mux.HandleFunc("/api/devices/command", s.auth.Wrap(s.handleCommand))
	mux.HandleFunc("/api/layouts", s.auth.Wrap(s.handleLayouts))
	mux.HandleFunc("/api/layouts/push", s.auth.Wrap(s.handlePushLayout))
	mux.HandleFunc("/api/enrollment-tokens", s.auth.Wrap(s.handleEnrollmentTokens))
	mux.HandleFunc("/api/keys", s.auth.Wrap(s.handleAPIKeys))
}

// ensureAPIKey creates a bootstrap admin key on first run. The key is
// printed once; only its hash is stored.
func (s *Server) ensureAPIKey(ctx context.Context) error {
	keys, err := s.store.ListAPIKeys(ctx)
	if err != nil {
		return err
	}
	if len(keys) > 0 {
		return nil
	}

	rec, key, err := security.GenerateAPIKey("admin")
	if err != nil {
		return err
	}
	if err := s.store.CreateAPIKey(ctx, rec); err != nil {
		return err
	}

	s.log.Info().
		Str("key", key).
		Msg("bootstrap API key created, store it now, it will not be shown again")
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
