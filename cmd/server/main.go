// Command server runs the signage management server: the WebSocket
// endpoint display clients and mobile apps connect to, plus the HTTP
// management API.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/panelworks/signage/internal/config"
	"github.com/panelworks/signage/internal/hub"
	"github.com/panelworks/signage/internal/logger"
	"github.com/panelworks/signage/internal/security"
	"github.com/panelworks/signage/internal/store"
	"github.com/panelworks/signage/internal/version"
)

func main() {
	configPath := flag.String("config", "", "Path to JSON config file")
	addr := flag.String("addr", "", "Listen address (overrides config)")
	flag.Parse()

	if err := run(*configPath, *addr); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, addrOverride string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addrOverride != "" {
		cfg.ListenAddr = addrOverride
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	log.Info().
		Str("version", version.Version).
		Str("built", version.BuildTime).
		Msg("signage server starting")

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	db, err := store.NewSQLiteStore(filepath.Join(cfg.DataDir, "signage.db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	platform, err := security.LoadOrCreatePlatform(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("platform identity: %w", err)
	}
	log.Info().Str("fingerprint", platform.Fingerprint()).Msg("platform identity loaded")

	tlsCfg, tlsPaths, err := setupTLS(cfg, log)
	if err != nil {
		return err
	}

	svc := hub.New(hub.Config{
		CommandTimeout: cfg.Command.Timeout.Std(),
		CommandRetries: cfg.Command.Retries,
		Monitor: hub.MonitorConfig{
			Interval:     cfg.Heartbeat.SweepInterval.Std(),
			WarningAfter: cfg.Heartbeat.WarningAfter.Std(),
			OfflineAfter: cfg.Heartbeat.OfflineAfter.Std(),
		},
	}, db, platform, logger.WithComponent(log, "hub"))

	srv := NewServer(db, platform, svc, tlsPaths, logger.WithComponent(log, "api"))
	if err := srv.ensureAPIKey(context.Background()); err != nil {
		return err
	}

	mux := http.NewServeMux()
	srv.routes(mux)

	if err := svc.Start(cfg.ListenAddr, mux, tlsCfg); err != nil {
		return err
	}
	log.Info().Str("addr", svc.Addr()).Msg("listening")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return svc.Stop(ctx)
}

// setupTLS builds the listener TLS config for the selected mode. The
// returned paths are non-nil only for self-signed mode, where enrolling
// devices are handed the CA certificate.
func setupTLS(cfg config.Config, log zerolog.Logger) (*tls.Config, *security.TLSConfig, error) {
	switch cfg.TLS.Mode {
	case "off":
		log.Warn().Msg("TLS disabled, device traffic is cleartext")
		return nil, nil, nil

	case "selfsigned":
		tlsCfg, paths, err := security.LoadOrGenerateTLS(cfg.DataDir)
		if err != nil {
			return nil, nil, fmt.Errorf("self-signed TLS: %w", err)
		}
		return tlsCfg, paths, nil

	case "acme":
		_, tlsCfg := security.NewACMEManager(cfg.DataDir, cfg.TLS.Domains...)
		log.Info().Strs("domains", cfg.TLS.Domains).Msg("ACME certificate management enabled")
		return tlsCfg, nil, nil

	case "custom":
		tlsCfg, err := security.LoadCustomTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return nil, nil, fmt.Errorf("custom TLS: %w", err)
		}
		return tlsCfg, nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown tls mode %q", cfg.TLS.Mode)
	}
}
