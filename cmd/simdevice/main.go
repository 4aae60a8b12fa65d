// Command simdevice simulates a display client for development and load
// testing: it enrolls, connects, heartbeats, and answers commands the
// way a real Pi display would, without any rendering hardware.
package main

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/panelworks/signage/internal/logger"
	"github.com/panelworks/signage/internal/protocol"
)

type options struct {
	server     string
	credential string
	enrollCode string
	name       string
	role       string
	model      string
	heartbeat  time.Duration
	useTLS     bool
	insecure   bool
	version    string
}

func main() {
	var opts options
	flag.StringVar(&opts.server, "server", "localhost:8443", "Server host:port")
	flag.StringVar(&opts.credential, "credential", "", "Device credential (from enrollment)")
	flag.StringVar(&opts.enrollCode, "enroll", "", "Enrollment code; exchanges it for a credential first")
	flag.StringVar(&opts.name, "name", "sim-display", "Device name")
	flag.StringVar(&opts.role, "role", protocol.RoleDisplay, "Device role (display or mobile)")
	flag.StringVar(&opts.model, "model", "simdevice", "Reported hardware model")
	flag.DurationVar(&opts.heartbeat, "heartbeat", 30*time.Second, "Heartbeat interval")
	flag.BoolVar(&opts.useTLS, "tls", true, "Connect over TLS")
	flag.BoolVar(&opts.insecure, "insecure", false, "Skip TLS certificate verification (self-signed servers)")
	flag.StringVar(&opts.version, "protocol", protocol.ServerVersion.String(), "Protocol version to announce")
	flag.Parse()

	log, err := logger.New(logger.Config{Level: "debug"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "simdevice: %v\n", err)
		os.Exit(1)
	}

	if opts.credential == "" && opts.enrollCode != "" {
		opts.credential, err = enroll(opts)
		if err != nil {
			log.Fatal().Err(err).Msg("enrollment failed")
		}
		log.Info().Msg("enrolled, credential issued")
	}
	if opts.credential == "" {
		log.Fatal().Msg("either -credential or -enroll is required")
	}

	// Reconnect forever; displays are expected to ride out server restarts.
	backoff := time.Second
	for {
		err := runSession(opts, log)
		log.Warn().Err(err).Dur("retry_in", backoff).Msg("session ended")
		time.Sleep(backoff)
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func scheme(opts options, ws bool) string {
	switch {
	case ws && opts.useTLS:
		return "wss"
	case ws:
		return "ws"
	case opts.useTLS:
		return "https"
	default:
		return "http"
	}
}

// enroll exchanges the enrollment code for a signed credential.
func enroll(opts options) (string, error) {
	body, err := json.Marshal(map[string]string{
		"code":  opts.enrollCode,
		"name":  opts.name,
		"role":  opts.role,
		"model": opts.model,
	})
	if err != nil {
		return "", err
	}

	client := &http.Client{Timeout: 10 * time.Second}
	if opts.insecure {
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	url := fmt.Sprintf("%s://%s/api/enroll", scheme(opts, false), opts.server)
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close() //nolint:errcheck

	var out struct {
		Credential string `json:"credential"`
		Error      string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("server refused enrollment: %s", out.Error)
	}
	return out.Credential, nil
}

// runSession connects, registers, and serves commands until the
// connection drops.
func runSession(opts options, log zerolog.Logger) error {
	dialer := *websocket.DefaultDialer
	if opts.insecure {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	url := fmt.Sprintf("%s://%s/ws/device", scheme(opts, true), opts.server)
	ws, _, err := dialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer ws.Close() //nolint:errcheck

	send := func(msgType, requestID string, payload any) error {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		data, err := json.Marshal(protocol.Envelope{
			Type:      msgType,
			Version:   opts.version,
			RequestID: requestID,
			Payload:   raw,
		})
		if err != nil {
			return err
		}
		return ws.WriteMessage(websocket.TextMessage, data)
	}

	if err := send(protocol.TypeRegister, "", protocol.Registration{
		Credential:    opts.credential,
		Name:          opts.name,
		Role:          opts.role,
		Model:         opts.model,
		ScreenWidth:   1920,
		ScreenHeight:  1080,
		ClientVersion: opts.version,
	}); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	_, raw, err := ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("read registration ack: %w", err)
	}
	env, err := protocol.ParseEnvelope(raw)
	if err != nil {
		return err
	}
	if env.Type == protocol.TypeError {
		var notice protocol.ErrorNotice
		_ = json.Unmarshal(env.Payload, &notice)
		return fmt.Errorf("registration rejected: %s (%s)", notice.Message, notice.Code)
	}
	var ack protocol.Registered
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		return err
	}
	log.Info().Str("device_id", ack.DeviceID).Str("server", opts.server).Msg("registered")

	// Heartbeats run beside the read loop; write errors surface there as
	// read failures soon after.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(opts.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := send(protocol.TypeHeartbeat, "", struct{}{}); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		env, err := protocol.ParseEnvelope(raw)
		if err != nil {
			log.Warn().Err(err).Msg("dropping unparseable frame")
			continue
		}

		switch env.Type {
		case protocol.TypeCommand:
			var cmd protocol.Command
			if err := json.Unmarshal(env.Payload, &cmd); err != nil {
				log.Warn().Err(err).Msg("bad command payload")
				continue
			}
			result := handleCommand(cmd, log)
			if err := send(protocol.TypeCommandResult, env.RequestID, result); err != nil {
				return fmt.Errorf("send result: %w", err)
			}

		case protocol.TypeError:
			var notice protocol.ErrorNotice
			_ = json.Unmarshal(env.Payload, &notice)
			return fmt.Errorf("server error: %s (%s)", notice.Message, notice.Code)

		default:
			log.Debug().Str("type", env.Type).Msg("ignoring message")
		}
	}
}

// handleCommand simulates the display's response to each command.
func handleCommand(cmd protocol.Command, log zerolog.Logger) protocol.CommandResult {
	log.Info().Str("command", cmd.Name).Msg("command received")

	switch cmd.Name {
	case protocol.CommandRestart, protocol.CommandReload:
		return protocol.CommandResult{OK: true}

	case protocol.CommandScreenshot:
		data, _ := json.Marshal(map[string]any{
			"width":  1920,
			"height": 1080,
			"format": "png",
		})
		return protocol.CommandResult{OK: true, Data: data}

	case protocol.CommandShowLayout:
		var layout protocol.LayoutPayload
		if err := json.Unmarshal(cmd.Args, &layout); err != nil {
			return protocol.CommandResult{OK: false, Error: "bad layout payload"}
		}
		log.Info().Str("layout_id", layout.LayoutID).Str("name", layout.Name).Msg("showing layout")
		return protocol.CommandResult{OK: true}

	default:
		return protocol.CommandResult{OK: false, Error: fmt.Sprintf("unsupported command %q", cmd.Name)}
	}
}
