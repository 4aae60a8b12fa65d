package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panelworks/signage/internal/protocol"
	"github.com/panelworks/signage/internal/store"
)

// fakeRepo is an in-memory Repository for service tests.
type fakeRepo struct {
	mu            sync.Mutex
	devices       map[string]*store.DeviceRecord
	layouts       map[string]*store.LayoutRecord
	statusUpdates map[string][]string
	assignments   map[string]string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		devices:       make(map[string]*store.DeviceRecord),
		layouts:       make(map[string]*store.LayoutRecord),
		statusUpdates: make(map[string][]string),
		assignments:   make(map[string]string),
	}
}

func (r *fakeRepo) addDevice(id, name string) {
	r.mu.Lock()
	r.devices[id] = &store.DeviceRecord{ID: id, Name: name, Role: protocol.RoleDisplay}
	r.mu.Unlock()
}

func (r *fakeRepo) GetDevice(_ context.Context, id string) (*store.DeviceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.devices[id], nil
}

func (r *fakeRepo) UpdateDeviceStatus(_ context.Context, id, status string, _ time.Time) error {
	r.mu.Lock()
	r.statusUpdates[id] = append(r.statusUpdates[id], status)
	r.mu.Unlock()
	return nil
}

func (r *fakeRepo) GetLayout(_ context.Context, id string) (*store.LayoutRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.layouts[id], nil
}

func (r *fakeRepo) AssignLayout(_ context.Context, deviceID, layoutID string) error {
	r.mu.Lock()
	r.assignments[deviceID] = layoutID
	r.mu.Unlock()
	return nil
}

func (r *fakeRepo) assignedLayout(deviceID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.assignments[deviceID]
}

// fakeVerifier accepts credentials of the form "cred-<device-id>".
type fakeVerifier struct{}

func (fakeVerifier) VerifyCredential(credential string) (string, error) {
	id, ok := strings.CutPrefix(credential, "cred-")
	if !ok {
		return "", fmt.Errorf("unrecognised credential")
	}
	return id, nil
}

func startTestService(t *testing.T, repo *fakeRepo) *Service {
	t.Helper()
	s := New(Config{CommandTimeout: 2 * time.Second}, repo, fakeVerifier{}, zerolog.Nop())
	require.NoError(t, s.Start("127.0.0.1:0", nil, nil))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

// testClient drives the device side of the protocol over a real socket.
type testClient struct {
	t  *testing.T
	ws *websocket.Conn
}

func dialDevice(t *testing.T, s *Service) *testClient {
	t.Helper()
	url := "ws://" + s.Addr() + "/ws/device"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return &testClient{t: t, ws: ws}
}

func (c *testClient) send(env protocol.Envelope) {
	c.t.Helper()
	data, err := json.Marshal(env)
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.WriteMessage(websocket.TextMessage, data))
}

func (c *testClient) sendTyped(msgType, requestID, version string, payload any) {
	c.t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(c.t, err)
	c.send(protocol.Envelope{Type: msgType, Version: version, RequestID: requestID, Payload: raw})
}

func (c *testClient) read() protocol.Envelope {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, raw, err := c.ws.ReadMessage()
	require.NoError(c.t, err)
	var env protocol.Envelope
	require.NoError(c.t, json.Unmarshal(raw, &env))
	return env
}

// readError expects an error notice with the given code.
func (c *testClient) readError(code string) {
	c.t.Helper()
	env := c.read()
	require.Equal(c.t, protocol.TypeError, env.Type)
	var notice protocol.ErrorNotice
	require.NoError(c.t, json.Unmarshal(env.Payload, &notice))
	assert.Equal(c.t, code, notice.Code)
}

// expectClosed asserts the server ends the connection.
func (c *testClient) expectClosed() {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := c.ws.ReadMessage()
	assert.Error(c.t, err)
}

// register completes the handshake and asserts the acknowledged device ID.
func (c *testClient) register(credential, version, wantID string) {
	c.t.Helper()
	c.sendTyped(protocol.TypeRegister, "", version, protocol.Registration{
		Credential:    credential,
		Name:          wantID,
		Role:          protocol.RoleDisplay,
		ClientVersion: version,
	})
	env := c.read()
	require.Equal(c.t, protocol.TypeRegistered, env.Type)
	var ack protocol.Registered
	require.NoError(c.t, json.Unmarshal(env.Payload, &ack))
	assert.Equal(c.t, wantID, ack.DeviceID)
}

func TestServiceRegisterAndListDevices(t *testing.T) {
	repo := newFakeRepo()
	repo.addDevice("pi-01", "lobby screen")
	s := startTestService(t, repo)

	c := dialDevice(t, s)
	c.register("cred-pi-01", "1.0.0", "pi-01")

	require.Eventually(t, func() bool {
		return len(s.ConnectedDevices()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	devices := s.ConnectedDevices()
	require.Len(t, devices, 1)
	assert.Equal(t, "pi-01", devices[0].ID)
	assert.Equal(t, protocol.RoleDisplay, devices[0].Role)
	assert.Equal(t, StatusOnline, devices[0].Status)
	assert.Equal(t, "1.0.0", devices[0].ProtocolVersion)
}

func TestServiceRejectsNewerMajor(t *testing.T) {
	repo := newFakeRepo()
	repo.addDevice("pi-01", "lobby screen")
	s := startTestService(t, repo)

	c := dialDevice(t, s)
	c.sendTyped(protocol.TypeRegister, "", "2.0.0", protocol.Registration{
		Credential: "cred-pi-01",
		Role:       protocol.RoleDisplay,
	})
	c.readError(protocol.ErrCodeVersionMismatch)
	c.expectClosed()
	assert.Empty(t, s.ConnectedDevices())
}

func TestServiceRejectsNewerMinor(t *testing.T) {
	repo := newFakeRepo()
	repo.addDevice("pi-01", "lobby screen")
	s := startTestService(t, repo)

	c := dialDevice(t, s)
	c.sendTyped(protocol.TypeRegister, "", "1.9.0", protocol.Registration{
		Credential: "cred-pi-01",
		Role:       protocol.RoleDisplay,
	})
	c.readError(protocol.ErrCodeVersionMismatch)
	c.expectClosed()
}

func TestServiceRejectsBadCredential(t *testing.T) {
	repo := newFakeRepo()
	s := startTestService(t, repo)

	c := dialDevice(t, s)
	c.sendTyped(protocol.TypeRegister, "", "1.0.0", protocol.Registration{
		Credential: "garbage",
		Role:       protocol.RoleDisplay,
	})
	c.readError(protocol.ErrCodeUnauthorized)
	c.expectClosed()
}

func TestServiceRejectsUnenrolledDevice(t *testing.T) {
	repo := newFakeRepo() // no devices enrolled
	s := startTestService(t, repo)

	c := dialDevice(t, s)
	c.sendTyped(protocol.TypeRegister, "", "1.0.0", protocol.Registration{
		Credential: "cred-pi-01",
		Role:       protocol.RoleDisplay,
	})
	c.readError(protocol.ErrCodeUnauthorized)
	c.expectClosed()
}

func TestServiceCommandRoundTrip(t *testing.T) {
	repo := newFakeRepo()
	repo.addDevice("pi-01", "lobby screen")
	s := startTestService(t, repo)

	c := dialDevice(t, s)
	c.register("cred-pi-01", "1.0.0", "pi-01")

	resultCh := make(chan []CommandResult, 1)
	go func() {
		resultCh <- s.Execute(context.Background(), []string{"pi-01"},
			protocol.Command{Name: protocol.CommandRestart}, 0)
	}()

	env := c.read()
	require.Equal(t, protocol.TypeCommand, env.Type)
	require.NotEmpty(t, env.RequestID)
	var cmd protocol.Command
	require.NoError(t, json.Unmarshal(env.Payload, &cmd))
	assert.Equal(t, protocol.CommandRestart, cmd.Name)

	c.sendTyped(protocol.TypeCommandResult, env.RequestID, "1.0.0",
		protocol.CommandResult{OK: true})

	results := <-resultCh
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, env.RequestID, results[0].RequestID)
	require.NotNil(t, results[0].Response)
	assert.True(t, results[0].Response.OK)
}

func TestServiceDuplicateRegistrationEvicts(t *testing.T) {
	repo := newFakeRepo()
	repo.addDevice("pi-01", "lobby screen")
	s := startTestService(t, repo)

	first := dialDevice(t, s)
	first.register("cred-pi-01", "1.0.0", "pi-01")

	second := dialDevice(t, s)
	second.register("cred-pi-01", "1.0.0", "pi-01")

	// The first connection is closed out from under the old client.
	first.expectClosed()

	require.Eventually(t, func() bool {
		devices := s.ConnectedDevices()
		return len(devices) == 1 && devices[0].ID == "pi-01"
	}, 2*time.Second, 5*time.Millisecond)

	// The survivor still works.
	resultCh := make(chan []CommandResult, 1)
	go func() {
		resultCh <- s.Execute(context.Background(), []string{"pi-01"},
			protocol.Command{Name: protocol.CommandRestart}, 0)
	}()
	env := second.read()
	require.Equal(t, protocol.TypeCommand, env.Type)
	second.sendTyped(protocol.TypeCommandResult, env.RequestID, "1.0.0",
		protocol.CommandResult{OK: true})
	results := <-resultCh
	assert.NoError(t, results[0].Err)
}

func TestServiceDisconnectFailsPendingFast(t *testing.T) {
	repo := newFakeRepo()
	repo.addDevice("pi-01", "lobby screen")
	s := startTestService(t, repo)

	c := dialDevice(t, s)
	c.register("cred-pi-01", "1.0.0", "pi-01")

	resultCh := make(chan []CommandResult, 1)
	go func() {
		resultCh <- s.Execute(context.Background(), []string{"pi-01"},
			protocol.Command{Name: protocol.CommandRestart}, time.Minute)
	}()

	// Wait for the command to land, then drop the connection.
	env := c.read()
	require.Equal(t, protocol.TypeCommand, env.Type)
	start := time.Now()
	require.NoError(t, c.ws.Close())

	select {
	case results := <-resultCh:
		require.Len(t, results, 1)
		assert.ErrorIs(t, results[0].Err, ErrDeviceUnreachable)
		assert.Less(t, time.Since(start), 5*time.Second,
			"disconnect resolves pending commands without waiting out the timeout")
	case <-time.After(10 * time.Second):
		t.Fatal("dispatch did not resolve after disconnect")
	}
}

func TestServiceMalformedFrameClosesConnection(t *testing.T) {
	repo := newFakeRepo()
	repo.addDevice("pi-01", "lobby screen")
	s := startTestService(t, repo)

	c := dialDevice(t, s)
	c.register("cred-pi-01", "1.0.0", "pi-01")

	require.NoError(t, c.ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	c.readError(protocol.ErrCodeMalformed)
	c.expectClosed()

	require.Eventually(t, func() bool {
		return len(s.ConnectedDevices()) == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestServiceFaultReportMarksError(t *testing.T) {
	repo := newFakeRepo()
	repo.addDevice("pi-01", "lobby screen")
	s := startTestService(t, repo)

	c := dialDevice(t, s)
	c.register("cred-pi-01", "1.0.0", "pi-01")

	c.sendTyped(protocol.TypeFault, "", "1.0.0",
		protocol.FaultReport{Message: "playback stalled"})

	require.Eventually(t, func() bool {
		devices := s.ConnectedDevices()
		return len(devices) == 1 && devices[0].Status == StatusError
	}, 2*time.Second, 5*time.Millisecond)
}

func TestServiceSendLayout(t *testing.T) {
	repo := newFakeRepo()
	repo.addDevice("pi-01", "lobby screen")
	repo.layouts["layout-7"] = &store.LayoutRecord{
		ID:      "layout-7",
		Name:    "menu board",
		Content: json.RawMessage(`{"widgets":[]}`),
	}
	s := startTestService(t, repo)

	c := dialDevice(t, s)
	c.register("cred-pi-01", "1.0.0", "pi-01")

	type layoutResult struct {
		res CommandResult
		err error
	}
	resultCh := make(chan layoutResult, 1)
	go func() {
		res, err := s.SendLayout(context.Background(), "pi-01", "layout-7")
		resultCh <- layoutResult{res, err}
	}()

	env := c.read()
	require.Equal(t, protocol.TypeCommand, env.Type)
	var cmd protocol.Command
	require.NoError(t, json.Unmarshal(env.Payload, &cmd))
	assert.Equal(t, protocol.CommandShowLayout, cmd.Name)
	var lp protocol.LayoutPayload
	require.NoError(t, json.Unmarshal(cmd.Args, &lp))
	assert.Equal(t, "layout-7", lp.LayoutID)
	assert.Equal(t, "menu board", lp.Name)

	c.sendTyped(protocol.TypeCommandResult, env.RequestID, "1.0.0",
		protocol.CommandResult{OK: true})

	got := <-resultCh
	require.NoError(t, got.err)
	assert.NoError(t, got.res.Err)

	require.Eventually(t, func() bool {
		return repo.assignedLayout("pi-01") == "layout-7"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestServiceSendLayoutUnknownLayout(t *testing.T) {
	repo := newFakeRepo()
	repo.addDevice("pi-01", "lobby screen")
	s := startTestService(t, repo)

	_, err := s.SendLayout(context.Background(), "pi-01", "nope")
	assert.Error(t, err)
}

func TestServiceSubscribeSeesLifecycle(t *testing.T) {
	repo := newFakeRepo()
	repo.addDevice("pi-01", "lobby screen")
	s := startTestService(t, repo)

	var mu sync.Mutex
	var kinds []EventKind
	sub := s.Subscribe(func(ev Event) {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
	})
	defer sub.Cancel()

	c := dialDevice(t, s)
	c.register("cred-pi-01", "1.0.0", "pi-01")
	require.NoError(t, c.ws.Close())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		var connected, disconnected bool
		for _, k := range kinds {
			switch k {
			case EventDeviceConnected:
				connected = true
			case EventDeviceDisconnected:
				disconnected = true
			}
		}
		return connected && disconnected
	}, 3*time.Second, 5*time.Millisecond)
}

func TestServiceHealth(t *testing.T) {
	repo := newFakeRepo()
	repo.addDevice("pi-01", "lobby screen")
	s := startTestService(t, repo)

	c := dialDevice(t, s)
	c.register("cred-pi-01", "1.0.0", "pi-01")

	require.Eventually(t, func() bool {
		return s.Health().Connected == 1
	}, 2*time.Second, 5*time.Millisecond)

	h := s.Health()
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, 0, h.PendingCommands)
	assert.Equal(t, protocol.ServerVersion.String(), h.ProtocolVersion)
}

func TestServiceStopDisconnectsClients(t *testing.T) {
	repo := newFakeRepo()
	repo.addDevice("pi-01", "lobby screen")
	s := startTestService(t, repo)

	c := dialDevice(t, s)
	c.register("cred-pi-01", "1.0.0", "pi-01")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	c.expectClosed()
	assert.Equal(t, "stopped", s.Health().Status)
}

func TestServicePersistsStatusChanges(t *testing.T) {
	repo := newFakeRepo()
	repo.addDevice("pi-01", "lobby screen")
	s := startTestService(t, repo)

	c := dialDevice(t, s)
	c.register("cred-pi-01", "1.0.0", "pi-01")
	require.NoError(t, c.ws.Close())

	require.Eventually(t, func() bool {
		repo.mu.Lock()
		defer repo.mu.Unlock()
		updates := repo.statusUpdates["pi-01"]
		var online, offline bool
		for _, st := range updates {
			switch st {
			case string(StatusOnline):
				online = true
			case string(StatusOffline):
				offline = true
			}
		}
		return online && offline
	}, 3*time.Second, 5*time.Millisecond)
}
