package hub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panelworks/signage/internal/protocol"
)

func restartCmd() protocol.Command {
	return protocol.Command{Name: protocol.CommandRestart}
}

// frameRequestID pulls the request ID out of a sent command frame.
func frameRequestID(t *testing.T, raw []byte) string {
	t.Helper()
	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	require.Equal(t, protocol.TypeCommand, env.Type)
	require.NotEmpty(t, env.RequestID)
	return env.RequestID
}

// waitForFrames blocks until w has sent at least n frames.
func waitForFrames(t *testing.T, w *fakeWire, n int) [][]byte {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(w.sentFrames()) >= n
	}, 2*time.Second, 2*time.Millisecond)
	return w.sentFrames()
}

func TestDispatchUnknownDeviceUnreachable(t *testing.T) {
	d := NewDispatcher(NewRegistry(), 0, zerolog.Nop())

	start := time.Now()
	results := d.Dispatch(context.Background(), []string{"ghost"}, restartCmd(), 10*time.Second)

	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, ErrDeviceUnreachable)
	assert.Equal(t, "ghost", results[0].DeviceID)
	assert.Less(t, time.Since(start), time.Second, "unknown device fails immediately, no waiting")
	assert.Equal(t, 0, d.PendingCount())
}

func TestDispatchSuccess(t *testing.T) {
	reg := NewRegistry()
	w := &fakeWire{}
	reg.Register(testConn("pi-01", w))
	d := NewDispatcher(reg, 0, zerolog.Nop())

	resultCh := make(chan []CommandResult, 1)
	go func() {
		resultCh <- d.Dispatch(context.Background(), []string{"pi-01"}, restartCmd(), 5*time.Second)
	}()

	frames := waitForFrames(t, w, 1)
	requestID := frameRequestID(t, frames[0])

	ok := d.Resolve(requestID, &protocol.CommandResult{OK: true})
	assert.True(t, ok)

	results := <-resultCh
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, requestID, results[0].RequestID)
	require.NotNil(t, results[0].Response)
	assert.True(t, results[0].Response.OK)
	assert.Equal(t, 0, d.PendingCount())
}

func TestDispatchTimeout(t *testing.T) {
	reg := NewRegistry()
	w := &fakeWire{}
	reg.Register(testConn("pi-01", w))
	d := NewDispatcher(reg, 0, zerolog.Nop())

	results := d.Dispatch(context.Background(), []string{"pi-01"}, restartCmd(), 20*time.Millisecond)

	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, ErrCommandTimeout)
	assert.Equal(t, 0, d.PendingCount(), "timed-out entries are removed")

	// A late response finds nothing to resolve.
	requestID := frameRequestID(t, w.sentFrames()[0])
	assert.False(t, d.Resolve(requestID, &protocol.CommandResult{OK: true}))
}

func TestDispatchSendFailureUnreachable(t *testing.T) {
	reg := NewRegistry()
	w := &fakeWire{failSend: true}
	reg.Register(testConn("pi-01", w))
	d := NewDispatcher(reg, 0, zerolog.Nop())

	results := d.Dispatch(context.Background(), []string{"pi-01"}, restartCmd(), 5*time.Second)

	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, ErrDeviceUnreachable)
	assert.Equal(t, 0, d.PendingCount())
}

func TestDispatchBroadcastIndependentOutcomes(t *testing.T) {
	reg := NewRegistry()
	wOK := &fakeWire{}
	reg.Register(testConn("pi-ok", wOK))
	wSlow := &fakeWire{}
	reg.Register(testConn("pi-slow", wSlow))
	d := NewDispatcher(reg, 0, zerolog.Nop())

	resultCh := make(chan []CommandResult, 1)
	go func() {
		resultCh <- d.Dispatch(context.Background(),
			[]string{"pi-ok", "pi-slow", "pi-gone"}, restartCmd(), 300*time.Millisecond)
	}()

	frames := waitForFrames(t, wOK, 1)
	d.Resolve(frameRequestID(t, frames[0]), &protocol.CommandResult{OK: true})
	// pi-slow never answers; pi-gone was never connected.

	results := <-resultCh
	require.Len(t, results, 3)

	byID := map[string]CommandResult{}
	for _, r := range results {
		byID[r.DeviceID] = r
	}

	assert.NoError(t, byID["pi-ok"].Err)
	require.NotNil(t, byID["pi-ok"].Response)
	assert.True(t, byID["pi-ok"].Response.OK)
	assert.ErrorIs(t, byID["pi-slow"].Err, ErrCommandTimeout)
	assert.ErrorIs(t, byID["pi-gone"].Err, ErrDeviceUnreachable)
}

func TestFailDeviceShortCircuitsPending(t *testing.T) {
	reg := NewRegistry()
	w := &fakeWire{}
	reg.Register(testConn("pi-01", w))
	d := NewDispatcher(reg, 0, zerolog.Nop())

	resultCh := make(chan []CommandResult, 1)
	go func() {
		resultCh <- d.Dispatch(context.Background(), []string{"pi-01"}, restartCmd(), time.Minute)
	}()
	waitForFrames(t, w, 1)

	start := time.Now()
	assert.Equal(t, 1, d.FailDevice("pi-01"))

	results := <-resultCh
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, ErrDeviceUnreachable)
	assert.Less(t, time.Since(start), time.Second, "disconnect fails pending without waiting the timeout")
	assert.Equal(t, 0, d.PendingCount())
}

func TestFailDeviceOnlyTouchesItsOwnCommands(t *testing.T) {
	reg := NewRegistry()
	wA := &fakeWire{}
	reg.Register(testConn("pi-a", wA))
	wB := &fakeWire{}
	reg.Register(testConn("pi-b", wB))
	d := NewDispatcher(reg, 0, zerolog.Nop())

	resultCh := make(chan []CommandResult, 1)
	go func() {
		resultCh <- d.Dispatch(context.Background(), []string{"pi-a", "pi-b"}, restartCmd(), 5*time.Second)
	}()
	framesB := waitForFrames(t, wB, 1)
	waitForFrames(t, wA, 1)

	assert.Equal(t, 1, d.FailDevice("pi-a"))
	d.Resolve(frameRequestID(t, framesB[0]), &protocol.CommandResult{OK: true})

	results := <-resultCh
	byID := map[string]CommandResult{}
	for _, r := range results {
		byID[r.DeviceID] = r
	}
	assert.ErrorIs(t, byID["pi-a"].Err, ErrDeviceUnreachable)
	assert.NoError(t, byID["pi-b"].Err)
}

func TestIdempotentRetrySendsTwice(t *testing.T) {
	reg := NewRegistry()
	w := &fakeWire{}
	reg.Register(testConn("pi-01", w))
	d := NewDispatcher(reg, 1, zerolog.Nop())

	cmd := protocol.Command{Name: protocol.CommandScreenshot, Idempotent: true}
	results := d.Dispatch(context.Background(), []string{"pi-01"}, cmd, 20*time.Millisecond)

	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, ErrCommandTimeout)
	assert.Len(t, w.sentFrames(), 2, "idempotent command is retried once")
}

func TestNonIdempotentNeverRetried(t *testing.T) {
	reg := NewRegistry()
	w := &fakeWire{}
	reg.Register(testConn("pi-01", w))
	d := NewDispatcher(reg, 1, zerolog.Nop())

	results := d.Dispatch(context.Background(), []string{"pi-01"}, restartCmd(), 20*time.Millisecond)

	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, ErrCommandTimeout)
	assert.Len(t, w.sentFrames(), 1, "non-idempotent commands get exactly one attempt")
}

func TestDispatchContextCancel(t *testing.T) {
	reg := NewRegistry()
	w := &fakeWire{}
	reg.Register(testConn("pi-01", w))
	d := NewDispatcher(reg, 0, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	resultCh := make(chan []CommandResult, 1)
	go func() {
		resultCh <- d.Dispatch(ctx, []string{"pi-01"}, restartCmd(), time.Minute)
	}()
	waitForFrames(t, w, 1)
	cancel()

	results := <-resultCh
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, context.Canceled)
	assert.Equal(t, 0, d.PendingCount())
}

func TestResolveUnknownRequestID(t *testing.T) {
	d := NewDispatcher(NewRegistry(), 0, zerolog.Nop())
	assert.False(t, d.Resolve("nope", &protocol.CommandResult{OK: true}))
}
