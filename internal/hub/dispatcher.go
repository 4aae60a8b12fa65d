package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/panelworks/signage/internal/protocol"
)

// CommandResult is the per-device outcome of a dispatched command.
// Exactly one of Err or Response is meaningful.
type CommandResult struct {
	DeviceID  string
	RequestID string
	Err       error
	Response  *protocol.CommandResult
}

type dispatchOutcome struct {
	response *protocol.CommandResult
	err      error
}

// pendingCommand is one outstanding command awaiting its correlated
// response. Entries are removed on response, timeout, or device
// disconnect; nothing leaks.
type pendingCommand struct {
	requestID string
	deviceID  string
	issuedAt  time.Time
	done      chan dispatchOutcome // buffered, single completion
}

// Dispatcher sends commands to connected devices and correlates the
// asynchronous responses back to callers by request ID.
type Dispatcher struct {
	registry *Registry
	retries  int // extra attempts for idempotent commands (0 or 1)
	log      zerolog.Logger

	mu      sync.Mutex
	pending map[string]*pendingCommand
}

func NewDispatcher(registry *Registry, retries int, log zerolog.Logger) *Dispatcher {
	if retries < 0 {
		retries = 0
	}
	if retries > 1 {
		retries = 1
	}
	return &Dispatcher{
		registry: registry,
		retries:  retries,
		log:      log,
		pending:  make(map[string]*pendingCommand),
	}
}

// Dispatch sends cmd to every target and blocks until each target has an
// outcome: a correlated response, DeviceUnreachable, or CommandTimeout.
// Targets resolve independently; partial failure is reported per device,
// never escalated to an all-or-nothing error.
func (d *Dispatcher) Dispatch(ctx context.Context, targets []string, cmd protocol.Command, timeout time.Duration) []CommandResult {
	results := make([]CommandResult, len(targets))

	var wg sync.WaitGroup
	for i, id := range targets {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			results[i] = d.dispatchOne(ctx, id, cmd, timeout)
		}(i, id)
	}
	wg.Wait()

	return results
}

func (d *Dispatcher) dispatchOne(ctx context.Context, deviceID string, cmd protocol.Command, timeout time.Duration) CommandResult {
	attempts := 1
	if cmd.Idempotent {
		attempts += d.retries
	}

	var res CommandResult
	for i := 0; i < attempts; i++ {
		res = d.sendAndWait(ctx, deviceID, cmd, timeout)
		// Only a timeout is worth a second attempt; an unreachable device
		// stays unreachable and a response is final.
		if !errors.Is(res.Err, ErrCommandTimeout) {
			return res
		}
		if i+1 < attempts {
			d.log.Debug().
				Str("device_id", deviceID).
				Str("command", cmd.Name).
				Msg("idempotent command timed out, retrying once")
		}
	}
	return res
}

func (d *Dispatcher) sendAndWait(ctx context.Context, deviceID string, cmd protocol.Command, timeout time.Duration) CommandResult {
	conn, ok := d.registry.Lookup(deviceID)
	if !ok {
		// No connection, nothing sent.
		return CommandResult{DeviceID: deviceID, Err: ErrDeviceUnreachable}
	}

	requestID := uuid.NewString()
	p := &pendingCommand{
		requestID: requestID,
		deviceID:  deviceID,
		issuedAt:  time.Now(),
		done:      make(chan dispatchOutcome, 1),
	}

	d.mu.Lock()
	d.pending[requestID] = p
	d.mu.Unlock()

	env, err := protocol.NewEnvelope(protocol.TypeCommand, requestID, cmd)
	if err != nil {
		d.remove(requestID)
		return CommandResult{DeviceID: deviceID, RequestID: requestID, Err: err}
	}

	if err := conn.Send(env); err != nil {
		d.remove(requestID)
		d.log.Warn().
			Err(err).
			Str("device_id", deviceID).
			Str("command", cmd.Name).
			Msg("command send failed")
		return CommandResult{DeviceID: deviceID, RequestID: requestID, Err: ErrDeviceUnreachable}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-p.done:
		return CommandResult{DeviceID: deviceID, RequestID: requestID, Err: out.err, Response: out.response}
	case <-timer.C:
		d.remove(requestID)
		return CommandResult{DeviceID: deviceID, RequestID: requestID, Err: ErrCommandTimeout}
	case <-ctx.Done():
		d.remove(requestID)
		return CommandResult{DeviceID: deviceID, RequestID: requestID, Err: ctx.Err()}
	}
}

// Resolve completes the pending command matching requestID and reports
// whether one was waiting. Responses arriving after timeout or disconnect
// find no entry and are dropped.
func (d *Dispatcher) Resolve(requestID string, resp *protocol.CommandResult) bool {
	d.mu.Lock()
	p, ok := d.pending[requestID]
	if ok {
		delete(d.pending, requestID)
	}
	d.mu.Unlock()

	if !ok {
		return false
	}
	p.done <- dispatchOutcome{response: resp}
	return true
}

// FailDevice fails every pending command targeting deviceID with
// DeviceUnreachable. Called when the device's connection closes so
// callers are not left waiting out their timeouts.
func (d *Dispatcher) FailDevice(deviceID string) int {
	d.mu.Lock()
	var failed []*pendingCommand
	for id, p := range d.pending {
		if p.deviceID == deviceID {
			delete(d.pending, id)
			failed = append(failed, p)
		}
	}
	d.mu.Unlock()

	for _, p := range failed {
		p.done <- dispatchOutcome{err: ErrDeviceUnreachable}
	}
	return len(failed)
}

// PendingCount reports outstanding commands; used by health and tests.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Dispatcher) remove(requestID string) {
	d.mu.Lock()
	delete(d.pending, requestID)
	d.mu.Unlock()
}
