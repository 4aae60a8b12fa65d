package hub

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventKind classifies hub events delivered to subscribers.
type EventKind string

const (
	EventDeviceConnected    EventKind = "device_connected"
	EventDeviceDisconnected EventKind = "device_disconnected"
	EventStatusChanged      EventKind = "status_changed"
)

// Event describes a change in the connected-device population.
type Event struct {
	Kind     EventKind
	DeviceID string
	Role     string
	Status   DeviceStatus
	At       time.Time
}

// Subscription is the handle returned by Subscribe. Cancel removes the
// subscriber; it is safe to call after the service has stopped.
type Subscription struct {
	id     uint64
	events *events
}

func (s *Subscription) Cancel() {
	s.events.mu.Lock()
	delete(s.events.subs, s.id)
	s.events.mu.Unlock()
}

// events is an explicit observer list. Delivery is asynchronous and
// panic-isolated: a slow or faulty subscriber can never stall the sweep
// loop or crash the hub.
type events struct {
	log zerolog.Logger

	mu   sync.Mutex
	next uint64
	subs map[uint64]func(Event)

	wg sync.WaitGroup
}

func newEvents(log zerolog.Logger) *events {
	return &events{log: log, subs: make(map[uint64]func(Event))}
}

func (e *events) subscribe(fn func(Event)) *Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.next++
	id := e.next
	e.subs[id] = fn
	return &Subscription{id: id, events: e}
}

func (e *events) emit(ev Event) {
	e.mu.Lock()
	fns := make([]func(Event), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		e.wg.Add(1)
		go func(fn func(Event)) {
			defer e.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					e.log.Error().
						Interface("panic", r).
						Str("device_id", ev.DeviceID).
						Msg("event subscriber panicked")
				}
			}()
			fn(ev)
		}(fn)
	}
}

// drain waits for in-flight deliveries; called on service shutdown.
func (e *events) drain() {
	e.wg.Wait()
}
