package hub

import "sync"

// Registry tracks the single authoritative connection per device identity.
// Registering a device ID that already has a connection evicts and closes
// the old one; there is no window in which two connections are
// authoritative for the same ID.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*DeviceConn
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*DeviceConn)}
}

// Register makes conn authoritative for its device ID. Any previous
// connection for the same ID is replaced atomically and closed
// best-effort; the evicted connection (if any) is returned so the caller
// can log it. Registration never fails.
func (r *Registry) Register(conn *DeviceConn) (evicted *DeviceConn) {
	r.mu.Lock()
	evicted = r.conns[conn.ID]
	r.conns[conn.ID] = conn
	r.mu.Unlock()

	if evicted != nil {
		_ = evicted.Close() // its read loop exits on its own
	}
	return evicted
}

// Unregister removes conn if it is still the authoritative connection for
// id, and reports whether it was. A connection that has already been
// replaced by a newer registration is left alone, so a stale read loop
// cannot evict its replacement.
func (r *Registry) Unregister(id string, conn *DeviceConn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.conns[id]; ok && current == conn {
		delete(r.conns, id)
		return true
	}
	return false
}

// Lookup returns the authoritative connection for id. A miss is a normal
// outcome, not an error.
func (r *Registry) Lookup(id string) (*DeviceConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// Snapshot returns a point-in-time copy of all connections. Callers must
// not assume it reflects concurrent mutations.
func (r *Registry) Snapshot() []*DeviceConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*DeviceConn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
