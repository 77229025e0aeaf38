package relay

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pscheid92/wsrelay/internal/adapter/metrics"
	"github.com/pscheid92/wsrelay/internal/domain"
)

// Registry is the set of live connections. Mutations are serialized by mu and
// republish an immutable snapshot, so readers never touch the live map.
type Registry struct {
	mu           sync.Mutex
	conns        map[uuid.UUID]*Connection
	shuttingDown bool

	snapshot atomic.Pointer[[]*Connection]
	metrics  *metrics.RelayMetrics
}

func NewRegistry(m *metrics.RelayMetrics) *Registry {
	r := &Registry{
		conns:   make(map[uuid.UUID]*Connection),
		metrics: m,
	}
	r.snapshot.Store(&[]*Connection{})
	return r
}

// Add inserts conn under its id. It fails with domain.ErrShuttingDown once Close was called.
func (r *Registry) Add(conn *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.shuttingDown {
		return domain.ErrShuttingDown
	}
	r.conns[conn.ID()] = conn
	r.publish()
	return nil
}

// Remove deletes the connection if present.
func (r *Registry) Remove(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[id]; !ok {
		return
	}
	delete(r.conns, id)
	r.publish()
}

// Get returns the live connection with the given id.
func (r *Registry) Get(id uuid.UUID) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// Snapshot returns the connection set as of the last mutation. The slice must not be modified.
func (r *Registry) Snapshot() []*Connection {
	return *r.snapshot.Load()
}

func (r *Registry) Len() int {
	return len(r.Snapshot())
}

// Close rejects further adds and returns the connections that were still live.
// The registry is empty afterwards.
func (r *Registry) Close() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.shuttingDown = true
	remaining := *r.snapshot.Load()
	clear(r.conns)
	r.publish()
	return remaining
}

// publish must be called with mu held.
func (r *Registry) publish() {
	snap := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		snap = append(snap, conn)
	}
	r.snapshot.Store(&snap)
	r.metrics.RegisteredConnections.Set(float64(len(snap)))
}
