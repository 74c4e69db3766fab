// Package session tracks which authenticated principal is attached to which
// live connections on the local process.
package session

import (
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const defaultShards = 32

// Conn is a live connection as seen by the registry and the router.
type Conn interface {
	ID() string
	Principal() string
	// Send enqueues an encoded frame without blocking on the network.
	Send(frame []byte) error
	// Subscribed reports whether the connection subscribed to a topic destination.
	Subscribed(destination string) bool
}

// Session describes one registered connection.
type Session struct {
	ID        string
	Principal string
	CreatedAt time.Time
}

type entry struct {
	conn    Conn
	session Session
}

// principalShard maps principal -> connection id -> connection.
type principalShard struct {
	mu       sync.RWMutex
	sessions map[string]map[string]Conn
}

// connShard maps connection id -> entry.
type connShard struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// Registry maps principals to their open connections and back. Both
// directions are partitioned into shards so unrelated principals never
// contend on the same lock.
type Registry struct {
	byPrincipal []*principalShard
	byConn      []*connShard
	count       atomic.Int64
	now         func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return NewRegistryWithShards(defaultShards)
}

// NewRegistryWithShards creates an empty registry partitioned into n shards.
func NewRegistryWithShards(n int) *Registry {
	if n <= 0 {
		n = defaultShards
	}
	r := &Registry{
		byPrincipal: make([]*principalShard, n),
		byConn:      make([]*connShard, n),
		now:         time.Now,
	}
	for i := 0; i < n; i++ {
		r.byPrincipal[i] = &principalShard{sessions: make(map[string]map[string]Conn)}
		r.byConn[i] = &connShard{entries: make(map[string]entry)}
	}
	return r
}

func shardIndex(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

func (r *Registry) principalShard(principal string) *principalShard {
	return r.byPrincipal[shardIndex(principal, len(r.byPrincipal))]
}

func (r *Registry) connShard(id string) *connShard {
	return r.byConn[shardIndex(id, len(r.byConn))]
}

// Register attaches conn to principal. Registering the same connection twice
// is a no-op. It reports whether conn is the principal's first local session.
func (r *Registry) Register(principal string, conn Conn) bool {
	id := conn.ID()
	cs := r.connShard(id)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if existing, ok := cs.entries[id]; ok {
		if existing.session.Principal == principal {
			return false
		}
		r.detach(existing.session.Principal, id)
		r.count.Add(-1)
	}

	cs.entries[id] = entry{
		conn: conn,
		session: Session{
			ID:        id,
			Principal: principal,
			CreatedAt: r.now(),
		},
	}
	r.count.Add(1)

	ps := r.principalShard(principal)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	set, ok := ps.sessions[principal]
	if !ok {
		set = make(map[string]Conn)
		ps.sessions[principal] = set
	}
	set[id] = conn
	return len(set) == 1
}

// Unregister removes the connection. It returns the removed session and
// whether it was the principal's last local session. ok is false when the
// connection was not registered.
func (r *Registry) Unregister(connID string) (sess Session, last bool, ok bool) {
	cs := r.connShard(connID)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	e, found := cs.entries[connID]
	if !found {
		return Session{}, false, false
	}
	delete(cs.entries, connID)
	r.count.Add(-1)

	last = r.detach(e.session.Principal, connID)
	return e.session, last, true
}

// detach removes connID from the principal index and reports whether the
// principal has no local session left. Callers hold the connection shard lock.
func (r *Registry) detach(principal, connID string) bool {
	ps := r.principalShard(principal)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	set, ok := ps.sessions[principal]
	if !ok {
		return true
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(ps.sessions, principal)
		return true
	}
	return false
}

// SessionsFor returns the ids of the principal's local connections, sorted.
// The result is empty, never nil, when the principal has no local session.
func (r *Registry) SessionsFor(principal string) []string {
	ps := r.principalShard(principal)
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	set := ps.sessions[principal]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ConnectionsFor returns a snapshot of the principal's local connections.
func (r *Registry) ConnectionsFor(principal string) []Conn {
	ps := r.principalShard(principal)
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	set := ps.sessions[principal]
	conns := make([]Conn, 0, len(set))
	for _, c := range set {
		conns = append(conns, c)
	}
	return conns
}

// HasLocalSession reports whether the principal has at least one local connection.
func (r *Registry) HasLocalSession(principal string) bool {
	ps := r.principalShard(principal)
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.sessions[principal]) > 0
}

// Get returns the connection registered under id.
func (r *Registry) Get(id string) (Conn, bool) {
	cs := r.connShard(id)
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	e, ok := cs.entries[id]
	return e.conn, ok
}

// Lookup returns the session registered under id.
func (r *Registry) Lookup(id string) (Session, bool) {
	cs := r.connShard(id)
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	e, ok := cs.entries[id]
	return e.session, ok
}

// All returns a snapshot of every local connection. Shards are visited one at
// a time, so the snapshot is not atomic across shards.
func (r *Registry) All() []Conn {
	conns := make([]Conn, 0, r.Count())
	for _, cs := range r.byConn {
		cs.mu.RLock()
		for _, e := range cs.entries {
			conns = append(conns, e.conn)
		}
		cs.mu.RUnlock()
	}
	return conns
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	return int(r.count.Load())
}
