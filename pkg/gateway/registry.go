package gateway

import (
	"sort"
	"sync"
	"time"
)

// ConnRegistry tracks open connections by connection id.
type ConnRegistry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// ConnInfo is the admin view of a connection.
type ConnInfo struct {
	ID          string    `json:"id"`
	Identity    string    `json:"identity"`
	SessionID   string    `json:"session_id,omitempty"`
	RemoteAddr  string    `json:"remote_addr"`
	State       string    `json:"state"`
	ConnectedAt time.Time `json:"connected_at"`
}

// NewConnRegistry creates a new connection registry
func NewConnRegistry() *ConnRegistry {
	return &ConnRegistry{
		conns: make(map[string]*Conn),
	}
}

// Add adds a connection to the registry
func (r *ConnRegistry) Add(conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns[conn.ID] = conn
}

// Remove removes a connection from the registry
func (r *ConnRegistry) Remove(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.conns, connID)
}

// Get retrieves a connection by ID
func (r *ConnRegistry) Get(connID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, exists := r.conns[connID]
	return conn, exists
}

// GetAll returns all connections
func (r *ConnRegistry) GetAll() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	return conns
}

// Count returns the number of open connections
func (r *ConnRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.conns)
}

// Infos returns every connection, oldest first.
func (r *ConnRegistry) Infos() []ConnInfo {
	conns := r.GetAll()
	infos := make([]ConnInfo, 0, len(conns))
	for _, conn := range conns {
		infos = append(infos, conn.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ConnectedAt.Before(infos[j].ConnectedAt) })
	return infos
}
