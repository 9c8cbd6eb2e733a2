package gateway

import "sync"

// Registry is the per-process map of user ID to live connection. One active
// connection per user: a new connection supersedes routing to the old one,
// though the old socket is not forcibly closed. Connection handles never
// leave the process; cross-process reach goes through the fan-out bus.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*Client)}
}

// Register inserts the client, returning the superseded one if any.
func (r *Registry) Register(c *Client) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.clients[c.UserID]
	r.clients[c.UserID] = c
	return prev
}

// Unregister removes the client if it is still the current registration for
// its user. Returns false when a newer connection superseded it.
func (r *Registry) Unregister(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.clients[c.UserID] != c {
		return false
	}
	delete(r.clients, c.UserID)
	return true
}

// Get returns the current connection for the user, nil if none.
func (r *Registry) Get(userID string) *Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clients[userID]
}

// Each calls fn for every registered client except the named user.
func (r *Registry) Each(exceptUserID string, fn func(*Client)) {
	r.mu.RLock()
	snapshot := make([]*Client, 0, len(r.clients))
	for uid, c := range r.clients {
		if uid != exceptUserID {
			snapshot = append(snapshot, c)
		}
	}
	r.mu.RUnlock()
	for _, c := range snapshot {
		fn(c)
	}
}
