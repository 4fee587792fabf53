package worker

import (
	"sync"

	"golang.org/x/exp/slices"
)

// Usernames is the node-wide set of usernames held by active sessions.
type Usernames struct {
	mu    sync.Mutex
	names map[string]struct{}
}

// NewUsernames creates an empty registry.
func NewUsernames() *Usernames {
	return &Usernames{names: make(map[string]struct{})}
}

// Register claims name. It reports false if name is already taken.
func (u *Usernames) Register(name string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, taken := u.names[name]; taken {
		return false
	}
	u.names[name] = struct{}{}
	return true
}

// Unregister releases name. Releasing an unknown name is a no-op.
func (u *Usernames) Unregister(name string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.names, name)
}

// Contains reports whether name is registered.
func (u *Usernames) Contains(name string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	_, ok := u.names[name]
	return ok
}

// Clients tracks sessions that completed the handshake.
type Clients struct {
	mu       sync.RWMutex
	sessions map[uint64]*Session
}

// NewClients creates an empty registry.
func NewClients() *Clients {
	return &Clients{sessions: make(map[uint64]*Session)}
}

// Add registers s under its id.
func (c *Clients) Add(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[s.id] = s
}

// Remove drops the session with id. Unknown ids are ignored.
func (c *Clients) Remove(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, id)
}

// Len returns the number of active sessions.
func (c *Clients) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

// Snapshot returns the active sessions ordered by id. Callers act on the
// copy without holding the registry lock.
func (c *Clients) Snapshot() []*Session {
	c.mu.RLock()
	out := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	c.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Session) int {
		switch {
		case a.id < b.id:
			return -1
		case a.id > b.id:
			return 1
		}
		return 0
	})
	return out
}
