package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/watchmesh/watchtower/wire"
)

// Conn wraps a websocket connection with a write lock; the underlying
// connection supports only one concurrent writer.
type Conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func newConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// Send writes one envelope with the given deadline.
func (c *Conn) Send(msg *wire.Envelope, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return c.ws.WriteJSON(msg)
}

func (c *Conn) Close() error {
	return c.ws.Close()
}

// Member is a currently connected, authenticated validator.
type Member struct {
	Conn        *Conn
	ValidatorID string
	PubKey      string
}

// Registry tracks connected validators. Connect and disconnect events
// arrive on arbitrary goroutines concurrently with the dispatch loop.
type Registry struct {
	mu      sync.RWMutex
	members map[*Conn]Member
}

func NewRegistry() *Registry {
	return &Registry{members: make(map[*Conn]Member)}
}

func (r *Registry) Register(m Member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[m.Conn] = m
}

// Deregister removes a connection by its transport handle. Keying by
// the handle rather than the claimed identity means a disconnect always
// clears state, even for connections that never authenticated.
func (r *Registry) Deregister(c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[c]; !ok {
		return false
	}
	delete(r.members, c)
	return true
}

// Snapshot returns a point-in-time copy of the connected members for
// iteration outside the lock.
func (r *Registry) Snapshot() []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := make([]Member, 0, len(r.members))
	for _, m := range r.members {
		members = append(members, m)
	}
	return members
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}
