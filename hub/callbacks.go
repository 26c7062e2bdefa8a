package hub

import (
	"sync"
	"time"

	"github.com/watchmesh/watchtower/wire"
)

// Callback consumes the validator's reply to a single dispatch.
type Callback func(reply *wire.ValidateReply)

type pendingCallback struct {
	fn         Callback
	registered time.Time
}

// Correlator joins asynchronous validate replies back to the dispatch
// that issued them. A callback fires at most once; replies carrying an
// unknown or already-fired token are silently ignored. Tokens that
// never receive a reply are reclaimed by Sweep.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]pendingCallback
}

func NewCorrelator() *Correlator {
	return &Correlator{pending: make(map[string]pendingCallback)}
}

func (c *Correlator) Register(token string, fn Callback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[token] = pendingCallback{fn: fn, registered: time.Now()}
}

// Fire removes and invokes the callback registered under token.
// It reports whether a callback was found; a miss is not an error.
func (c *Correlator) Fire(token string, reply *wire.ValidateReply) bool {
	c.mu.Lock()
	cb, ok := c.pending[token]
	if ok {
		delete(c.pending, token)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	cb.fn(reply)
	return true
}

// Sweep drops callbacks older than ttl and returns how many were
// evicted. Late replies to evicted tokens fall into the silent-miss
// path of Fire.
func (c *Correlator) Sweep(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)
	c.mu.Lock()
	defer c.mu.Unlock()
	var evicted int
	for token, cb := range c.pending {
		if cb.registered.Before(cutoff) {
			delete(c.pending, token)
			evicted++
		}
	}
	return evicted
}

func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
