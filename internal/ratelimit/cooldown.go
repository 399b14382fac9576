package ratelimit

import (
	"sync"
	"time"
)

// DefaultCooldown is the minimum spacing between two messages from the same
// connection.
const DefaultCooldown = 1500 * time.Millisecond

// Cooldown is an in-memory per-connection send gate: a connection may send
// again once the cooldown period has passed since its last accepted send.
type Cooldown struct {
	mu     sync.Mutex
	period time.Duration
	last   map[string]time.Time
}

// NewCooldown returns a Cooldown with the given period. A non-positive period
// falls back to DefaultCooldown.
func NewCooldown(period time.Duration) *Cooldown {
	if period <= 0 {
		period = DefaultCooldown
	}
	return &Cooldown{period: period, last: make(map[string]time.Time)}
}

// Period returns the configured cooldown.
func (c *Cooldown) Period() time.Duration {
	return c.period
}

// Allow reports whether id may send at now. An accepted send records now as
// the connection's last send. A rejected send leaves the state untouched and
// returns how long the caller has to wait.
func (c *Cooldown) Allow(id string, now time.Time) (bool, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	last, ok := c.last[id]
	if ok {
		elapsed := now.Sub(last)
		if elapsed < 0 {
			// Clock stepped backwards; treat the last send as happening now.
			elapsed = 0
		}
		if elapsed < c.period {
			return false, c.period - elapsed
		}
	}
	c.last[id] = now
	return true, 0
}

// Forget drops the state kept for id.
func (c *Cooldown) Forget(id string) {
	c.mu.Lock()
	delete(c.last, id)
	c.mu.Unlock()
}

// Len returns the number of connections with recorded sends.
func (c *Cooldown) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.last)
}

// WaitSeconds rounds a wait up to whole seconds, the unit shown to users.
func WaitSeconds(wait time.Duration) int {
	if wait <= 0 {
		return 0
	}
	secs := wait / time.Second
	if wait%time.Second != 0 {
		secs++
	}
	return int(secs)
}
