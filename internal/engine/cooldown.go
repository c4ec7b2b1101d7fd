package engine

import (
	"sync"
	"time"
)

// Cooldown rate-limits side effects (log lines) per key.
type Cooldown struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func NewCooldown() *Cooldown {
	return &Cooldown{last: make(map[string]time.Time)}
}

func (c *Cooldown) Allow(key string, now time.Time, cooldown time.Duration) bool {
	if cooldown <= 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.last[key]; ok && now.Sub(ts) < cooldown {
		return false
	}
	c.last[key] = now
	if len(c.last) > 10000 {
		c.compact(now, cooldown)
	}
	return true
}

func (c *Cooldown) compact(now time.Time, cooldown time.Duration) {
	for k, ts := range c.last {
		if now.Sub(ts) >= cooldown {
			delete(c.last, k)
		}
	}
}
