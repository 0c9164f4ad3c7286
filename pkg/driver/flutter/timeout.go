package flutter

import (
	"sync"
	"time"
)

// CommandTimeout ends an idle session: onTimeout runs when no command has
// arrived for the configured duration.
type CommandTimeout struct {
	mu        sync.Mutex
	duration  time.Duration
	timer     *time.Timer
	onTimeout func()
}

// NewCommandTimeout creates a stopped timer. A duration <= 0 disables it.
func NewCommandTimeout(d time.Duration, onTimeout func()) *CommandTimeout {
	return &CommandTimeout{duration: d, onTimeout: onTimeout}
}

// SetDuration changes the duration used by the next Start.
func (c *CommandTimeout) SetDuration(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.duration = d
}

// Duration returns the configured duration.
func (c *CommandTimeout) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.duration
}

// Start (re)arms the timer.
func (c *CommandTimeout) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.duration <= 0 {
		return
	}
	c.timer = time.AfterFunc(c.duration, c.onTimeout)
}

// Clear disarms the timer.
func (c *CommandTimeout) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// Armed reports whether the timer is running.
func (c *CommandTimeout) Armed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timer != nil
}
