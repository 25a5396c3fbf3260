// Package reconnect is the bounded exponential backoff state machine used
// after transport failures. It holds no timers; callers schedule the retry
// with the delay it returns.
package reconnect

import (
	"sync"
	"time"
)

type State int32

const (
	StateIdle State = iota
	StateRetrying
	StateRecovered
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRetrying:
		return "retrying"
	case StateRecovered:
		return "recovered"
	case StateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

const (
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 8 * time.Second
	DefaultMaxAttempts = 5
)

type Config struct {
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

func DefaultConfig() Config {
	return Config{BaseDelay: DefaultBaseDelay, MaxDelay: DefaultMaxDelay, MaxAttempts: DefaultMaxAttempts}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = max(d.MaxDelay, c.BaseDelay)
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	return c
}

// Decision tells the caller what to do after a failure.
type Decision struct {
	Retry   bool
	Delay   time.Duration
	Attempt int
}

type Snapshot struct {
	State       State
	Attempts    int
	NextDelay   time.Duration
	MaxAttempts int
}

// Controller is safe for concurrent use.
type Controller struct {
	cfg Config

	mu        sync.Mutex
	state     State
	attempts  int
	nextDelay time.Duration
}

func New(cfg Config) *Controller {
	cfg = cfg.normalized()
	return &Controller{cfg: cfg, nextDelay: cfg.BaseDelay}
}

// Failure records a failed operation. Once MaxAttempts retries were handed
// out, the controller is Exhausted and every further failure is final.
func (c *Controller) Failure() Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateExhausted || c.attempts >= c.cfg.MaxAttempts {
		c.state = StateExhausted
		return Decision{Retry: false, Attempt: c.attempts}
	}
	c.attempts++
	delay := c.delayFor(c.attempts)
	c.state = StateRetrying
	c.nextDelay = c.delayFor(c.attempts + 1)
	return Decision{Retry: true, Delay: delay, Attempt: c.attempts}
}

// delayFor is base * 2^(attempt-1), capped at MaxDelay.
func (c *Controller) delayFor(attempt int) time.Duration {
	d := c.cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.cfg.MaxDelay {
			return c.cfg.MaxDelay
		}
	}
	return min(d, c.cfg.MaxDelay)
}

// Success records a successful operation and reports whether it ended a
// failure streak.
func (c *Controller) Success() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	recovered := c.state == StateRetrying || c.state == StateExhausted
	if recovered {
		c.state = StateRecovered
	}
	c.attempts = 0
	c.nextDelay = c.cfg.BaseDelay
	return recovered
}

func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateIdle
	c.attempts = 0
	c.nextDelay = c.cfg.BaseDelay
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{State: c.state, Attempts: c.attempts, NextDelay: c.nextDelay, MaxAttempts: c.cfg.MaxAttempts}
}

func (c *Controller) Config() Config { return c.cfg }
