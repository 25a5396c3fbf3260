package http

import (
	"sync"
	"time"

	"github.com/dkeye/CanvasShare/internal/clock"
	"github.com/dkeye/CanvasShare/internal/domain"
)

// sweepAbove is the number of tracked sessions past which Allow drops idle
// histories.
const sweepAbove = 1024

// PublishLimiter is a sliding window of publish attempts per session.
type PublishLimiter struct {
	mu       sync.Mutex
	history  map[domain.SessionID][]time.Time
	limit    int
	interval time.Duration
	clock    clock.Clock
}

func NewPublishLimiter(limit int, interval time.Duration, c clock.Clock) *PublishLimiter {
	if c == nil {
		c = clock.New()
	}
	return &PublishLimiter{
		history:  make(map[domain.SessionID][]time.Time),
		limit:    limit,
		interval: interval,
		clock:    c,
	}
}

func (rl *PublishLimiter) Allow(sid domain.SessionID) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	windowStart := now.Add(-rl.interval)
	if len(rl.history) > sweepAbove {
		rl.sweepLocked(windowStart)
	}

	fresh := fresh(rl.history[sid], windowStart)
	if len(fresh) >= rl.limit {
		rl.history[sid] = fresh
		return false
	}
	rl.history[sid] = append(fresh, now)
	return true
}

// Forget drops the history of an ended session.
func (rl *PublishLimiter) Forget(sid domain.SessionID) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.history, sid)
}

func (rl *PublishLimiter) sweepLocked(windowStart time.Time) {
	for sid, attempts := range rl.history {
		if len(fresh(attempts, windowStart)) == 0 {
			delete(rl.history, sid)
		}
	}
}

func fresh(attempts []time.Time, windowStart time.Time) []time.Time {
	out := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			out = append(out, t)
		}
	}
	return out
}
