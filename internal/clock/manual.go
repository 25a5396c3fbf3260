package clock

import (
	"context"
	"sync"
	"time"
)

// Manual is a Clock that only moves when Advance is called. Due callbacks run
// synchronously on the goroutine calling Advance, in due-time order.
type Manual struct {
	mu    sync.Mutex
	now   time.Time
	seq   uint64
	tasks map[*manualTask]struct{}
}

type manualTask struct {
	m      *Manual
	due    time.Time
	period time.Duration
	seq    uint64
	fn     func(context.Context)
	ctx    context.Context
	cancel context.CancelFunc
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start, tasks: make(map[*manualTask]struct{})}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) AfterFunc(d time.Duration, fn func(ctx context.Context)) Task {
	return m.schedule(d, 0, fn)
}

func (m *Manual) Every(d time.Duration, fn func(ctx context.Context)) Task {
	if d <= 0 {
		panic("clock: non-positive interval for Every")
	}
	return m.schedule(d, d, fn)
}

func (m *Manual) schedule(d, period time.Duration, fn func(context.Context)) *manualTask {
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTask{m: m, due: m.now.Add(d), period: period, seq: m.seq, fn: fn, ctx: ctx, cancel: cancel}
	m.tasks[t] = struct{}{}
	return t
}

// Advance moves the clock forward by d, firing every task that becomes due.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		next := m.nextDueLocked(target)
		if next == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		if next.due.After(m.now) {
			m.now = next.due
		}
		if next.period > 0 {
			next.due = next.due.Add(next.period)
		} else {
			delete(m.tasks, next)
		}
		m.mu.Unlock()

		next.fn(next.ctx)
		if next.period == 0 {
			next.cancel()
		}
	}
}

func (m *Manual) nextDueLocked(limit time.Time) *manualTask {
	var best *manualTask
	for t := range m.tasks {
		if t.due.After(limit) {
			continue
		}
		if best == nil || t.due.Before(best.due) || (t.due.Equal(best.due) && t.seq < best.seq) {
			best = t
		}
	}
	return best
}

// Pending reports how many tasks are still armed.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

func (t *manualTask) Stop() bool {
	t.cancel()
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if _, ok := t.m.tasks[t]; !ok {
		return false
	}
	delete(t.m.tasks, t)
	return true
}
