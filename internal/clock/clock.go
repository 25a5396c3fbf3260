// Package clock provides the time source and revocable scheduled tasks used by
// the sharing core. Tasks replace ad-hoc timers: every task can be stopped, and
// a stopped task never fires again.
package clock

import (
	"context"
	"sync"
	"time"
)

// Task is a handle to a scheduled callback.
type Task interface {
	// Stop prevents any future run and cancels the context handed to a run
	// that is still in flight. It reports whether the task was still armed.
	Stop() bool
}

// Clock is the scheduling surface injected into the core.
type Clock interface {
	Now() time.Time
	// AfterFunc runs fn once after d.
	AfterFunc(d time.Duration, fn func(ctx context.Context)) Task
	// Every runs fn every d until stopped. Runs never overlap; the next period
	// starts after the previous run returns.
	Every(d time.Duration, fn func(ctx context.Context)) Task
}

type realClock struct{}

// New returns a Clock backed by the runtime timers.
func New() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, fn func(ctx context.Context)) Task {
	return startTask(d, 0, fn)
}

func (realClock) Every(d time.Duration, fn func(ctx context.Context)) Task {
	if d <= 0 {
		panic("clock: non-positive interval for Every")
	}
	return startTask(d, d, fn)
}

type realTask struct {
	mu      sync.Mutex
	stopped bool
	timer   *time.Timer
	period  time.Duration
	fn      func(context.Context)

	ctx    context.Context
	cancel context.CancelFunc
}

func startTask(delay, period time.Duration, fn func(context.Context)) *realTask {
	ctx, cancel := context.WithCancel(context.Background())
	t := &realTask{period: period, fn: fn, ctx: ctx, cancel: cancel}
	// fire blocks on mu until timer is assigned.
	t.mu.Lock()
	t.timer = time.AfterFunc(delay, t.fire)
	t.mu.Unlock()
	return t
}

func (t *realTask) fire() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	if t.period == 0 {
		t.stopped = true
	}
	t.mu.Unlock()

	t.fn(t.ctx)

	if t.period == 0 {
		t.cancel()
		return
	}
	t.mu.Lock()
	if !t.stopped {
		t.timer.Reset(t.period)
	}
	t.mu.Unlock()
}

func (t *realTask) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancel()
	if t.stopped {
		return false
	}
	t.stopped = true
	t.timer.Stop()
	return true
}
