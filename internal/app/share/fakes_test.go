package share

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dkeye/CanvasShare/internal/clock"
	"github.com/dkeye/CanvasShare/internal/core"
	"github.com/dkeye/CanvasShare/internal/domain"
)

var (
	t0      = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	errLink = fmt.Errorf("%w: link down", domain.ErrTransient)
)

type relayEntry struct {
	payload core.Payload
	viewers map[domain.ViewerID]struct{}
	ended   bool
}

func (e *relayEntry) viewerList() []domain.ViewerID {
	out := make([]domain.ViewerID, 0, len(e.viewers))
	for v := range e.viewers {
		out = append(out, v)
	}
	slices.Sort(out)
	return out
}

// fakeRelay is an in-memory relay. Negative failure counters fail forever.
type fakeRelay struct {
	mu        sync.Mutex
	sessions  map[domain.SessionID]*relayEntry
	sendErrs  int
	sendErr   error
	fetchErrs int
	pingErr   error
	subErr    error
	blockSend chan struct{}

	sends   int
	fetches int
	ended   []domain.SessionID
	subs    []*fakeSub
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{sessions: make(map[domain.SessionID]*relayEntry)}
}

func (r *fakeRelay) set(fn func(r *fakeRelay)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r)
}

func (r *fakeRelay) sendCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sends
}

func (r *fakeRelay) latest(sid domain.SessionID) core.Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.sessions[sid]; e != nil {
		return e.payload
	}
	return core.Payload{}
}

func (r *fakeRelay) liveSubs(sid domain.SessionID) []*fakeSub {
	var out []*fakeSub
	for _, s := range r.subs {
		if s.sid == sid && !s.closed.Load() {
			out = append(out, s)
		}
	}
	return out
}

func (r *fakeRelay) Ping(context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pingErr != nil {
		return 0, r.pingErr
	}
	return 4096, nil
}

func (r *fakeRelay) Send(_ context.Context, sid domain.SessionID, p core.Payload) (core.Ack, error) {
	r.mu.Lock()
	block := r.blockSend
	r.mu.Unlock()
	if block != nil {
		<-block
		return core.Ack{}, errLink
	}

	r.mu.Lock()
	r.sends++
	if r.sendErrs != 0 {
		if r.sendErrs > 0 {
			r.sendErrs--
		}
		err := errLink
		if r.sendErr != nil {
			err = r.sendErr
		}
		r.mu.Unlock()
		return core.Ack{}, err
	}
	e := r.sessions[sid]
	if e == nil {
		e = &relayEntry{viewers: make(map[domain.ViewerID]struct{})}
		r.sessions[sid] = e
	}
	if e.ended {
		r.mu.Unlock()
		return core.Ack{}, fmt.Errorf("%w: ended", domain.ErrRemoteUnavailable)
	}
	if p.Version > e.payload.Version {
		e.payload = p
	}
	ack := core.Ack{Version: e.payload.Version, Viewers: e.viewerList()}
	latest := e.payload
	subs := r.liveSubs(sid)
	r.mu.Unlock()

	for _, s := range subs {
		s.deliver(latest)
	}
	return ack, nil
}

func (r *fakeRelay) Fetch(_ context.Context, sid domain.SessionID, viewer domain.ViewerID, since uint64) (core.FetchResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetches++
	if r.fetchErrs != 0 {
		if r.fetchErrs > 0 {
			r.fetchErrs--
		}
		return core.FetchResult{}, errLink
	}
	e := r.sessions[sid]
	if e == nil || e.ended {
		return core.FetchResult{}, fmt.Errorf("%w: %s", domain.ErrRemoteUnavailable, sid)
	}
	if viewer != "" {
		e.viewers[viewer] = struct{}{}
	}
	res := core.FetchResult{Viewers: e.viewerList()}
	if e.payload.Version > since {
		p := e.payload
		res.Payload = &p
	}
	return res, nil
}

func (r *fakeRelay) End(_ context.Context, sid domain.SessionID) error {
	r.mu.Lock()
	r.ended = append(r.ended, sid)
	if e := r.sessions[sid]; e != nil {
		e.ended = true
	}
	subs := r.liveSubs(sid)
	r.mu.Unlock()

	for _, s := range subs {
		s.drop(fmt.Errorf("%w: session ended", domain.ErrRemoteUnavailable))
	}
	return nil
}

func (r *fakeRelay) Subscribe(_ context.Context, sid domain.SessionID, _ domain.ViewerID, since uint64,
	fn func(core.Payload), onClose func(error)) (core.Subscription, error) {
	r.mu.Lock()
	if r.subErr != nil {
		err := r.subErr
		r.mu.Unlock()
		return nil, err
	}
	e := r.sessions[sid]
	if e == nil || e.ended {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", domain.ErrRemoteUnavailable, sid)
	}
	s := &fakeSub{sid: sid, fn: fn, onClose: onClose}
	r.subs = append(r.subs, s)
	var initial *core.Payload
	if e.payload.Version > since {
		p := e.payload
		initial = &p
	}
	r.mu.Unlock()

	if initial != nil {
		s.deliver(*initial)
	}
	return s, nil
}

type fakeSub struct {
	sid     domain.SessionID
	fn      func(core.Payload)
	onClose func(error)
	closed  atomic.Bool
}

func (s *fakeSub) deliver(p core.Payload) {
	if !s.closed.Load() {
		s.fn(p)
	}
}

func (s *fakeSub) drop(err error) {
	if s.closed.CompareAndSwap(false, true) {
		s.onClose(err)
	}
}

func (s *fakeSub) Close() { s.closed.Store(true) }

// pollOnly hides the relay's push channel.
type pollOnly struct{ core.Backend }

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) of(kind EventKind) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, e := range l.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type recordingDiag struct {
	mu     sync.Mutex
	events []string
	meta   []map[string]any
}

func (d *recordingDiag) Record(event string, meta map[string]any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
	d.meta = append(d.meta, meta)
}

// last returns the metadata of the newest event of that name.
func (d *recordingDiag) last(event string) map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.events) - 1; i >= 0; i-- {
		if d.events[i] == event {
			return d.meta[i]
		}
	}
	return nil
}

func (d *recordingDiag) has(event string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Contains(d.events, event)
}

type panickingDiag struct{}

func (panickingDiag) Record(string, map[string]any) { panic("sink down") }

func newTestManager(t *testing.T, b core.Backend, clk *clock.Manual, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithClock(clk), WithShareBaseURL("https://share.test")}, opts...)
	m, err := New(b, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func sampleCanvas(n int) *domain.CanvasState {
	s := &domain.CanvasState{Zoom: 1}
	for i := range n {
		s.Blocks = append(s.Blocks, domain.NewTextBlock(fmt.Sprintf("b%d", i), float64(i*120), 0, 100, 40, "note"))
	}
	return s
}

func randomText(n int) string {
	r := rand.New(rand.NewPCG(7, 11))
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(' ' + r.IntN(95))
	}
	return string(b)
}
