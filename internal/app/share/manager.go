// Package share owns the single active share session of a client: the host
// side publishing canvas snapshots and the viewer side mirroring them.
package share

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dkeye/CanvasShare/internal/app/codec"
	"github.com/dkeye/CanvasShare/internal/app/quality"
	"github.com/dkeye/CanvasShare/internal/app/reconnect"
	"github.com/dkeye/CanvasShare/internal/app/transport"
	"github.com/dkeye/CanvasShare/internal/clock"
	"github.com/dkeye/CanvasShare/internal/core"
	"github.com/dkeye/CanvasShare/internal/domain"
)

var ErrClosed = errors.New("share: manager closed")

// liveSession is the mutable state behind the active session. Every field is
// guarded by Manager.mu; background callbacks compare the pointer against
// Manager.active before touching it, so a torn-down session stays dead.
type liveSession struct {
	id       domain.SessionID
	viewerID domain.ViewerID
	s        domain.Session
	rc       *reconnect.Controller

	ctx    context.Context
	cancel context.CancelFunc

	maintTask clock.Task
	pollTask  clock.Task
	retryTask clock.Task
	flushTask clock.Task
	sub       core.Subscription

	// host outbound queue: pending is the newest committed payload not yet sent
	pending  *core.Payload
	last     *core.Payload
	sending  bool
	lastSend time.Time
	// shed is the current slowdown while the relay refuses publishes
	shed time.Duration

	polling   bool
	connected bool
	lastErr   error
}

type Manager struct {
	backend   core.Backend
	pusher    core.Pusher
	codec     *codec.Codec
	ownsCodec bool
	prober    *quality.Prober
	clock     clock.Clock
	diag      core.Diagnostics
	opts      options
	tracer    trace.Tracer
	log       zerolog.Logger

	// opMu serializes Create and Join so only one can reach the commit step.
	opMu sync.Mutex

	mu        sync.Mutex
	active    *liveSession
	listeners map[int]Listener
	nextID    int
	closed    bool

	snap atomic.Pointer[domain.Session]
}

func New(backend core.Backend, opts ...Option) (*Manager, error) {
	if backend == nil {
		return nil, errors.New("share: nil backend")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	m := &Manager{
		backend:   backend,
		pusher:    o.pusher,
		codec:     o.codec,
		prober:    o.prober,
		clock:     o.clock,
		diag:      o.diag,
		opts:      o,
		tracer:    otel.Tracer("github.com/dkeye/CanvasShare/internal/app/share"),
		log:       log.With().Str("module", "app.share").Logger(),
		listeners: make(map[int]Listener),
	}
	if m.pusher == nil {
		if p, ok := backend.(core.Pusher); ok {
			m.pusher = p
		}
	}
	if m.codec == nil {
		c, err := codec.New()
		if err != nil {
			return nil, fmt.Errorf("share: codec: %w", err)
		}
		m.codec, m.ownsCodec = c, true
	}
	if m.prober == nil {
		m.prober = quality.NewProber(m.clock)
	}
	return m, nil
}

// CreateResult is returned by CreateSession.
type CreateResult struct {
	SessionID domain.SessionID
	ShareURL  string
	Session   *domain.Session
}

// CreateSession starts hosting initial under title. The handshake with the
// relay is bounded by the handshake timeout.
func (m *Manager) CreateSession(ctx context.Context, title string, initial *domain.CanvasState) (res CreateResult, err error) {
	ctx, span := m.tracer.Start(ctx, "share.CreateSession")
	defer func() { endSpan(span, err) }()

	m.opMu.Lock()
	defer m.opMu.Unlock()

	if err := m.checkIdle(); err != nil {
		return res, err
	}
	if initial == nil {
		return res, fmt.Errorf("share: create session: %w: nil canvas", domain.ErrInvalidInput)
	}
	if err := initial.Validate(); err != nil {
		return res, fmt.Errorf("share: create session: %w", err)
	}
	state := initial.Clone()
	settings := m.opts.settings

	hctx, cancel := context.WithTimeout(ctx, m.opts.handshakeTimeout)
	defer cancel()

	q := m.measure(hctx)
	mode := transport.ForQuality(q.Level)
	data, err := m.encode(state, settings, q)
	if err != nil {
		return res, fmt.Errorf("share: create session: %w", err)
	}

	sid := domain.NewSessionID()
	span.SetAttributes(attribute.String("share.session_id", string(sid)))
	payload := core.Payload{Version: 1, Title: title, MaxViewers: settings.MaxViewers, Data: data}
	ack, err := bounded(hctx, func(c context.Context) (core.Ack, error) {
		return m.backend.Send(c, sid, payload)
	})
	if err != nil {
		err = classify(err)
		m.record(core.EventSessionFailed, map[string]any{"role": domain.RoleHost, "kind": domain.Kind(err)})
		return res, fmt.Errorf("share: create session: %w", err)
	}

	now := m.clock.Now()
	ls := m.newLive(domain.Session{
		ID:             sid,
		Title:          title,
		Role:           domain.RoleHost,
		CanvasState:    state,
		IsActive:       true,
		CreatedAt:      now,
		LastUpdate:     now,
		Version:        1,
		Viewers:        ack.Viewers,
		ConnectionMode: mode,
		Quality:        q,
		Settings:       settings,
		ShareURL:       domain.ShareURL(m.opts.shareBaseURL, sid),
	}, "")
	ls.last = &payload

	m.mu.Lock()
	if m.closed || m.active != nil {
		m.mu.Unlock()
		ls.cancel()
		return res, fmt.Errorf("share: create session: %w", domain.ErrSessionConflict)
	}
	m.active = ls
	m.startMaintenanceLocked(ls)
	m.publishLocked(ls)
	snap := ls.s.Copy()
	m.mu.Unlock()

	m.log.Info().Str("session", string(sid)).Str("mode", string(mode.Type)).Str("quality", string(q.Level)).Msg("session created")
	m.record(core.EventSessionCreated, map[string]any{"session": sid, "mode": mode.Type, "quality": q.Level})
	m.emit(Event{Kind: EventCreated, Session: snap.Copy()})

	return CreateResult{SessionID: sid, ShareURL: snap.ShareURL, Session: snap}, nil
}

// CurrentSession returns a copy of the active session, or nil. It reads a
// published snapshot and never waits on network work.
func (m *Manager) CurrentSession() *domain.Session {
	s := m.snap.Load()
	if s == nil {
		return nil
	}
	return s.Copy()
}

func (m *Manager) ConnectionStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	ls := m.active
	if ls == nil {
		return Status{State: reconnect.StateIdle}
	}
	rs := ls.rc.Snapshot()
	return Status{
		IsConnected:       ls.connected,
		Mode:              ls.s.ConnectionMode,
		Quality:           ls.s.Quality,
		ReconnectAttempts: rs.Attempts,
		State:             rs.State,
		LastError:         ls.lastErr,
	}
}

// EndSession tears the active session down. Timers and push channels are
// released before it returns; a host also tells the relay, best effort.
// Calling it without a session is a no-op.
func (m *Manager) EndSession(ctx context.Context) (err error) {
	ctx, span := m.tracer.Start(ctx, "share.EndSession")
	defer func() { endSpan(span, err) }()

	m.mu.Lock()
	ls := m.active
	m.mu.Unlock()
	if ls == nil {
		return nil
	}
	final, ok := m.teardown(ls)
	if !ok {
		return nil
	}
	span.SetAttributes(attribute.String("share.session_id", string(final.ID)))

	if final.Role == domain.RoleHost {
		ectx, cancel := context.WithTimeout(ctx, m.opts.endTimeout)
		_, endErr := bounded(ectx, func(c context.Context) (struct{}, error) {
			return struct{}{}, m.backend.End(c, final.ID)
		})
		cancel()
		if endErr != nil {
			m.log.Warn().Err(endErr).Str("session", string(final.ID)).Msg("relay end failed")
		}
	}

	m.log.Info().Str("session", string(final.ID)).Str("role", string(final.Role)).Msg("session ended")
	m.record(core.EventSessionEnded, map[string]any{"session": final.ID, "role": final.Role})
	m.emit(Event{Kind: EventEnded, Session: final})
	return nil
}

// Listen registers fn for session events and returns its unregister func.
func (m *Manager) Listen(fn Listener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Close ends any session and releases the manager. Further Create or Join
// calls fail with ErrClosed.
func (m *Manager) Close() error {
	err := m.EndSession(context.Background())
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return err
	}
	m.closed = true
	clear(m.listeners)
	m.mu.Unlock()
	if m.ownsCodec {
		m.codec.Close()
	}
	return err
}

func (m *Manager) checkIdle() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.active != nil {
		return fmt.Errorf("share: %w: a %s session is already active", domain.ErrSessionConflict, m.active.s.Role)
	}
	return nil
}

func (m *Manager) newLive(s domain.Session, viewer domain.ViewerID) *liveSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &liveSession{
		id:        s.ID,
		viewerID:  viewer,
		s:         s,
		rc:        reconnect.New(m.opts.reconnect),
		ctx:       ctx,
		cancel:    cancel,
		connected: true,
	}
}

// teardown detaches ls and stops everything it scheduled. It reports false
// when ls was no longer the active session.
func (m *Manager) teardown(ls *liveSession) (*domain.Session, bool) {
	m.mu.Lock()
	if m.active != ls {
		m.mu.Unlock()
		return nil, false
	}
	m.active = nil
	m.snap.Store(nil)
	ls.s.IsActive = false
	ls.connected = false
	for _, t := range []clock.Task{ls.maintTask, ls.pollTask, ls.retryTask, ls.flushTask} {
		if t != nil {
			t.Stop()
		}
	}
	ls.maintTask, ls.pollTask, ls.retryTask, ls.flushTask = nil, nil, nil, nil
	ls.pending = nil
	sub := ls.sub
	ls.sub = nil
	ls.cancel()
	ls.rc.Reset()
	final := ls.s.Copy()
	m.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	return final, true
}

// terminate ends ls because the remote side went away.
func (m *Manager) terminate(ls *liveSession, cause error) {
	final, ok := m.teardown(ls)
	if !ok {
		return
	}
	m.log.Warn().Err(cause).Str("session", string(final.ID)).Msg("session terminated")
	m.record(core.EventSessionEnded, map[string]any{"session": final.ID, "role": final.Role, "kind": domain.Kind(cause)})
	m.emit(Event{Kind: EventEnded, Session: final, Err: cause})
}

func (m *Manager) startMaintenanceLocked(ls *liveSession) {
	ls.maintTask = m.clock.Every(m.opts.qualityInterval, m.maintainFn(ls))
}

// maintainFn re-probes the link, adapts the mode and, for hosts, refreshes
// the viewer list.
func (m *Manager) maintainFn(ls *liveSession) func(context.Context) {
	return func(ctx context.Context) {
		q := m.measure(ctx)

		m.mu.Lock()
		if m.active != ls {
			m.mu.Unlock()
			return
		}
		ls.s.Quality = q
		from := ls.s.ConnectionMode
		switched := false
		if ls.s.Settings.QualityAdaptive && ls.retryTask == nil {
			if next := transport.ForQuality(q.Level); next.Type != from.Type {
				ls.s.ConnectionMode = next
				switched = true
			}
		}
		role, since := ls.s.Role, ls.s.Version
		m.publishLocked(ls)
		snap := ls.s.Copy()
		m.mu.Unlock()

		m.record(core.EventQualityMeasured, map[string]any{
			"session": ls.id, "level": q.Level, "latency_ms": q.LatencyMs, "stability": q.Stability,
		})
		if switched {
			m.modeChanged(ls, from, snap, "quality")
			if role == domain.RoleViewer {
				m.restartReceive(ls)
			}
		}
		if role == domain.RoleHost {
			m.refreshViewers(ctx, ls, since)
		}
	}
}

func (m *Manager) modeChanged(ls *liveSession, from domain.ConnectionMode, snap *domain.Session, reason string) {
	m.log.Info().Str("session", string(ls.id)).Str("from", string(from.Type)).
		Str("to", string(snap.ConnectionMode.Type)).Str("reason", reason).Msg("transport mode changed")
	m.record(core.EventModeChanged, map[string]any{
		"session": ls.id, "from": from.Type, "to": snap.ConnectionMode.Type, "reason": reason,
	})
	m.emit(Event{Kind: EventModeChanged, Session: snap})
}

// fallbackLocked drops ls to the polling fallback; it reports whether the
// mode changed.
func (m *Manager) fallbackLocked(ls *liveSession) (domain.ConnectionMode, bool) {
	from := ls.s.ConnectionMode
	fb := transport.Fallback()
	if from.Type == fb.Type {
		return from, false
	}
	ls.s.ConnectionMode = fb
	return from, true
}

func (m *Manager) measure(ctx context.Context) domain.Quality {
	q, err := bounded(ctx, func(c context.Context) (domain.Quality, error) {
		return m.prober.Measure(c, m.backend), nil
	})
	if err != nil {
		return domain.Quality{Level: domain.QualityPoor, MeasuredAt: m.clock.Now()}
	}
	return q
}

// stampLocked returns a LastUpdate strictly after the previous one.
func (m *Manager) stampLocked(ls *liveSession) time.Time {
	now := m.clock.Now()
	if !now.After(ls.s.LastUpdate) {
		now = ls.s.LastUpdate.Add(time.Nanosecond)
	}
	return now
}

func (m *Manager) publishLocked(ls *liveSession) {
	m.snap.Store(ls.s.Copy())
}

func (m *Manager) emit(ev Event) {
	m.mu.Lock()
	ls := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		ls = append(ls, l)
	}
	m.mu.Unlock()

	for _, l := range ls {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error().Interface("panic", r).Str("event", string(ev.Kind)).Msg("listener panicked")
				}
			}()
			l(ev)
		}()
	}
}

// record forwards to diagnostics; a failing sink never reaches the caller.
func (m *Manager) record(event string, meta map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Str("event", event).Msg("diagnostics panicked")
		}
	}()
	m.diag.Record(event, meta)
}

// bounded runs fn and gives up once ctx is done, even if fn ignores ctx.
func bounded[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("%w: panic: %v", domain.ErrTransient, r)}
			}
		}()
		v, err := fn(ctx)
		ch <- result{v: v, err: err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// classify maps transport errors into the domain taxonomy. Unknown failures
// and deadlines are treated as transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if domain.Kind(err) != "internal" {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrTransient, err)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
