package share

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/dkeye/CanvasShare/internal/app/transport"
	"github.com/dkeye/CanvasShare/internal/core"
	"github.com/dkeye/CanvasShare/internal/domain"
)

// JoinSession attaches to a hosted session by share URL or bare id and
// mirrors its canvas read-only.
func (m *Manager) JoinSession(ctx context.Context, idOrURL string) (s *domain.Session, err error) {
	ctx, span := m.tracer.Start(ctx, "share.JoinSession")
	defer func() { endSpan(span, err) }()

	m.opMu.Lock()
	defer m.opMu.Unlock()

	if err := m.checkIdle(); err != nil {
		return nil, err
	}
	sid, err := domain.ParseShareURL(idOrURL)
	if err != nil {
		return nil, fmt.Errorf("share: join session: %w", err)
	}
	span.SetAttributes(attribute.String("share.session_id", string(sid)))

	jctx, cancel := context.WithTimeout(ctx, m.opts.joinTimeout)
	defer cancel()

	q := m.measure(jctx)
	viewer := domain.NewViewerID()
	res, err := bounded(jctx, func(c context.Context) (core.FetchResult, error) {
		return m.backend.Fetch(c, sid, viewer, 0)
	})
	if err != nil {
		err = classify(err)
		m.record(core.EventSessionFailed, map[string]any{"role": domain.RoleViewer, "session": sid, "kind": domain.Kind(err)})
		return nil, fmt.Errorf("share: join session: %w", err)
	}
	if res.Payload == nil {
		return nil, fmt.Errorf("share: join session: %w: no snapshot", domain.ErrRemoteUnavailable)
	}
	state, err := m.codec.Decode(res.Payload.Data)
	if err != nil {
		m.record(core.EventPayloadRejected, map[string]any{"session": sid, "kind": domain.Kind(err)})
		return nil, fmt.Errorf("share: join session: %w", err)
	}

	mode := transport.ForQuality(q.Level)
	now := m.clock.Now()
	ls := m.newLive(domain.Session{
		ID:             sid,
		Title:          res.Payload.Title,
		Role:           domain.RoleViewer,
		CanvasState:    state,
		IsActive:       true,
		CreatedAt:      now,
		LastUpdate:     now,
		Version:        res.Payload.Version,
		ConnectionMode: mode,
		Quality:        q,
		Settings:       m.opts.settings,
		ShareURL:       domain.ShareURL(m.opts.shareBaseURL, sid),
	}, viewer)

	m.mu.Lock()
	if m.closed || m.active != nil {
		m.mu.Unlock()
		ls.cancel()
		return nil, fmt.Errorf("share: join session: %w", domain.ErrSessionConflict)
	}
	m.active = ls
	m.startMaintenanceLocked(ls)
	m.publishLocked(ls)
	m.mu.Unlock()

	m.startReceive(ls)

	snap := m.CurrentSession()
	if snap == nil {
		return nil, fmt.Errorf("share: join session: %w", domain.ErrRemoteUnavailable)
	}
	m.log.Info().Str("session", string(sid)).Str("viewer", string(viewer)).
		Str("mode", string(snap.ConnectionMode.Type)).Msg("session joined")
	m.record(core.EventSessionJoined, map[string]any{"session": sid, "mode": snap.ConnectionMode.Type, "quality": q.Level})
	m.emit(Event{Kind: EventJoined, Session: snap.Copy()})
	return snap, nil
}

// startReceive opens the receive path for the current mode: a push
// subscription, a poll loop, or both. A push channel that cannot be opened
// falls back to polling.
func (m *Manager) startReceive(ls *liveSession) {
	m.mu.Lock()
	if m.active != ls {
		m.mu.Unlock()
		return
	}
	mode, since := ls.s.ConnectionMode, ls.s.Version
	m.mu.Unlock()

	if transport.UsesPush(mode) {
		if err := m.subscribe(ls, mode, since); err != nil {
			m.log.Warn().Err(err).Str("session", string(ls.id)).Msg("push unavailable, falling back to polling")
			m.record(core.EventPushFallback, map[string]any{"session": ls.id, "kind": domain.Kind(classify(err))})

			m.mu.Lock()
			if m.active != ls {
				m.mu.Unlock()
				return
			}
			from, switched := m.fallbackLocked(ls)
			mode = ls.s.ConnectionMode
			m.publishLocked(ls)
			snap := ls.s.Copy()
			m.mu.Unlock()
			if switched {
				m.modeChanged(ls, from, snap, "push unavailable")
			}
		}
	}

	if transport.UsesPolling(mode) {
		m.mu.Lock()
		if m.active == ls && ls.pollTask == nil {
			ls.pollTask = m.clock.Every(mode.Config.Interval(), m.pollFn(ls))
		}
		m.mu.Unlock()
	}
}

func (m *Manager) subscribe(ls *liveSession, mode domain.ConnectionMode, since uint64) error {
	if m.pusher == nil {
		return errors.New("backend has no push channel")
	}
	sctx, cancel := context.WithTimeout(ls.ctx, mode.Config.Timeout())
	defer cancel()
	sub, err := m.pusher.Subscribe(sctx, ls.id, ls.viewerID, since,
		func(p core.Payload) { m.applyRemote(ls, p) },
		func(err error) { m.viewerFailure(ls, pushClosed(err)) },
	)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.active != ls {
		m.mu.Unlock()
		sub.Close()
		return nil
	}
	ls.sub = sub
	m.mu.Unlock()
	return nil
}

// pushClosed keeps an "ended" verdict from the relay and treats every other
// drop as transient.
func pushClosed(err error) error {
	switch {
	case err == nil:
		return fmt.Errorf("%w: push channel closed", domain.ErrTransient)
	case errors.Is(err, domain.ErrRemoteUnavailable), domain.Retryable(err):
		return err
	default:
		return fmt.Errorf("%w: push channel closed: %w", domain.ErrTransient, err)
	}
}

// stopReceive closes the push channel and stops polling.
func (m *Manager) stopReceive(ls *liveSession) {
	m.mu.Lock()
	if ls.pollTask != nil {
		ls.pollTask.Stop()
		ls.pollTask = nil
	}
	sub := ls.sub
	ls.sub = nil
	m.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}

func (m *Manager) restartReceive(ls *liveSession) {
	m.stopReceive(ls)
	m.startReceive(ls)
}

func (m *Manager) pollFn(ls *liveSession) func(context.Context) {
	return func(ctx context.Context) {
		m.mu.Lock()
		if m.active != ls || ls.polling {
			m.mu.Unlock()
			return
		}
		ls.polling = true
		since, timeout := ls.s.Version, ls.s.ConnectionMode.Config.Timeout()
		m.mu.Unlock()

		res, err := m.fetch(ctx, ls, since, timeout)

		m.mu.Lock()
		ls.polling = false
		m.mu.Unlock()

		if err != nil {
			m.viewerFailure(ls, err)
			return
		}
		m.viewerSuccess(ls, res)
	}
}

func (m *Manager) fetch(ctx context.Context, ls *liveSession, since uint64, timeout time.Duration) (core.FetchResult, error) {
	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	res, err := bounded(fctx, func(c context.Context) (core.FetchResult, error) {
		return m.backend.Fetch(c, ls.id, ls.viewerID, since)
	})
	return res, classify(err)
}

func (m *Manager) viewerSuccess(ls *liveSession, res core.FetchResult) {
	m.mu.Lock()
	if m.active != ls {
		m.mu.Unlock()
		return
	}
	ls.connected = true
	ls.lastErr = nil
	recovered := ls.rc.Success()
	snap := ls.s.Copy()
	m.mu.Unlock()

	if recovered {
		m.log.Info().Str("session", string(ls.id)).Msg("transport recovered")
		m.record(core.EventRecovered, map[string]any{"session": ls.id})
		m.emit(Event{Kind: EventStatus, Session: snap})
	}
	if res.Payload != nil {
		m.applyRemote(ls, *res.Payload)
	}
}

// applyRemote installs p when it is newer than what the viewer holds, so the
// observed version never goes backwards however push and poll interleave.
func (m *Manager) applyRemote(ls *liveSession, p core.Payload) {
	m.mu.Lock()
	stale := m.active != ls || p.Version <= ls.s.Version
	m.mu.Unlock()
	if stale {
		return
	}

	state, err := m.codec.Decode(p.Data)
	if err != nil {
		m.log.Warn().Err(err).Str("session", string(ls.id)).Uint64("version", p.Version).Msg("remote payload rejected")
		m.record(core.EventPayloadRejected, map[string]any{"session": ls.id, "version": p.Version, "kind": domain.Kind(err)})
		return
	}

	m.mu.Lock()
	if m.active != ls || p.Version <= ls.s.Version {
		m.mu.Unlock()
		return
	}
	ls.s.CanvasState = state
	ls.s.Version = p.Version
	ls.s.LastUpdate = m.stampLocked(ls)
	if p.Title != "" {
		ls.s.Title = p.Title
	}
	ls.connected = true
	m.publishLocked(ls)
	snap := ls.s.Copy()
	m.mu.Unlock()

	m.record(core.EventUpdateApplied, map[string]any{"session": ls.id, "version": p.Version, "bytes": len(p.Data)})
	m.emit(Event{Kind: EventUpdated, Session: snap})
}

// viewerFailure handles a failed receive. A session the relay no longer
// knows ends the viewer; transient trouble pauses receiving and retries with
// backoff until the controller is exhausted.
func (m *Manager) viewerFailure(ls *liveSession, err error) {
	if errors.Is(err, domain.ErrRemoteUnavailable) {
		m.terminate(ls, err)
		return
	}

	m.mu.Lock()
	if m.active != ls {
		m.mu.Unlock()
		return
	}
	ls.connected = false
	ls.lastErr = err
	if ls.retryTask != nil {
		m.mu.Unlock()
		return
	}
	d := ls.rc.Failure()
	retry := d.Retry && ls.s.Settings.AutoReconnect
	var (
		from     domain.ConnectionMode
		switched bool
	)
	if retry {
		if d.Attempt >= fallbackAfter {
			from, switched = m.fallbackLocked(ls)
		}
		ls.retryTask = m.clock.AfterFunc(d.Delay, m.reconnectFn(ls))
	} else if !d.Retry {
		ls.lastErr = fmt.Errorf("%w: %w", domain.ErrTransportExhausted, err)
	}
	m.publishLocked(ls)
	snap := ls.s.Copy()
	surfaced := ls.lastErr
	m.mu.Unlock()

	m.stopReceive(ls)

	if retry {
		m.log.Debug().Err(err).Str("session", string(ls.id)).Int("attempt", d.Attempt).Dur("delay", d.Delay).Msg("receive failed, retrying")
		m.record(core.EventRetryScheduled, map[string]any{
			"session": ls.id, "attempt": d.Attempt, "delay_ms": d.Delay.Milliseconds(), "kind": domain.Kind(err),
		})
		m.emit(Event{Kind: EventStatus, Session: snap, Err: err})
		if switched {
			m.modeChanged(ls, from, snap, "receive failures")
		}
		return
	}
	m.log.Error().Err(surfaced).Str("session", string(ls.id)).Msg("receive stopped")
	m.record(core.EventExhausted, map[string]any{"session": ls.id, "kind": domain.Kind(surfaced)})
	m.emit(Event{Kind: EventFailed, Session: snap, Err: surfaced})
}

// reconnectFn resyncs from the relay and reopens the receive path.
func (m *Manager) reconnectFn(ls *liveSession) func(context.Context) {
	return func(ctx context.Context) {
		m.mu.Lock()
		if m.active != ls {
			m.mu.Unlock()
			return
		}
		ls.retryTask = nil
		since, timeout := ls.s.Version, ls.s.ConnectionMode.Config.Timeout()
		m.mu.Unlock()

		res, err := m.fetch(ctx, ls, since, timeout)
		if err != nil {
			m.viewerFailure(ls, err)
			return
		}
		m.viewerSuccess(ls, res)
		m.startReceive(ls)
	}
}
