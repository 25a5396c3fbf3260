package share

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/dkeye/CanvasShare/internal/core"
	"github.com/dkeye/CanvasShare/internal/domain"
)

// UpdateCanvas commits state as the new canvas of the hosted session and
// queues it for the viewers. An invalid state is rejected without touching
// the session. Transient send failures are retried in the background; the
// caller only sees an error once retries are exhausted or the failure is
// final.
func (m *Manager) UpdateCanvas(ctx context.Context, state *domain.CanvasState) (err error) {
	ctx, span := m.tracer.Start(ctx, "share.UpdateCanvas")
	defer func() { endSpan(span, err) }()

	if state == nil {
		return fmt.Errorf("share: update canvas: %w: nil canvas", domain.ErrInvalidInput)
	}
	if err := state.Validate(); err != nil {
		m.record(core.EventUpdateRejected, map[string]any{"kind": domain.Kind(err), "error": err.Error()})
		return fmt.Errorf("share: update canvas: %w", err)
	}
	next := state.Clone()

	m.mu.Lock()
	ls := m.active
	if ls == nil {
		m.mu.Unlock()
		return fmt.Errorf("share: update canvas: %w", domain.ErrNoSession)
	}
	if ls.s.Role != domain.RoleHost {
		m.mu.Unlock()
		return fmt.Errorf("share: update canvas: %w: viewer sessions are read-only", domain.ErrInvalidInput)
	}
	settings, q := ls.s.Settings, ls.s.Quality
	m.mu.Unlock()
	span.SetAttributes(attribute.String("share.session_id", string(ls.id)))

	data, err := m.encode(next, settings, q)
	if err != nil {
		m.record(core.EventUpdateRejected, map[string]any{"session": ls.id, "kind": domain.Kind(err), "error": err.Error()})
		return fmt.Errorf("share: update canvas: %w", err)
	}

	m.mu.Lock()
	if m.active != ls {
		m.mu.Unlock()
		return fmt.Errorf("share: update canvas: %w", domain.ErrNoSession)
	}
	ls.s.CanvasState = next
	ls.s.Version++
	ls.s.LastUpdate = m.stampLocked(ls)
	p := &core.Payload{Version: ls.s.Version, Title: ls.s.Title, MaxViewers: settings.MaxViewers, Data: data}
	ls.pending, ls.last = p, p
	m.publishLocked(ls)
	snap := ls.s.Copy()
	out, send := m.takeSendLocked(ls)
	m.mu.Unlock()

	span.SetAttributes(attribute.Int64("share.version", int64(snap.Version)))
	m.emit(Event{Kind: EventUpdated, Session: snap})
	if !send {
		return nil
	}
	return m.transmit(ctx, ls, out)
}

// Bounds of the publish slowdown applied while the relay answers with
// ErrResourceExhausted. The newest payload is kept and resent.
const (
	minShedDelay = time.Second
	maxShedDelay = 30 * time.Second
)

// takeSendLocked hands out the pending payload when nothing is in flight and
// the throttle window has passed. Inside the window a single flush is
// scheduled, so bursts collapse into the newest state.
func (m *Manager) takeSendLocked(ls *liveSession) (core.Payload, bool) {
	if ls.pending == nil || ls.sending || ls.retryTask != nil || ls.flushTask != nil {
		return core.Payload{}, false
	}
	if !ls.lastSend.IsZero() {
		if wait := m.throttleLocked(ls) - m.clock.Now().Sub(ls.lastSend); wait > 0 {
			ls.flushTask = m.clock.AfterFunc(wait, m.flushFn(ls, false))
			return core.Payload{}, false
		}
	}
	p := *ls.pending
	ls.pending = nil
	ls.sending = true
	return p, true
}

// throttleLocked is the configured throttle, stretched to the mode interval
// on a poor link.
func (m *Manager) throttleLocked(ls *liveSession) time.Duration {
	t := ls.s.Settings.UpdateThrottle()
	if ls.s.Quality.Level == domain.QualityPoor {
		t = max(t, ls.s.ConnectionMode.Config.Interval())
	}
	return t
}

func (m *Manager) flushFn(ls *liveSession, retry bool) func(context.Context) {
	return func(ctx context.Context) {
		m.mu.Lock()
		if m.active != ls {
			m.mu.Unlock()
			return
		}
		if retry {
			ls.retryTask = nil
		} else {
			ls.flushTask = nil
		}
		p, ok := m.takeSendLocked(ls)
		m.mu.Unlock()
		if ok {
			// failures are surfaced through events and status
			_ = m.transmit(ctx, ls, p)
		}
	}
}

func (m *Manager) transmit(ctx context.Context, ls *liveSession, p core.Payload) error {
	m.mu.Lock()
	timeout := ls.s.ConnectionMode.Config.Timeout()
	m.mu.Unlock()

	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ack, err := bounded(sctx, func(c context.Context) (core.Ack, error) {
		return m.backend.Send(c, ls.id, p)
	})
	return m.afterSend(ls, p, ack, classify(err))
}

func (m *Manager) afterSend(ls *liveSession, p core.Payload, ack core.Ack, err error) error {
	m.mu.Lock()
	if m.active != ls {
		m.mu.Unlock()
		return nil
	}
	ls.sending = false

	if err == nil {
		ls.lastSend = m.clock.Now()
		ls.connected = true
		ls.lastErr = nil
		ls.shed = 0
		if ack.Viewers != nil {
			ls.s.Viewers = ack.Viewers
		}
		recovered := ls.rc.Success()
		if ls.pending != nil {
			m.scheduleFlushLocked(ls)
		}
		m.publishLocked(ls)
		snap := ls.s.Copy()
		m.mu.Unlock()

		m.record(core.EventUpdateSent, map[string]any{
			"session": ls.id, "version": p.Version, "bytes": len(p.Data), "ratio": m.codec.Stats().Ratio(),
		})
		if recovered {
			m.log.Info().Str("session", string(ls.id)).Msg("transport recovered")
			m.record(core.EventRecovered, map[string]any{"session": ls.id})
			m.emit(Event{Kind: EventStatus, Session: snap})
		}
		return nil
	}

	ls.lastErr = err
	if ls.pending == nil {
		ls.pending = &p
	}

	if errors.Is(err, domain.ErrResourceExhausted) {
		ls.shed = min(max(2*ls.shed, m.throttleLocked(ls), minShedDelay), maxShedDelay)
		delay := ls.shed
		if ls.flushTask == nil {
			ls.flushTask = m.clock.AfterFunc(delay, m.flushFn(ls, false))
		}
		m.publishLocked(ls)
		snap := ls.s.Copy()
		m.mu.Unlock()

		m.log.Warn().Err(err).Str("session", string(ls.id)).Dur("delay", delay).Msg("relay shedding updates, slowing down")
		m.record(core.EventUpdateFailed, map[string]any{
			"session": ls.id, "kind": domain.Kind(err), "delay_ms": delay.Milliseconds(),
		})
		m.emit(Event{Kind: EventStatus, Session: snap, Err: err})
		return nil
	}

	if !domain.Retryable(err) {
		snap := ls.s.Copy()
		m.mu.Unlock()
		m.log.Warn().Err(err).Str("session", string(ls.id)).Msg("update rejected by relay")
		m.record(core.EventUpdateFailed, map[string]any{"session": ls.id, "kind": domain.Kind(err)})
		m.emit(Event{Kind: EventFailed, Session: snap, Err: err})
		return fmt.Errorf("share: send: %w", err)
	}

	ls.connected = false
	d := ls.rc.Failure()
	if d.Retry && ls.s.Settings.AutoReconnect {
		ls.retryTask = m.clock.AfterFunc(d.Delay, m.flushFn(ls, true))
		var (
			from     domain.ConnectionMode
			switched bool
		)
		if d.Attempt >= fallbackAfter {
			from, switched = m.fallbackLocked(ls)
		}
		m.publishLocked(ls)
		snap := ls.s.Copy()
		m.mu.Unlock()

		m.log.Debug().Err(err).Str("session", string(ls.id)).Int("attempt", d.Attempt).Dur("delay", d.Delay).Msg("send failed, retrying")
		m.record(core.EventRetryScheduled, map[string]any{
			"session": ls.id, "attempt": d.Attempt, "delay_ms": d.Delay.Milliseconds(), "kind": domain.Kind(err),
		})
		m.emit(Event{Kind: EventStatus, Session: snap, Err: err})
		if switched {
			m.modeChanged(ls, from, snap, "send failures")
		}
		return nil
	}

	surfaced := err
	if !d.Retry {
		surfaced = fmt.Errorf("%w: %w", domain.ErrTransportExhausted, err)
		ls.lastErr = surfaced
	}
	m.publishLocked(ls)
	snap := ls.s.Copy()
	m.mu.Unlock()

	if !d.Retry {
		m.log.Error().Err(err).Str("session", string(ls.id)).Msg("send retries exhausted")
		m.record(core.EventExhausted, map[string]any{"session": ls.id, "kind": domain.Kind(surfaced)})
	} else {
		m.record(core.EventUpdateFailed, map[string]any{"session": ls.id, "kind": domain.Kind(err)})
	}
	m.emit(Event{Kind: EventFailed, Session: snap, Err: surfaced})
	return fmt.Errorf("share: send: %w", surfaced)
}

// scheduleFlushLocked arms a flush for the pending payload once the throttle
// window allows.
func (m *Manager) scheduleFlushLocked(ls *liveSession) {
	if ls.flushTask != nil || ls.retryTask != nil || ls.sending {
		return
	}
	wait := time.Duration(0)
	if !ls.lastSend.IsZero() {
		wait = max(0, m.throttleLocked(ls)-m.clock.Now().Sub(ls.lastSend))
	}
	ls.flushTask = m.clock.AfterFunc(wait, m.flushFn(ls, false))
}

// encode picks the codec flavour for the link. Payloads over the limit get
// the dense encoder before they are refused.
func (m *Manager) encode(state domain.CanvasState, settings domain.Settings, q domain.Quality) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if settings.CompressionEnabled && q.Level == domain.QualityPoor {
		data, err = m.codec.EncodeDense(state)
	} else {
		data, err = m.codec.Encode(state, settings.CompressionEnabled)
	}
	if err != nil {
		return nil, err
	}
	if len(data) <= m.opts.maxPayloadBytes {
		return data, nil
	}
	if dense, derr := m.codec.EncodeDense(state); derr == nil && len(dense) <= m.opts.maxPayloadBytes {
		return dense, nil
	}
	return nil, fmt.Errorf("%w: payload of %d bytes exceeds %d", domain.ErrResourceExhausted, len(data), m.opts.maxPayloadBytes)
}

// refreshViewers pulls the viewer list from the relay. A relay that lost the
// session gets the last snapshot again.
func (m *Manager) refreshViewers(ctx context.Context, ls *liveSession, since uint64) {
	m.mu.Lock()
	timeout := ls.s.ConnectionMode.Config.Timeout()
	m.mu.Unlock()

	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	res, err := bounded(fctx, func(c context.Context) (core.FetchResult, error) {
		return m.backend.Fetch(c, ls.id, "", since)
	})
	err = classify(err)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != ls {
		return
	}
	switch {
	case err == nil:
		if res.Viewers != nil {
			ls.s.Viewers = res.Viewers
			m.publishLocked(ls)
		}
		m.record(core.EventViewersRefreshed, map[string]any{"session": ls.id, "viewers": len(res.Viewers)})
	case errors.Is(err, domain.ErrRemoteUnavailable):
		if ls.pending == nil && ls.last != nil {
			p := *ls.last
			ls.pending = &p
		}
		m.scheduleFlushLocked(ls)
		m.log.Warn().Str("session", string(ls.id)).Msg("relay lost session, republishing")
	default:
		m.log.Debug().Err(err).Str("session", string(ls.id)).Msg("viewer refresh failed")
	}
}
