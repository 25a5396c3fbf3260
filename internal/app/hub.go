package app

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/CanvasShare/internal/clock"
	"github.com/dkeye/CanvasShare/internal/core"
	"github.com/dkeye/CanvasShare/internal/domain"
)

// ErrEnded marks a session that was ended and is kept as a tombstone.
var ErrEnded = fmt.Errorf("%w: session ended", domain.ErrRemoteUnavailable)

type HubConfig struct {
	ViewerTTL       time.Duration `mapstructure:"viewer_ttl"`
	SessionTTL      time.Duration `mapstructure:"session_ttl"`
	TombstoneTTL    time.Duration `mapstructure:"tombstone_ttl"`
	JanitorInterval time.Duration `mapstructure:"janitor_interval"`
	MaxPayloadBytes int           `mapstructure:"max_payload_bytes"`
	// MaxViewers caps every session regardless of what the host asks for.
	MaxViewers int `mapstructure:"max_viewers"`
}

func DefaultHubConfig() HubConfig {
	return HubConfig{
		ViewerTTL:       15 * time.Second,
		SessionTTL:      time.Hour,
		TombstoneTTL:    10 * time.Minute,
		JanitorInterval: 30 * time.Second,
		MaxPayloadBytes: 4 << 20,
		MaxViewers:      100,
	}
}

type HubOption func(*Hub)

func WithHubClock(c clock.Clock) HubOption { return func(h *Hub) { h.clock = c } }

func WithPolicy(p Policy) HubOption { return func(h *Hub) { h.policy = p } }

func WithRegisterer(reg prometheus.Registerer) HubOption {
	return func(h *Hub) { h.reg = reg }
}

// Hub is the relay: it keeps the newest payload of every hosted session,
// fans it out to push subscribers and answers polls.
type Hub struct {
	cfg      HubConfig
	clock    clock.Clock
	store    *Store
	registry *Registry
	policy   Policy
	reg      prometheus.Registerer
	metrics  *hubMetrics
	log      zerolog.Logger

	janitor  clock.Task
	stopOnce sync.Once
}

func NewHub(cfg HubConfig, opts ...HubOption) *Hub {
	d := DefaultHubConfig()
	if cfg.ViewerTTL <= 0 {
		cfg.ViewerTTL = d.ViewerTTL
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = d.SessionTTL
	}
	if cfg.TombstoneTTL <= 0 {
		cfg.TombstoneTTL = d.TombstoneTTL
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = d.JanitorInterval
	}
	h := &Hub{
		cfg:      cfg,
		clock:    clock.New(),
		store:    NewStore(),
		registry: NewRegistry(),
		policy:   SimplePolicy{},
		log:      log.With().Str("module", "app.hub").Logger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.reg == nil {
		h.reg = prometheus.NewRegistry()
	}
	h.metrics = newHubMetrics(h.reg)
	h.janitor = h.clock.Every(cfg.JanitorInterval, func(context.Context) { h.Sweep() })
	return h
}

func (h *Hub) Config() HubConfig { return h.cfg }

// Publish stores p as the newest payload of sid, creating the session on
// first use. Older or equal versions are acknowledged but not stored.
func (h *Hub) Publish(sid domain.SessionID, p core.Payload) (core.Ack, error) {
	if p.Version == 0 || len(p.Data) == 0 {
		h.metrics.publishes.WithLabelValues("rejected").Inc()
		return core.Ack{}, fmt.Errorf("%w: empty payload", domain.ErrInvalidInput)
	}
	if h.cfg.MaxPayloadBytes > 0 && len(p.Data) > h.cfg.MaxPayloadBytes {
		h.metrics.publishes.WithLabelValues("rejected").Inc()
		return core.Ack{}, fmt.Errorf("%w: payload of %d bytes exceeds %d", domain.ErrResourceExhausted, len(p.Data), h.cfg.MaxPayloadBytes)
	}

	now := h.clock.Now()
	e, created := h.store.GetOrCreate(sid, now)
	if created {
		h.metrics.sessions.Inc()
		h.log.Info().Str("sid", string(sid)).Str("title", p.Title).Msg("session hosted")
	}

	e.mu.Lock()
	if e.ended {
		e.mu.Unlock()
		h.metrics.publishes.WithLabelValues("ended").Inc()
		return core.Ack{}, fmt.Errorf("%w: %s", ErrEnded, sid)
	}
	e.touched = now
	if p.MaxViewers > 0 {
		e.maxViewers = p.MaxViewers
	}
	var res core.PublishResult
	accepted := p.Version > e.payload.Version
	if accepted {
		if p.Title == "" {
			p.Title = e.payload.Title
		}
		e.payload = p
		frame, err := core.EncodePush(core.PushMessage{Type: core.PushPayload, Payload: &p})
		if err != nil {
			h.log.Error().Err(err).Str("sid", string(sid)).Msg("push frame encode failed")
		} else {
			res = e.channel.Broadcast(frame)
		}
	}
	ack := core.Ack{Version: e.payload.Version}
	ch := e.channel
	e.mu.Unlock()

	if accepted {
		h.metrics.publishes.WithLabelValues("accepted").Inc()
		h.metrics.payloadBytes.Observe(float64(len(p.Data)))
	} else {
		h.metrics.publishes.WithLabelValues("stale").Inc()
	}
	h.applyPolicy(ch, res.Dropped)
	ack.Viewers = h.registry.Viewers(sid)
	return ack, nil
}

func (h *Hub) applyPolicy(ch core.ChannelService, dropped []domain.ViewerID) {
	if len(dropped) == 0 {
		return
	}
	h.metrics.pushDropped.Add(float64(len(dropped)))
	if h.policy == nil {
		return
	}
	for _, v := range dropped {
		switch h.policy.OnBackPressure(ch, v) {
		case KickViewer:
			if conn := ch.RemoveSubscriber(v, nil); conn != nil {
				conn.Close()
				h.metrics.subscribers.Dec()
				h.log.Warn().Str("sid", string(ch.SessionID())).Str("viewer", string(v)).Msg("kicked slow viewer")
			}
		case DropFrame, NoAction:
		}
	}
}

// limit is the effective viewer cap of e; callers hold e.mu.
func (h *Hub) limit(e *hosted) int {
	switch {
	case e.maxViewers > 0 && h.cfg.MaxViewers > 0:
		return min(e.maxViewers, h.cfg.MaxViewers)
	case e.maxViewers > 0:
		return e.maxViewers
	default:
		return h.cfg.MaxViewers
	}
}

// Snapshot answers a poll. A non-empty viewer is registered as present and
// counts against the session's viewer cap; an empty one is the host.
func (h *Hub) Snapshot(sid domain.SessionID, viewer domain.ViewerID, since uint64) (core.FetchResult, error) {
	e, ok := h.store.Get(sid)
	if !ok {
		return core.FetchResult{}, fmt.Errorf("%w: unknown session %s", domain.ErrRemoteUnavailable, sid)
	}
	e.mu.Lock()
	ended, p, limit := e.ended, e.payload, h.limit(e)
	if !ended && viewer == "" {
		// host heartbeat
		e.touched = h.clock.Now()
	}
	e.mu.Unlock()
	if ended {
		return core.FetchResult{}, fmt.Errorf("%w: %s", ErrEnded, sid)
	}
	if viewer != "" && !h.registry.Touch(sid, viewer, h.clock.Now(), limit) {
		return core.FetchResult{}, fmt.Errorf("%w: session %s is full", domain.ErrResourceExhausted, sid)
	}
	res := core.FetchResult{Viewers: h.registry.Viewers(sid)}
	if p.Version > since {
		res.Payload = &p
	}
	return res, nil
}

// Subscribe binds conn as the push channel of viewer. A previous connection
// of the same viewer is closed. The newest payload is queued right away when
// it is newer than since.
func (h *Hub) Subscribe(sid domain.SessionID, viewer domain.ViewerID, since uint64, conn core.SignalConnection) error {
	e, ok := h.store.Get(sid)
	if !ok {
		return fmt.Errorf("%w: unknown session %s", domain.ErrRemoteUnavailable, sid)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ended {
		return fmt.Errorf("%w: %s", ErrEnded, sid)
	}
	if !h.registry.Touch(sid, viewer, h.clock.Now(), h.limit(e)) {
		return fmt.Errorf("%w: session %s is full", domain.ErrResourceExhausted, sid)
	}
	switch replaced := e.channel.AddSubscriber(viewer, conn); {
	case replaced == nil:
		h.metrics.subscribers.Inc()
	case replaced != conn:
		replaced.Close()
	}
	if e.payload.Version > since {
		p := e.payload
		frame, err := core.EncodePush(core.PushMessage{Type: core.PushPayload, Payload: &p})
		if err != nil {
			return err
		}
		if err := conn.TrySend(frame); err != nil {
			h.log.Warn().Err(err).Str("sid", string(sid)).Str("viewer", string(viewer)).Msg("initial push dropped")
		}
	}
	return nil
}

// Status reports whether sid can be subscribed to.
func (h *Hub) Status(sid domain.SessionID) error {
	e, ok := h.store.Get(sid)
	if !ok {
		return fmt.Errorf("%w: unknown session %s", domain.ErrRemoteUnavailable, sid)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ended {
		return fmt.Errorf("%w: %s", ErrEnded, sid)
	}
	return nil
}

// Unsubscribe detaches conn; presence lingers until the viewer TTL runs out.
func (h *Hub) Unsubscribe(sid domain.SessionID, viewer domain.ViewerID, conn core.SignalConnection) {
	e, ok := h.store.Get(sid)
	if !ok {
		return
	}
	if e.channel.RemoveSubscriber(viewer, conn) != nil {
		h.metrics.subscribers.Dec()
	}
}

// End tombstones sid: later publishes and polls fail as unavailable and
// push subscribers are told and disconnected. Ending twice is a no-op.
func (h *Hub) End(sid domain.SessionID) error {
	e, ok := h.store.Get(sid)
	if !ok {
		return nil
	}
	e.mu.Lock()
	if e.ended {
		e.mu.Unlock()
		return nil
	}
	e.ended = true
	e.endedAt = h.clock.Now()
	e.payload.Data = nil
	conns := e.channel.Drain()
	e.mu.Unlock()

	h.registry.DropSession(sid)
	h.closeAll(conns, "session ended")
	h.log.Info().Str("sid", string(sid)).Int("subscribers", len(conns)).Msg("session ended")
	return nil
}

func (h *Hub) closeAll(conns []core.SignalConnection, reason string) {
	if len(conns) == 0 {
		return
	}
	var frame core.Frame
	if reason != "" {
		frame, _ = core.EncodePush(core.PushMessage{Type: core.PushEnded, Reason: reason})
	}
	for _, c := range conns {
		if frame != nil {
			_ = c.TrySend(frame)
		}
		c.Close()
	}
	h.metrics.subscribers.Sub(float64(len(conns)))
}

// List reports every hosted session, tombstones included.
func (h *Hub) List() []SessionInfo {
	entries := h.store.All()
	out := make([]SessionInfo, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		info := SessionInfo{
			ID:          e.id,
			Title:       e.payload.Title,
			Version:     e.payload.Version,
			Subscribers: e.channel.SubscriberCount(),
			Ended:       e.ended,
			LastUpdate:  e.touched,
		}
		e.mu.Unlock()
		info.Viewers = len(h.registry.Viewers(e.id))
		out = append(out, info)
	}
	slices.SortFunc(out, func(a, b SessionInfo) int {
		return b.LastUpdate.Compare(a.LastUpdate)
	})
	return out
}

// Sweep expires idle viewers, abandoned sessions and old tombstones. The
// janitor runs it periodically.
func (h *Hub) Sweep() {
	now := h.clock.Now()
	h.registry.Expire(now.Add(-h.cfg.ViewerTTL), func(sid domain.SessionID, v domain.ViewerID) bool {
		e, ok := h.store.Get(sid)
		return ok && slices.Contains(e.channel.Subscribers(), v)
	})

	for _, e := range h.store.All() {
		e.mu.Lock()
		ended, endedAt, touched := e.ended, e.endedAt, e.touched
		e.mu.Unlock()
		switch {
		case ended && now.Sub(endedAt) >= h.cfg.TombstoneTTL:
			h.store.Delete(e.id)
			h.metrics.sessions.Dec()
		case !ended && now.Sub(touched) >= h.cfg.SessionTTL:
			h.log.Info().Str("sid", string(e.id)).Dur("idle", now.Sub(touched)).Msg("expiring abandoned session")
			_ = h.End(e.id)
		}
	}
}

// Shutdown stops the janitor and disconnects every push subscriber.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.stopOnce.Do(func() { h.janitor.Stop() })

	var wg conc.WaitGroup
	for _, e := range h.store.All() {
		wg.Go(func() {
			e.mu.Lock()
			conns := e.channel.Drain()
			e.mu.Unlock()
			// no verdict: viewers reconnect and find out by polling
			h.closeAll(conns, "")
		})
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		wg.Wait()
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
