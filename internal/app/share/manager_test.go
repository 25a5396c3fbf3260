package share

import (
	"context"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/CanvasShare/internal/app/reconnect"
	"github.com/dkeye/CanvasShare/internal/clock"
	"github.com/dkeye/CanvasShare/internal/core"
	"github.com/dkeye/CanvasShare/internal/domain"
)

func TestHostViewerRoundTrip(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(t0)
	relay := newFakeRelay()
	host := newTestManager(t, relay, clk)
	viewer := newTestManager(t, relay, clk)

	created, err := host.CreateSession(ctx, "Moodboard", sampleCanvas(2))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(created.ShareURL, "https://share.test/s/"))
	assert.Equal(t, domain.RoleHost, created.Session.Role)
	assert.Equal(t, uint64(1), created.Session.Version)

	joined, err := viewer.JoinSession(ctx, created.ShareURL)
	require.NoError(t, err)
	assert.Equal(t, created.SessionID, joined.ID)
	assert.Equal(t, domain.RoleViewer, joined.Role)
	assert.Equal(t, "Moodboard", joined.Title)
	assert.Len(t, joined.CanvasState.Blocks, 2)
	assert.Equal(t, domain.TransportWebSocket, joined.ConnectionMode.Type)

	require.NoError(t, host.UpdateCanvas(ctx, sampleCanvas(3)))

	got := viewer.CurrentSession()
	require.NotNil(t, got)
	assert.Len(t, got.CanvasState.Blocks, 3)
	assert.Equal(t, uint64(2), got.Version)

	require.NoError(t, host.EndSession(ctx))
	assert.Nil(t, host.CurrentSession())
	assert.Nil(t, viewer.CurrentSession(), "viewer ends when the host does")
	assert.Contains(t, relay.ended, created.SessionID)
	assert.Zero(t, clk.Pending())
}

func TestSingleActiveSession(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(t0)
	m := newTestManager(t, newFakeRelay(), clk)

	first, err := m.CreateSession(ctx, "a", sampleCanvas(1))
	require.NoError(t, err)

	_, err = m.CreateSession(ctx, "b", sampleCanvas(1))
	require.ErrorIs(t, err, domain.ErrSessionConflict)
	_, err = m.JoinSession(ctx, string(first.SessionID))
	require.ErrorIs(t, err, domain.ErrSessionConflict)

	cur := m.CurrentSession()
	require.NotNil(t, cur)
	assert.Equal(t, first.SessionID, cur.ID)
	assert.Equal(t, "a", cur.Title)
}

func TestCreateRejectsInvalidCanvas(t *testing.T) {
	clk := clock.NewManual(t0)
	relay := newFakeRelay()
	m := newTestManager(t, relay, clk)

	_, err := m.CreateSession(context.Background(), "bad", &domain.CanvasState{Zoom: 0})
	require.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Nil(t, m.CurrentSession())
	assert.Zero(t, relay.sendCount())
}

func TestCreateHandshakeIsBounded(t *testing.T) {
	clk := clock.NewManual(t0)
	relay := newFakeRelay()
	block := make(chan struct{})
	relay.set(func(r *fakeRelay) { r.blockSend = block })
	t.Cleanup(func() { close(block) })
	m := newTestManager(t, relay, clk, WithHandshakeTimeout(50*time.Millisecond))

	start := time.Now()
	_, err := m.CreateSession(context.Background(), "slow", sampleCanvas(1))
	require.ErrorIs(t, err, domain.ErrTransient)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Nil(t, m.CurrentSession())
}

func TestUpdateRejectsInvalidWithoutSideEffects(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(t0)
	relay := newFakeRelay()
	m := newTestManager(t, relay, clk)
	_, err := m.CreateSession(ctx, "a", sampleCanvas(2))
	require.NoError(t, err)
	before := m.CurrentSession()

	dup := sampleCanvas(2)
	dup.Blocks[1].ID = dup.Blocks[0].ID
	require.ErrorIs(t, m.UpdateCanvas(ctx, dup), domain.ErrInvalidInput)

	mismatched := sampleCanvas(1)
	mismatched.Blocks[0].Kind = domain.BlockImage
	require.ErrorIs(t, m.UpdateCanvas(ctx, mismatched), domain.ErrInvalidInput)

	require.ErrorIs(t, m.UpdateCanvas(ctx, nil), domain.ErrInvalidInput)

	nan := sampleCanvas(2)
	nan.Pan.X = math.NaN()
	require.ErrorIs(t, m.UpdateCanvas(ctx, nan), domain.ErrInvalidInput)

	inf := sampleCanvas(2)
	inf.Zoom = math.Inf(1)
	require.ErrorIs(t, m.UpdateCanvas(ctx, inf), domain.ErrInvalidInput)

	after := m.CurrentSession()
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, before.LastUpdate, after.LastUpdate)
	assert.Equal(t, before.CanvasState, after.CanvasState)
	assert.Equal(t, 1, relay.sendCount())
}

func TestUpdateWithoutSession(t *testing.T) {
	m := newTestManager(t, newFakeRelay(), clock.NewManual(t0))
	require.ErrorIs(t, m.UpdateCanvas(context.Background(), sampleCanvas(1)), domain.ErrNoSession)
}

func TestViewerCannotUpdate(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(t0)
	relay := newFakeRelay()
	host := newTestManager(t, relay, clk)
	viewer := newTestManager(t, relay, clk)
	created, err := host.CreateSession(ctx, "a", sampleCanvas(1))
	require.NoError(t, err)
	_, err = viewer.JoinSession(ctx, string(created.SessionID))
	require.NoError(t, err)

	require.ErrorIs(t, viewer.UpdateCanvas(ctx, sampleCanvas(2)), domain.ErrInvalidInput)
	assert.Len(t, viewer.CurrentSession().CanvasState.Blocks, 1)
}

func TestUpdateOversizePayload(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(t0)
	relay := newFakeRelay()
	settings := domain.DefaultSettings()
	settings.CompressionEnabled = false
	m := newTestManager(t, relay, clk, WithSettings(settings), WithMaxPayloadBytes(2048))
	_, err := m.CreateSession(ctx, "a", sampleCanvas(1))
	require.NoError(t, err)

	big := sampleCanvas(1)
	for i := range big.Blocks {
		big.Blocks[i].Text.Content = randomText(64 << 10)
	}
	require.ErrorIs(t, m.UpdateCanvas(ctx, big), domain.ErrResourceExhausted)
	assert.Equal(t, uint64(1), m.CurrentSession().Version)

	// repetitive content fits once it is densely encoded
	require.NoError(t, m.UpdateCanvas(ctx, sampleCanvas(40)))
	assert.Equal(t, uint64(2), m.CurrentSession().Version)
}

func TestUpdatesAreThrottledAndCoalesced(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(t0)
	relay := newFakeRelay()
	m := newTestManager(t, relay, clk)
	created, err := m.CreateSession(ctx, "a", sampleCanvas(1))
	require.NoError(t, err)

	require.NoError(t, m.UpdateCanvas(ctx, sampleCanvas(2)))
	require.NoError(t, m.UpdateCanvas(ctx, sampleCanvas(3)))
	require.NoError(t, m.UpdateCanvas(ctx, sampleCanvas(4)))
	assert.Equal(t, 2, relay.sendCount(), "burst inside the throttle window waits")
	assert.Equal(t, uint64(4), m.CurrentSession().Version, "local commits are immediate")

	clk.Advance(100 * time.Millisecond)
	assert.Equal(t, 3, relay.sendCount(), "burst collapses into one send")
	assert.Equal(t, uint64(4), relay.latest(created.SessionID).Version)
}

func TestLastUpdateStrictlyIncreases(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(t0)
	m := newTestManager(t, newFakeRelay(), clk)
	_, err := m.CreateSession(ctx, "a", sampleCanvas(1))
	require.NoError(t, err)

	prev := m.CurrentSession().LastUpdate
	for i := 2; i < 6; i++ {
		require.NoError(t, m.UpdateCanvas(ctx, sampleCanvas(i)))
		cur := m.CurrentSession().LastUpdate
		assert.True(t, cur.After(prev))
		prev = cur
	}
}

func TestHostRecoversFromTransientFailures(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(t0)
	relay := newFakeRelay()
	var events eventLog
	m := newTestManager(t, relay, clk)
	m.Listen(events.add)
	created, err := m.CreateSession(ctx, "a", sampleCanvas(1))
	require.NoError(t, err)

	relay.set(func(r *fakeRelay) { r.sendErrs = 2 })
	require.NoError(t, m.UpdateCanvas(ctx, sampleCanvas(2)), "transient failures are retried, not surfaced")

	st := m.ConnectionStatus()
	assert.False(t, st.IsConnected)
	assert.Equal(t, reconnect.StateRetrying, st.State)
	assert.Equal(t, 1, st.ReconnectAttempts)

	clk.Advance(499 * time.Millisecond)
	assert.Equal(t, 2, relay.sendCount())
	clk.Advance(time.Millisecond)
	assert.Equal(t, 3, relay.sendCount())
	assert.Equal(t, domain.TransportPolling, m.ConnectionStatus().Mode.Type, "repeated failures fall back to polling")

	clk.Advance(time.Second)
	st = m.ConnectionStatus()
	assert.True(t, st.IsConnected)
	assert.Equal(t, reconnect.StateRecovered, st.State)
	assert.Zero(t, st.ReconnectAttempts)
	assert.Equal(t, uint64(2), relay.latest(created.SessionID).Version)
	assert.NotEmpty(t, events.of(EventModeChanged))

	cur := m.CurrentSession()
	assert.Equal(t, created.SessionID, cur.ID)
	assert.Len(t, cur.CanvasState.Blocks, 2)
}

func TestHostRetriesAreBounded(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(t0)
	relay := newFakeRelay()
	var events eventLog
	m := newTestManager(t, relay, clk)
	m.Listen(events.add)
	_, err := m.CreateSession(ctx, "a", sampleCanvas(1))
	require.NoError(t, err)

	relay.set(func(r *fakeRelay) { r.sendErrs = -1 })
	require.NoError(t, m.UpdateCanvas(ctx, sampleCanvas(2)))
	for _, d := range []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second} {
		clk.Advance(d)
	}
	assert.Equal(t, 7, relay.sendCount(), "create, first attempt and five retries")

	st := m.ConnectionStatus()
	assert.Equal(t, reconnect.StateExhausted, st.State)
	require.ErrorIs(t, st.LastError, domain.ErrTransportExhausted)
	failed := events.of(EventFailed)
	require.NotEmpty(t, failed)
	assert.ErrorIs(t, failed[len(failed)-1].Err, domain.ErrTransportExhausted)

	clk.Advance(time.Minute)
	assert.Equal(t, 7, relay.sendCount(), "no automatic attempts once exhausted")

	relay.set(func(r *fakeRelay) { r.sendErrs = 0 })
	require.NoError(t, m.UpdateCanvas(ctx, sampleCanvas(3)))
	st = m.ConnectionStatus()
	assert.True(t, st.IsConnected)
	assert.Equal(t, reconnect.StateRecovered, st.State)
}

func TestExhaustedManualUpdateSurfacesError(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(t0)
	relay := newFakeRelay()
	m := newTestManager(t, relay, clk, WithReconnect(reconnect.Config{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, MaxAttempts: 1}))
	_, err := m.CreateSession(ctx, "a", sampleCanvas(1))
	require.NoError(t, err)

	relay.set(func(r *fakeRelay) { r.sendErrs = -1 })
	require.NoError(t, m.UpdateCanvas(ctx, sampleCanvas(2)))
	clk.Advance(100 * time.Millisecond)
	require.Equal(t, reconnect.StateExhausted, m.ConnectionStatus().State)

	err = m.UpdateCanvas(ctx, sampleCanvas(3))
	require.ErrorIs(t, err, domain.ErrTransportExhausted)
	assert.Equal(t, uint64(3), m.CurrentSession().Version, "the update is still committed locally")
}

func TestAutoReconnectDisabledSurfacesFailure(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(t0)
	relay := newFakeRelay()
	settings := domain.DefaultSettings()
	settings.AutoReconnect = false
	m := newTestManager(t, relay, clk, WithSettings(settings))
	_, err := m.CreateSession(ctx, "a", sampleCanvas(1))
	require.NoError(t, err)

	relay.set(func(r *fakeRelay) { r.sendErrs = 1 })
	require.ErrorIs(t, m.UpdateCanvas(ctx, sampleCanvas(2)), domain.ErrTransient)
	clk.Advance(10 * time.Second)
	assert.Equal(t, 2, relay.sendCount())
}

func TestRelaySheddingSlowsUpdatesDown(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(t0)
	relay := newFakeRelay()
	diagnostics := &recordingDiag{}
	m := newTestManager(t, relay, clk, WithDiagnostics(diagnostics))
	created, err := m.CreateSession(ctx, "a", sampleCanvas(1))
	require.NoError(t, err)
	clk.Advance(time.Second)

	tooMany := fmt.Errorf("%w: relay 429", domain.ErrResourceExhausted)
	relay.set(func(r *fakeRelay) { r.sendErrs, r.sendErr = 1, tooMany })
	require.NoError(t, m.UpdateCanvas(ctx, sampleCanvas(2)))
	assert.Equal(t, uint64(1), relay.latest(created.SessionID).Version)
	assert.Equal(t, uint64(2), m.CurrentSession().Version)
	assert.Equal(t, 2, relay.sendCount())
	assert.True(t, diagnostics.has(core.EventUpdateFailed))

	clk.Advance(500 * time.Millisecond)
	assert.Equal(t, 2, relay.sendCount(), "no resend inside the slowdown")

	clk.Advance(time.Minute)
	assert.Equal(t, uint64(2), relay.latest(created.SessionID).Version, "the newest state still reaches the relay")
	assert.Equal(t, 3, relay.sendCount())
	assert.Equal(t, reconnect.StateIdle, m.ConnectionStatus().State)

	sent := diagnostics.last(core.EventUpdateSent)
	require.NotNil(t, sent)
	assert.Equal(t, uint64(2), sent["version"])
	assert.Contains(t, sent, "ratio")
}

func TestNilClockKeepsDefault(t *testing.T) {
	m, err := New(newFakeRelay(), WithClock(nil), WithShareBaseURL("https://share.test"))
	require.NoError(t, err)
	defer m.Close()
	_, err = m.CreateSession(context.Background(), "a", sampleCanvas(1))
	require.NoError(t, err)
	require.NoError(t, m.EndSession(context.Background()))
}

func TestEndSessionReleasesEverything(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(t0)
	relay := newFakeRelay()
	m := newTestManager(t, relay, clk)
	_, err := m.CreateSession(ctx, "a", sampleCanvas(1))
	require.NoError(t, err)

	relay.set(func(r *fakeRelay) { r.sendErrs = -1 })
	require.NoError(t, m.UpdateCanvas(ctx, sampleCanvas(2)))
	require.NotZero(t, clk.Pending())

	require.NoError(t, m.EndSession(ctx))
	assert.Zero(t, clk.Pending())
	assert.Nil(t, m.CurrentSession())
	assert.False(t, m.ConnectionStatus().IsConnected)

	sends := relay.sendCount()
	clk.Advance(time.Hour)
	assert.Equal(t, sends, relay.sendCount())
	assert.Nil(t, m.CurrentSession())

	require.NoError(t, m.EndSession(ctx), "ending twice is a no-op")
	relay.set(func(r *fakeRelay) { r.sendErrs = 0 })
	_, err = m.CreateSession(ctx, "again", sampleCanvas(1))
	require.NoError(t, err, "a new session can start after end")
}

func TestJoinErrors(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, newFakeRelay(), clock.NewManual(t0))

	_, err := m.JoinSession(ctx, "not a session")
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = m.JoinSession(ctx, "https://share.test/s/"+string(domain.NewSessionID()))
	require.ErrorIs(t, err, domain.ErrRemoteUnavailable)
	assert.Nil(t, m.CurrentSession())
}

func TestViewerPollingFallbackAndUpdates(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(t0)
	relay := newFakeRelay()
	host := newTestManager(t, relay, clk)
	viewer := newTestManager(t, pollOnly{relay}, clk)
	var events eventLog
	viewer.Listen(events.add)

	created, err := host.CreateSession(ctx, "a", sampleCanvas(1))
	require.NoError(t, err)
	joined, err := viewer.JoinSession(ctx, created.ShareURL)
	require.NoError(t, err)
	assert.Equal(t, domain.TransportPolling, joined.ConnectionMode.Type, "no push channel means polling")

	require.NoError(t, host.UpdateCanvas(ctx, sampleCanvas(2)))
	require.NoError(t, host.UpdateCanvas(ctx, sampleCanvas(3)))
	clk.Advance(100 * time.Millisecond)
	assert.Equal(t, uint64(1), viewer.CurrentSession().Version)

	clk.Advance(900 * time.Millisecond)
	cur := viewer.CurrentSession()
	assert.Equal(t, uint64(3), cur.Version)
	assert.Len(t, cur.CanvasState.Blocks, 3)

	var versions []uint64
	for _, e := range events.of(EventUpdated) {
		versions = append(versions, e.Session.Version)
	}
	assert.IsIncreasing(t, versions)

	assert.Len(t, host.CurrentSession().Viewers, 1)
}
