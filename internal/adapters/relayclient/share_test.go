package relayclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/CanvasShare/internal/app"
	"github.com/dkeye/CanvasShare/internal/app/share"
	"github.com/dkeye/CanvasShare/internal/domain"
)

func canvas(texts ...string) *domain.CanvasState {
	s := &domain.CanvasState{Zoom: 1}
	for i, text := range texts {
		s.Blocks = append(s.Blocks, domain.NewTextBlock(text, float64(i*150), 40, 120, 60, text))
	}
	return s
}

func TestShareOverRelay(t *testing.T) {
	ctx := context.Background()
	srv := newRelay(t, app.DefaultHubConfig())

	host, err := share.New(newClient(t, srv), share.WithShareBaseURL(srv.URL))
	require.NoError(t, err)
	defer host.Close()
	viewer, err := share.New(newClient(t, srv))
	require.NoError(t, err)
	defer viewer.Close()

	created, err := host.CreateSession(ctx, "retro", canvas("start"))
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/s/"+string(created.SessionID), created.ShareURL)

	joined, err := viewer.JoinSession(ctx, created.ShareURL)
	require.NoError(t, err)
	assert.Equal(t, "retro", joined.Title)
	assert.Equal(t, domain.RoleViewer, joined.Role)
	assert.Equal(t, *canvas("start"), joined.CanvasState)

	require.NoError(t, host.UpdateCanvas(ctx, canvas("start", "next")))
	require.Eventually(t, func() bool {
		s := viewer.CurrentSession()
		return s != nil && s.Version == 2
	}, 10*time.Second, 20*time.Millisecond)
	assert.Equal(t, *canvas("start", "next"), viewer.CurrentSession().CanvasState)

	require.NoError(t, host.EndSession(ctx))
	require.Eventually(t, func() bool { return viewer.CurrentSession() == nil }, 10*time.Second, 20*time.Millisecond)
}
