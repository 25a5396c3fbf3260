package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dkeye/CanvasShare/internal/app/share"
	"github.com/dkeye/CanvasShare/internal/clock"
	"github.com/dkeye/CanvasShare/internal/domain"
)

func readCanvas(path string) (*domain.CanvasState, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var state domain.CanvasState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrInvalidInput, path, err)
	}
	return &state, nil
}

func hostCmd(g *globals) *cobra.Command {
	var (
		title string
		watch time.Duration
	)

	cmd := &cobra.Command{
		Use:   "host <canvas.json>",
		Short: "Share a canvas file and keep viewers in sync",
		Long: `Host creates a share session from a canvas JSON file and prints its
share URL. With --watch the file is re-read on that interval and every change
is pushed to viewers. The session ends on Ctrl-C.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			initial, err := readCanvas(path)
			if err != nil {
				return err
			}
			c, err := g.connect()
			if err != nil {
				return err
			}
			defer c.Close()

			ctx := cmd.Context()
			l := log.With().Str("module", "sharectl").Logger()
			stop := c.manager.Listen(func(e share.Event) {
				switch e.Kind {
				case share.EventModeChanged:
					l.Info().Str("mode", string(e.Session.ConnectionMode.Type)).Str("quality", string(e.Session.Quality.Level)).Msg("transport changed")
				case share.EventFailed:
					l.Warn().Err(e.Err).Msg("sharing degraded")
				case share.EventStatus:
					if e.Session != nil && e.Err == nil {
						l.Info().Strs("viewers", viewerNames(e.Session.Viewers)).Msg("link ok")
					}
				}
			})
			defer stop()

			if title == "" {
				title = path
			}
			res, err := c.manager.CreateSession(ctx, title, initial)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.ShareURL)
			l.Info().Str("sid", string(res.SessionID)).Str("mode", string(res.Session.ConnectionMode.Type)).Msg("sharing")

			if watch > 0 {
				w := &fileWatcher{path: path, manager: c.manager}
				w.modTime = w.stat()
				task := clock.New().Every(watch, w.poll)
				defer task.Stop()
			}

			<-ctx.Done()
			endCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.manager.EndSession(endCtx); err != nil {
				return err
			}
			l.Info().Msg("session ended")
			return nil
		},
	}

	cmd.Flags().StringVarP(&title, "title", "t", "", "session title (defaults to the file name)")
	cmd.Flags().DurationVarP(&watch, "watch", "w", 0, "re-read the canvas file on this interval")

	return cmd
}

func viewerNames(vs []domain.ViewerID) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = string(v)
	}
	return out
}

// fileWatcher pushes the canvas file whenever its modification time moves.
type fileWatcher struct {
	path    string
	manager *share.Manager
	modTime time.Time
}

func (w *fileWatcher) stat() time.Time {
	fi, err := os.Stat(w.path)
	if err != nil {
		return time.Time{}
	}
	return fi.ModTime()
}

func (w *fileWatcher) poll(ctx context.Context) {
	mt := w.stat()
	if mt.IsZero() || !mt.After(w.modTime) {
		return
	}
	w.modTime = mt
	l := log.With().Str("module", "sharectl").Str("file", w.path).Logger()
	state, err := readCanvas(w.path)
	if err != nil {
		l.Warn().Err(err).Msg("canvas file unreadable")
		return
	}
	if err := w.manager.UpdateCanvas(ctx, state); err != nil {
		l.Warn().Err(err).Msg("update rejected")
		return
	}
	l.Info().Int("blocks", len(state.Blocks)).Msg("canvas updated")
}
