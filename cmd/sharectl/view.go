package main

import (
	"context"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dkeye/CanvasShare/internal/app/share"
	"github.com/dkeye/CanvasShare/internal/domain"
)

func writeCanvas(path string, state domain.CanvasState) error {
	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func viewCmd(g *globals) *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "view <share-url|session-id>",
		Short: "Follow a shared canvas",
		Long: `View joins a share session and logs every canvas update. With --out the
canvas is also written to that file after each update.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.connect()
			if err != nil {
				return err
			}
			defer c.Close()

			ctx := cmd.Context()
			l := log.With().Str("module", "sharectl").Logger()
			ended := make(chan error, 1)
			save := func(s *domain.Session) {
				if out == "" || s == nil {
					return
				}
				if err := writeCanvas(out, s.CanvasState); err != nil {
					l.Warn().Err(err).Str("file", out).Msg("write canvas")
				}
			}
			stop := c.manager.Listen(func(e share.Event) {
				switch e.Kind {
				case share.EventUpdated:
					l.Info().Uint64("version", e.Session.Version).Int("blocks", len(e.Session.CanvasState.Blocks)).Msg("canvas updated")
					save(e.Session)
				case share.EventModeChanged:
					l.Info().Str("mode", string(e.Session.ConnectionMode.Type)).Msg("transport changed")
				case share.EventFailed:
					l.Warn().Err(e.Err).Msg("link degraded")
				case share.EventEnded:
					select {
					case ended <- e.Err:
					default:
					}
				}
			})
			defer stop()

			s, err := c.manager.JoinSession(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "viewing %q (version %d, %d blocks)\n", s.Title, s.Version, len(s.CanvasState.Blocks))
			save(s)

			select {
			case <-ctx.Done():
				return c.manager.EndSession(context.Background())
			case err := <-ended:
				if err != nil {
					l.Info().Err(err).Msg("session closed by host")
				}
				return nil
			}
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "write the canvas JSON here after each update")

	return cmd
}
