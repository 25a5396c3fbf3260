package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dkeye/CanvasShare/internal/adapters/relayclient"
)

func sessionsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List sessions hosted by the relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			relay, err := relayclient.New(cfg.Share.RelayURL)
			if err != nil {
				return err
			}
			list, err := relay.Sessions(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tVERSION\tVIEWERS\tSTATE")
			for _, s := range list {
				state := "live"
				if s.Ended {
					state = "ended"
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", s.ID, s.Title, s.Version, s.Viewers, state)
			}
			return w.Flush()
		},
	}
}
