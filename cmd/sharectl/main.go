package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dkeye/CanvasShare/internal/adapters/relayclient"
	"github.com/dkeye/CanvasShare/internal/app/share"
	"github.com/dkeye/CanvasShare/internal/config"
	"github.com/dkeye/CanvasShare/internal/diag"
)

type globals struct {
	configFile string
	relayURL   string
	verbose    bool
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var g globals
	rootCmd := &cobra.Command{
		Use:   "sharectl",
		Short: "Host or view a shared canvas through a CanvasShare relay",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if g.verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&g.configFile, "config", "c", "", "config file (default config/config.$CONFIG_ENV.yaml)")
	rootCmd.PersistentFlags().StringVar(&g.relayURL, "relay", "", "relay base URL, overrides share.relay_url")
	rootCmd.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(
		hostCmd(&g),
		viewCmd(&g),
		sessionsCmd(&g),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("sharectl failed")
		os.Exit(1)
	}
}

func (g *globals) load() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if g.configFile != "" {
		cfg, err = config.LoadFile(g.configFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if g.relayURL != "" {
		cfg.Share.RelayURL = g.relayURL
	}
	if !g.verbose {
		zerolog.SetGlobalLevel(cfg.Level())
	}
	return cfg, nil
}

// client bundles what one sharectl command runs on.
type client struct {
	manager  *share.Manager
	recorder *diag.Recorder
}

func (g *globals) connect() (*client, error) {
	cfg, err := g.load()
	if err != nil {
		return nil, err
	}
	relay, err := relayclient.New(cfg.Share.RelayURL)
	if err != nil {
		return nil, err
	}
	recorder := diag.NewRecorder(diag.DefaultQueueSize,
		diag.LogSink(log.With().Str("module", "sharectl").Logger()),
		diag.NewMetricsSink(prometheus.NewRegistry()),
	)
	manager, err := share.New(relay,
		share.WithDiagnostics(recorder),
		share.WithSettings(cfg.Share.Settings),
		share.WithReconnect(cfg.Share.Reconnect),
		share.WithShareBaseURL(cfg.Share.ShareBaseURL),
		share.WithHandshakeTimeout(cfg.Share.HandshakeTimeout),
		share.WithJoinTimeout(cfg.Share.JoinTimeout),
		share.WithQualityInterval(cfg.Share.QualityInterval),
		share.WithMaxPayloadBytes(cfg.Share.MaxPayloadBytes),
	)
	if err != nil {
		recorder.Close()
		return nil, err
	}
	return &client{manager: manager, recorder: recorder}, nil
}

func (c *client) Close() {
	_ = c.manager.Close()
	c.recorder.Close()
}
