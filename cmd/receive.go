package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"firestige.xyz/kestrel/internal/log"
	"firestige.xyz/kestrel/internal/metrics"
	"firestige.xyz/kestrel/internal/source"
)

var receiveCmd = &cobra.Command{
	Use:   "receive",
	Short: "Receive the video link on UDP",
	Long: `
Listen for the RTP/FEC stream on UDP and emit reconstructed video downstream.

Examples:
  kestrel receive                           # Listen per built-in defaults, Annex-B to stdout
  kestrel receive -c kestrel.yaml           # Listen per config file
  kestrel receive -c kestrel.yaml | ffplay -f h264 -probesize 32 -
`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			exitWithError("failed to load config", err)
		}
		logger := log.GetLogger()

		dec, err := openSink(cfg.Output)
		if err != nil {
			exitWithError("failed to open output", err)
		}
		p := buildPipeline(cfg, dec)

		src, err := source.NewUDP(source.UDPConfig{Listen: cfg.Listen})
		if err != nil {
			exitWithError("failed to open udp source", err)
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		if cfg.Metrics.Enabled {
			srv := metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path)
			if err := srv.Start(ctx); err != nil {
				exitWithError("failed to start metrics server", err)
			}
			defer srv.Stop(context.Background())
		}

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-sigs
			logger.WithField("signal", sig.String()).Info("shutting down")
			cancel()
			src.Close()
		}()

		if err := src.Run(ctx, p.HandleDatagram); err != nil {
			logger.WithError(err).Error("udp source failed")
		}

		p.Flush()
		logStats(p.Stats())
		p.Close()
		if err := dec.Close(); err != nil {
			logger.WithError(err).Warn("failed to close output")
		}
	},
}

func init() {
	rootCmd.AddCommand(receiveCmd)
}
