package cmd

import (
	"github.com/spf13/cobra"

	"firestige.xyz/kestrel/internal/log"
	"firestige.xyz/kestrel/internal/source"
)

var (
	replayFile     string
	replayPort     int
	replayRealtime bool
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a pcap capture through the receive chain",
	Long: `
Run the UDP payloads of a capture file through the full receive chain. Useful
for offline analysis of recorded link conditions.

Examples:
  kestrel replay -f flight.pcap                     # Replay every UDP datagram, as fast as possible
  kestrel replay -f flight.pcap -p 5600 --realtime  # Replay port 5600, paced by capture timestamps
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

		src, err := source.NewPcap(source.PcapConfig{
			Path:     replayFile,
			Port:     replayPort,
			Realtime: replayRealtime,
		})
		if err != nil {
			exitWithError("failed to open pcap source", err)
		}

		if err := src.Run(cmd.Context(), p.HandleDatagram); err != nil {
			exitWithError("replay failed", err)
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
	replayCmd.Flags().StringVarP(&replayFile, "file", "f", "", "pcap capture file to replay")
	replayCmd.Flags().IntVarP(&replayPort, "port", "p", 0, "only replay datagrams to this UDP port (0 = all)")
	replayCmd.Flags().BoolVar(&replayRealtime, "realtime", false, "pace the replay by capture timestamps")
	replayCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(replayCmd)
}
