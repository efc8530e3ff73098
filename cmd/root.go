// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/kestrel/internal/config"
	"firestige.xyz/kestrel/internal/log"
)

var configFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "kestrel",
	Short: "Kestrel - bounded-latency FPV video link receiver",
	Long: `Kestrel receives an H.264 video stream over RTP/UDP on a lossy link and
reconstructs it under a hard latency budget: systematic Reed-Solomon FEC
rebuilds lost packets, a bounded reorder buffer undoes wire reordering,
and a delivery gate drops frames that can no longer be shown on time.

Commands:
  receive   listen on UDP and emit an Annex-B byte stream
  replay    run a pcap capture file through the receive chain
  send      loopback test sender with synthetic or recorded video and injected loss
  version   print version information`,
	Version: "0.1.0",
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (empty = built-in defaults)")
}

// loadConfig loads the config file when one was given, otherwise the
// defaults, and initialises logging from it.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if configFile == "" {
		cfg = config.Default()
	} else {
		var err error
		cfg, err = config.Load(configFile)
		if err != nil {
			return nil, err
		}
	}
	log.Init(&cfg.Log)
	return cfg, nil
}

// exitWithError prints error message and exits with code 1
func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}
