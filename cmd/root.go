// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/dissect/internal/config"
	"firestige.xyz/dissect/internal/log"
	"firestige.xyz/dissect/internal/metrics"
)

var (
	// Global flags
	configFile    string
	logLevel      string
	metricsListen string

	// set by the persistent pre-run
	cfg           *config.GlobalConfig
	metricsServer *metrics.Server
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "dissect",
	Short: "dissect - protocol dissection for captured network traffic",
	Long: `dissect decodes captured frames into protocol trees and summary columns.

It reads pcap / pcapng files or captures live from an AF_PACKET socket, runs
every frame through the registered dissectors (Ethernet, IPv4/IPv6, TCP, UDP,
ICMP, tunnels, SIP/SDP, RTP/RTCP, PFCP) and writes the result as text, JSON,
YAML or TOML, optionally producing each frame to Kafka as well.

Conversations and request/response transactions are tracked across the
capture; --redissect prints every frame a second time with that state complete.`,
	Version:            "0.1.0",
	SilenceUsage:       true,
	PersistentPreRunE:  setup,
	PersistentPostRunE: teardown,
}

// Execute runs the root command until it finishes or the process is
// interrupted. This is called by main.main().
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (defaults plus DISSECT_* environment when empty)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"override dissect.log.level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&metricsListen, "metrics-listen", "",
		"serve Prometheus metrics on this address, e.g. :9091")

	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(liveCmd)
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(fieldsCmd)
	rootCmd.AddCommand(tablesCmd)
	rootCmd.AddCommand(validateCmd)
}

// setup loads the configuration, then brings up logging and the metrics
// endpoint every subcommand shares.
func setup(cmd *cobra.Command, _ []string) error {
	loaded, err := loadConfig(configFile, logLevel, metricsListen)
	if err != nil {
		return err
	}
	if err := log.Init(loaded.Log); err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	cfg = loaded

	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path)
		if err := metricsServer.Start(cmd.Context()); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}
	return nil
}

func teardown(*cobra.Command, []string) error {
	if metricsServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := metricsServer.Stop(ctx)
	metricsServer = nil
	return err
}

// loadConfig applies the command-line overrides on top of the file.
func loadConfig(path, level, listen string) (*config.GlobalConfig, error) {
	loaded, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if level != "" {
		loaded.Log.Level = level
	}
	if listen != "" {
		loaded.Metrics.Enabled = true
		loaded.Metrics.Listen = listen
	}
	return loaded, nil
}
