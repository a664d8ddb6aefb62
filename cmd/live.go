package cmd

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/dissect/internal/config"
	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/filter"
	"firestige.xyz/dissect/internal/source/afpacket"
)

type liveOptions struct {
	Interface string
	Filter    string
	outputOptions
}

var liveOpts liveOptions

var liveCmd = &cobra.Command{
	Use:   "live",
	Short: "Dissect frames captured live from a network interface",
	Long: `Capture from an AF_PACKET TPACKET_V3 ring and dissect frames as they arrive.

The BPF expression given with -f is attached to the socket so the kernel drops
unwanted frames. Ring geometry and promiscuous mode come from dissect.capture.
Capture stops on SIGINT / SIGTERM or after --count frames.

Examples:
  dissect live -i eth0 -f "udp port 5060 or udp port 8805"
  dissect live -i eth0 -n 100 -o json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLive(cmd.Context(), cfg, liveOpts, cmd.OutOrStdout())
	},
}

func init() {
	addOutputFlags(liveCmd, &liveOpts.outputOptions)
	liveCmd.Flags().StringVarP(&liveOpts.Interface, "interface", "i", "", "network interface to capture on (required)")
	liveCmd.Flags().StringVarP(&liveOpts.Filter, "filter", "f", "", "BPF capture filter")
	liveCmd.MarkFlagRequired("interface")
}

func runLive(ctx context.Context, cfg *config.GlobalConfig, opts liveOptions, out io.Writer) error {
	f, err := filter.Compile(opts.Filter, core.EncapEthernet, cfg.Capture.SnapLen)
	if err != nil {
		return err
	}
	src, err := afpacket.Open(opts.Interface, cfg.Capture, f)
	if err != nil {
		return err
	}

	s, err := openSession(cfg, src)
	if err != nil {
		src.Close()
		return err
	}
	defer s.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			src.Stop()
		case <-done:
		}
	}()

	w, err := newWriter(ctx, cfg, opts.Format, out)
	if err != nil {
		return err
	}
	if err := dissect(ctx, s, w, opts.outputOptions); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}
