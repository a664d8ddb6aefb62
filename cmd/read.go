package cmd

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/dissect/internal/config"
	"firestige.xyz/dissect/internal/filter"
	"firestige.xyz/dissect/internal/log"
	"firestige.xyz/dissect/internal/source/file"
)

type readOptions struct {
	File   string
	Filter string
	outputOptions
}

var readOpts readOptions

var readCmd = &cobra.Command{
	Use:   "read",
	Short: "Dissect a pcap or pcapng file",
	Long: `Dissect every frame of a capture file and print the result.

The file format (pcap or pcapng) is detected from its magic number. A BPF
expression given with -f is evaluated in user space before dissection.

Examples:
  dissect read -r call.pcap
  dissect read -r call.pcapng -f "udp port 5060" -V
  dissect read -r call.pcap -o json --redissect`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRead(cmd.Context(), cfg, readOpts, cmd.OutOrStdout())
	},
}

func init() {
	addOutputFlags(readCmd, &readOpts.outputOptions)
	readCmd.Flags().StringVarP(&readOpts.File, "read-file", "r", "", "capture file to read (required)")
	readCmd.Flags().StringVarP(&readOpts.Filter, "filter", "f", "", "BPF capture filter")
	readCmd.MarkFlagRequired("read-file")
}

func addOutputFlags(c *cobra.Command, o *outputOptions) {
	c.Flags().StringVarP(&o.Format, "output", "o", "", "output format: text, json, yaml or toml (default from config)")
	c.Flags().BoolVarP(&o.Verbose, "verbose", "V", false, "include the protocol tree")
	c.Flags().BoolVarP(&o.Redissect, "redissect", "2", false, "write frames from a second pass over the whole capture")
	c.Flags().IntVarP(&o.Count, "count", "n", 0, "stop after this many frames (0 = all)")
}

func runRead(ctx context.Context, cfg *config.GlobalConfig, opts readOptions, out io.Writer) error {
	src, err := file.Open(opts.File)
	if err != nil {
		return err
	}
	f, err := filter.Compile(opts.Filter, src.Encapsulation(), cfg.Capture.SnapLen)
	if err != nil {
		src.Close()
		return err
	}
	fs := filter.Wrap(src, f)

	s, err := openSession(cfg, fs)
	if err != nil {
		src.Close()
		return err
	}
	defer s.Close()

	w, err := newWriter(ctx, cfg, opts.Format, out)
	if err != nil {
		return err
	}
	if err := dissect(ctx, s, w, opts.outputOptions); err != nil {
		w.Close()
		return err
	}
	if n := dropped(fs); n > 0 {
		log.WithComponent("cli").WithField("dropped", n).Info("frames rejected by filter")
	}
	return w.Close()
}
