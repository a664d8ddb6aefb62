package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"firestige.xyz/dissect/internal/config"
	"firestige.xyz/dissect/internal/conversation"
	"firestige.xyz/dissect/internal/filter"
	"firestige.xyz/dissect/internal/source/file"
)

var convOpts struct {
	File   string
	Filter string
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"conv"},
	Short:   "Summarise the conversations and transactions of a capture file",
	Long: `Dissect a capture file without printing frames, then list the
conversations found and the request/response transactions matched in them.

Examples:
  dissect conversations -r call.pcap
  dissect conv -r n4.pcap -f "udp port 8805"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConversations(cmd.Context(), cfg, convOpts.File, convOpts.Filter, cmd.OutOrStdout())
	},
}

func init() {
	conversationsCmd.Flags().StringVarP(&convOpts.File, "read-file", "r", "", "capture file to read (required)")
	conversationsCmd.Flags().StringVarP(&convOpts.Filter, "filter", "f", "", "BPF capture filter")
	conversationsCmd.MarkFlagRequired("read-file")
}

func runConversations(ctx context.Context, cfg *config.GlobalConfig, path, expr string, out io.Writer) error {
	src, err := file.Open(path)
	if err != nil {
		return err
	}
	f, err := filter.Compile(expr, src.Encapsulation(), cfg.Capture.SnapLen)
	if err != nil {
		src.Close()
		return err
	}
	s, err := openSession(cfg, filter.Wrap(src, f))
	if err != nil {
		src.Close()
		return err
	}
	defer s.Close()

	if err := s.Run(ctx, nil); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tCONVERSATION\tFRAMES\tFIRST\tLAST\tDURATION\tDISSECTOR")
	for _, c := range s.Conversations() {
		st := c.Stats()
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%d\t%s\t%s\n",
			c.Index, c.Key, st.Frames, st.FirstFrame, st.LastFrame,
			st.Duration(), boundName(c, st.LastFrame))
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "CONVERSATION\tREQUEST\tRESPONSE\tSTATE\tRTT")
	for _, tx := range s.Transactions() {
		resp, rtt := "-", "-"
		if tx.State == conversation.StateMatched {
			resp = fmt.Sprint(tx.ResponseFrame)
			rtt = tx.RTT().String()
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\n", tx.Conversation.Index, tx.RequestFrame, resp, tx.State, rtt)
	}
	return tw.Flush()
}

func boundName(c *conversation.Conversation, frame uint32) string {
	if d := c.Dissector(frame); d != nil {
		return d.Name()
	}
	return "-"
}
