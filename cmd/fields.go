package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"firestige.xyz/dissect/internal/config"
	"firestige.xyz/dissect/internal/engine"
	"firestige.xyz/dissect/internal/proto"
	"firestige.xyz/dissect/plugins"
)

var fieldsProtocol string

var fieldsCmd = &cobra.Command{
	Use:   "fields",
	Short: "List registered protocol fields",
	Long: `List every field the dissectors register, in registration order.

Examples:
  dissect fields
  dissect fields -p sip`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFields(cfg, fieldsProtocol, cmd.OutOrStdout())
	},
}

var tablesCmd = &cobra.Command{
	Use:   "tables",
	Short: "List dissector tables and heuristics",
	Long: `List every dissector table with its registered keys and heuristic
sub-dissectors, reflecting ports and heuristics overridden in the config.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTables(cfg, cmd.OutOrStdout())
	},
}

func init() {
	fieldsCmd.Flags().StringVarP(&fieldsProtocol, "protocol", "p", "", "only list fields of this protocol abbrev")
}

func runFields(cfg *config.GlobalConfig, protocol string, out io.Writer) error {
	e, err := engine.New(cfg, plugins.Registrars()...)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ABBREV\tNAME\tTYPE\tPROTOCOL")
	for _, def := range e.Fields().Fields() {
		if protocol != "" && def.Abbrev != protocol && def.Parent != protocol {
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", def.Abbrev, def.Name, def.Type, parentOf(def))
	}
	return tw.Flush()
}

func parentOf(def proto.FieldDef) string {
	if def.Parent == "" {
		return "-"
	}
	return def.Parent
}

func runTables(cfg *config.GlobalConfig, out io.Writer) error {
	e, err := engine.New(cfg, plugins.Registrars()...)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TABLE\tKEY\tDISSECTOR")
	for _, t := range e.Dissectors().Tables() {
		for _, k := range t.UintEntries() {
			h, _ := t.LookupUint(k)
			fmt.Fprintf(tw, "%s\t%d\t%s\n", t.Name(), k, h.Name())
		}
		for _, k := range t.StringEntries() {
			h, _ := t.LookupString(k)
			fmt.Fprintf(tw, "%s\t%q\t%s\n", t.Name(), k, h.Name())
		}
		for _, hs := range t.Heuristics() {
			state := "disabled"
			if hs.Enabled {
				state = "enabled"
			}
			fmt.Fprintf(tw, "%s\theur:%s\t%s (%s)\n", t.Name(), hs.ShortName, hs.Handle.Name(), state)
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	names := make([]string, 0)
	for _, h := range e.Dissectors().Handles() {
		names = append(names, h.Name())
	}
	_, err = fmt.Fprintf(out, "\n%d dissectors: %s\n", len(names), strings.Join(names, ", "))
	return err
}
