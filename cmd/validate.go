package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/dissect/internal/config"
	"firestige.xyz/dissect/internal/engine"
	"firestige.xyz/dissect/plugins"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long: `Load the configuration given with -c and build the dissection engine from
it without reading any traffic. Port overrides, heuristic switches and
protocol preferences are applied, so unknown tables or bad values fail here.

Examples:
  dissect validate -c /etc/dissect/config.yml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runValidate(cfg, cmd.OutOrStdout())
	},
}

func runValidate(cfg *config.GlobalConfig, out io.Writer) error {
	e, err := engine.New(cfg, plugins.Registrars()...)
	if err != nil {
		return fmt.Errorf("INVALID: %w", err)
	}
	_, err = fmt.Fprintf(out, "VALID: %d dissector(s), %d table(s), %d field(s), export %s\n",
		len(e.Dissectors().Handles()),
		len(e.Dissectors().Tables()),
		e.Fields().Len(),
		cfg.Export.Format,
	)
	return err
}
