package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/rte/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Load and validate a configuration file without reading any capture.

The effective configuration (file, RTE_* environment and defaults merged)
is printed as YAML, so it can be used as a starting point.

Examples:
  rte validate -c rte.yaml
  RTE_TIME_MULTIPLIER=1000 rte validate -c rte.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runValidate(configFile, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
			os.Exit(1)
		}
	},
}

func runValidate(path string, w io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	out, err := config.Dump(cfg)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "# VALID: %d sink(s)\n", len(cfg.Sinks))
	_, err = w.Write(out)
	return err
}
