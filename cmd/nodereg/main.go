package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/teranos/nodereg/am"
	"github.com/teranos/nodereg/cmd/nodereg/commands"
	"github.com/teranos/nodereg/logger"
	"github.com/teranos/nodereg/sym"
)

var rootCmd = &cobra.Command{
	Use:   "nodereg",
	Short: "nodereg - Node interview registry",
	Long: fmt.Sprintf(`nodereg - Registry of node interviews with symbolic addresses.

Every interview (component, tool, escalation, EEI) gets a stable identity and a
symbolic address from its category partition. Interviews are linked into a
relationship graph and moved through the enrichment pipeline.

Available commands:
%s
Examples:
  nodereg entity create tool --identity "Wire cutter"
  nodereg link add NI_a NI_b --rel depends_on
  nodereg pipeline run
  nodereg db stats`, commandSummary()),
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// 'am show' output is piped into files; keep it free of log lines
		if cmd.Name() == "show" {
			return nil
		}
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs := false
		if cfg, err := am.Load(); err == nil {
			jsonLogs = cfg.Log.JSON
		}
		if err := logger.InitializeWithVerbosity(jsonLogs, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logger.Debugw("Logger initialized", "verbosity", logger.LevelName(verbosity))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")

	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.EntityCmd)
	rootCmd.AddCommand(commands.LinkCmd)
	rootCmd.AddCommand(commands.PipelineCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

// commandSummary renders the glyph-bearing commands for the root help
func commandSummary() string {
	var b strings.Builder
	for _, c := range sym.Commands {
		fmt.Fprintf(&b, "  %s %-9s %s\n", c.Glyph, c.Name, c.Summary)
	}
	fmt.Fprintf(&b, "    %-9s %s\n", "version", "Show version information")
	return b.String()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
