// Package main provides the entry point for the tabrecon CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/tabrecon/cmd/tabrecon/commands"
	"github.com/Sumatoshi-tech/tabrecon/pkg/version"
)

func main() {
	flags := &commands.GlobalFlags{}

	rootCmd := &cobra.Command{
		Use:   "tabrecon",
		Short: "Tabular-data reconciliation engine",
		Long: `tabrecon discovers candidate key combinations in two tabular files,
scores their uniqueness, and reconciles the files into matched / only-A /
only-B sets with chunked CSV exports.

Commands:
  serve    Start the HTTP gateway and worker pool
  run      Reconcile two files locally and print the results
  render   Render an HTML summary report for a completed run
  sweep    Remove runs past the retention window`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags.Register(rootCmd)

	rootCmd.AddCommand(commands.NewServeCommand(flags))
	rootCmd.AddCommand(commands.NewRunCommand(flags))
	rootCmd.AddCommand(commands.NewRenderCommand(flags))
	rootCmd.AddCommand(commands.NewSweepCommand(flags))
	rootCmd.AddCommand(versionCmd())

	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(commands.ExitCode(err))
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintln(os.Stdout, version.String())
		},
	}
}
