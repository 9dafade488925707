package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// NewSweepCommand creates the retention-sweep subcommand: it removes runs
// whose terminal status predates the retention window, together with their
// exports and cache entries.
func NewSweepCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove runs past the retention window",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, loadErr := flags.Load()
			if loadErr != nil {
				return loadErr
			}

			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

			runner, st, openErr := openRunner(cfg, logger)
			if openErr != nil {
				return openErr
			}

			defer func() { _ = st.Close() }()

			removed, sweepErr := runner.Sweep()
			if sweepErr != nil {
				return sweepErr
			}

			fmt.Fprintf(os.Stdout, "removed %d expired runs\n", removed)

			return nil
		},
	}
}
