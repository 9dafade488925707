package commands

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/tabrecon/internal/report"
	"github.com/Sumatoshi-tech/tabrecon/internal/store"
	"github.com/Sumatoshi-tech/tabrecon/pkg/compcache"
	"github.com/Sumatoshi-tech/tabrecon/pkg/config"
	"github.com/Sumatoshi-tech/tabrecon/pkg/reconcile"
	"github.com/Sumatoshi-tech/tabrecon/pkg/runerr"
)

// reportResultLimit bounds how many analysis rows the report charts per side.
const reportResultLimit = 100

const reportFilePerm = 0o600

// ErrRunNotFinished is returned when rendering a run that has not reached a
// terminal status.
var ErrRunNotFinished = errors.New("run has not finished")

// NewRenderCommand creates the HTML report subcommand.
func NewRenderCommand(flags *GlobalFlags) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "render <run-id>",
		Short: "Render an HTML summary report for a completed run",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			runID, parseErr := strconv.ParseInt(args[0], 10, 64)
			if parseErr != nil {
				return fmt.Errorf("%w: run id %q", runerr.ErrParameter, args[0])
			}

			cfg, loadErr := flags.Load()
			if loadErr != nil {
				return loadErr
			}

			if output == "" {
				output = fmt.Sprintf("tabrecon_run_%d.html", runID)
			}

			return runRender(cfg, runID, output)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output HTML file (default tabrecon_run_<id>.html)")

	return cmd
}

func runRender(cfg *config.Config, runID int64, output string) error {
	jobsCfg := runnerConfig(cfg)

	st, openErr := store.Open(jobsCfg.StorePath())
	if openErr != nil {
		return openErr
	}

	defer func() { _ = st.Close() }()

	run, getErr := st.GetRun(runID)
	if getErr != nil {
		return getErr
	}

	if run.Status == store.StatusQueued || run.Status == store.StatusRunning {
		return fmt.Errorf("%w: run %d is %s", ErrRunNotFinished, runID, run.Status)
	}

	resultsA, _, listAErr := st.ListAnalysisResults(runID, store.SideA, 1, reportResultLimit)
	if listAErr != nil {
		return listAErr
	}

	resultsB, _, listBErr := st.ListAnalysisResults(runID, store.SideB, 1, reportResultLimit)
	if listBErr != nil {
		return listBErr
	}

	cache := compcache.New(jobsCfg.CacheDir(), jobsCfg.SampleCap)

	entries, availErr := cache.Available(runID)
	if availErr != nil {
		return availErr
	}

	summaries := make([]reconcile.Summary, 0, len(entries))
	for _, entry := range entries {
		summaries = append(summaries, entry.Summary)
	}

	file, createErr := os.OpenFile(output, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, reportFilePerm)
	if createErr != nil {
		return fmt.Errorf("create report file: %w", createErr)
	}

	renderErr := report.Render(file, report.Data{
		Run:       run,
		ResultsA:  resultsA,
		ResultsB:  resultsB,
		Summaries: summaries,
	})

	closeErr := file.Close()
	if renderErr != nil {
		return renderErr
	}

	if closeErr != nil {
		return fmt.Errorf("close report file: %w", closeErr)
	}

	fmt.Fprintf(os.Stdout, "report written to %s\n", output)

	return nil
}
