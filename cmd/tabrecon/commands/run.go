package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/tabrecon/internal/jobs"
	"github.com/Sumatoshi-tech/tabrecon/internal/store"
	"github.com/Sumatoshi-tech/tabrecon/pkg/keycodec"
	"github.com/Sumatoshi-tech/tabrecon/pkg/observability"
)

// pollInterval is how often the one-shot command refreshes run status.
const pollInterval = 200 * time.Millisecond

// resultTableLimit bounds the analysis rows printed per side.
const resultTableLimit = 20

// RunCommand holds the parameters of the one-shot run subcommand.
type RunCommand struct {
	flags *GlobalFlags

	fileA       string
	fileB       string
	numColumns  int
	maxRows     int64
	expected    string
	excluded    string
	quality     bool
	intelligent bool
	noColor     bool
}

// NewRunCommand creates the one-shot local run subcommand: submit, wait,
// and render the results as terminal tables.
func NewRunCommand(flags *GlobalFlags) *cobra.Command {
	rc := &RunCommand{flags: flags}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Reconcile two files locally and print the results",
		RunE: func(cobraCmd *cobra.Command, _ []string) error {
			return rc.run(cobraCmd.Context(), cobraCmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&rc.fileA, "file-a", "", "first input file (required)")
	cmd.Flags().StringVar(&rc.fileB, "file-b", "", "second input file (required)")
	cmd.Flags().IntVar(&rc.numColumns, "num-columns", 1, "key size for combination discovery")
	cmd.Flags().Int64Var(&rc.maxRows, "max-rows", 0, "analyze only the first N rows (0 = auto)")
	cmd.Flags().StringVar(&rc.expected, "expected", "", "newline-separated expected combinations")
	cmd.Flags().StringVar(&rc.excluded, "excluded", "", "newline-separated excluded combinations")
	cmd.Flags().BoolVar(&rc.quality, "quality-check", false, "run the data-quality pre-stage")
	cmd.Flags().BoolVar(&rc.intelligent, "intelligent", false, "use intelligent key discovery")
	cmd.Flags().BoolVar(&rc.noColor, "no-color", false, "disable colored output")

	_ = cmd.MarkFlagRequired("file-a")
	_ = cmd.MarkFlagRequired("file-b")

	return cmd
}

func (rc *RunCommand) run(ctx context.Context, out io.Writer) error {
	cfg, loadErr := rc.flags.Load()
	if loadErr != nil {
		return loadErr
	}

	if rc.noColor {
		color.NoColor = true
	}

	obsCfg := observabilityConfig(cfg, observability.ModeCLI)

	providers, initErr := observability.Init(obsCfg)
	if initErr != nil {
		return fmt.Errorf("observability init: %w", initErr)
	}

	defer func() { _ = providers.Shutdown(context.Background()) }()

	runner, st, openErr := openRunner(cfg, providers.Logger)
	if openErr != nil {
		return openErr
	}

	defer func() { _ = st.Close() }()

	runner.Start(ctx)
	defer runner.Stop()

	params := store.RunParams{
		FileA:        rc.fileA,
		FileB:        rc.fileB,
		NumColumns:   rc.numColumns,
		MaxRows:      rc.maxRows,
		QualityCheck: rc.quality,
		Expected:     rc.expected,
		Excluded:     rc.excluded,
	}

	if rc.intelligent {
		params.Discovery = "intelligent"
	}

	runID, submitErr := runner.Submit(params)
	if submitErr != nil {
		return submitErr
	}

	fmt.Fprintf(out, "run %d submitted\n", runID)

	run, waitErr := rc.wait(ctx, runner.Store(), runID)
	if waitErr != nil {
		return waitErr
	}

	rc.printRun(out, run)
	rc.printStages(out, runner.Store(), runID)
	rc.printAnalysis(out, runner.Store(), runID)
	rc.printSummaries(out, runner, runID)

	if run.Status == store.StatusError {
		return fmt.Errorf("%w: %s", ErrRunFailed, run.ErrorMessage)
	}

	return nil
}

func (rc *RunCommand) wait(ctx context.Context, st *store.Store, runID int64) (store.Run, error) {
	for {
		run, getErr := st.GetRun(runID)
		if getErr != nil {
			return store.Run{}, getErr
		}

		switch run.Status {
		case store.StatusCompleted, store.StatusError, store.StatusCancelled:
			return run, nil
		}

		select {
		case <-ctx.Done():
			return store.Run{}, fmt.Errorf("wait for run %d: %w", runID, ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

func (rc *RunCommand) printRun(out io.Writer, run store.Run) {
	status := run.Status

	switch run.Status {
	case store.StatusCompleted:
		status = color.GreenString(run.Status)
	case store.StatusError:
		status = color.RedString(run.Status)
	case store.StatusCancelled:
		status = color.YellowString(run.Status)
	}

	fmt.Fprintf(out, "\nrun %d: %s (progress %d%%)\n", run.ID, status, run.Progress)

	if run.ErrorMessage != "" {
		fmt.Fprintf(out, "error: %s\n", run.ErrorMessage)
	}
}

func (rc *RunCommand) printStages(out io.Writer, st *store.Store, runID int64) {
	stages, stagesErr := st.GetStages(runID)
	if stagesErr != nil || len(stages) == 0 {
		return
	}

	tbl := newTable(out)
	tbl.AppendHeader(table.Row{"stage", "status", "details"})

	for _, stage := range stages {
		tbl.AppendRow(table.Row{stage.Name, stage.Status, stage.Details})
	}

	fmt.Fprintf(out, "\nStages:\n")
	tbl.Render()
}

func (rc *RunCommand) printAnalysis(out io.Writer, st *store.Store, runID int64) {
	for _, side := range []string{store.SideA, store.SideB} {
		results, total, listErr := st.ListAnalysisResults(runID, side, 1, resultTableLimit)
		if listErr != nil || len(results) == 0 {
			continue
		}

		tbl := newTable(out)
		tbl.AppendHeader(table.Row{"combination", "score", "unique", "rows", "duplicates", "sampled"})

		for _, res := range results {
			unique := ""
			if res.IsUniqueKey {
				unique = color.GreenString("yes")
			}

			tbl.AppendRow(table.Row{
				res.Combination,
				fmt.Sprintf("%.4f", res.UniquenessScore),
				unique,
				humanize.Comma(res.TotalRows),
				humanize.Comma(res.DuplicateRows),
				res.IsSampled,
			})
		}

		tbl.AppendFooter(table.Row{fmt.Sprintf("side %s: %d combinations", side, total)})

		fmt.Fprintf(out, "\nUniqueness (side %s):\n", side)
		tbl.Render()
	}
}

func (rc *RunCommand) printSummaries(out io.Writer, runner *jobs.Runner, runID int64) {
	entries, availErr := runner.Cache().Available(runID)
	if availErr != nil || len(entries) == 0 {
		return
	}

	tbl := newTable(out)
	tbl.AppendHeader(table.Row{"combination", "matched", "only A", "only B", "total A", "total B"})

	for _, entry := range entries {
		tbl.AppendRow(table.Row{
			keycodec.Combination(entry.Combination).String(),
			humanize.Comma(entry.Summary.Matched),
			humanize.Comma(entry.Summary.OnlyA),
			humanize.Comma(entry.Summary.OnlyB),
			humanize.Comma(entry.Summary.TotalA),
			humanize.Comma(entry.Summary.TotalB),
		})
	}

	fmt.Fprintf(out, "\nReconciliation:\n")
	tbl.Render()
}

func newTable(out io.Writer) table.Writer {
	tbl := table.NewWriter()
	tbl.SetOutputMirror(out)
	tbl.SetStyle(table.StyleLight)

	return tbl
}
