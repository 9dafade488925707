// Package commands implements the tabrecon CLI subcommands.
package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/tabrecon/internal/jobs"
	"github.com/Sumatoshi-tech/tabrecon/internal/store"
	"github.com/Sumatoshi-tech/tabrecon/pkg/compcache"
	"github.com/Sumatoshi-tech/tabrecon/pkg/config"
	"github.com/Sumatoshi-tech/tabrecon/pkg/export"
	"github.com/Sumatoshi-tech/tabrecon/pkg/runerr"
)

// Exit codes per the CLI contract.
const (
	ExitOK         = 0
	ExitGeneric    = 1
	ExitConfig     = 2
	ExitIO         = 3
	ExitRunFailure = 4
)

const dataDirPerm = 0o750

// ErrRunFailed marks a run that ended in the error status.
var ErrRunFailed = errors.New("run failed")

// GlobalFlags are the persistent flags shared by every subcommand. Explicit
// flags override the config file and environment.
type GlobalFlags struct {
	ConfigPath      string
	DataDir         string
	Workers         int
	MaxRowsPerChunk int64
	SampleThreshold int64
	MaxCombinations int
	RetentionDays   int
}

// Register adds the persistent flags to the root command.
func (g *GlobalFlags) Register(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&g.ConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&g.DataDir, "data-dir", "", "data directory for store, exports, cache")
	cmd.PersistentFlags().IntVar(&g.Workers, "workers", 0, "concurrent run workers")
	cmd.PersistentFlags().Int64Var(&g.MaxRowsPerChunk, "max-rows-per-chunk", 0, "rows per export chunk")
	cmd.PersistentFlags().Int64Var(&g.SampleThreshold, "sample-threshold", 0, "row estimate above which analysis samples")
	cmd.PersistentFlags().IntVar(&g.MaxCombinations, "max-combinations", 0, "cap on discovered combinations per run")
	cmd.PersistentFlags().IntVar(&g.RetentionDays, "retention-days", 0, "days to keep terminal runs")
}

// Load reads the config file and applies flag overrides.
func (g *GlobalFlags) Load() (*config.Config, error) {
	cfg, loadErr := config.Load(g.ConfigPath)
	if loadErr != nil {
		return nil, loadErr
	}

	if g.DataDir != "" {
		cfg.Data.Dir = g.DataDir
	}

	if g.Workers > 0 {
		cfg.Runner.Workers = g.Workers
	}

	if g.MaxRowsPerChunk > 0 {
		cfg.Export.MaxRowsPerChunk = g.MaxRowsPerChunk
	}

	if g.SampleThreshold > 0 {
		cfg.Runner.SampleThreshold = g.SampleThreshold
	}

	if g.MaxCombinations > 0 {
		cfg.Runner.MaxCombinations = g.MaxCombinations
	}

	if g.RetentionDays > 0 {
		cfg.Data.RetentionDays = g.RetentionDays
	}

	return cfg, nil
}

// runnerConfig maps the loaded configuration onto the job runner's knobs.
func runnerConfig(cfg *config.Config) jobs.Config {
	return jobs.Config{
		DataDir:          cfg.Data.Dir,
		Workers:          cfg.Runner.Workers,
		SampleThreshold:  cfg.Runner.SampleThreshold,
		MaxCombinations:  cfg.Runner.MaxCombinations,
		MaxAutoReconcile: cfg.Runner.MaxAutoReconcile,
		MemoryCapBytes:   cfg.Runner.MemoryCapMB << 20,
		TempBudgetBytes:  cfg.Runner.TempBudgetMB << 20,
		ExportConfig: export.Config{
			MaxRowsPerChunk: cfg.Export.MaxRowsPerChunk,
			MaxChunkBytes:   cfg.Export.MaxChunkBytes,
		},
		Retention: time.Duration(cfg.Data.RetentionDays) * 24 * time.Hour,
	}
}

// openRunner prepares the data directory, opens the store, and builds the
// runner. The caller owns Stop on the runner and Close on the store.
func openRunner(cfg *config.Config, log *slog.Logger) (*jobs.Runner, *store.Store, error) {
	mkdirErr := os.MkdirAll(cfg.Data.Dir, dataDirPerm)
	if mkdirErr != nil {
		return nil, nil, fmt.Errorf("create data dir: %w", mkdirErr)
	}

	jobsCfg := runnerConfig(cfg)

	st, openErr := store.Open(jobsCfg.StorePath())
	if openErr != nil {
		return nil, nil, openErr
	}

	cache := compcache.New(jobsCfg.CacheDir(), jobsCfg.SampleCap)

	return jobs.New(st, cache, jobsCfg, log), st, nil
}

// ExitCode maps an error onto the documented exit codes.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case isConfigError(err):
		return ExitConfig
	case errors.Is(err, runerr.ErrFileNotFound),
		errors.Is(err, runerr.ErrUnreadable),
		errors.Is(err, os.ErrNotExist),
		errors.Is(err, os.ErrPermission):
		return ExitIO
	case errors.Is(err, ErrRunFailed):
		return ExitRunFailure
	default:
		return ExitGeneric
	}
}

func isConfigError(err error) bool {
	for _, sentinel := range []error{
		config.ErrInvalidPort,
		config.ErrInvalidWorkers,
		config.ErrInvalidRetention,
		config.ErrInvalidChunkRows,
		config.ErrInvalidSampleThreshold,
		config.ErrInvalidDataDir,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}

	return false
}
