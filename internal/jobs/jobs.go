// Package jobs drives runs through their ordered stages on a bounded worker
// pool. Submission persists a queued run plus its pending stages and returns
// immediately; workers pick runs up, execute the pipeline, and record every
// state change in the store so the gateway can poll without ever waiting on
// a job. Cancellation is cooperative: a flag flip that the current stage
// observes at its next checkpoint.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Sumatoshi-tech/tabrecon/internal/store"
	"github.com/Sumatoshi-tech/tabrecon/pkg/compcache"
	"github.com/Sumatoshi-tech/tabrecon/pkg/export"
	"github.com/Sumatoshi-tech/tabrecon/pkg/runerr"
)

// Defaults for the runner's resource model.
const (
	DefaultWorkers          = 2
	DefaultSampleThreshold  = 50_000
	DefaultMaxAutoReconcile = 3
	DefaultQueueDepth       = 256

	DefaultReadTimeout      = 30 * time.Minute
	DefaultAnalyzeTimeout   = 30 * time.Minute
	DefaultReconcileTimeout = 2 * time.Hour

	maxRetries     = 3
	backoffBase    = time.Second
	backoffCeiling = 30 * time.Second
)

// Hook observes a run reaching a terminal status.
type Hook func(runID int64, status string)

// Config tunes the runner. Zero values take package defaults.
type Config struct {
	// DataDir roots the persisted state layout: exports/, cache/, tmp/.
	DataDir string

	Workers          int
	SampleThreshold  int64
	SampleSeed       int64
	MaxCombinations  int
	MaxAutoReconcile int
	MemoryCapBytes   int64
	TempBudgetBytes  int64
	SampleCap        int
	ExportConfig     export.Config
	Retention        time.Duration

	ReadTimeout      time.Duration
	AnalyzeTimeout   time.Duration
	ReconcileTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}

	if c.SampleThreshold <= 0 {
		c.SampleThreshold = DefaultSampleThreshold
	}

	if c.MaxAutoReconcile <= 0 {
		c.MaxAutoReconcile = DefaultMaxAutoReconcile
	}

	if c.Retention <= 0 {
		c.Retention = compcache.DefaultRetention
	}

	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}

	if c.AnalyzeTimeout <= 0 {
		c.AnalyzeTimeout = DefaultAnalyzeTimeout
	}

	if c.ReconcileTimeout <= 0 {
		c.ReconcileTimeout = DefaultReconcileTimeout
	}

	return c
}

// ExportsDir returns the base directory for export chunks.
func (c Config) ExportsDir() string {
	return filepath.Join(c.DataDir, "exports")
}

// CacheDir returns the comparison cache directory.
func (c Config) CacheDir() string {
	return filepath.Join(c.DataDir, "cache")
}

// TmpDir returns the spill scratch directory.
func (c Config) TmpDir() string {
	return filepath.Join(c.DataDir, "tmp")
}

// StorePath returns the embedded database path.
func (c Config) StorePath() string {
	return filepath.Join(c.DataDir, "store.db")
}

// Runner owns the worker pool and the cancellation registry.
type Runner struct {
	cfg     Config
	store   *store.Store
	cache   *compcache.Cache
	quality QualityChecker
	log     *slog.Logger

	queue chan int64
	wg    sync.WaitGroup
	stop  context.CancelFunc

	mu      sync.Mutex
	cancels map[int64]context.CancelFunc
	hooks   []Hook
}

// New builds a runner. Call Start before submitting.
func New(st *store.Store, cache *compcache.Cache, cfg Config, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}

	return &Runner{
		cfg:     cfg.withDefaults(),
		store:   st,
		cache:   cache,
		quality: NewBasicQuality(),
		log:     log,
		queue:   make(chan int64, DefaultQueueDepth),
		cancels: make(map[int64]context.CancelFunc),
	}
}

// SetQualityChecker replaces the data-quality pre-stage implementation.
func (r *Runner) SetQualityChecker(q QualityChecker) {
	if q != nil {
		r.quality = q
	}
}

// RegisterHook adds a completion observer. Hooks run synchronously after the
// terminal status is durable; they must not block for long.
func (r *Runner) RegisterHook(hook Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.hooks = append(r.hooks, hook)
}

// Start launches the worker pool under ctx.
func (r *Runner) Start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	r.stop = cancel

	for i := range r.cfg.Workers {
		r.wg.Add(1)

		go r.worker(workerCtx, i)
	}
}

// Stop drains the pool: no new runs start, in-flight runs are cancelled
// cooperatively, and Stop returns when every worker has exited.
func (r *Runner) Stop() {
	if r.stop != nil {
		r.stop()
	}

	close(r.queue)
	r.wg.Wait()
}

// Submit validates the parameters, persists a queued run with pending stages,
// and enqueues it. The returned id is usable immediately for status polls.
func (r *Runner) Submit(params store.RunParams) (int64, error) {
	validateErr := validateParams(params)
	if validateErr != nil {
		return 0, validateErr
	}

	runID, createErr := r.store.CreateRun(params)
	if createErr != nil {
		return 0, createErr
	}

	select {
	case r.queue <- runID:
	default:
		// The queue is saturated; fail the submission rather than block the
		// accept path. The run row is removed so no orphan stays queued.
		_ = r.store.DeleteRun(runID)

		return 0, fmt.Errorf("%w: job queue full", runerr.ErrParameter)
	}

	r.log.Info("run submitted", "run_id", runID, "file_a", params.FileA, "file_b", params.FileB)

	return runID, nil
}

// Cancel requests cancellation. A queued run goes straight to cancelled; a
// running run gets its context cancelled and transitions at the next
// checkpoint. Cancelling a terminal run is a no-op.
func (r *Runner) Cancel(runID int64) error {
	flipped, casErr := r.store.CASStatus(runID, store.StatusQueued, store.StatusCancelled)
	if casErr != nil {
		return casErr
	}

	if flipped {
		r.log.Info("queued run cancelled", "run_id", runID)
		r.fireHooks(runID, store.StatusCancelled)

		return nil
	}

	r.mu.Lock()
	cancel, running := r.cancels[runID]
	r.mu.Unlock()

	if running {
		cancel()

		return nil
	}

	// Already terminal, or unknown.
	_, getErr := r.store.GetRun(runID)

	return getErr
}

func validateParams(params store.RunParams) error {
	if params.NumColumns < 1 {
		return fmt.Errorf("%w: num_columns must be >= 1, got %d", runerr.ErrParameter, params.NumColumns)
	}

	for _, path := range []string{params.FileA, params.FileB} {
		_, statErr := os.Stat(path)
		if statErr != nil {
			return fmt.Errorf("%w: %s", runerr.ErrFileNotFound, path)
		}
	}

	return nil
}

func (r *Runner) worker(ctx context.Context, id int) {
	defer r.wg.Done()

	for runID := range r.queue {
		if ctx.Err() != nil {
			return
		}

		r.log.Debug("worker picked run", "worker", id, "run_id", runID)
		r.executeRun(ctx, runID)
	}
}

func (r *Runner) executeRun(ctx context.Context, runID int64) {
	started, casErr := r.store.CASStatus(runID, store.StatusQueued, store.StatusRunning)
	if casErr != nil {
		r.log.Error("run start failed", "run_id", runID, "error", casErr)

		return
	}

	if !started {
		// Cancelled while queued.
		return
	}

	runCtx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	r.cancels[runID] = cancel
	r.mu.Unlock()

	defer func() {
		cancel()

		r.mu.Lock()
		delete(r.cancels, runID)
		r.mu.Unlock()
	}()

	run, getErr := r.store.GetRun(runID)
	if getErr != nil {
		r.log.Error("run load failed", "run_id", runID, "error", getErr)

		return
	}

	p := &pipeline{runner: r, runID: runID, params: run.Params}

	pipeErr := p.run(runCtx)

	final := store.StatusCompleted

	switch {
	case pipeErr == nil:
		_ = r.store.SetProgress(runID, 100, "")
	case errors.Is(pipeErr, runerr.ErrCancelled):
		final = store.StatusCancelled
	default:
		final = store.StatusError
		_ = r.store.SetErrorMessage(runID, pipeErr.Error())
	}

	_, finalErr := r.store.CASStatus(runID, store.StatusRunning, final)
	if finalErr != nil {
		r.log.Error("run finalize failed", "run_id", runID, "error", finalErr)
	}

	r.log.Info("run finished", "run_id", runID, "status", final)
	r.fireHooks(runID, final)
}

func (r *Runner) fireHooks(runID int64, status string) {
	r.mu.Lock()
	hooks := make([]Hook, len(r.hooks))
	copy(hooks, r.hooks)
	r.mu.Unlock()

	for _, hook := range hooks {
		hook(runID, status)
	}
}

// Sweep removes runs whose terminal status predates the retention window,
// together with their export directories and cache entries.
func (r *Runner) Sweep() (int, error) {
	cutoff := time.Now().Add(-r.cfg.Retention)

	expired, listErr := r.store.ListExpiredRuns(cutoff)
	if listErr != nil {
		return 0, listErr
	}

	for _, runID := range expired {
		exportDir := filepath.Join(r.cfg.ExportsDir(), fmt.Sprintf("run_%d", runID))

		removeErr := os.RemoveAll(exportDir)
		if removeErr != nil {
			return 0, fmt.Errorf("remove exports of run %d: %w", runID, removeErr)
		}

		cacheGlob := filepath.Join(r.cfg.CacheDir(), fmt.Sprintf("run_%d_*.json", runID))

		paths, globErr := filepath.Glob(cacheGlob)
		if globErr == nil {
			for _, path := range paths {
				_ = os.Remove(path)
			}
		}

		deleteErr := r.store.DeleteRun(runID)
		if deleteErr != nil {
			return 0, deleteErr
		}

		r.log.Info("run retention-expired", "run_id", runID)
	}

	return len(expired), nil
}
