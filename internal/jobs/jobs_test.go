package jobs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/tabrecon/internal/store"
	"github.com/Sumatoshi-tech/tabrecon/pkg/compcache"
	"github.com/Sumatoshi-tech/tabrecon/pkg/export"
	"github.com/Sumatoshi-tech/tabrecon/pkg/keycodec"
	"github.com/Sumatoshi-tech/tabrecon/pkg/runerr"
	"github.com/Sumatoshi-tech/tabrecon/pkg/tabfile"
)

func writeCSV(t *testing.T, dir, name string, lines ...string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600))

	return path
}

func newTestRunner(t *testing.T, workers int) *Runner {
	t.Helper()

	dataDir := t.TempDir()

	st, openErr := store.Open(filepath.Join(dataDir, "store.db"))
	require.NoError(t, openErr)

	t.Cleanup(func() { _ = st.Close() })

	cfg := Config{DataDir: dataDir, Workers: workers}
	cache := compcache.New(cfg.CacheDir(), 0)

	runner := New(st, cache, cfg, nil)
	runner.Start(context.Background())
	t.Cleanup(runner.Stop)

	return runner
}

func waitTerminal(t *testing.T, runner *Runner, runID int64) store.Run {
	t.Helper()

	deadline := time.Now().Add(30 * time.Second)

	for time.Now().Before(deadline) {
		run, getErr := runner.Store().GetRun(runID)
		require.NoError(t, getErr)

		switch run.Status {
		case store.StatusCompleted, store.StatusError, store.StatusCancelled:
			return run
		}

		time.Sleep(20 * time.Millisecond)
	}

	t.Fatalf("run %d never reached a terminal status", runID)

	return store.Run{}
}

func submitPair(t *testing.T, runner *Runner, dir string) int64 {
	t.Helper()

	fileA := writeCSV(t, dir, "a.csv",
		"id,name", "1,a", "2,b", "3,c")
	fileB := writeCSV(t, dir, "b.csv",
		"id,name", "2,b", "3,c", "4,d")

	runID, submitErr := runner.Submit(store.RunParams{
		FileA:      fileA,
		FileB:      fileB,
		NumColumns: 1,
	})
	require.NoError(t, submitErr)

	return runID
}

func TestRunEndToEnd(t *testing.T) {
	t.Parallel()

	runner := newTestRunner(t, 1)
	runID := submitPair(t, runner, t.TempDir())

	run := waitTerminal(t, runner, runID)

	require.Equal(t, store.StatusCompleted, run.Status, "error: %s", run.ErrorMessage)
	assert.Equal(t, 100, run.Progress)
	assert.NotEmpty(t, run.StartedAt)
	assert.NotEmpty(t, run.CompletedAt)

	// Every stage completed.
	stages, stagesErr := runner.Store().GetStages(runID)
	require.NoError(t, stagesErr)

	for _, stage := range stages {
		assert.Equal(t, store.StageCompleted, stage.Status, "stage %s", stage.Name)
	}

	// id is a unique key on both sides.
	resultsA, _, listErr := runner.Store().ListAnalysisResults(runID, store.SideA, 1, 10)
	require.NoError(t, listErr)
	require.NotEmpty(t, resultsA)

	assert.Equal(t, "id", resultsA[0].Combination)
	assert.True(t, resultsA[0].IsUniqueKey)

	// The best combination was reconciled and cached.
	combo := keycodec.Combination{"id"}

	summary, summaryErr := runner.Store().GetSummary(runID, combo.Hash())
	require.NoError(t, summaryErr)

	assert.Equal(t, int64(2), summary.Matched)
	assert.Equal(t, int64(1), summary.OnlyA)
	assert.Equal(t, int64(1), summary.OnlyB)

	entry, cacheErr := runner.Cache().Get(runID, combo.Hash())
	require.NoError(t, cacheErr)
	assert.Equal(t, []string{"1"}, entry.Samples[export.CategoryOnlyA])

	// Export chunks are completed and indexed.
	chunks, chunksErr := runner.Store().ListChunks(runID, combo.Hash())
	require.NoError(t, chunksErr)
	require.NotEmpty(t, chunks)

	for _, chunk := range chunks {
		assert.Equal(t, export.StatusCompleted, chunk.Status)
	}
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()

	runner := newTestRunner(t, 1)

	t.Run("missing_file", func(t *testing.T) {
		_, err := runner.Submit(store.RunParams{
			FileA: "/no/such/file.csv", FileB: "/no/such/other.csv", NumColumns: 1,
		})
		assert.ErrorIs(t, err, runerr.ErrFileNotFound)
	})

	t.Run("bad_num_columns", func(t *testing.T) {
		_, err := runner.Submit(store.RunParams{FileA: "x", FileB: "y", NumColumns: 0})
		assert.ErrorIs(t, err, runerr.ErrParameter)
	})
}

func TestRunFailsOnTooManyColumns(t *testing.T) {
	t.Parallel()

	runner := newTestRunner(t, 1)
	dir := t.TempDir()

	fileA := writeCSV(t, dir, "a.csv", "id,name", "1,a")
	fileB := writeCSV(t, dir, "b.csv", "id,name", "1,a")

	runID, submitErr := runner.Submit(store.RunParams{
		FileA: fileA, FileB: fileB, NumColumns: 5,
	})
	require.NoError(t, submitErr)

	run := waitTerminal(t, runner, runID)

	assert.Equal(t, store.StatusError, run.Status)
	assert.Contains(t, run.ErrorMessage, "num_columns")
}

func TestRunFailsOnSchemaMismatch(t *testing.T) {
	t.Parallel()

	runner := newTestRunner(t, 1)
	dir := t.TempDir()

	fileA := writeCSV(t, dir, "a.csv", "id,name", "1,a")
	fileB := writeCSV(t, dir, "b.csv", "code,label", "1,a")

	runID, submitErr := runner.Submit(store.RunParams{
		FileA: fileA, FileB: fileB, NumColumns: 1,
	})
	require.NoError(t, submitErr)

	run := waitTerminal(t, runner, runID)

	assert.Equal(t, store.StatusError, run.Status)
	assert.Contains(t, run.ErrorMessage, "no common columns")
}

func TestRunFailsOnPartialSchemaOverlap(t *testing.T) {
	t.Parallel()

	runner := newTestRunner(t, 1)
	dir := t.TempDir()

	// Overlapping but unequal column sets: not schema-equivalent.
	fileA := writeCSV(t, dir, "a.csv", "id,name,age", "1,a,30")
	fileB := writeCSV(t, dir, "b.csv", "id,name", "1,a")

	runID, submitErr := runner.Submit(store.RunParams{
		FileA: fileA, FileB: fileB, NumColumns: 1,
	})
	require.NoError(t, submitErr)

	run := waitTerminal(t, runner, runID)

	assert.Equal(t, store.StatusError, run.Status)
	assert.Contains(t, run.ErrorMessage, "column set")
}

// blockingQuality parks the quality stage until released, or until the run is
// cancelled.
type blockingQuality struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingQuality) Check(ctx context.Context, _, _ *tabfile.Profile) (string, error) {
	close(b.entered)

	select {
	case <-b.release:
		return "ok", nil
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %v", runerr.ErrCancelled, ctx.Err())
	}
}

func TestCancelRunningRun(t *testing.T) {
	t.Parallel()

	runner := newTestRunner(t, 1)

	blocker := &blockingQuality{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	runner.SetQualityChecker(blocker)

	dir := t.TempDir()
	fileA := writeCSV(t, dir, "a.csv", "id", "1", "2")
	fileB := writeCSV(t, dir, "b.csv", "id", "2", "3")

	runID, submitErr := runner.Submit(store.RunParams{
		FileA: fileA, FileB: fileB, NumColumns: 1, QualityCheck: true,
	})
	require.NoError(t, submitErr)

	<-blocker.entered
	require.NoError(t, runner.Cancel(runID))

	run := waitTerminal(t, runner, runID)
	assert.Equal(t, store.StatusCancelled, run.Status)

	stages, stagesErr := runner.Store().GetStages(runID)
	require.NoError(t, stagesErr)

	// Completed stages stay completed, the interrupted one is cancelled, and
	// downstream stages remain pending.
	assert.Equal(t, store.StageCompleted, stages[0].Status)
	assert.Equal(t, store.StageCancelled, stages[1].Status)
	assert.Equal(t, store.StagePending, stages[2].Status)

	// No chunk of this run is marked completed.
	chunks, chunksErr := runner.Store().ListChunks(runID, keycodec.Combination{"id"}.Hash())
	require.NoError(t, chunksErr)

	for _, chunk := range chunks {
		assert.NotEqual(t, export.StatusCompleted, chunk.Status)
	}
}

func TestCancelQueuedRun(t *testing.T) {
	t.Parallel()

	runner := newTestRunner(t, 1)

	blocker := &blockingQuality{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	runner.SetQualityChecker(blocker)

	dir := t.TempDir()
	fileA := writeCSV(t, dir, "a.csv", "id", "1")
	fileB := writeCSV(t, dir, "b.csv", "id", "1")

	// First run occupies the single worker.
	first, firstErr := runner.Submit(store.RunParams{
		FileA: fileA, FileB: fileB, NumColumns: 1, QualityCheck: true,
	})
	require.NoError(t, firstErr)

	<-blocker.entered

	// Second run sits in the queue; cancelling it never enters running.
	second, secondErr := runner.Submit(store.RunParams{
		FileA: fileA, FileB: fileB, NumColumns: 1,
	})
	require.NoError(t, secondErr)

	require.NoError(t, runner.Cancel(second))

	run, getErr := runner.Store().GetRun(second)
	require.NoError(t, getErr)
	assert.Equal(t, store.StatusCancelled, run.Status)
	assert.Empty(t, run.StartedAt)

	close(blocker.release)

	firstRun := waitTerminal(t, runner, first)
	assert.Equal(t, store.StatusCompleted, firstRun.Status)
}

func TestTwoRunsIndependent(t *testing.T) {
	t.Parallel()

	runner := newTestRunner(t, 2)

	runA := submitPair(t, runner, t.TempDir())
	runB := submitPair(t, runner, t.TempDir())

	first := waitTerminal(t, runner, runA)
	second := waitTerminal(t, runner, runB)

	assert.Equal(t, store.StatusCompleted, first.Status)
	assert.Equal(t, store.StatusCompleted, second.Status)

	// Export directories are disjoint per run.
	hash := keycodec.Combination{"id"}.Hash()
	dirA := export.DirFor(runner.Config().ExportsDir(), runA, hash)
	dirB := export.DirFor(runner.Config().ExportsDir(), runB, hash)

	assert.NotEqual(t, dirA, dirB)

	_, statAErr := os.Stat(dirA)
	assert.NoError(t, statAErr)
	_, statBErr := os.Stat(dirB)
	assert.NoError(t, statBErr)
}

func TestGenerateComparisonIdempotent(t *testing.T) {
	t.Parallel()

	runner := newTestRunner(t, 1)
	runID := submitPair(t, runner, t.TempDir())
	waitTerminal(t, runner, runID)

	combo := keycodec.Combination{"name"}

	first, firstErr := runner.GenerateComparison(context.Background(), runID, combo)
	require.NoError(t, firstErr)

	exportDir := export.DirFor(runner.Config().ExportsDir(), runID, combo.Hash())

	manifest, manifestErr := export.LoadManifest(exportDir)
	require.NoError(t, manifestErr)

	// Re-generating a completed comparison changes no output bytes.
	second, secondErr := runner.GenerateComparison(context.Background(), runID, combo)
	require.NoError(t, secondErr)

	again, againErr := export.LoadManifest(exportDir)
	require.NoError(t, againErr)

	assert.Equal(t, first.Matched, second.Matched)
	assert.Equal(t, manifest.GeneratedAt, again.GeneratedAt)
}

func TestSweepRemovesExpiredRuns(t *testing.T) {
	t.Parallel()

	runner := newTestRunner(t, 1)
	runID := submitPair(t, runner, t.TempDir())
	waitTerminal(t, runner, runID)

	// Nothing expires inside the retention window.
	removed, sweepErr := runner.Sweep()
	require.NoError(t, sweepErr)
	assert.Equal(t, 0, removed)
}
