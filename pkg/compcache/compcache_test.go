package compcache

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/tabrecon/pkg/export"
	"github.com/Sumatoshi-tech/tabrecon/pkg/keycodec"
	"github.com/Sumatoshi-tech/tabrecon/pkg/persist"
	"github.com/Sumatoshi-tech/tabrecon/pkg/reconcile"
	"github.com/Sumatoshi-tech/tabrecon/pkg/tabfile"
)

func runReconcile(t *testing.T, runID int64, exportDir string, n int) reconcile.Result {
	t.Helper()

	header := []string{"id", "name"}

	var rowsA, rowsB [][]string
	for i := range n {
		row := []string{fmt.Sprintf("%d", i), fmt.Sprintf("n-%d", i)}
		rowsA = append(rowsA, row)

		if i%2 == 0 {
			rowsB = append(rowsB, row)
		}
	}

	opener := func(rows [][]string) tabfile.Opener {
		return func() (tabfile.RowReader, error) {
			return tabfile.NewSliceReader(header, rows), nil
		}
	}

	result, err := reconcile.New(reconcile.Config{TempDir: t.TempDir()}).Reconcile(
		context.Background(), reconcile.Request{
			RunID:       runID,
			Combination: keycodec.Combination{"id"},
			OpenA:       opener(rowsA),
			OpenB:       opener(rowsB),
			ExportDir:   exportDir,
		})
	require.NoError(t, err)

	return result
}

func TestCachePutGet(t *testing.T) {
	t.Parallel()

	cache := New(t.TempDir(), 0)
	result := runReconcile(t, 3, t.TempDir(), 50)

	require.NoError(t, cache.Put(3, result))

	entry, getErr := cache.Get(3, result.Summary.Hash)
	require.NoError(t, getErr)

	assert.Equal(t, int64(3), entry.RunID)
	assert.Equal(t, result.Summary.Matched, entry.Summary.Matched)
	assert.Equal(t, result.Samples[export.CategoryOnlyA], entry.Samples[export.CategoryOnlyA])
}

func TestCacheSampleCap(t *testing.T) {
	t.Parallel()

	cache := New(t.TempDir(), 5)
	result := runReconcile(t, 1, t.TempDir(), 200)

	require.NoError(t, cache.Put(1, result))

	entry, getErr := cache.Get(1, result.Summary.Hash)
	require.NoError(t, getErr)

	assert.Len(t, entry.Samples[export.CategoryMatched], 5)
	// Counts stay full even when samples are capped.
	assert.Equal(t, int64(100), entry.Summary.Matched)
}

func TestCacheGetMissing(t *testing.T) {
	t.Parallel()

	_, err := New(t.TempDir(), 0).Get(9, "no-such-hash")
	assert.ErrorIs(t, err, persist.ErrNotFound)
}

func TestCacheAvailable(t *testing.T) {
	t.Parallel()

	cache := New(t.TempDir(), 0)

	first := runReconcile(t, 4, t.TempDir(), 20)
	require.NoError(t, cache.Put(4, first))

	other := runReconcile(t, 8, t.TempDir(), 20)
	require.NoError(t, cache.Put(8, other))

	entries, listErr := cache.Available(4)
	require.NoError(t, listErr)

	require.Len(t, entries, 1)
	assert.Equal(t, int64(4), entries[0].RunID)
}

func TestCacheRebuildFromChunks(t *testing.T) {
	t.Parallel()

	cache := New(t.TempDir(), 0)
	exportBase := t.TempDir()

	result := runReconcile(t, 6, exportBase, 60)
	require.NoError(t, cache.Put(6, result))

	direct, getErr := cache.Get(6, result.Summary.Hash)
	require.NoError(t, getErr)

	exportDir := export.DirFor(exportBase, 6, result.Summary.Hash)

	rebuilt, rebuildErr := cache.Rebuild(exportDir, 6)
	require.NoError(t, rebuildErr)

	assert.Equal(t, direct.Summary.Matched, rebuilt.Summary.Matched)
	assert.Equal(t, direct.Summary.OnlyA, rebuilt.Summary.OnlyA)
	assert.Equal(t, direct.Summary.OnlyB, rebuilt.Summary.OnlyB)
	assert.Equal(t, direct.Samples[export.CategoryMatched], rebuilt.Samples[export.CategoryMatched])
	assert.Equal(t, direct.Samples[export.CategoryOnlyA], rebuilt.Samples[export.CategoryOnlyA])
}

func TestCacheSweep(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cache := New(dir, 0)

	result := runReconcile(t, 2, t.TempDir(), 10)
	require.NoError(t, cache.Put(2, result))

	// Fresh entries survive.
	removed, sweepErr := cache.Sweep(time.Hour)
	require.NoError(t, sweepErr)
	assert.Equal(t, 0, removed)

	// Age the entry past the cutoff.
	old := time.Now().Add(-48 * time.Hour)
	path := cache.EntryPath(2, result.Summary.Hash)
	require.NoError(t, os.Chtimes(path, old, old))

	removed, sweepErr = cache.Sweep(time.Hour)
	require.NoError(t, sweepErr)
	assert.Equal(t, 1, removed)

	_, getErr := cache.Get(2, result.Summary.Hash)
	assert.ErrorIs(t, getErr, persist.ErrNotFound)
}
