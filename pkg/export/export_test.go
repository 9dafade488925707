package export

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testHeaders = map[Category][]string{
	CategoryMatched: {"id", "name"},
	CategoryOnlyA:   {"id", "name"},
	CategoryOnlyB:   {"id", "name"},
}

func newTestWriter(t *testing.T, baseDir string, cfg Config, onChange Transition) *Writer {
	t.Helper()

	w, err := NewWriter(baseDir, 7, []string{"id"}, "abcd1234", testHeaders, cfg, onChange)
	require.NoError(t, err)

	return w
}

func TestWriterChunkRolling(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	w := newTestWriter(t, base, Config{MaxRowsPerChunk: 10}, nil)

	for i := range 25 {
		require.NoError(t, w.Append(CategoryMatched, []string{fmt.Sprintf("%d", i), "n"}))
	}

	manifest, closeErr := w.Close()
	require.NoError(t, closeErr)

	assert.True(t, manifest.Completed)
	assert.Equal(t, int64(25), manifest.Counts[CategoryMatched])

	// 25 rows at 10 per chunk: indices 1, 2, 3.
	chunks := completedChunks(manifest, CategoryMatched)
	require.Len(t, chunks, 3)
	assert.Equal(t, 1, chunks[0].Index)
	assert.Equal(t, 3, chunks[2].Index)
	assert.Equal(t, int64(10), chunks[0].Rows)
	assert.Equal(t, int64(5), chunks[2].Rows)

	for _, chunk := range chunks {
		_, statErr := os.Stat(chunk.Path)
		assert.NoError(t, statErr)
	}
}

func TestWriterFileNames(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "matched_chunk_0001.csv", ChunkFileName(CategoryMatched, 1))
	assert.Equal(t, "only_a_chunk_0042.csv", ChunkFileName(CategoryOnlyA, 42))

	dir := DirFor("/data/exports", 12, "deadbeef")
	assert.Equal(t, filepath.Join("/data/exports", "run_12", "comparison_deadbeef"), dir)
}

func TestWriterTransitions(t *testing.T) {
	t.Parallel()

	var transitions []ChunkStatus

	w := newTestWriter(t, t.TempDir(), Config{MaxRowsPerChunk: 2}, func(meta ChunkMeta) error {
		transitions = append(transitions, meta.Status)

		return nil
	})

	for i := range 3 {
		require.NoError(t, w.Append(CategoryOnlyB, []string{fmt.Sprintf("%d", i), "n"}))
	}

	_, closeErr := w.Close()
	require.NoError(t, closeErr)

	// Chunk 1: writing, completed. Chunk 2: writing, completed.
	assert.Equal(t, []ChunkStatus{StatusWriting, StatusCompleted, StatusWriting, StatusCompleted}, transitions)
}

func TestWriterEmptyCategories(t *testing.T) {
	t.Parallel()

	w := newTestWriter(t, t.TempDir(), Config{}, nil)

	require.NoError(t, w.Append(CategoryMatched, []string{"1", "a"}))

	manifest, closeErr := w.Close()
	require.NoError(t, closeErr)

	// Categories with no rows produce no chunks at all.
	assert.Empty(t, completedChunks(manifest, CategoryOnlyA))
	assert.Empty(t, completedChunks(manifest, CategoryOnlyB))
	assert.Equal(t, int64(0), manifest.Counts[CategoryOnlyA])
}

func TestWriterRegeneration(t *testing.T) {
	t.Parallel()

	base := t.TempDir()

	t.Run("completed_export_is_immutable", func(t *testing.T) {
		w := newTestWriter(t, base, Config{}, nil)
		require.NoError(t, w.Append(CategoryMatched, []string{"1", "a"}))

		_, closeErr := w.Close()
		require.NoError(t, closeErr)

		_, againErr := NewWriter(base, 7, []string{"id"}, "abcd1234", testHeaders, Config{}, nil)
		assert.ErrorIs(t, againErr, ErrPriorCompleted)
	})

	t.Run("incomplete_attempt_is_replaced", func(t *testing.T) {
		inner := t.TempDir()

		first := newTestWriter(t, inner, Config{}, nil)
		require.NoError(t, first.Append(CategoryMatched, []string{"1", "a"}))
		// No Close: the attempt is abandoned mid-write.

		second := newTestWriter(t, inner, Config{}, nil)
		require.NoError(t, second.Append(CategoryMatched, []string{"2", "b"}))

		manifest, closeErr := second.Close()
		require.NoError(t, closeErr)

		assert.Equal(t, int64(1), manifest.Counts[CategoryMatched])
	})
}

func TestWriterAbort(t *testing.T) {
	t.Parallel()

	w := newTestWriter(t, t.TempDir(), Config{MaxRowsPerChunk: 2}, nil)

	// First chunk completes, second is aborted mid-write.
	for i := range 3 {
		require.NoError(t, w.Append(CategoryMatched, []string{fmt.Sprintf("%d", i), "n"}))
	}

	require.NoError(t, w.Abort(CategoryMatched))

	manifest, closeErr := w.Close()
	require.NoError(t, closeErr)

	assert.False(t, manifest.Completed)
	assert.Equal(t, int64(2), manifest.Counts[CategoryMatched])
	require.Len(t, completedChunks(manifest, CategoryMatched), 1)
}

func TestReadRangeAfterAbort(t *testing.T) {
	t.Parallel()

	w := newTestWriter(t, t.TempDir(), Config{MaxRowsPerChunk: 2}, nil)

	for i := range 3 {
		require.NoError(t, w.Append(CategoryMatched, []string{fmt.Sprintf("%d", i), "n"}))
	}

	// No Close: the attempt dies with a completed first chunk and an aborted
	// second one. The completed chunk must stay readable.
	require.NoError(t, w.AbortAll())

	page, readErr := ReadRange(w.Dir(), CategoryMatched, 0, 10)
	require.NoError(t, readErr)

	assert.Equal(t, int64(2), page.Total)
	require.Len(t, page.Records, 2)
	assert.Equal(t, []string{"0", "n"}, page.Records[0])
	assert.Equal(t, []string{"1", "n"}, page.Records[1])

	manifest, loadErr := LoadManifest(w.Dir())
	require.NoError(t, loadErr)
	assert.False(t, manifest.Completed)
}

func TestReadRange(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	w := newTestWriter(t, base, Config{MaxRowsPerChunk: 10}, nil)

	for i := range 35 {
		require.NoError(t, w.Append(CategoryMatched, []string{fmt.Sprintf("%d", i), fmt.Sprintf("name-%d", i)}))
	}

	_, closeErr := w.Close()
	require.NoError(t, closeErr)

	t.Run("window_spans_chunks", func(t *testing.T) {
		t.Parallel()

		page, err := ReadRange(w.Dir(), CategoryMatched, 8, 5)
		require.NoError(t, err)

		assert.Equal(t, int64(35), page.Total)
		assert.Equal(t, []string{"id", "name"}, page.Header)
		require.Len(t, page.Records, 5)
		assert.Equal(t, "8", page.Records[0][0])
		assert.Equal(t, "12", page.Records[4][0])
	})

	t.Run("window_past_end", func(t *testing.T) {
		t.Parallel()

		page, err := ReadRange(w.Dir(), CategoryMatched, 33, 10)
		require.NoError(t, err)

		require.Len(t, page.Records, 2)
		assert.Equal(t, "34", page.Records[1][0])
	})

	t.Run("offset_beyond_total", func(t *testing.T) {
		t.Parallel()

		page, err := ReadRange(w.Dir(), CategoryMatched, 1_000, 10)
		require.NoError(t, err)

		assert.Empty(t, page.Records)
		assert.Equal(t, int64(35), page.Total)
	})
}
