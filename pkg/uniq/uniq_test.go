package uniq

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/tabrecon/pkg/keycodec"
	"github.com/Sumatoshi-tech/tabrecon/pkg/runerr"
	"github.com/Sumatoshi-tech/tabrecon/pkg/tabfile"
)

func analyze(
	t *testing.T,
	cfg Config,
	header []string,
	rows [][]string,
	combos []keycodec.Combination,
	opts Options,
) []Result {
	t.Helper()

	if cfg.TempDir == "" {
		cfg.TempDir = t.TempDir()
	}

	results, err := New(cfg).Analyze(context.Background(), tabfile.NewSliceReader(header, rows), combos, opts)
	require.NoError(t, err)

	return results
}

func TestAnalyzeDuplicates(t *testing.T) {
	t.Parallel()

	// Ten rows of (dept, role) with three copies of ("eng", "ic").
	header := []string{"dept", "role"}
	rows := [][]string{
		{"eng", "ic"}, {"eng", "ic"}, {"eng", "ic"},
		{"eng", "mgr"}, {"sales", "ic"}, {"sales", "mgr"},
		{"hr", "ic"}, {"hr", "mgr"}, {"ops", "ic"}, {"ops", "mgr"},
	}

	results := analyze(t, Config{}, header, rows, []keycodec.Combination{{"dept", "role"}}, Options{})
	require.Len(t, results, 1)

	res := results[0]
	assert.Equal(t, int64(10), res.TotalRows)
	assert.Equal(t, int64(8), res.UniqueRows)
	assert.Equal(t, int64(2), res.DuplicateRows)
	assert.Equal(t, int64(3), res.DuplicateCount)
	assert.InDelta(t, 80.0, res.UniquenessScore, 1e-9)
	assert.False(t, res.IsUniqueKey)
}

func TestAnalyzeUniqueKey(t *testing.T) {
	t.Parallel()

	header := []string{"id", "name"}
	rows := [][]string{{"1", "a"}, {"2", "b"}, {"3", "c"}}

	results := analyze(t, Config{}, header, rows, []keycodec.Combination{{"id"}}, Options{})
	require.Len(t, results, 1)

	assert.True(t, results[0].IsUniqueKey)
	assert.InDelta(t, 100.0, results[0].UniquenessScore, 1e-9)
	assert.Equal(t, int64(0), results[0].DuplicateCount)
}

func TestAnalyzeInvariant(t *testing.T) {
	t.Parallel()

	header := []string{"k"}

	var rows [][]string
	for i := range 500 {
		rows = append(rows, []string{fmt.Sprintf("%d", i%77)})
	}

	results := analyze(t, Config{}, header, rows, []keycodec.Combination{{"k"}}, Options{})

	res := results[0]
	assert.Equal(t, res.TotalRows, res.UniqueRows+res.DuplicateRows)
}

func TestAnalyzeMultipleCombinationsOnePass(t *testing.T) {
	t.Parallel()

	header := []string{"a", "b"}
	rows := [][]string{{"1", "x"}, {"2", "x"}, {"3", "y"}}

	combos := []keycodec.Combination{{"a"}, {"b"}, {"a", "b"}}

	results := analyze(t, Config{}, header, rows, combos, Options{})
	require.Len(t, results, 3)

	assert.Equal(t, int64(3), results[0].UniqueRows) // a is unique.
	assert.Equal(t, int64(2), results[1].UniqueRows) // b has x twice.
	assert.Equal(t, int64(3), results[2].UniqueRows)
}

func TestAnalyzeSampled(t *testing.T) {
	t.Parallel()

	header := []string{"id"}
	rows := [][]string{{"1"}, {"2"}, {"3"}}

	t.Run("sample_smaller_than_file", func(t *testing.T) {
		t.Parallel()

		results := analyze(t, Config{}, header, rows, []keycodec.Combination{{"id"}},
			Options{Sampled: true, FullRowCount: 100})

		assert.True(t, results[0].IsSampled)
		assert.False(t, results[0].IsUniqueKey)
		assert.Equal(t, int64(3), results[0].SampleSize)
	})

	t.Run("sample_covers_whole_file", func(t *testing.T) {
		t.Parallel()

		results := analyze(t, Config{}, header, rows, []keycodec.Combination{{"id"}},
			Options{Sampled: true, FullRowCount: 3})

		assert.False(t, results[0].IsSampled)
		assert.True(t, results[0].IsUniqueKey)
	})
}

func TestAnalyzeNullKeys(t *testing.T) {
	t.Parallel()

	header := []string{"a", "b"}
	rows := [][]string{{"", ""}, {"", ""}, {"1", "x"}}

	results := analyze(t, Config{}, header, rows, []keycodec.Combination{{"a", "b"}}, Options{})

	// Both all-null rows collapse onto the null key.
	assert.Equal(t, int64(2), results[0].UniqueRows)
	assert.Equal(t, int64(2), results[0].DuplicateCount)
}

func TestAnalyzeExternalModeMatchesInMemory(t *testing.T) {
	t.Parallel()

	header := []string{"k"}

	var rows [][]string
	for i := range 5_000 {
		rows = append(rows, []string{fmt.Sprintf("key-%d", i%1_234)})
	}

	combos := []keycodec.Combination{{"k"}}

	inMemory := analyze(t, Config{}, header, rows, combos, Options{})

	// A tiny cap forces repeated spills.
	external := analyze(t, Config{MemoryCapBytes: 1024}, header, rows, combos, Options{})

	assert.Equal(t, inMemory, external)
}

func TestAnalyzeCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var rows [][]string
	for i := range 10_000 {
		rows = append(rows, []string{fmt.Sprintf("%d", i)})
	}

	_, err := New(Config{TempDir: t.TempDir()}).Analyze(ctx,
		tabfile.NewSliceReader([]string{"k"}, rows),
		[]keycodec.Combination{{"k"}}, Options{})

	assert.ErrorIs(t, err, runerr.ErrCancelled)
}

func TestAnalyzeUnknownColumn(t *testing.T) {
	t.Parallel()

	_, err := New(Config{TempDir: t.TempDir()}).Analyze(context.Background(),
		tabfile.NewSliceReader([]string{"a"}, nil),
		[]keycodec.Combination{{"nope"}}, Options{})

	assert.ErrorIs(t, err, runerr.ErrUnknownColumn)
}

func TestSampleEvaluator(t *testing.T) {
	t.Parallel()

	header := []string{"a", "b"}
	rows := [][]string{{"1", "x"}, {"2", "x"}, {"3", "x"}}

	eval := NewSampleEvaluator(header, rows)

	ratios, err := eval.Uniqueness([]keycodec.Combination{{"a"}, {"b"}})
	require.NoError(t, err)

	assert.InDelta(t, 1.0, ratios[0], 1e-9)
	assert.InDelta(t, 1.0/3.0, ratios[1], 1e-9)
	assert.Equal(t, 2, eval.Tested())
}
