package combin

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/tabrecon/pkg/keycodec"
	"github.com/Sumatoshi-tech/tabrecon/pkg/runerr"
	"github.com/Sumatoshi-tech/tabrecon/pkg/uniq"
)

func TestBinomial(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		n, k     int
		expected uint64
	}{
		{name: "c_5_2", n: 5, k: 2, expected: 10},
		{name: "c_10_3", n: 10, k: 3, expected: 120},
		{name: "c_n_0", n: 7, k: 0, expected: 1},
		{name: "c_n_n", n: 7, k: 7, expected: 1},
		{name: "k_exceeds_n", n: 3, k: 5, expected: 0},
		{name: "negative_k", n: 3, k: -1, expected: 0},
		{name: "c_300_5", n: 300, k: 5, expected: 19_582_837_560},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.expected, Binomial(tt.n, tt.k))
		})
	}

	t.Run("saturates_instead_of_overflowing", func(t *testing.T) {
		t.Parallel()

		assert.Equal(t, uint64(math.MaxUint64), Binomial(300, 150))
	})
}

// sampleFor builds an evaluator over synthetic rows where column "id" is
// unique, "half" has two rows per value, and "const" is constant.
func sampleFor(n int) (*uniq.SampleEvaluator, []string) {
	header := []string{"id", "half", "const"}

	rows := make([][]string, 0, n)
	for i := range n {
		rows = append(rows, []string{
			fmt.Sprintf("%d", i),
			fmt.Sprintf("%d", i/2),
			"x",
		})
	}

	return uniq.NewSampleEvaluator(header, rows), header
}

func TestDiscoverExplicit(t *testing.T) {
	t.Parallel()

	eval, pool := sampleFor(100)

	combos, scored, err := Discover(Request{
		Pool:   pool,
		Mode:   ModeExplicit,
		Pinned: []keycodec.Combination{{"half"}, {"id"}},
	}, eval)
	require.NoError(t, err)

	require.Len(t, combos, 2)
	// Ordered by descending uniqueness: id (1.0) before half (0.5).
	assert.Equal(t, keycodec.Combination{"id"}, combos[0])
	assert.Equal(t, keycodec.Combination{"half"}, combos[1])
	assert.True(t, scored[0].Pinned)
}

func TestDiscoverHeuristic(t *testing.T) {
	t.Parallel()

	eval, pool := sampleFor(100)

	combos, scored, err := Discover(Request{
		Pool: pool,
		Mode: ModeHeuristic,
		K:    2,
	}, eval)
	require.NoError(t, err)

	// C(3, 2) = 3 subsets.
	require.Len(t, combos, 3)
	require.Len(t, scored, 3)

	// Every combination is a bare tuple over pool columns.
	for _, combo := range combos {
		_, idxErr := combo.Indices(pool)
		assert.NoError(t, idxErr)
		assert.Len(t, combo, 2)
	}

	// Best first: any subset containing id is fully unique on the sample.
	assert.Contains(t, combos[0], "id")
}

func TestDiscoverHeuristicParameterErrors(t *testing.T) {
	t.Parallel()

	eval, pool := sampleFor(10)

	t.Run("k_exceeds_pool", func(t *testing.T) {
		t.Parallel()

		_, _, err := Discover(Request{Pool: pool, Mode: ModeHeuristic, K: 9}, eval)
		assert.ErrorIs(t, err, runerr.ErrParameter)
	})

	t.Run("empty_pool", func(t *testing.T) {
		t.Parallel()

		_, _, err := Discover(Request{Mode: ModeHeuristic, K: 1}, eval)
		assert.ErrorIs(t, err, runerr.ErrParameter)
	})

	t.Run("pinned_unknown_column", func(t *testing.T) {
		t.Parallel()

		_, _, err := Discover(Request{
			Pool:   pool,
			Mode:   ModeExplicit,
			Pinned: []keycodec.Combination{{"ghost"}},
		}, eval)
		assert.ErrorIs(t, err, runerr.ErrUnknownColumn)
	})
}

func TestDiscoverExclusionsAndDedup(t *testing.T) {
	t.Parallel()

	eval, pool := sampleFor(50)

	combos, _, err := Discover(Request{
		Pool: pool,
		Mode: ModeExplicit,
		Pinned: []keycodec.Combination{
			{"id"},
			{"id"}, // Duplicate: dropped.
			{"half", "id"},
		},
		Excluded: []keycodec.Combination{{"id", "half"}}, // Same set, different order.
	}, eval)
	require.NoError(t, err)

	require.Len(t, combos, 1)
	assert.Equal(t, keycodec.Combination{"id"}, combos[0])
}

func TestDiscoverLargePoolForcesIntelligent(t *testing.T) {
	t.Parallel()

	// A 300-column pool: heuristic must not enumerate C(300, 5).
	header := make([]string, 300)
	for i := range header {
		header[i] = fmt.Sprintf("col_%03d", i)
	}

	rows := make([][]string, 200)
	for i := range rows {
		row := make([]string, len(header))
		for j := range row {
			row[j] = fmt.Sprintf("%d", (i*31+j*7)%97)
		}

		// Make the first two columns jointly unique.
		row[0] = fmt.Sprintf("a%d", i/10)
		row[1] = fmt.Sprintf("b%d", i%10)
		rows[i] = row
	}

	eval := uniq.NewSampleEvaluator(header, rows)

	promise := make(map[string]float64, len(header))
	for i, col := range header {
		promise[col] = 1.0 / float64(i+1)
	}

	combos, scored, err := Discover(Request{
		Pool:    header,
		Promise: promise,
		Mode:    ModeHeuristic,
		K:       5,
	}, eval)
	require.NoError(t, err)

	assert.NotEmpty(t, combos)
	assert.LessOrEqual(t, eval.Tested(), DefaultIntelligentMaxTested+DefaultMaxCombinations)
	assert.NotEmpty(t, scored)
}

func TestDiscoverIntelligentBaseSupersets(t *testing.T) {
	t.Parallel()

	eval, pool := sampleFor(100)

	combos, _, err := Discover(Request{
		Pool: pool,
		Mode: ModeIntelligent,
		Base: keycodec.Combination{"half"},
	}, eval)
	require.NoError(t, err)

	for _, combo := range combos {
		assert.True(t, combo.Contains(keycodec.Combination{"half"}),
			"combination %v must contain the base", combo)
	}
}

func TestDiscoverDeterministic(t *testing.T) {
	t.Parallel()

	run := func() []keycodec.Combination {
		eval, pool := sampleFor(60)

		combos, _, err := Discover(Request{Pool: pool, Mode: ModeHeuristic, K: 2}, eval)
		require.NoError(t, err)

		return combos
	}

	assert.Equal(t, run(), run())
}

func TestSizeThreshold(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 0.50, sizeThreshold(2), 1e-9)
	assert.InDelta(t, 0.60, sizeThreshold(3), 1e-9)
	assert.InDelta(t, 0.70, sizeThreshold(4), 1e-9)
	assert.InDelta(t, 0.80, sizeThreshold(5), 1e-9)
	assert.InDelta(t, 0.80, sizeThreshold(9), 1e-9)
}
