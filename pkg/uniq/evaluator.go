package uniq

import (
	"github.com/Sumatoshi-tech/tabrecon/pkg/keycodec"
)

// SampleEvaluator scores candidate combinations against an in-memory sample.
// Key discovery probes many candidates cheaply through it before the full
// analyzer runs on the survivors.
type SampleEvaluator struct {
	header []string
	rows   [][]string
	tested int
}

// NewSampleEvaluator creates an evaluator over the given sample rows.
func NewSampleEvaluator(header []string, rows [][]string) *SampleEvaluator {
	return &SampleEvaluator{header: header, rows: rows}
}

// Uniqueness returns the distinct-key ratio in [0, 1] of each combination on
// the sample. Exact counting; the sample is bounded by construction.
func (e *SampleEvaluator) Uniqueness(combos []keycodec.Combination) ([]float64, error) {
	ratios := make([]float64, len(combos))

	for i, combo := range combos {
		idx, err := combo.Indices(e.header)
		if err != nil {
			return nil, err
		}

		seen := make(map[string]struct{}, len(e.rows))

		for _, row := range e.rows {
			seen[keycodec.Project(row, idx)] = struct{}{}
		}

		if len(e.rows) > 0 {
			ratios[i] = float64(len(seen)) / float64(len(e.rows))
		}

		e.tested++
	}

	return ratios, nil
}

// Tested reports how many combinations have been evaluated so far. Key
// discovery uses it to enforce its candidate budget.
func (e *SampleEvaluator) Tested() int {
	return e.tested
}
