// Package combin proposes column combinations to test as candidate keys.
//
// Three modes cover the range of inputs: explicit (the caller names the
// combinations), heuristic (enumerate all k-subsets of the pool, ranked by
// column promise), and intelligent (a beam search that grows combinations by
// one column at a time and never enumerates C(n, k)). A saturating binomial
// guard decides when enumeration is off the table; large pools are forced
// into the intelligent mode instead of failing.
//
// Discovery emits bare combinations. Scores travel in a parallel Scored
// slice so no consumer ever receives a (combination, score) pair where a
// combination is expected.
package combin

import (
	"fmt"
	"math"
	"sort"

	"github.com/Sumatoshi-tech/tabrecon/pkg/keycodec"
	"github.com/Sumatoshi-tech/tabrecon/pkg/runerr"
)

// Mode selects the discovery strategy.
type Mode string

// Discovery modes.
const (
	ModeExplicit    Mode = "explicit"
	ModeHeuristic   Mode = "heuristic"
	ModeIntelligent Mode = "intelligent"
)

// Defaults for the discovery limits.
const (
	// DefaultMaxCombinations caps how many combinations one run scores.
	DefaultMaxCombinations = 50

	// DefaultMaxEnumeration is the C(n, k) value above which enumeration is
	// refused and the intelligent mode takes over.
	DefaultMaxEnumeration = 100_000

	// DefaultIntelligentMaxTested bounds candidates probed by the beam search.
	DefaultIntelligentMaxTested = 2000

	// DefaultIntelligentPool is the reduced pool size for the beam search.
	DefaultIntelligentPool = 30

	// DefaultBeamWidth is how many survivors each beam generation keeps.
	DefaultBeamWidth = 10

	// DefaultMaxKeySize is the largest combination the beam search grows to.
	DefaultMaxKeySize = 10

	// IntelligentPoolThreshold is the pool size above which the heuristic
	// mode automatically upgrades to intelligent.
	IntelligentPoolThreshold = 50
)

// Beam search uniqueness thresholds by combination size: a candidate must
// reach the threshold on the sample to survive into the next generation.
const (
	thresholdSize2   = 0.50
	thresholdSize3   = 0.60
	thresholdSize4   = 0.70
	thresholdSize5Up = 0.80

	perfectUniqueness = 1.0
)

// Evaluator scores candidate combinations on sampled data. Implemented by
// uniq.SampleEvaluator.
type Evaluator interface {
	Uniqueness(combos []keycodec.Combination) ([]float64, error)
}

// Limits tunes discovery. Zero values take the package defaults.
type Limits struct {
	MaxCombinations      int
	MaxEnumeration       uint64
	IntelligentMaxTested int
	IntelligentPool      int
	BeamWidth            int
	MaxKeySize           int
}

func (l Limits) withDefaults() Limits {
	if l.MaxCombinations <= 0 {
		l.MaxCombinations = DefaultMaxCombinations
	}

	if l.MaxEnumeration == 0 {
		l.MaxEnumeration = DefaultMaxEnumeration
	}

	if l.IntelligentMaxTested <= 0 {
		l.IntelligentMaxTested = DefaultIntelligentMaxTested
	}

	if l.IntelligentPool <= 0 {
		l.IntelligentPool = DefaultIntelligentPool
	}

	if l.BeamWidth <= 0 {
		l.BeamWidth = DefaultBeamWidth
	}

	if l.MaxKeySize <= 0 {
		l.MaxKeySize = DefaultMaxKeySize
	}

	return l
}

// Request describes one discovery invocation.
type Request struct {
	// Pool is the ordered column pool common to both files.
	Pool []string

	// Promise maps column name to its promise score on the smaller side.
	Promise map[string]float64

	// Mode picks the strategy. Heuristic upgrades itself to Intelligent when
	// the pool or the subset count is too large.
	Mode Mode

	// K is the requested combination size for the heuristic mode.
	K int

	// Pinned combinations are always included, ahead of discovery.
	Pinned []keycodec.Combination

	// Excluded combinations are never emitted.
	Excluded []keycodec.Combination

	// Base, when set, constrains intelligent discovery to supersets of it.
	Base keycodec.Combination

	Limits Limits
}

// Scored pairs a combination with its sample uniqueness for ranking. This is
// a discovery-internal report type; the combination list handed onward is
// always the bare []Combination.
type Scored struct {
	Combination keycodec.Combination
	Uniqueness  float64
	Pinned      bool
}

// Binomial computes C(n, k) with saturating arithmetic: any intermediate
// overflow returns math.MaxUint64 instead of wrapping.
func Binomial(n, k int) uint64 {
	if k < 0 || n < 0 || k > n {
		return 0
	}

	if k > n-k {
		k = n - k
	}

	var result uint64 = 1

	for i := 1; i <= k; i++ {
		factor := uint64(n - k + i)

		if result > math.MaxUint64/factor {
			return math.MaxUint64
		}

		result = result * factor / uint64(i)
	}

	return result
}

// Discover produces the ordered combination list to score, plus the parallel
// scored report. The returned combinations are ordered by descending sample
// uniqueness, then ascending size, then lexicographic column names.
func Discover(req Request, eval Evaluator) ([]keycodec.Combination, []Scored, error) {
	limits := req.Limits.withDefaults()

	if len(req.Pool) == 0 {
		return nil, nil, fmt.Errorf("%w: empty column pool", runerr.ErrParameter)
	}

	mode := req.Mode
	if mode == "" {
		mode = ModeHeuristic
	}

	if mode == ModeHeuristic {
		// The combinatorial guard: refuse enumeration, never fail.
		if len(req.Pool) > IntelligentPoolThreshold || Binomial(len(req.Pool), req.K) > limits.MaxEnumeration {
			mode = ModeIntelligent
		}
	}

	var (
		candidates []keycodec.Combination
		err        error
	)

	switch mode {
	case ModeExplicit:
		candidates = nil // Only pinned combinations are scored.
	case ModeHeuristic:
		candidates, err = heuristicCandidates(req, limits)
	case ModeIntelligent:
		candidates, err = intelligentCandidates(req, limits, eval)
	default:
		return nil, nil, fmt.Errorf("%w: unknown discovery mode %q", runerr.ErrParameter, mode)
	}

	if err != nil {
		return nil, nil, err
	}

	return assemble(req, limits, candidates, eval)
}

// assemble merges pinned and discovered candidates, deduplicates, applies
// exclusions, scores everything once, and orders deterministically.
func assemble(
	req Request,
	limits Limits,
	discovered []keycodec.Combination,
	eval Evaluator,
) ([]keycodec.Combination, []Scored, error) {
	seen := make(map[string]struct{})
	excluded := make(map[string]struct{}, len(req.Excluded))

	for _, combo := range req.Excluded {
		excluded[combo.Hash()] = struct{}{}
	}

	var all []Scored

	appendCombo := func(combo keycodec.Combination, pinned bool) error {
		if _, err := combo.Indices(req.Pool); err != nil {
			if pinned {
				return err
			}

			return nil
		}

		hash := combo.Hash()
		if _, dup := seen[hash]; dup {
			return nil
		}

		if _, skip := excluded[hash]; skip {
			return nil
		}

		seen[hash] = struct{}{}
		all = append(all, Scored{Combination: combo, Pinned: pinned})

		return nil
	}

	for _, combo := range req.Pinned {
		if err := appendCombo(combo, true); err != nil {
			return nil, nil, err
		}
	}

	for _, combo := range discovered {
		if err := appendCombo(combo, false); err != nil {
			return nil, nil, err
		}
	}

	if len(all) > limits.MaxCombinations {
		all = all[:limits.MaxCombinations]
	}

	combos := make([]keycodec.Combination, len(all))
	for i := range all {
		combos[i] = all[i].Combination
	}

	ratios, evalErr := eval.Uniqueness(combos)
	if evalErr != nil {
		return nil, nil, evalErr
	}

	for i := range all {
		all[i].Uniqueness = ratios[i]
	}

	sortScored(all)

	ordered := make([]keycodec.Combination, len(all))
	for i := range all {
		ordered[i] = all[i].Combination
	}

	return ordered, all, nil
}

// heuristicCandidates enumerates all K-subsets of the pool and keeps the ones
// with the highest summed column promise.
func heuristicCandidates(req Request, limits Limits) ([]keycodec.Combination, error) {
	if req.K < 1 || req.K > len(req.Pool) {
		return nil, fmt.Errorf("%w: combination size %d outside pool of %d columns",
			runerr.ErrParameter, req.K, len(req.Pool))
	}

	type ranked struct {
		combo   keycodec.Combination
		promise float64
	}

	var subsets []ranked

	forEachSubset(req.Pool, req.K, func(subset []string) {
		combo := make(keycodec.Combination, len(subset))
		copy(combo, subset)

		subsets = append(subsets, ranked{combo: combo, promise: sumPromise(req.Promise, combo)})
	})

	sort.SliceStable(subsets, func(i, j int) bool {
		return subsets[i].promise > subsets[j].promise
	})

	if len(subsets) > limits.MaxCombinations {
		subsets = subsets[:limits.MaxCombinations]
	}

	combos := make([]keycodec.Combination, len(subsets))
	for i := range subsets {
		combos[i] = subsets[i].combo
	}

	return combos, nil
}

// forEachSubset visits every k-subset of pool in lexicographic index order.
func forEachSubset(pool []string, k int, visit func([]string)) {
	subset := make([]string, 0, k)

	var recurse func(start int)

	recurse = func(start int) {
		if len(subset) == k {
			visit(subset)

			return
		}

		// Not enough columns left to finish the subset.
		if len(pool)-start < k-len(subset) {
			return
		}

		for i := start; i < len(pool); i++ {
			subset = append(subset, pool[i])
			recurse(i + 1)
			subset = subset[:len(subset)-1]
		}
	}

	recurse(0)
}

func sumPromise(promise map[string]float64, combo keycodec.Combination) float64 {
	total := 0.0
	for _, col := range combo {
		total += promise[col]
	}

	return total
}

// sortScored orders by descending uniqueness, ascending size, lexicographic
// canonical names. Deterministic for identical inputs.
func sortScored(all []Scored) {
	sort.SliceStable(all, func(i, j int) bool {
		a, b := all[i], all[j]

		if a.Uniqueness != b.Uniqueness {
			return a.Uniqueness > b.Uniqueness
		}

		if len(a.Combination) != len(b.Combination) {
			return len(a.Combination) < len(b.Combination)
		}

		return a.Combination.Canonical().String() < b.Combination.Canonical().String()
	})
}

// sizeThreshold returns the minimum sample uniqueness a candidate of the
// given size must reach to stay in the beam.
func sizeThreshold(size int) float64 {
	switch {
	case size <= 2:
		return thresholdSize2
	case size == 3:
		return thresholdSize3
	case size == 4:
		return thresholdSize4
	default:
		return thresholdSize5Up
	}
}
