package combin

import (
	"sort"

	"github.com/Sumatoshi-tech/tabrecon/pkg/keycodec"
)

// intelligentCandidates runs the beam search: reduce the pool to the most
// promising columns, grow combinations one column at a time, keep the best
// survivors per generation, and stop on a perfect key, the size cap, or the
// tested-candidate budget.
func intelligentCandidates(req Request, limits Limits, eval Evaluator) ([]keycodec.Combination, error) {
	pool := reducePool(req, limits.IntelligentPool)

	search := &beamSearch{
		pool:   pool,
		eval:   eval,
		limits: limits,
		base:   req.Base,
		seen:   make(map[string]struct{}),
	}

	return search.run()
}

// reducePool keeps the top-N columns by promise score, preserving pool order
// among the survivors. Base columns are always retained.
func reducePool(req Request, topN int) []string {
	if len(req.Pool) <= topN {
		return req.Pool
	}

	indexOf := make(map[string]int, len(req.Pool))
	for i, col := range req.Pool {
		indexOf[col] = i
	}

	ranked := make([]string, len(req.Pool))
	copy(ranked, req.Pool)

	sort.SliceStable(ranked, func(i, j int) bool {
		return req.Promise[ranked[i]] > req.Promise[ranked[j]]
	})

	keep := make(map[string]struct{}, topN)
	for _, col := range ranked[:topN] {
		keep[col] = struct{}{}
	}

	for _, col := range req.Base {
		keep[col] = struct{}{}
	}

	reduced := make([]string, 0, len(keep))

	for _, col := range req.Pool {
		if _, ok := keep[col]; ok {
			reduced = append(reduced, col)
		}
	}

	return reduced
}

type beamSearch struct {
	pool   []string
	eval   Evaluator
	limits Limits
	base   keycodec.Combination
	seen   map[string]struct{}
	tested int
	out    []keycodec.Combination
}

type beamEntry struct {
	combo      keycodec.Combination
	uniqueness float64
}

func (s *beamSearch) run() ([]keycodec.Combination, error) {
	beam, err := s.seedGeneration()
	if err != nil {
		return nil, err
	}

	for len(beam) > 0 {
		if s.perfectFound(beam) || s.tested >= s.limits.IntelligentMaxTested {
			break
		}

		if len(beam[0].combo) >= s.limits.MaxKeySize {
			break
		}

		beam, err = s.expandGeneration(beam)
		if err != nil {
			return nil, err
		}
	}

	return s.out, nil
}

// seedGeneration builds the initial candidates: size-2 subsets, or direct
// single-column extensions of the base when one is supplied.
func (s *beamSearch) seedGeneration() ([]beamEntry, error) {
	var candidates []keycodec.Combination

	if len(s.base) > 0 {
		candidates = s.extendAll([]keycodec.Combination{s.base})
	} else {
		forEachSubset(s.pool, 2, func(subset []string) {
			combo := make(keycodec.Combination, len(subset))
			copy(combo, subset)
			candidates = append(candidates, combo)
		})
	}

	return s.scoreAndPrune(candidates)
}

func (s *beamSearch) expandGeneration(beam []beamEntry) ([]beamEntry, error) {
	parents := make([]keycodec.Combination, len(beam))
	for i := range beam {
		parents[i] = beam[i].combo
	}

	return s.scoreAndPrune(s.extendAll(parents))
}

// extendAll produces every one-column extension of the parents, deduplicated
// by combination identity.
func (s *beamSearch) extendAll(parents []keycodec.Combination) []keycodec.Combination {
	var out []keycodec.Combination

	for _, parent := range parents {
		members := make(map[string]struct{}, len(parent))
		for _, col := range parent {
			members[col] = struct{}{}
		}

		for _, col := range s.pool {
			if _, dup := members[col]; dup {
				continue
			}

			child := make(keycodec.Combination, len(parent), len(parent)+1)
			copy(child, parent)
			child = append(child, col)

			hash := child.Hash()
			if _, visited := s.seen[hash]; visited {
				continue
			}

			s.seen[hash] = struct{}{}
			out = append(out, child)
		}
	}

	return out
}

// scoreAndPrune evaluates candidates on the sample, records the ones that
// clear their size threshold, and returns the top beam-width survivors.
func (s *beamSearch) scoreAndPrune(candidates []keycodec.Combination) ([]beamEntry, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	if budget := s.limits.IntelligentMaxTested - s.tested; len(candidates) > budget {
		if budget <= 0 {
			return nil, nil
		}

		candidates = candidates[:budget]
	}

	ratios, err := s.eval.Uniqueness(candidates)
	if err != nil {
		return nil, err
	}

	s.tested += len(candidates)

	var survivors []beamEntry

	for i, combo := range candidates {
		if ratios[i] < sizeThreshold(len(combo)) {
			continue
		}

		survivors = append(survivors, beamEntry{combo: combo, uniqueness: ratios[i]})
		s.out = append(s.out, combo)
	}

	sort.SliceStable(survivors, func(i, j int) bool {
		return survivors[i].uniqueness > survivors[j].uniqueness
	})

	if len(survivors) > s.limits.BeamWidth {
		survivors = survivors[:s.limits.BeamWidth]
	}

	return survivors, nil
}

func (s *beamSearch) perfectFound(beam []beamEntry) bool {
	for _, entry := range beam {
		if entry.uniqueness >= perfectUniqueness {
			return true
		}
	}

	return false
}
