package jobs

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/Sumatoshi-tech/tabrecon/internal/store"
	"github.com/Sumatoshi-tech/tabrecon/pkg/colscore"
	"github.com/Sumatoshi-tech/tabrecon/pkg/combin"
	"github.com/Sumatoshi-tech/tabrecon/pkg/export"
	"github.com/Sumatoshi-tech/tabrecon/pkg/keycodec"
	"github.com/Sumatoshi-tech/tabrecon/pkg/reconcile"
	"github.com/Sumatoshi-tech/tabrecon/pkg/runerr"
	"github.com/Sumatoshi-tech/tabrecon/pkg/tabfile"
	"github.com/Sumatoshi-tech/tabrecon/pkg/uniq"
)

// pipeline carries the working state of one run through its stages. All of it
// lives on the worker goroutine; only the store is shared.
type pipeline struct {
	runner *Runner
	runID  int64
	params store.RunParams

	profA, profB     *tabfile.Profile
	pool             []string
	sampled          bool
	sampleA, sampleB [][]string
	combos           []keycodec.Combination
	resultsA         []uniq.Result
	resultsB         []uniq.Result
}

func (p *pipeline) run(ctx context.Context) error {
	names := store.StageNames(p.params.QualityCheck)

	for order, name := range names {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: before stage %s", runerr.ErrCancelled, name)
		}

		startErr := p.runner.store.StartStage(p.runID, order)
		if startErr != nil {
			return startErr
		}

		progressErr := p.runner.store.SetProgress(p.runID, order*100/len(names), name)
		if progressErr != nil {
			return progressErr
		}

		stageErr := p.runStage(ctx, order, name)
		if stageErr != nil {
			status := store.StageError
			if errors.Is(stageErr, runerr.ErrCancelled) {
				status = store.StageCancelled
			}

			_ = p.runner.store.FinishStage(p.runID, order, status, stageErr.Error())

			return fmt.Errorf("stage %s: %w", name, stageErr)
		}

		finishErr := p.runner.store.FinishStage(p.runID, order, store.StageCompleted, "")
		if finishErr != nil {
			return finishErr
		}

		advanceErr := p.runner.store.SetProgress(p.runID, (order+1)*100/len(names), name)
		if advanceErr != nil {
			return advanceErr
		}
	}

	return nil
}

// runStage executes one stage under its wall-clock budget, retrying transient
// failures with capped exponential backoff.
func (p *pipeline) runStage(ctx context.Context, order int, name string) error {
	fn, timeout := p.stageFn(name)
	if fn == nil {
		return fmt.Errorf("unknown stage %q", name)
	}

	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			backoff := backoffBase << (attempt - 1)
			if backoff > backoffCeiling {
				backoff = backoffCeiling
			}

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", runerr.ErrCancelled, ctx.Err())
			}
		}

		stageCtx, cancel := context.WithTimeout(ctx, timeout)
		lastErr = fn(stageCtx, order)
		timedOut := stageCtx.Err() != nil && ctx.Err() == nil

		cancel()

		if lastErr == nil {
			return nil
		}

		if errors.Is(lastErr, runerr.ErrCancelled) && timedOut {
			// The stage budget expired, not the run.
			return fmt.Errorf("%w: %s after %s", runerr.ErrStageTimeout, name, timeout)
		}

		if !runerr.IsTransient(lastErr) {
			return lastErr
		}

		p.runner.log.Warn("stage retry", "run_id", p.runID, "stage", name,
			"attempt", attempt+1, "error", lastErr)
	}

	return lastErr
}

type stageFunc func(ctx context.Context, order int) error

func (p *pipeline) stageFn(name string) (stageFunc, time.Duration) {
	cfg := p.runner.cfg

	switch name {
	case store.StageReading:
		return p.stageReading, cfg.ReadTimeout
	case store.StageQuality:
		return p.stageQuality, cfg.ReadTimeout
	case store.StageValidating:
		return p.stageValidating, cfg.ReadTimeout
	case store.StageAnalyzingA:
		return p.stageAnalyzingA, cfg.AnalyzeTimeout
	case store.StageAnalyzingB:
		return p.stageAnalyzingB, cfg.AnalyzeTimeout
	case store.StageStoring:
		return p.stageStoring, cfg.ReadTimeout
	case store.StageGenCache:
		return p.stageGenerateCache, cfg.ReconcileTimeout
	case store.StageGenCompare:
		return p.stageGenerateComparisons, cfg.ReconcileTimeout
	default:
		return nil, 0
	}
}

func (p *pipeline) stageReading(_ context.Context, order int) error {
	profA, errA := tabfile.ProfileFile(p.params.FileA)
	if errA != nil {
		return errA
	}

	profB, errB := tabfile.ProfileFile(p.params.FileB)
	if errB != nil {
		return errB
	}

	p.profA, p.profB = profA, profB

	return p.runner.store.AppendStageDetails(p.runID, order,
		fmt.Sprintf("rows: a=%d b=%d (estimated=%v)",
			profA.RowCountEstimate, profB.RowCountEstimate,
			profA.Estimated || profB.Estimated))
}

func (p *pipeline) stageQuality(ctx context.Context, order int) error {
	note, checkErr := p.runner.quality.Check(ctx, p.profA, p.profB)
	if checkErr != nil {
		return checkErr
	}

	return p.runner.store.AppendStageDetails(p.runID, order, note)
}

func (p *pipeline) stageValidating(_ context.Context, order int) error {
	p.pool = columnPool(p.profA.Header, p.profB.Header)

	if len(p.pool) == 0 {
		return fmt.Errorf("%w: no common columns between %s and %s",
			runerr.ErrSchemaMismatch, p.params.FileA, p.params.FileB)
	}

	// Schema-equivalent means the same column set; order may differ.
	if len(p.pool) != len(p.profA.Header) || len(p.pool) != len(p.profB.Header) {
		return fmt.Errorf("%w: %s and %s do not carry the same column set",
			runerr.ErrSchemaMismatch, p.params.FileA, p.params.FileB)
	}

	if p.params.NumColumns > len(p.pool) {
		return fmt.Errorf("%w: num_columns %d exceeds column pool of %d",
			runerr.ErrParameter, p.params.NumColumns, len(p.pool))
	}

	cfg := p.runner.cfg

	p.sampled = p.params.MaxRows > 0 ||
		p.profA.RowCountEstimate > cfg.SampleThreshold ||
		p.profB.RowCountEstimate > cfg.SampleThreshold

	// Head sampling when the user bounded the rows, uniform otherwise.
	sampleSize := cfg.SampleThreshold
	method := tabfile.MethodUniform

	if p.params.MaxRows > 0 {
		sampleSize = p.params.MaxRows
		method = tabfile.MethodHead
	}

	sampleA, _, errA := tabfile.SampleRows(p.params.FileA, int(sampleSize), method, cfg.SampleSeed)
	if errA != nil {
		return errA
	}

	sampleB, _, errB := tabfile.SampleRows(p.params.FileB, int(sampleSize), method, cfg.SampleSeed)
	if errB != nil {
		return errB
	}

	p.sampleA, p.sampleB = sampleA, sampleB

	mode := "full"
	if p.sampled {
		mode = fmt.Sprintf("sampled (%s, n=%d)", method, sampleSize)
	}

	return p.runner.store.AppendStageDetails(p.runID, order,
		fmt.Sprintf("pool=%d columns, analysis=%s", len(p.pool), mode))
}

// columnPool is the ordered intersection of the two headers, in A's order.
func columnPool(headerA, headerB []string) []string {
	inB := make(map[string]struct{}, len(headerB))
	for _, col := range headerB {
		inB[col] = struct{}{}
	}

	var pool []string

	for _, col := range headerA {
		if _, ok := inB[col]; ok {
			pool = append(pool, col)
		}
	}

	return pool
}

func (p *pipeline) stageAnalyzingA(ctx context.Context, order int) error {
	discoverErr := p.discoverCombinations(order)
	if discoverErr != nil {
		return discoverErr
	}

	results, analyzeErr := p.analyzeSide(ctx, p.profA, p.sampleA, "uniq_a")
	if analyzeErr != nil {
		return analyzeErr
	}

	p.resultsA = results

	return nil
}

func (p *pipeline) stageAnalyzingB(ctx context.Context, _ int) error {
	results, analyzeErr := p.analyzeSide(ctx, p.profB, p.sampleB, "uniq_b")
	if analyzeErr != nil {
		return analyzeErr
	}

	p.resultsB = results

	return nil
}

// discoverCombinations runs key discovery once, on the smaller side's sample.
func (p *pipeline) discoverCombinations(order int) error {
	smallerHeader, smallerSample := p.profA.Header, p.sampleA
	if p.profB.RowCountEstimate < p.profA.RowCountEstimate {
		smallerHeader, smallerSample = p.profB.Header, p.sampleB
	}

	scorer := colscore.NewScorer(smallerHeader, true)
	for _, row := range smallerSample {
		scorer.Consume(row)
	}

	promise := make(map[string]float64, len(p.pool))
	for _, stat := range scorer.Finalize() {
		promise[stat.Name] = stat.Promise
	}

	mode := combin.ModeHeuristic

	switch {
	case strings.TrimSpace(p.params.Expected) != "" && p.params.Discovery == "":
		mode = combin.ModeExplicit
	case p.params.Discovery == string(combin.ModeExplicit):
		mode = combin.ModeExplicit
	case p.params.Discovery == string(combin.ModeIntelligent):
		mode = combin.ModeIntelligent
	}

	eval := uniq.NewSampleEvaluator(smallerHeader, smallerSample)

	combos, scored, discoverErr := combin.Discover(combin.Request{
		Pool:     p.pool,
		Promise:  promise,
		Mode:     mode,
		K:        p.params.NumColumns,
		Pinned:   parseCombinationList(p.params.Expected),
		Excluded: parseCombinationList(p.params.Excluded),
		Limits:   combin.Limits{MaxCombinations: p.runner.cfg.MaxCombinations},
	}, eval)
	if discoverErr != nil {
		return discoverErr
	}

	p.combos = combos

	return p.runner.store.AppendStageDetails(p.runID, order,
		fmt.Sprintf("discovery=%s, candidates=%d", mode, len(scored)))
}

// parseCombinationList parses the newline-separated combination lists of the
// submission form.
func parseCombinationList(raw string) []keycodec.Combination {
	var combos []keycodec.Combination

	for _, line := range strings.Split(raw, "\n") {
		combo := keycodec.ParseCombination(line)
		if len(combo) > 0 {
			combos = append(combos, combo)
		}
	}

	return combos
}

// analyzeSide scores every combination on one side, on the sample when the
// run is sampled and on the full stream otherwise.
func (p *pipeline) analyzeSide(
	ctx context.Context,
	prof *tabfile.Profile,
	sample [][]string,
	tmpName string,
) ([]uniq.Result, error) {
	cfg := p.runner.cfg

	analyzer := uniq.New(uniq.Config{
		MemoryCapBytes:  cfg.MemoryCapBytes,
		TempDir:         filepath.Join(cfg.TmpDir(), fmt.Sprintf("run_%d", p.runID), tmpName),
		TempBudgetBytes: cfg.TempBudgetBytes,
	})

	if p.sampled {
		reader := tabfile.NewSliceReader(prof.Header, sample)

		return analyzer.Analyze(ctx, reader, p.combos, uniq.Options{
			Sampled:      true,
			FullRowCount: prof.RowCountEstimate,
		})
	}

	reader, openErr := tabfile.OpenWithProfile(prof)
	if openErr != nil {
		return nil, openErr
	}
	defer reader.Close()

	return analyzer.Analyze(ctx, reader, p.combos, uniq.Options{})
}

func (p *pipeline) stageStoring(_ context.Context, _ int) error {
	for _, res := range p.resultsA {
		upsertErr := p.runner.store.UpsertAnalysisResult(p.runID, store.SideA, res)
		if upsertErr != nil {
			return upsertErr
		}
	}

	for _, res := range p.resultsB {
		upsertErr := p.runner.store.UpsertAnalysisResult(p.runID, store.SideB, res)
		if upsertErr != nil {
			return upsertErr
		}
	}

	return nil
}

// stageGenerateCache reconciles the best-ranked combination first, so counts
// and samples are servable before the remaining comparisons finish.
func (p *pipeline) stageGenerateCache(ctx context.Context, order int) error {
	if len(p.combos) == 0 {
		return p.runner.store.AppendStageDetails(p.runID, order, "no combinations to reconcile")
	}

	external, reconErr := p.reconcileCombination(ctx, p.combos[0])
	if reconErr != nil {
		return reconErr
	}

	if external {
		noteErr := p.runner.store.AppendStageDetails(p.runID, order, "switched to external mode")
		if noteErr != nil {
			return noteErr
		}
	}

	return nil
}

// stageGenerateComparisons reconciles the remaining selected combinations.
// A failure on one combination is isolated: it is noted on the stage and the
// rest proceed. Cancellation still aborts the stage.
func (p *pipeline) stageGenerateComparisons(ctx context.Context, order int) error {
	if len(p.combos) <= 1 {
		return nil
	}

	limit := p.runner.cfg.MaxAutoReconcile
	if limit > len(p.combos) {
		limit = len(p.combos)
	}

	for _, combo := range p.combos[1:limit] {
		_, reconErr := p.reconcileCombination(ctx, combo)
		if reconErr == nil {
			continue
		}

		if errors.Is(reconErr, runerr.ErrCancelled) {
			return reconErr
		}

		p.runner.log.Error("combination reconcile failed",
			"run_id", p.runID, "combination", combo.String(), "error", reconErr)

		noteErr := p.runner.store.AppendStageDetails(p.runID, order,
			fmt.Sprintf("combination %s failed: %v", combo.String(), reconErr))
		if noteErr != nil {
			return noteErr
		}
	}

	return nil
}

// reconcileCombination runs the full reconciliation for one combination and
// persists summary, chunk index, and cache entry. Reports whether the
// reconciler fell back to external mode.
func (p *pipeline) reconcileCombination(ctx context.Context, combo keycodec.Combination) (bool, error) {
	cfg := p.runner.cfg
	hash := combo.Hash()

	rec := reconcile.New(reconcile.Config{
		MemoryCapBytes:  cfg.MemoryCapBytes,
		TempDir:         filepath.Join(cfg.TmpDir(), fmt.Sprintf("run_%d", p.runID)),
		TempBudgetBytes: cfg.TempBudgetBytes,
		SampleCap:       p.runner.cache.SampleCap(),
		ExportConfig:    cfg.ExportConfig,
	})

	result, reconErr := rec.Reconcile(ctx, reconcile.Request{
		RunID:       p.runID,
		Combination: combo,
		OpenA:       openerFor(p.profA),
		OpenB:       openerFor(p.profB),
		ExportDir:   cfg.ExportsDir(),
		OnChunk: func(meta export.ChunkMeta) error {
			return p.runner.store.UpsertChunk(p.runID, hash, meta)
		},
	})

	if errors.Is(reconErr, export.ErrPriorCompleted) {
		return false, nil
	}

	if reconErr != nil {
		return false, reconErr
	}

	summaryErr := p.runner.store.UpsertSummary(p.runID, result.Summary)
	if summaryErr != nil {
		return result.External, summaryErr
	}

	return result.External, p.runner.cache.Put(p.runID, result)
}

// openerFor adapts a profiled file to the reconciler's two-pass access.
func openerFor(prof *tabfile.Profile) tabfile.Opener {
	return func() (tabfile.RowReader, error) {
		return tabfile.OpenWithProfile(prof)
	}
}
