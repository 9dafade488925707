package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/Sumatoshi-tech/tabrecon/internal/store"
	"github.com/Sumatoshi-tech/tabrecon/pkg/compcache"
	"github.com/Sumatoshi-tech/tabrecon/pkg/export"
	"github.com/Sumatoshi-tech/tabrecon/pkg/keycodec"
	"github.com/Sumatoshi-tech/tabrecon/pkg/reconcile"
	"github.com/Sumatoshi-tech/tabrecon/pkg/tabfile"
)

// GenerateComparison reconciles one combination for an existing run on
// demand. Idempotent: if the export for this (run, combination) already
// completed, the stored summary is returned without touching any output
// bytes. Runs synchronously on the caller's goroutine under the reconcile
// timeout.
func (r *Runner) GenerateComparison(ctx context.Context, runID int64, combo keycodec.Combination) (reconcile.Summary, error) {
	run, getErr := r.store.GetRun(runID)
	if getErr != nil {
		return reconcile.Summary{}, getErr
	}

	hash := combo.Hash()

	exportDir := export.DirFor(r.cfg.ExportsDir(), runID, hash)

	manifest, manifestErr := export.LoadManifest(exportDir)
	if manifestErr == nil && manifest.Completed {
		summary, summaryErr := r.store.GetSummary(runID, hash)
		if summaryErr == nil {
			return summary, nil
		}

		// Export exists but the store row is missing: rebuild from disk.
		entry, rebuildErr := r.cache.Rebuild(exportDir, runID)
		if rebuildErr != nil {
			return reconcile.Summary{}, rebuildErr
		}

		upsertErr := r.store.UpsertSummary(runID, entry.Summary)
		if upsertErr != nil {
			return reconcile.Summary{}, upsertErr
		}

		return entry.Summary, nil
	}

	genCtx, cancel := context.WithTimeout(ctx, r.cfg.ReconcileTimeout)
	defer cancel()

	p := &pipeline{runner: r, runID: runID, params: run.Params}

	profA, errA := tabfile.ProfileFile(run.Params.FileA)
	if errA != nil {
		return reconcile.Summary{}, fmt.Errorf("profile inputs: %w", errA)
	}

	profB, errB := tabfile.ProfileFile(run.Params.FileB)
	if errB != nil {
		return reconcile.Summary{}, fmt.Errorf("profile inputs: %w", errB)
	}

	p.profA, p.profB = profA, profB

	_, reconErr := p.reconcileCombination(genCtx, combo)
	if reconErr != nil && !errors.Is(reconErr, export.ErrPriorCompleted) {
		return reconcile.Summary{}, reconErr
	}

	return r.store.GetSummary(runID, hash)
}

// ChunkStatus lists the export chunk index for one (run, combination), for
// the export status endpoint.
func (r *Runner) ChunkStatus(runID int64, combo keycodec.Combination) ([]export.ChunkMeta, error) {
	_, getErr := r.store.GetRun(runID)
	if getErr != nil {
		return nil, getErr
	}

	return r.store.ListChunks(runID, combo.Hash())
}

// Store exposes the run store for read-side collaborators.
func (r *Runner) Store() *store.Store {
	return r.store
}

// Cache exposes the comparison cache for read-side collaborators.
func (r *Runner) Cache() *compcache.Cache {
	return r.cache
}

// Config exposes the effective runner configuration.
func (r *Runner) Config() Config {
	return r.cfg
}
