package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/Sumatoshi-tech/tabrecon/internal/store"
	"github.com/Sumatoshi-tech/tabrecon/pkg/compcache"
	"github.com/Sumatoshi-tech/tabrecon/pkg/export"
	"github.com/Sumatoshi-tech/tabrecon/pkg/keycodec"
	"github.com/Sumatoshi-tech/tabrecon/pkg/reconcile"
	"github.com/Sumatoshi-tech/tabrecon/pkg/runerr"
)

type submitResponse struct {
	RunID int64 `json:"run_id"`
}

// handleSubmit accepts a form-encoded submission and returns the run id
// immediately; execution happens on the worker pool.
func (s *Server) handleSubmit(rw http.ResponseWriter, hr *http.Request) {
	parseErr := hr.ParseForm()
	if parseErr != nil {
		s.writeError(rw, fmt.Errorf("%w: %v", runerr.ErrParameter, parseErr))

		return
	}

	numColumns, numErr := strconv.Atoi(hr.FormValue("num_columns"))
	if numErr != nil {
		s.writeError(rw, fmt.Errorf("%w: num_columns %q", runerr.ErrParameter, hr.FormValue("num_columns")))

		return
	}

	maxRows, _ := strconv.ParseInt(hr.FormValue("max_rows"), 10, 64)
	qualityCheck, _ := strconv.ParseBool(hr.FormValue("data_quality_check"))
	intelligent, _ := strconv.ParseBool(hr.FormValue("use_intelligent_discovery"))

	params := store.RunParams{
		FileA:        hr.FormValue("file_a"),
		FileB:        hr.FormValue("file_b"),
		NumColumns:   numColumns,
		MaxRows:      maxRows,
		QualityCheck: qualityCheck,
		Expected:     hr.FormValue("expected_combinations"),
		Excluded:     hr.FormValue("excluded_combinations"),
	}

	if intelligent {
		params.Discovery = "intelligent"
	}

	runID, submitErr := s.runner.Submit(params)
	if submitErr != nil {
		s.writeError(rw, submitErr)

		return
	}

	s.writeJSON(rw, http.StatusOK, submitResponse{RunID: runID})
}

type statusResponse struct {
	store.Run

	Stages []store.Stage `json:"stages"`
}

func (s *Server) handleStatus(rw http.ResponseWriter, hr *http.Request) {
	runID, idErr := runIDFrom(hr)
	if idErr != nil {
		s.writeError(rw, idErr)

		return
	}

	run, getErr := s.runner.Store().GetRun(runID)
	if getErr != nil {
		s.writeError(rw, getErr)

		return
	}

	stages, stagesErr := s.runner.Store().GetStages(runID)
	if stagesErr != nil {
		s.writeError(rw, stagesErr)

		return
	}

	s.writeJSON(rw, http.StatusOK, statusResponse{Run: run, Stages: stages})
}

type analysisPage struct {
	Side     string                 `json:"side"`
	Page     int                    `json:"page"`
	PageSize int                    `json:"page_size"`
	Total    int64                  `json:"total"`
	Results  []store.AnalysisResult `json:"results"`
}

func (s *Server) handleAnalysisResults(rw http.ResponseWriter, hr *http.Request) {
	runID, idErr := runIDFrom(hr)
	if idErr != nil {
		s.writeError(rw, idErr)

		return
	}

	side := strings.ToUpper(hr.URL.Query().Get("side"))
	if side == "" {
		side = store.SideA
	}

	if side != store.SideA && side != store.SideB {
		s.writeError(rw, fmt.Errorf("%w: side %q", runerr.ErrParameter, side))

		return
	}

	page := int(queryInt(hr, "page", 1))
	pageSize := int(queryInt(hr, "page_size", defaultPageSize))

	if pageSize > store.MaxPageSize {
		s.writeError(rw, fmt.Errorf("%w: page_size %d exceeds %d", runerr.ErrParameter, pageSize, store.MaxPageSize))

		return
	}

	// Existence check so an unknown run is a 404, not an empty page.
	_, getErr := s.runner.Store().GetRun(runID)
	if getErr != nil {
		s.writeError(rw, getErr)

		return
	}

	results, total, listErr := s.runner.Store().ListAnalysisResults(runID, side, page, pageSize)
	if listErr != nil {
		s.writeError(rw, listErr)

		return
	}

	s.writeJSON(rw, http.StatusOK, analysisPage{
		Side: side, Page: page, PageSize: pageSize, Total: total, Results: results,
	})
}

type availableItem struct {
	Combination []string          `json:"combination"`
	Hash        string            `json:"combination_hash"`
	Summary     reconcile.Summary `json:"summary"`
}

func (s *Server) handleAvailable(rw http.ResponseWriter, hr *http.Request) {
	runID, idErr := runIDFrom(hr)
	if idErr != nil {
		s.writeError(rw, idErr)

		return
	}

	_, getErr := s.runner.Store().GetRun(runID)
	if getErr != nil {
		s.writeError(rw, getErr)

		return
	}

	entries, availErr := s.runner.Cache().Available(runID)
	if availErr != nil {
		s.writeError(rw, availErr)

		return
	}

	items := make([]availableItem, 0, len(entries))
	for _, entry := range entries {
		items = append(items, availableItem{
			Combination: entry.Combination,
			Hash:        entry.Hash,
			Summary:     entry.Summary,
		})
	}

	s.writeJSON(rw, http.StatusOK, map[string]any{"run_id": runID, "combinations": items})
}

func (s *Server) handleSummary(rw http.ResponseWriter, hr *http.Request) {
	runID, combo, reqErr := s.runCombo(hr)
	if reqErr != nil {
		s.writeError(rw, reqErr)

		return
	}

	entry, cacheErr := s.cacheEntry(runID, combo)
	if cacheErr != nil {
		s.writeError(rw, cacheErr)

		return
	}

	s.writeJSON(rw, http.StatusOK, entry.Summary)
}

// cacheEntry loads the comparison cache entry for a combination. On a miss or
// a corrupt entry it rebuilds from the completed export; without a completed
// export the original cache error stands.
func (s *Server) cacheEntry(runID int64, combo keycodec.Combination) (compcache.Entry, error) {
	entry, cacheErr := s.runner.Cache().Get(runID, combo.Hash())
	if cacheErr == nil {
		return entry, nil
	}

	exportDir := export.DirFor(s.runner.Config().ExportsDir(), runID, combo.Hash())

	manifest, manifestErr := export.LoadManifest(exportDir)
	if manifestErr != nil || !manifest.Completed {
		return compcache.Entry{}, cacheErr
	}

	return s.runner.Cache().Rebuild(exportDir, runID)
}

type dataPage struct {
	Category export.Category `json:"category"`
	Offset   int64           `json:"offset"`
	Total    int64           `json:"total"`
	Values   []string        `json:"values"`
	Source   string          `json:"source"`
}

// handleCacheData paginates sample key values. Windows inside the cached
// sample prefix answer from the cache entry; anything past it falls back to
// the export chunks.
func (s *Server) handleCacheData(rw http.ResponseWriter, hr *http.Request) {
	runID, combo, reqErr := s.runCombo(hr)
	if reqErr != nil {
		s.writeError(rw, reqErr)

		return
	}

	cat, catErr := categoryFrom(hr)
	if catErr != nil {
		s.writeError(rw, catErr)

		return
	}

	offset := queryInt(hr, "offset", 0)
	limit := queryInt(hr, "limit", int64(compcache.DefaultSampleCap))

	entry, cacheErr := s.cacheEntry(runID, combo)
	if cacheErr != nil {
		s.writeError(rw, cacheErr)

		return
	}

	total := categoryCount(entry.Summary, cat)

	if offset+limit <= int64(s.runner.Cache().SampleCap()) {
		samples := entry.Samples[cat]

		lo := min(offset, int64(len(samples)))
		hi := min(offset+limit, int64(len(samples)))

		s.writeJSON(rw, http.StatusOK, dataPage{
			Category: cat, Offset: offset, Total: total,
			Values: samples[lo:hi], Source: "cache",
		})

		return
	}

	exportDir := export.DirFor(s.runner.Config().ExportsDir(), runID, combo.Hash())

	page, readErr := export.ReadRange(exportDir, cat, offset, limit)
	if readErr != nil {
		s.writeError(rw, readErr)

		return
	}

	values := make([]string, 0, len(page.Records))
	for _, record := range page.Records {
		values = append(values, recordKey(record, len(combo)))
	}

	s.writeJSON(rw, http.StatusOK, dataPage{
		Category: cat, Offset: offset, Total: page.Total,
		Values: values, Source: "chunks",
	})
}

func (s *Server) handleExportStatus(rw http.ResponseWriter, hr *http.Request) {
	runID, combo, reqErr := s.runCombo(hr)
	if reqErr != nil {
		s.writeError(rw, reqErr)

		return
	}

	chunks, chunksErr := s.runner.ChunkStatus(runID, combo)
	if chunksErr != nil {
		s.writeError(rw, chunksErr)

		return
	}

	completed := false

	exportDir := export.DirFor(s.runner.Config().ExportsDir(), runID, combo.Hash())

	manifest, manifestErr := export.LoadManifest(exportDir)
	if manifestErr == nil {
		completed = manifest.Completed
	}

	s.writeJSON(rw, http.StatusOK, map[string]any{
		"run_id":    runID,
		"columns":   combo,
		"completed": completed,
		"chunks":    chunks,
	})
}

func (s *Server) handleExportData(rw http.ResponseWriter, hr *http.Request) {
	runID, combo, reqErr := s.runCombo(hr)
	if reqErr != nil {
		s.writeError(rw, reqErr)

		return
	}

	cat, catErr := categoryFrom(hr)
	if catErr != nil {
		s.writeError(rw, catErr)

		return
	}

	offset := queryInt(hr, "offset", 0)
	limit := queryInt(hr, "limit", defaultPageSize)

	exportDir := export.DirFor(s.runner.Config().ExportsDir(), runID, combo.Hash())

	page, readErr := export.ReadRange(exportDir, cat, offset, limit)
	if readErr != nil {
		s.writeError(rw, readErr)

		return
	}

	s.writeJSON(rw, http.StatusOK, page)
}

// handleGenerate triggers reconciliation of one combination on demand. The
// call is synchronous and idempotent: a completed export returns its stored
// summary without rewriting anything.
func (s *Server) handleGenerate(rw http.ResponseWriter, hr *http.Request) {
	runID, combo, reqErr := s.runCombo(hr)
	if reqErr != nil {
		s.writeError(rw, reqErr)

		return
	}

	summary, genErr := s.runner.GenerateComparison(hr.Context(), runID, combo)
	if genErr != nil {
		s.writeError(rw, genErr)

		return
	}

	s.writeJSON(rw, http.StatusOK, summary)
}

func (s *Server) handleCancel(rw http.ResponseWriter, hr *http.Request) {
	runID, idErr := runIDFrom(hr)
	if idErr != nil {
		s.writeError(rw, idErr)

		return
	}

	cancelErr := s.runner.Cancel(runID)
	if cancelErr != nil {
		s.writeError(rw, cancelErr)

		return
	}

	run, getErr := s.runner.Store().GetRun(runID)
	if getErr != nil {
		s.writeError(rw, getErr)

		return
	}

	s.writeJSON(rw, http.StatusOK, map[string]any{"run_id": runID, "status": run.Status})
}

func (s *Server) runCombo(hr *http.Request) (int64, keycodec.Combination, error) {
	runID, idErr := runIDFrom(hr)
	if idErr != nil {
		return 0, nil, idErr
	}

	combo, comboErr := comboFrom(hr)
	if comboErr != nil {
		return 0, nil, comboErr
	}

	_, getErr := s.runner.Store().GetRun(runID)
	if getErr != nil {
		return 0, nil, getErr
	}

	return runID, combo, nil
}

func categoryCount(summary reconcile.Summary, cat export.Category) int64 {
	switch cat {
	case export.CategoryMatched:
		return summary.Matched
	case export.CategoryOnlyA:
		return summary.OnlyA
	case export.CategoryOnlyB:
		return summary.OnlyB
	}

	return 0
}

// recordKey renders the key prefix of an exported record the way cache
// samples are rendered.
func recordKey(record []string, keyWidth int) string {
	if keyWidth > len(record) {
		keyWidth = len(record)
	}

	return strings.Join(record[:keyWidth], ", ")
}
