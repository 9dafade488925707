package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Sumatoshi-tech/tabrecon/pkg/export"
	"github.com/Sumatoshi-tech/tabrecon/pkg/keycodec"
	"github.com/Sumatoshi-tech/tabrecon/pkg/reconcile"
	"github.com/Sumatoshi-tech/tabrecon/pkg/safeconv"
	"github.com/Sumatoshi-tech/tabrecon/pkg/uniq"
)

// Sides of a reconciliation.
const (
	SideA = "A"
	SideB = "B"
)

// MaxPageSize caps analysis-result pagination.
const MaxPageSize = 500

// AnalysisResult is one stored uniqueness measurement.
type AnalysisResult struct {
	RunID           int64   `json:"run_id"`
	Side            string  `json:"side"`
	Combination     string  `json:"combination"`
	TotalRows       int64   `json:"total_rows"`
	UniqueRows      int64   `json:"unique_rows"`
	DuplicateRows   int64   `json:"duplicate_rows"`
	DuplicateCount  int64   `json:"duplicate_count"`
	UniquenessScore float64 `json:"uniqueness_score"`
	IsUniqueKey     bool    `json:"is_unique_key"`
	IsSampled       bool    `json:"is_sampled"`
	SampleSize      int64   `json:"sample_size"`
}

// StartStage marks a stage in_progress with a timestamp.
func (s *Store) StartStage(runID int64, order int) error {
	lock := s.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()

	_, err := s.db.Exec(`
		UPDATE stages SET status = ?, started_at = ?
		WHERE run_id = ? AND stage_order = ?`,
		StageInProgress, now(), runID, order)
	if err != nil {
		return fmt.Errorf("start stage: %w", err)
	}

	return nil
}

// FinishStage records a stage's terminal status and details.
func (s *Store) FinishStage(runID int64, order int, status, details string) error {
	lock := s.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()

	_, err := s.db.Exec(`
		UPDATE stages SET status = ?, details = ?, completed_at = ?
		WHERE run_id = ? AND stage_order = ?`,
		status, details, now(), runID, order)
	if err != nil {
		return fmt.Errorf("finish stage: %w", err)
	}

	return nil
}

// AppendStageDetails adds a note to a stage without touching its status.
func (s *Store) AppendStageDetails(runID int64, order int, note string) error {
	lock := s.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()

	_, err := s.db.Exec(`
		UPDATE stages
		SET details = CASE WHEN details = '' THEN ? ELSE details || '; ' || ? END
		WHERE run_id = ? AND stage_order = ?`,
		note, note, runID, order)
	if err != nil {
		return fmt.Errorf("append stage details: %w", err)
	}

	return nil
}

// GetStages returns a run's stages in execution order.
func (s *Store) GetStages(runID int64) ([]Stage, error) {
	rows, queryErr := s.db.Query(`
		SELECT run_id, stage_order, name, status, details, started_at, completed_at
		FROM stages WHERE run_id = ? ORDER BY stage_order`, runID)
	if queryErr != nil {
		return nil, fmt.Errorf("get stages: %w", queryErr)
	}
	defer rows.Close()

	var stages []Stage

	for rows.Next() {
		var (
			id, order             any
			name, status, details any
			started, completed    any
		)

		scanErr := rows.Scan(&id, &order, &name, &status, &details, &started, &completed)
		if scanErr != nil {
			return nil, fmt.Errorf("scan stage: %w", scanErr)
		}

		stages = append(stages, Stage{
			RunID:       safeconv.SafeInt64(id, 0),
			Order:       safeconv.SafeInt(order, 0),
			Name:        safeconv.SafeStr(name, ""),
			Status:      safeconv.SafeStr(status, ""),
			Details:     safeconv.SafeStr(details, ""),
			StartedAt:   safeconv.SafeStr(started, ""),
			CompletedAt: safeconv.SafeStr(completed, ""),
		})
	}

	rowsErr := rows.Err()
	if rowsErr != nil {
		return nil, fmt.Errorf("get stages: %w", rowsErr)
	}

	return stages, nil
}

// UpsertAnalysisResult stores one uniqueness measurement, replacing any prior
// row for the same (run, side, combination).
func (s *Store) UpsertAnalysisResult(runID int64, side string, res uniq.Result) error {
	_, err := s.db.Exec(`
		INSERT INTO analysis_results (run_id, side, combination, total_rows,
			unique_rows, duplicate_rows, duplicate_count, uniqueness_score,
			is_unique_key, is_sampled, sample_size)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, side, combination) DO UPDATE SET
			total_rows = excluded.total_rows,
			unique_rows = excluded.unique_rows,
			duplicate_rows = excluded.duplicate_rows,
			duplicate_count = excluded.duplicate_count,
			uniqueness_score = excluded.uniqueness_score,
			is_unique_key = excluded.is_unique_key,
			is_sampled = excluded.is_sampled,
			sample_size = excluded.sample_size`,
		runID, side, res.Combination.Canonical().String(), res.TotalRows,
		res.UniqueRows, res.DuplicateRows, res.DuplicateCount,
		res.UniquenessScore, boolInt(res.IsUniqueKey), boolInt(res.IsSampled),
		res.SampleSize)
	if err != nil {
		return fmt.Errorf("upsert analysis result: %w", err)
	}

	return nil
}

// ListAnalysisResults pages one side's results ordered by descending
// uniqueness score. Page numbering starts at 1; pageSize is clamped to
// MaxPageSize.
func (s *Store) ListAnalysisResults(runID int64, side string, page, pageSize int) ([]AnalysisResult, int64, error) {
	if page < 1 {
		page = 1
	}

	if pageSize < 1 || pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	var total int64

	countErr := s.db.QueryRow(`
		SELECT COUNT(*) FROM analysis_results WHERE run_id = ? AND side = ?`,
		runID, side).Scan(&total)
	if countErr != nil {
		return nil, 0, fmt.Errorf("count analysis results: %w", countErr)
	}

	rows, queryErr := s.db.Query(`
		SELECT run_id, side, combination, total_rows, unique_rows,
			duplicate_rows, duplicate_count, uniqueness_score, is_unique_key,
			is_sampled, sample_size
		FROM analysis_results
		WHERE run_id = ? AND side = ?
		ORDER BY uniqueness_score DESC, combination
		LIMIT ? OFFSET ?`,
		runID, side, pageSize, (page-1)*pageSize)
	if queryErr != nil {
		return nil, 0, fmt.Errorf("list analysis results: %w", queryErr)
	}
	defer rows.Close()

	var results []AnalysisResult

	for rows.Next() {
		var (
			id, totalRows, uniqueRows, dupRows, dupCount, sampleSize any
			resSide, combination                                     any
			score, uniqueKey, sampled                                any
		)

		scanErr := rows.Scan(&id, &resSide, &combination, &totalRows, &uniqueRows,
			&dupRows, &dupCount, &score, &uniqueKey, &sampled, &sampleSize)
		if scanErr != nil {
			return nil, 0, fmt.Errorf("scan analysis result: %w", scanErr)
		}

		results = append(results, AnalysisResult{
			RunID:           safeconv.SafeInt64(id, 0),
			Side:            safeconv.SafeStr(resSide, ""),
			Combination:     safeconv.SafeStr(combination, ""),
			TotalRows:       safeconv.SafeInt64(totalRows, 0),
			UniqueRows:      safeconv.SafeInt64(uniqueRows, 0),
			DuplicateRows:   safeconv.SafeInt64(dupRows, 0),
			DuplicateCount:  safeconv.SafeInt64(dupCount, 0),
			UniquenessScore: safeconv.SafeFloat(score, 0),
			IsUniqueKey:     safeconv.SafeInt64(uniqueKey, 0) != 0,
			IsSampled:       safeconv.SafeInt64(sampled, 0) != 0,
			SampleSize:      safeconv.SafeInt64(sampleSize, 0),
		})
	}

	rowsErr := rows.Err()
	if rowsErr != nil {
		return nil, 0, fmt.Errorf("list analysis results: %w", rowsErr)
	}

	return results, total, nil
}

// UpsertSummary stores a reconciliation's final counts.
func (s *Store) UpsertSummary(runID int64, summary reconcile.Summary) error {
	_, err := s.db.Exec(`
		INSERT INTO comparison_summaries (run_id, combination_hash, combination,
			matched, only_a, only_b, total_a, total_b, generated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, combination_hash) DO UPDATE SET
			matched = excluded.matched,
			only_a = excluded.only_a,
			only_b = excluded.only_b,
			total_a = excluded.total_a,
			total_b = excluded.total_b,
			generated_at = excluded.generated_at`,
		runID, summary.Hash, keycodec.Combination(summary.Combination).Canonical().String(),
		summary.Matched, summary.OnlyA, summary.OnlyB,
		summary.TotalA, summary.TotalB,
		summary.GeneratedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upsert comparison summary: %w", err)
	}

	return nil
}

// GetSummary loads one reconciliation summary by combination hash.
func (s *Store) GetSummary(runID int64, hash string) (reconcile.Summary, error) {
	row := s.db.QueryRow(`
		SELECT combination, matched, only_a, only_b, total_a, total_b
		FROM comparison_summaries
		WHERE run_id = ? AND combination_hash = ?`, runID, hash)

	var (
		combination                           any
		matched, onlyA, onlyB, totalA, totalB any
	)

	scanErr := row.Scan(&combination, &matched, &onlyA, &onlyB, &totalA, &totalB)
	if errors.Is(scanErr, sql.ErrNoRows) {
		return reconcile.Summary{}, fmt.Errorf("%w: run %d summary %s", ErrRunNotFound, runID, hash)
	}

	if scanErr != nil {
		return reconcile.Summary{}, fmt.Errorf("scan comparison summary: %w", scanErr)
	}

	return reconcile.Summary{
		Combination: keycodec.ParseCombination(safeconv.SafeStr(combination, "")),
		Hash:        hash,
		Matched:     safeconv.SafeInt64(matched, 0),
		OnlyA:       safeconv.SafeInt64(onlyA, 0),
		OnlyB:       safeconv.SafeInt64(onlyB, 0),
		TotalA:      safeconv.SafeInt64(totalA, 0),
		TotalB:      safeconv.SafeInt64(totalB, 0),
	}, nil
}

// UpsertChunk records an export chunk's current state. Used as the export
// writer's transition hook, so the writing -> completed flip is one update.
func (s *Store) UpsertChunk(runID int64, hash string, meta export.ChunkMeta) error {
	_, err := s.db.Exec(`
		INSERT INTO export_chunks (run_id, combination_hash, category,
			chunk_index, row_count, byte_size, path, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, combination_hash, category, chunk_index) DO UPDATE SET
			row_count = excluded.row_count,
			byte_size = excluded.byte_size,
			path = excluded.path,
			status = excluded.status`,
		runID, hash, string(meta.Category), meta.Index, meta.Rows, meta.Bytes,
		meta.Path, string(meta.Status))
	if err != nil {
		return fmt.Errorf("upsert export chunk: %w", err)
	}

	return nil
}

// ListChunks returns the chunk index rows for one (run, combination), ordered
// by category then chunk index.
func (s *Store) ListChunks(runID int64, hash string) ([]export.ChunkMeta, error) {
	rows, queryErr := s.db.Query(`
		SELECT category, chunk_index, row_count, byte_size, path, status
		FROM export_chunks
		WHERE run_id = ? AND combination_hash = ?
		ORDER BY category, chunk_index`, runID, hash)
	if queryErr != nil {
		return nil, fmt.Errorf("list export chunks: %w", queryErr)
	}
	defer rows.Close()

	var chunks []export.ChunkMeta

	for rows.Next() {
		var (
			category, path, status any
			index, count, size     any
		)

		scanErr := rows.Scan(&category, &index, &count, &size, &path, &status)
		if scanErr != nil {
			return nil, fmt.Errorf("scan export chunk: %w", scanErr)
		}

		chunks = append(chunks, export.ChunkMeta{
			Category: export.Category(safeconv.SafeStr(category, "")),
			Index:    safeconv.SafeInt(index, 0),
			Rows:     safeconv.SafeInt64(count, 0),
			Bytes:    safeconv.SafeInt64(size, 0),
			Path:     safeconv.SafeStr(path, ""),
			Status:   export.ChunkStatus(safeconv.SafeStr(status, "")),
		})
	}

	rowsErr := rows.Err()
	if rowsErr != nil {
		return nil, fmt.Errorf("list export chunks: %w", rowsErr)
	}

	return chunks, nil
}
