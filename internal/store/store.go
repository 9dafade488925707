// Package store is the durable run metadata layer on an embedded SQLite
// database. It is the synchronization point between the job runner and the
// HTTP gateway: the gateway never waits on a job, it reads the latest state.
//
// All updates to a single run's mutable fields are serialized under a per-run
// mutex, and status transitions use compare-and-swap on (run_id, old_status),
// so a reader never observes an inconsistent (status, stage) pair. Values
// read back are normalized through safeconv so byte buffers never leak into
// JSON responses.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver

	"github.com/Sumatoshi-tech/tabrecon/pkg/safeconv"
)

// Run status values. queued -> running -> {completed, error, cancelled};
// terminal states are absorbing.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// Stage status values.
const (
	StagePending    = "pending"
	StageInProgress = "in_progress"
	StageCompleted  = "completed"
	StageError      = "error"
	StageCancelled  = "cancelled"
	StageSkipped    = "skipped"
)

// Stage names in execution order. The quality stage is present only when the
// run requests a data-quality check.
const (
	StageReading     = "reading"
	StageQuality     = "quality"
	StageValidating  = "validating"
	StageAnalyzingA  = "analyzing_a"
	StageAnalyzingB  = "analyzing_b"
	StageStoring     = "storing"
	StageGenCache    = "generating_cache"
	StageGenCompare  = "generating_comparisons"
)

// StageNames returns the ordered stage sequence for a run.
func StageNames(qualityCheck bool) []string {
	names := []string{StageReading}

	if qualityCheck {
		names = append(names, StageQuality)
	}

	return append(names,
		StageValidating,
		StageAnalyzingA,
		StageAnalyzingB,
		StageStoring,
		StageGenCache,
		StageGenCompare,
	)
}

// ErrRunNotFound is returned when a run id has no row.
var ErrRunNotFound = errors.New("run not found")

// RunParams are the submission-time parameters of a run.
type RunParams struct {
	FileA        string `json:"file_a"`
	FileB        string `json:"file_b"`
	NumColumns   int    `json:"num_columns"`
	MaxRows      int64  `json:"max_rows"`
	QualityCheck bool   `json:"data_quality_check"`
	Discovery    string `json:"discovery_mode"`
	Expected     string `json:"expected_combinations"`
	Excluded     string `json:"excluded_combinations"`
}

// Run is one reconciliation job's durable state.
type Run struct {
	ID           int64     `json:"run_id"`
	Params       RunParams `json:"params"`
	Status       string    `json:"status"`
	CurrentStage string    `json:"current_stage"`
	Progress     int       `json:"progress"`
	ErrorMessage string    `json:"error_message"`
	CreatedAt    string    `json:"created_at"`
	StartedAt    string    `json:"started_at"`
	CompletedAt  string    `json:"completed_at"`
}

// Stage is one ordered step of a run.
type Stage struct {
	RunID       int64  `json:"run_id"`
	Order       int    `json:"stage_order"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Details     string `json:"details"`
	StartedAt   string `json:"started_at"`
	CompletedAt string `json:"completed_at"`
}

// Store wraps the SQLite database plus the per-run lock table.
type Store struct {
	db *sql.DB

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// Open opens (creating if needed) the database at path and migrates the
// schema. WAL mode lets gateway reads proceed while a runner writes.
func Open(path string) (*Store, error) {
	db, openErr := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if openErr != nil {
		return nil, fmt.Errorf("open store: %w", openErr)
	}

	// SQLite serializes writers; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, locks: make(map[int64]*sync.Mutex)}

	migrateErr := s.migrate()
	if migrateErr != nil {
		closeErr := db.Close()

		return nil, errors.Join(migrateErr, closeErr)
	}

	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	closeErr := s.db.Close()
	if closeErr != nil {
		return fmt.Errorf("close store: %w", closeErr)
	}

	return nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("migrate store schema: %w", err)
	}

	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id        INTEGER PRIMARY KEY AUTOINCREMENT,
	file_a        TEXT NOT NULL,
	file_b        TEXT NOT NULL,
	num_columns   INTEGER NOT NULL,
	max_rows      INTEGER NOT NULL DEFAULT 0,
	quality_check INTEGER NOT NULL DEFAULT 0,
	discovery     TEXT NOT NULL DEFAULT '',
	expected      TEXT NOT NULL DEFAULT '',
	excluded      TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	current_stage TEXT NOT NULL DEFAULT '',
	progress      INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	created_at    TEXT NOT NULL,
	started_at    TEXT NOT NULL DEFAULT '',
	completed_at  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS stages (
	run_id       INTEGER NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
	stage_order  INTEGER NOT NULL,
	name         TEXT NOT NULL,
	status       TEXT NOT NULL,
	details      TEXT NOT NULL DEFAULT '',
	started_at   TEXT NOT NULL DEFAULT '',
	completed_at TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (run_id, stage_order)
);

CREATE TABLE IF NOT EXISTS analysis_results (
	run_id           INTEGER NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
	side             TEXT NOT NULL,
	combination      TEXT NOT NULL,
	total_rows       INTEGER NOT NULL,
	unique_rows      INTEGER NOT NULL,
	duplicate_rows   INTEGER NOT NULL,
	duplicate_count  INTEGER NOT NULL,
	uniqueness_score REAL NOT NULL,
	is_unique_key    INTEGER NOT NULL,
	is_sampled       INTEGER NOT NULL,
	sample_size      INTEGER NOT NULL,
	PRIMARY KEY (run_id, side, combination)
);

CREATE TABLE IF NOT EXISTS comparison_summaries (
	run_id           INTEGER NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
	combination_hash TEXT NOT NULL,
	combination      TEXT NOT NULL,
	matched          INTEGER NOT NULL,
	only_a           INTEGER NOT NULL,
	only_b           INTEGER NOT NULL,
	total_a          INTEGER NOT NULL,
	total_b          INTEGER NOT NULL,
	generated_at     TEXT NOT NULL,
	PRIMARY KEY (run_id, combination_hash)
);

CREATE TABLE IF NOT EXISTS export_chunks (
	run_id           INTEGER NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
	combination_hash TEXT NOT NULL,
	category         TEXT NOT NULL,
	chunk_index      INTEGER NOT NULL,
	row_count        INTEGER NOT NULL,
	byte_size        INTEGER NOT NULL,
	path             TEXT NOT NULL,
	status           TEXT NOT NULL,
	PRIMARY KEY (run_id, combination_hash, category, chunk_index)
);
`

// lockFor returns the mutex serializing updates to one run.
func (s *Store) lockFor(runID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[runID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[runID] = lock
	}

	return lock
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// CreateRun inserts a queued run and its pending stage rows in one
// transaction, returning the new run id.
func (s *Store) CreateRun(params RunParams) (int64, error) {
	tx, txErr := s.db.Begin()
	if txErr != nil {
		return 0, fmt.Errorf("begin create run: %w", txErr)
	}

	res, insertErr := tx.Exec(`
		INSERT INTO runs (file_a, file_b, num_columns, max_rows, quality_check,
			discovery, expected, excluded, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		params.FileA, params.FileB, params.NumColumns, params.MaxRows,
		boolInt(params.QualityCheck), params.Discovery,
		params.Expected, params.Excluded, StatusQueued, now())
	if insertErr != nil {
		_ = tx.Rollback()

		return 0, fmt.Errorf("insert run: %w", insertErr)
	}

	runID, idErr := res.LastInsertId()
	if idErr != nil {
		_ = tx.Rollback()

		return 0, fmt.Errorf("run id: %w", idErr)
	}

	for order, name := range StageNames(params.QualityCheck) {
		_, stageErr := tx.Exec(`
			INSERT INTO stages (run_id, stage_order, name, status)
			VALUES (?, ?, ?, ?)`,
			runID, order, name, StagePending)
		if stageErr != nil {
			_ = tx.Rollback()

			return 0, fmt.Errorf("insert stage %s: %w", name, stageErr)
		}
	}

	commitErr := tx.Commit()
	if commitErr != nil {
		return 0, fmt.Errorf("commit create run: %w", commitErr)
	}

	return runID, nil
}

// GetRun loads one run. Text fields are normalized through safeconv.
func (s *Store) GetRun(runID int64) (Run, error) {
	row := s.db.QueryRow(`
		SELECT run_id, file_a, file_b, num_columns, max_rows, quality_check,
			discovery, expected, excluded, status, current_stage, progress,
			error_message, created_at, started_at, completed_at
		FROM runs WHERE run_id = ?`, runID)

	var (
		id, maxRows, quality          any
		numColumns, progress          any
		fileA, fileB, discovery       any
		expected, excluded, status    any
		currentStage, errorMessage    any
		createdAt, started, completed any
	)

	scanErr := row.Scan(&id, &fileA, &fileB, &numColumns, &maxRows, &quality,
		&discovery, &expected, &excluded, &status, &currentStage, &progress,
		&errorMessage, &createdAt, &started, &completed)
	if errors.Is(scanErr, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %d", ErrRunNotFound, runID)
	}

	if scanErr != nil {
		return Run{}, fmt.Errorf("scan run: %w", scanErr)
	}

	return Run{
		ID: safeconv.SafeInt64(id, 0),
		Params: RunParams{
			FileA:        safeconv.SafeStr(fileA, ""),
			FileB:        safeconv.SafeStr(fileB, ""),
			NumColumns:   safeconv.SafeInt(numColumns, 1),
			MaxRows:      safeconv.SafeInt64(maxRows, 0),
			QualityCheck: safeconv.SafeInt64(quality, 0) != 0,
			Discovery:    safeconv.SafeStr(discovery, ""),
			Expected:     safeconv.SafeStr(expected, ""),
			Excluded:     safeconv.SafeStr(excluded, ""),
		},
		Status:       safeconv.SafeStr(status, ""),
		CurrentStage: safeconv.SafeStr(currentStage, ""),
		Progress:     safeconv.SafeInt(progress, 0),
		ErrorMessage: safeconv.SafeStr(errorMessage, ""),
		CreatedAt:    safeconv.SafeStr(createdAt, ""),
		StartedAt:    safeconv.SafeStr(started, ""),
		CompletedAt:  safeconv.SafeStr(completed, ""),
	}, nil
}

// CASStatus transitions a run from one status to another atomically. Returns
// false when the run was not in the expected status.
func (s *Store) CASStatus(runID int64, from, to string) (bool, error) {
	lock := s.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()

	stamp := ""

	switch to {
	case StatusRunning:
		stamp = ", started_at = ?"
	case StatusCompleted, StatusError, StatusCancelled:
		stamp = ", completed_at = ?"
	}

	query := "UPDATE runs SET status = ?" + stamp + " WHERE run_id = ? AND status = ?"

	args := []any{to}
	if stamp != "" {
		args = append(args, now())
	}

	args = append(args, runID, from)

	res, execErr := s.db.Exec(query, args...)
	if execErr != nil {
		return false, fmt.Errorf("cas run status: %w", execErr)
	}

	n, affErr := res.RowsAffected()
	if affErr != nil {
		return false, fmt.Errorf("cas run status: %w", affErr)
	}

	return n == 1, nil
}

// SetProgress advances a run's progress and current stage. Progress is
// monotonic: a smaller value than the stored one is ignored.
func (s *Store) SetProgress(runID int64, progress int, currentStage string) error {
	lock := s.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()

	_, err := s.db.Exec(`
		UPDATE runs SET progress = MAX(progress, ?), current_stage = ?
		WHERE run_id = ?`,
		progress, currentStage, runID)
	if err != nil {
		return fmt.Errorf("set run progress: %w", err)
	}

	return nil
}

// SetErrorMessage records a run's user-visible failure message.
func (s *Store) SetErrorMessage(runID int64, msg string) error {
	lock := s.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()

	_, err := s.db.Exec(`UPDATE runs SET error_message = ? WHERE run_id = ?`, msg, runID)
	if err != nil {
		return fmt.Errorf("set run error: %w", err)
	}

	return nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, queryErr := s.db.Query(`
		SELECT run_id FROM runs ORDER BY run_id DESC LIMIT ?`, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list runs: %w", queryErr)
	}
	defer rows.Close()

	var ids []int64

	for rows.Next() {
		var id int64

		scanErr := rows.Scan(&id)
		if scanErr != nil {
			return nil, fmt.Errorf("scan run id: %w", scanErr)
		}

		ids = append(ids, id)
	}

	rowsErr := rows.Err()
	if rowsErr != nil {
		return nil, fmt.Errorf("list runs: %w", rowsErr)
	}

	runs := make([]Run, 0, len(ids))

	for _, id := range ids {
		run, getErr := s.GetRun(id)
		if getErr != nil {
			return nil, getErr
		}

		runs = append(runs, run)
	}

	return runs, nil
}

// DeleteRun removes a run and all dependent rows. Export and cache files are
// the caller's responsibility.
func (s *Store) DeleteRun(runID int64) error {
	lock := s.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()

	_, err := s.db.Exec(`DELETE FROM runs WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}

	s.mu.Lock()
	delete(s.locks, runID)
	s.mu.Unlock()

	return nil
}

// ListExpiredRuns returns ids of terminal runs whose completion predates the
// cutoff, for the retention sweep.
func (s *Store) ListExpiredRuns(cutoff time.Time) ([]int64, error) {
	rows, queryErr := s.db.Query(`
		SELECT run_id FROM runs
		WHERE status IN (?, ?, ?) AND completed_at != '' AND completed_at < ?`,
		StatusCompleted, StatusError, StatusCancelled,
		cutoff.UTC().Format(time.RFC3339))
	if queryErr != nil {
		return nil, fmt.Errorf("list expired runs: %w", queryErr)
	}
	defer rows.Close()

	var ids []int64

	for rows.Next() {
		var id int64

		scanErr := rows.Scan(&id)
		if scanErr != nil {
			return nil, fmt.Errorf("scan expired run: %w", scanErr)
		}

		ids = append(ids, id)
	}

	rowsErr := rows.Err()
	if rowsErr != nil {
		return nil, fmt.Errorf("list expired runs: %w", rowsErr)
	}

	return ids, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}

	return 0
}
