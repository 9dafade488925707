// Package export writes reconciliation outputs as ordered, chunked CSV
// artifacts. Each (run, combination, category) gets a totally ordered
// sequence of chunk files; the union of completed chunks read in index order
// is the canonical dataset for the category. A chunk becomes durable by being
// fsynced before its status transitions from writing to completed, so readers
// that only accept completed chunks never observe a torn file.
package export

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Category partitions reconciliation output.
type Category string

// Reconciliation categories.
const (
	CategoryMatched Category = "matched"
	CategoryOnlyA   Category = "only_a"
	CategoryOnlyB   Category = "only_b"
)

// Categories lists all categories in canonical order.
var Categories = []Category{CategoryMatched, CategoryOnlyA, CategoryOnlyB}

// ChunkStatus tracks a chunk's lifecycle.
type ChunkStatus string

// Chunk statuses. Only completed chunks are readable.
const (
	StatusWriting   ChunkStatus = "writing"
	StatusCompleted ChunkStatus = "completed"
	StatusFailed    ChunkStatus = "failed"
)

// Defaults for chunk sizing: a chunk closes at whichever limit hits first.
const (
	DefaultMaxRowsPerChunk = 10_000
	DefaultMaxChunkBytes   = 1 << 20

	dirPerm  = 0o750
	filePerm = 0o600
)

// ErrPriorCompleted is returned when regeneration is attempted over a
// directory whose previous attempt completed; completed exports are immutable.
var ErrPriorCompleted = errors.New("export already completed")

// ChunkMeta describes one chunk file.
type ChunkMeta struct {
	Category Category    `json:"category"`
	Index    int         `json:"chunk_index"`
	Rows     int64       `json:"row_count"`
	Bytes    int64       `json:"byte_size"`
	Path     string      `json:"path"`
	Status   ChunkStatus `json:"status"`
}

// Manifest summarizes a finished export for one (run, combination).
type Manifest struct {
	RunID       int64               `json:"run_id"`
	Combination []string            `json:"combination"`
	Hash        string              `json:"combination_hash"`
	Counts      map[Category]int64  `json:"counts"`
	Chunks      []ChunkMeta         `json:"chunks"`
	Completed   bool                `json:"completed"`
	GeneratedAt time.Time           `json:"generated_at"`
}

// Transition notifies the caller of a chunk status change. The store hook
// flips the chunk row writing -> completed in a single update.
type Transition func(meta ChunkMeta) error

// Config tunes chunk sizing.
type Config struct {
	MaxRowsPerChunk int64
	MaxChunkBytes   int64
}

func (c Config) withDefaults() Config {
	if c.MaxRowsPerChunk <= 0 {
		c.MaxRowsPerChunk = DefaultMaxRowsPerChunk
	}

	if c.MaxChunkBytes <= 0 {
		c.MaxChunkBytes = DefaultMaxChunkBytes
	}

	return c
}

// DirFor returns the export directory for a (run, combination-hash).
func DirFor(baseDir string, runID int64, hash string) string {
	return filepath.Join(baseDir, fmt.Sprintf("run_%d", runID), "comparison_"+hash)
}

// ChunkFileName renders the canonical chunk file name.
func ChunkFileName(cat Category, index int) string {
	return fmt.Sprintf("%s_chunk_%04d.csv", cat, index)
}

// Writer produces the chunk sequences for one (run, combination). Not safe
// for concurrent use; the reconciler is the single producer.
type Writer struct {
	dir        string
	runID      int64
	combo      []string
	hash       string
	cfg        Config
	headers    map[Category][]string
	states     map[Category]*chunkState
	manifest   Manifest
	onChange   Transition
}

type chunkState struct {
	file   *os.File
	cw     *csv.Writer
	meta   ChunkMeta
	open   bool
	nextIx int
}

// NewWriter prepares the export directory. If a prior non-completed attempt
// exists it is deleted first; a prior completed export returns
// ErrPriorCompleted so callers can treat regeneration as a no-op.
func NewWriter(
	baseDir string,
	runID int64,
	combo []string,
	hash string,
	headers map[Category][]string,
	cfg Config,
	onChange Transition,
) (*Writer, error) {
	dir := DirFor(baseDir, runID, hash)

	prior, loadErr := LoadManifest(dir)
	if loadErr == nil && prior.Completed {
		return nil, ErrPriorCompleted
	}

	rmErr := os.RemoveAll(dir)
	if rmErr != nil {
		return nil, fmt.Errorf("clear prior export attempt: %w", rmErr)
	}

	mkErr := os.MkdirAll(dir, dirPerm)
	if mkErr != nil {
		return nil, fmt.Errorf("create export dir: %w", mkErr)
	}

	if onChange == nil {
		onChange = func(ChunkMeta) error { return nil }
	}

	w := &Writer{
		dir:      dir,
		runID:    runID,
		combo:    combo,
		hash:     hash,
		cfg:      cfg.withDefaults(),
		headers:  headers,
		states:   make(map[Category]*chunkState, len(Categories)),
		onChange: onChange,
		manifest: Manifest{
			RunID:       runID,
			Combination: combo,
			Hash:        hash,
			Counts:      make(map[Category]int64, len(Categories)),
		},
	}

	for _, cat := range Categories {
		w.states[cat] = &chunkState{nextIx: 1}
	}

	return w, nil
}

// Dir returns the export directory.
func (w *Writer) Dir() string {
	return w.dir
}

// Append writes one record to the category's current chunk, rolling to a new
// chunk when the size limits are reached. No record is split across chunks.
func (w *Writer) Append(cat Category, record []string) error {
	state, ok := w.states[cat]
	if !ok {
		return fmt.Errorf("unknown export category %q", cat)
	}

	if !state.open {
		openErr := w.openChunk(cat, state)
		if openErr != nil {
			return openErr
		}
	}

	writeErr := state.cw.Write(record)
	if writeErr != nil {
		return fmt.Errorf("write export record: %w", writeErr)
	}

	state.meta.Rows++
	w.manifest.Counts[cat]++

	if state.meta.Rows >= w.cfg.MaxRowsPerChunk {
		return w.closeChunk(state)
	}

	// Byte-based roll uses the flushed file size; flushing per record would
	// defeat buffering, so the check piggybacks on the row interval.
	if state.meta.Rows%256 == 0 {
		state.cw.Flush()

		info, statErr := state.file.Stat()
		if statErr == nil && info.Size() >= w.cfg.MaxChunkBytes {
			return w.closeChunk(state)
		}
	}

	return nil
}

// Abort marks the category's in-flight chunk failed and discards it.
// Completed chunks written earlier remain usable: the snapshot manifest
// persisted here still lists them.
func (w *Writer) Abort(cat Category) error {
	state := w.states[cat]
	if state == nil || !state.open {
		return nil
	}

	state.cw.Flush()
	closeErr := state.file.Close()
	state.open = false

	w.manifest.Counts[cat] -= state.meta.Rows

	state.meta.Status = StatusFailed
	w.manifest.Chunks = append(w.manifest.Chunks, state.meta)

	snapshotErr := w.persistSnapshot()
	notifyErr := w.onChange(state.meta)

	return errors.Join(closeErr, snapshotErr, notifyErr)
}

// AbortAll aborts the in-flight chunk of every category.
func (w *Writer) AbortAll() error {
	var errs []error

	for _, cat := range Categories {
		errs = append(errs, w.Abort(cat))
	}

	return errors.Join(errs...)
}

// Close finalizes all in-flight chunks and writes the final manifest. The
// export is completed only if every chunk ended completed.
func (w *Writer) Close() (Manifest, error) {
	for _, cat := range Categories {
		state := w.states[cat]
		if state.open {
			closeErr := w.closeChunk(state)
			if closeErr != nil {
				return Manifest{}, closeErr
			}
		}
	}

	w.manifest.Completed = true

	for _, chunk := range w.manifest.Chunks {
		if chunk.Status != StatusCompleted {
			w.manifest.Completed = false

			break
		}
	}

	w.manifest.GeneratedAt = time.Now().UTC()

	saveErr := saveManifest(w.dir, &w.manifest)
	if saveErr != nil {
		return Manifest{}, saveErr
	}

	return w.manifest, nil
}

func (w *Writer) openChunk(cat Category, state *chunkState) error {
	name := ChunkFileName(cat, state.nextIx)
	path := filepath.Join(w.dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("create chunk %s: %w", name, err)
	}

	state.file = f
	state.cw = csv.NewWriter(f)
	state.meta = ChunkMeta{
		Category: cat,
		Index:    state.nextIx,
		Path:     path,
		Status:   StatusWriting,
	}
	state.open = true
	state.nextIx++

	notifyErr := w.onChange(state.meta)
	if notifyErr != nil {
		return notifyErr
	}

	headerErr := state.cw.Write(w.headers[cat])
	if headerErr != nil {
		return fmt.Errorf("write chunk header: %w", headerErr)
	}

	return nil
}

// closeChunk flushes, fsyncs, and marks the chunk completed. The fsync
// happens before the status transition so a completed row always points at
// durable bytes.
func (w *Writer) closeChunk(state *chunkState) error {
	state.cw.Flush()

	flushErr := state.cw.Error()
	if flushErr != nil {
		return fmt.Errorf("flush chunk: %w", flushErr)
	}

	syncErr := state.file.Sync()
	if syncErr != nil {
		return fmt.Errorf("fsync chunk: %w", syncErr)
	}

	info, statErr := state.file.Stat()
	if statErr == nil {
		state.meta.Bytes = info.Size()
	}

	closeErr := state.file.Close()
	if closeErr != nil {
		return fmt.Errorf("close chunk: %w", closeErr)
	}

	state.open = false
	state.meta.Status = StatusCompleted
	w.manifest.Chunks = append(w.manifest.Chunks, state.meta)

	snapshotErr := w.persistSnapshot()
	if snapshotErr != nil {
		return snapshotErr
	}

	return w.onChange(state.meta)
}

// persistSnapshot writes the manifest as it stands, with counts restricted to
// completed chunks. A category becomes readable as soon as its first chunk
// completes, including for attempts that are later aborted; Completed stays
// false until Close.
func (w *Writer) persistSnapshot() error {
	snap := w.manifest
	snap.Completed = false
	snap.Counts = make(map[Category]int64, len(Categories))

	for _, chunk := range snap.Chunks {
		if chunk.Status == StatusCompleted {
			snap.Counts[chunk.Category] += chunk.Rows
		}
	}

	return saveManifest(w.dir, &snap)
}
