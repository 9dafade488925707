// Package reconcile computes the three-way set partition of two files' key
// values on a chosen column combination: matched (in both), only_a, only_b.
//
// Keys are deduplicated per side, so each distinct key is emitted exactly
// once across matched and its side's only-set. The in-memory path keeps one
// state byte per distinct A-key; when the working set would exceed the memory
// cap the reconciler restarts in external mode, hash-partitioning both sides
// to compressed spill files and processing each partition independently.
// Records flow to the export writer through a bounded queue so a slow disk
// backpressures the producer instead of growing memory.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/Sumatoshi-tech/tabrecon/pkg/export"
	"github.com/Sumatoshi-tech/tabrecon/pkg/keycodec"
	"github.com/Sumatoshi-tech/tabrecon/pkg/runerr"
	"github.com/Sumatoshi-tech/tabrecon/pkg/spill"
	"github.com/Sumatoshi-tech/tabrecon/pkg/tabfile"
)

// Defaults for the reconciler's resource model.
const (
	DefaultMemoryCapBytes = 512 << 20
	DefaultPartitions     = 32
	DefaultQueueDepth     = 1024
	DefaultSampleCap      = 100

	// entryOverhead approximates per-key map bookkeeping beyond the key bytes.
	entryOverhead = 64

	// cancelInterval is how many rows pass between cancellation checks.
	cancelInterval = 2048
)

// A-key lifecycle during a reconciliation.
const (
	stateAbsent  uint8 = iota
	stateInA           // Seen in A, not yet classified.
	stateMatched       // Present in both; the A sweep still owes the matched row.
	stateOnlyA         // Emitted to only_a during the second A pass.
	stateEmitted       // Matched row emitted during the second A pass.
)

// errSpillNeeded switches an in-memory attempt to external mode.
var errSpillNeeded = errors.New("working set exceeds memory cap")

// Config tunes one reconciler instance. Zero values take package defaults.
type Config struct {
	MemoryCapBytes  int64
	TempDir         string
	TempBudgetBytes int64
	Partitions      int
	QueueDepth      int
	SampleCap       int
	ExportConfig    export.Config
}

func (c Config) withDefaults() Config {
	if c.MemoryCapBytes <= 0 {
		c.MemoryCapBytes = DefaultMemoryCapBytes
	}

	if c.Partitions <= 0 {
		c.Partitions = DefaultPartitions
	}

	if c.QueueDepth <= 0 {
		c.QueueDepth = DefaultQueueDepth
	}

	if c.SampleCap <= 0 {
		c.SampleCap = DefaultSampleCap
	}

	return c
}

// Request describes one (run, combination) reconciliation.
type Request struct {
	RunID       int64
	Combination keycodec.Combination

	// OpenA and OpenB produce fresh readers; A is read twice.
	OpenA tabfile.Opener
	OpenB tabfile.Opener

	// ExportDir is the base exports directory.
	ExportDir string

	// OnChunk receives export chunk status transitions.
	OnChunk export.Transition
}

// Summary holds the final counts of one reconciliation. Counts reflect
// distinct keys, never raw rows.
type Summary struct {
	Combination []string  `json:"combination"`
	Hash        string    `json:"combination_hash"`
	Matched     int64     `json:"matched"`
	OnlyA       int64     `json:"only_a"`
	OnlyB       int64     `json:"only_b"`
	TotalA      int64     `json:"total_a"`
	TotalB      int64     `json:"total_b"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Result is the full outcome of a reconciliation.
type Result struct {
	Summary  Summary
	Samples  map[export.Category][]string
	Manifest export.Manifest

	// External reports whether the run fell back to spill-partitioned mode.
	External bool
}

// Reconciler streams two files against each other. Safe for concurrent use;
// each Reconcile call owns its own state.
type Reconciler struct {
	cfg Config
}

// New returns a Reconciler with the given configuration.
func New(cfg Config) *Reconciler {
	return &Reconciler{cfg: cfg.withDefaults()}
}

// Headers builds the per-category export headers: the key columns followed by
// the full row columns of the originating side. Matched records are emitted
// from the A side, so matched and only_a share the A-side header.
func Headers(combo keycodec.Combination, headerA, headerB []string) map[export.Category][]string {
	withKey := func(side []string) []string {
		out := make([]string, 0, len(combo)+len(side))
		out = append(out, combo...)
		out = append(out, side...)

		return out
	}

	return map[export.Category][]string{
		export.CategoryMatched: withKey(headerA),
		export.CategoryOnlyA:   withKey(headerA),
		export.CategoryOnlyB:   withKey(headerB),
	}
}

// Reconcile runs the full partition for one combination and returns the
// summary, bounded key samples per category, and the export manifest. On
// cancellation the in-flight chunks are marked failed and the error is
// runerr.ErrCancelled; completed chunks remain usable.
func (r *Reconciler) Reconcile(ctx context.Context, req Request) (Result, error) {
	headerA, idxA, headErr := resolveHeader(req.OpenA, req.Combination)
	if headErr != nil {
		return Result{}, headErr
	}

	headerB, idxB, headBErr := resolveHeader(req.OpenB, req.Combination)
	if headBErr != nil {
		return Result{}, headBErr
	}

	hash := req.Combination.Hash()

	writer, writerErr := export.NewWriter(
		req.ExportDir,
		req.RunID,
		req.Combination,
		hash,
		Headers(req.Combination, headerA, headerB),
		r.cfg.ExportConfig,
		req.OnChunk,
	)
	if writerErr != nil {
		return Result{}, writerErr
	}

	em := newEmitter(writer, r.cfg.SampleCap, r.cfg.QueueDepth)

	run := &pass{
		cfg:  r.cfg,
		req:  req,
		idxA: idxA,
		idxB: idxB,
		em:   em,
	}

	summary, external, runErr := run.execute(ctx)

	emitErr := em.finish()

	if runErr == nil {
		runErr = emitErr
	}

	if runErr != nil {
		// Aborting keeps the manifest's Completed flag false: completed chunks
		// stay readable while regeneration still replaces the directory.
		abortErr := writer.AbortAll()

		return Result{}, errors.Join(runErr, abortErr)
	}

	manifest, closeErr := writer.Close()
	if closeErr != nil {
		return Result{}, closeErr
	}

	summary.Combination = req.Combination
	summary.Hash = hash
	summary.GeneratedAt = time.Now().UTC()

	return Result{
		Summary:  summary,
		Samples:  em.samples,
		Manifest: manifest,
		External: external,
	}, nil
}

// resolveHeader opens the side once to capture its header and resolve the
// combination's column indices against it.
func resolveHeader(open tabfile.Opener, combo keycodec.Combination) ([]string, []int, error) {
	reader, openErr := open()
	if openErr != nil {
		return nil, nil, openErr
	}

	header := reader.Header()

	closeErr := reader.Close()
	if closeErr != nil {
		return nil, nil, closeErr
	}

	idx, idxErr := combo.Indices(header)
	if idxErr != nil {
		return nil, nil, idxErr
	}

	return header, idx, nil
}

// pass carries the state of one Reconcile invocation.
type pass struct {
	cfg  Config
	req  Request
	idxA []int
	idxB []int
	em   *emitter
}

// execute tries the in-memory algorithm first and restarts in external mode
// when the A-side key set outgrows the cap. Nothing has been emitted when the
// switch happens, so the restart is clean.
func (p *pass) execute(ctx context.Context) (Summary, bool, error) {
	summary, memErr := p.inMemory(ctx)
	if memErr == nil {
		return summary, false, nil
	}

	if !errors.Is(memErr, errSpillNeeded) {
		return Summary{}, false, memErr
	}

	summary, extErr := p.external(ctx)

	return summary, true, extErr
}

// inMemory is the single-state-map algorithm: pass 1 builds A's distinct key
// set, the B pass classifies matched/only_b and emits only_b, pass 2 over A
// emits matched and only_a. Matched records carry the A-side row, so their
// values line up under the A-side header whatever B's column order is.
func (p *pass) inMemory(ctx context.Context) (Summary, error) {
	states := make(map[string]uint8)

	var memBytes int64

	collectErr := p.eachRow(ctx, p.req.OpenA, p.idxA, func(key string, _ []string) error {
		if _, ok := states[key]; ok {
			return nil
		}

		memBytes += int64(len(key)) + entryOverhead
		if memBytes > p.cfg.MemoryCapBytes {
			return errSpillNeeded
		}

		states[key] = stateInA

		return nil
	})
	if collectErr != nil {
		return Summary{}, collectErr
	}

	summary := Summary{TotalA: int64(len(states))}

	onlyB := make(map[string]struct{})

	classifyErr := p.eachRow(ctx, p.req.OpenB, p.idxB, func(key string, row []string) error {
		switch states[key] {
		case stateInA:
			states[key] = stateMatched
			summary.Matched++

			return nil
		case stateAbsent:
			if _, dup := onlyB[key]; dup {
				return nil
			}

			onlyB[key] = struct{}{}
			summary.OnlyB++

			return p.em.send(ctx, export.CategoryOnlyB, key, row)
		default:
			return nil
		}
	})
	if classifyErr != nil {
		return Summary{}, classifyErr
	}

	sweepErr := p.eachRow(ctx, p.req.OpenA, p.idxA, func(key string, row []string) error {
		switch states[key] {
		case stateInA:
			states[key] = stateOnlyA
			summary.OnlyA++

			return p.em.send(ctx, export.CategoryOnlyA, key, row)
		case stateMatched:
			states[key] = stateEmitted

			return p.em.send(ctx, export.CategoryMatched, key, row)
		default:
			return nil
		}
	})
	if sweepErr != nil {
		return Summary{}, sweepErr
	}

	summary.TotalB = summary.Matched + summary.OnlyB

	return summary, nil
}

// eachRow streams one side, projecting every row to its key. Cancellation is
// checked on a row interval.
func (p *pass) eachRow(
	ctx context.Context,
	open tabfile.Opener,
	indices []int,
	fn func(key string, row []string) error,
) error {
	reader, openErr := open()
	if openErr != nil {
		return openErr
	}
	defer reader.Close()

	for i := 0; ; i++ {
		if i%cancelInterval == 0 && ctx.Err() != nil {
			return fmt.Errorf("%w: %v", runerr.ErrCancelled, ctx.Err())
		}

		row, readErr := reader.Read()
		if errors.Is(readErr, io.EOF) {
			return nil
		}

		if readErr != nil {
			return readErr
		}

		fnErr := fn(keycodec.Project(row, indices), row)
		if fnErr != nil {
			return fnErr
		}
	}
}

// external spills both sides to hash partitions, then reconciles each
// partition independently with the same three-step algorithm. Chunk indices
// stay globally increasing per category because the export writer sequences
// them across partitions.
func (p *pass) external(ctx context.Context) (Summary, error) {
	tmpDir := filepath.Join(p.cfg.TempDir, fmt.Sprintf("run_%d", p.req.RunID), p.req.Combination.Hash())

	dirA := filepath.Join(tmpDir, "side_a")
	dirB := filepath.Join(tmpDir, "side_b")

	spillA, spillAErr := p.spillSide(ctx, p.req.OpenA, p.idxA, dirA)
	if spillAErr != nil {
		return Summary{}, spillAErr
	}
	defer spillA.Remove()

	spillB, spillBErr := p.spillSide(ctx, p.req.OpenB, p.idxB, dirB)
	if spillBErr != nil {
		return Summary{}, spillBErr
	}
	defer spillB.Remove()

	var summary Summary

	for part := range p.cfg.Partitions {
		if ctx.Err() != nil {
			return Summary{}, fmt.Errorf("%w: %v", runerr.ErrCancelled, ctx.Err())
		}

		partErr := p.reconcilePartition(ctx, dirA, dirB, part, &summary)
		if partErr != nil {
			return Summary{}, partErr
		}
	}

	summary.TotalB = summary.Matched + summary.OnlyB

	return summary, nil
}

// spillSide routes every row of one side to its key-hash partition, carrying
// the full row for later re-emission.
func (p *pass) spillSide(
	ctx context.Context,
	open tabfile.Opener,
	indices []int,
	dir string,
) (*spill.Writer, error) {
	w, newErr := spill.NewWriter(dir, p.cfg.Partitions, p.cfg.TempBudgetBytes)
	if newErr != nil {
		return nil, newErr
	}

	streamErr := p.eachRow(ctx, open, indices, func(key string, row []string) error {
		return w.Add(spill.Record{Key: key, Row: row, Count: 1})
	})

	closeErr := w.Close()

	if streamErr != nil {
		removeErr := w.Remove()

		return nil, errors.Join(streamErr, closeErr, removeErr)
	}

	if closeErr != nil {
		return nil, closeErr
	}

	return w, nil
}

// reconcilePartition applies the in-memory algorithm to one partition: A's
// keys first, then B's rows, then A's rows again for matched and only_a.
func (p *pass) reconcilePartition(ctx context.Context, dirA, dirB string, part int, summary *Summary) error {
	states := make(map[string]uint8)

	scanErr := eachSpilled(dirA, part, func(rec spill.Record) error {
		if _, ok := states[rec.Key]; !ok {
			states[rec.Key] = stateInA
		}

		return nil
	})
	if scanErr != nil {
		return scanErr
	}

	summary.TotalA += int64(len(states))

	onlyB := make(map[string]struct{})

	classifyErr := eachSpilled(dirB, part, func(rec spill.Record) error {
		switch states[rec.Key] {
		case stateInA:
			states[rec.Key] = stateMatched
			summary.Matched++

			return nil
		case stateAbsent:
			if _, dup := onlyB[rec.Key]; dup {
				return nil
			}

			onlyB[rec.Key] = struct{}{}
			summary.OnlyB++

			return p.em.send(ctx, export.CategoryOnlyB, rec.Key, rec.Row)
		default:
			return nil
		}
	})
	if classifyErr != nil {
		return classifyErr
	}

	return eachSpilled(dirA, part, func(rec spill.Record) error {
		switch states[rec.Key] {
		case stateInA:
			states[rec.Key] = stateOnlyA
			summary.OnlyA++

			return p.em.send(ctx, export.CategoryOnlyA, rec.Key, rec.Row)
		case stateMatched:
			states[rec.Key] = stateEmitted

			return p.em.send(ctx, export.CategoryMatched, rec.Key, rec.Row)
		default:
			return nil
		}
	})
}

// eachSpilled iterates one partition file in write order.
func eachSpilled(dir string, part int, fn func(rec spill.Record) error) error {
	reader, openErr := spill.OpenPartition(dir, part)
	if openErr != nil {
		return openErr
	}
	defer reader.Close()

	for {
		rec, readErr := reader.Next()
		if errors.Is(readErr, io.EOF) {
			return nil
		}

		if readErr != nil {
			return readErr
		}

		fnErr := fn(rec)
		if fnErr != nil {
			return fnErr
		}
	}
}
