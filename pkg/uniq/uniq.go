// Package uniq computes per-combination uniqueness metrics for one side of a
// comparison. A single streaming pass scores every candidate combination at
// once: each row is projected onto each combination's key and counted. Memory
// is bounded by the number of distinct keys; when the estimated working set
// exceeds its cap, counting falls back to hash-partitioned spill files and
// finishes partition by partition.
package uniq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/Sumatoshi-tech/tabrecon/pkg/keycodec"
	"github.com/Sumatoshi-tech/tabrecon/pkg/runerr"
	"github.com/Sumatoshi-tech/tabrecon/pkg/spill"
	"github.com/Sumatoshi-tech/tabrecon/pkg/tabfile"
)

const (
	// defaultMemoryCap bounds the in-memory key counters across all
	// combinations before the analyzer spills to disk.
	defaultMemoryCap = 512 * 1024 * 1024

	// mapEntryOverhead approximates per-entry bookkeeping for the memory
	// estimate (hash bucket, string header, count).
	mapEntryOverhead = 48

	// defaultPartitions is the spill fan-out in external mode.
	defaultPartitions = 16

	// cancelCheckInterval is how many rows pass between context checks.
	cancelCheckInterval = 4096

	// fullScore is a perfect uniqueness score.
	fullScore = 100.0
)

// Config tunes the analyzer.
type Config struct {
	// MemoryCapBytes caps the estimated size of in-memory counters.
	MemoryCapBytes int64

	// TempDir receives spill partitions in external mode.
	TempDir string

	// TempBudgetBytes caps spill volume; 0 means unlimited.
	TempBudgetBytes int64

	// Partitions is the external-mode fan-out.
	Partitions int
}

func (c Config) withDefaults() Config {
	if c.MemoryCapBytes <= 0 {
		c.MemoryCapBytes = defaultMemoryCap
	}

	if c.Partitions <= 0 {
		c.Partitions = defaultPartitions
	}

	return c
}

// Options describe the data the rows came from.
type Options struct {
	// Sampled marks results as computed on a sample rather than the full file.
	Sampled bool

	// FullRowCount is the total data row count of the underlying file. When
	// the sample turns out to cover the whole file, results are promoted to
	// full-data results.
	FullRowCount int64
}

// Result holds the uniqueness metrics of one combination on one side.
type Result struct {
	Combination     keycodec.Combination
	TotalRows       int64
	UniqueRows      int64
	DuplicateRows   int64
	DuplicateCount  int64
	UniquenessScore float64
	IsUniqueKey     bool
	IsSampled       bool
	SampleSize      int64
}

// Analyzer scores combinations against row streams.
type Analyzer struct {
	cfg Config
}

// New creates an analyzer.
func New(cfg Config) *Analyzer {
	return &Analyzer{cfg: cfg.withDefaults()}
}

// Analyze scores all combinations in one pass over the reader. The reader is
// consumed but not closed. Spill files, if any, are removed before return.
func (a *Analyzer) Analyze(
	ctx context.Context,
	reader tabfile.RowReader,
	combos []keycodec.Combination,
	opts Options,
) ([]Result, error) {
	if len(combos) == 0 {
		return nil, nil
	}

	indices := make([][]int, len(combos))

	for i, combo := range combos {
		idx, err := combo.Indices(reader.Header())
		if err != nil {
			return nil, err
		}

		indices[i] = idx
	}

	pass := &countingPass{
		analyzer: a,
		counters: make([]map[string]int64, len(combos)),
	}

	for i := range pass.counters {
		pass.counters[i] = make(map[string]int64)
	}

	totalRows, passErr := pass.run(ctx, reader, indices)
	if passErr != nil {
		return nil, passErr
	}

	tallies, tallyErr := pass.finish()
	if tallyErr != nil {
		return nil, tallyErr
	}

	results := make([]Result, len(combos))
	for i, combo := range combos {
		results[i] = buildResult(combo, totalRows, tallies[i], opts)
	}

	return results, nil
}

// tally aggregates the key counts of one combination.
type tally struct {
	distinct int64
	dupRows  int64 // Rows belonging to keys seen more than once.
}

// countingPass holds the in-flight state of one Analyze call.
type countingPass struct {
	analyzer *Analyzer
	counters []map[string]int64
	memUsed  int64
	spiller  *spill.Writer
}

func (p *countingPass) run(ctx context.Context, reader tabfile.RowReader, indices [][]int) (int64, error) {
	var totalRows int64

	for {
		if totalRows%cancelCheckInterval == 0 {
			ctxErr := ctx.Err()
			if ctxErr != nil {
				p.cleanup()

				return 0, runerr.ErrCancelled
			}
		}

		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			p.cleanup()

			return 0, err
		}

		totalRows++

		for i, idx := range indices {
			key := keycodec.Project(row, idx)

			if _, exists := p.counters[i][key]; !exists {
				p.memUsed += int64(len(key)) + mapEntryOverhead
			}

			p.counters[i][key]++
		}

		if p.memUsed > p.analyzer.cfg.MemoryCapBytes {
			spillErr := p.spillCounters()
			if spillErr != nil {
				p.cleanup()

				return 0, spillErr
			}
		}
	}

	return totalRows, nil
}

// spillCounters dumps the current counters to partitioned spill files and
// resets the in-memory state.
func (p *countingPass) spillCounters() error {
	if p.spiller == nil {
		cfg := p.analyzer.cfg

		w, err := spill.NewWriter(cfg.TempDir, cfg.Partitions, cfg.TempBudgetBytes)
		if err != nil {
			return err
		}

		p.spiller = w
	}

	for comboIdx, counter := range p.counters {
		prefix := strconv.Itoa(comboIdx) + "\x00"

		for key, count := range counter {
			addErr := p.spiller.Add(spill.Record{Key: prefix + key, Count: uint32(count)})
			if addErr != nil {
				return addErr
			}
		}

		p.counters[comboIdx] = make(map[string]int64)
	}

	p.memUsed = 0

	return nil
}

// finish merges any spilled counts and produces one tally per combination.
func (p *countingPass) finish() ([]tally, error) {
	tallies := make([]tally, len(p.counters))

	if p.spiller == nil {
		for i, counter := range p.counters {
			tallies[i] = tallyCounter(counter)
		}

		return tallies, nil
	}

	defer p.cleanup()

	// Push the residual in-memory counts through the same spill path, then
	// aggregate partition by partition.
	flushErr := p.spillCounters()
	if flushErr != nil {
		return nil, flushErr
	}

	closeErr := p.spiller.Close()
	if closeErr != nil {
		return nil, closeErr
	}

	for part := range p.spiller.Partitions() {
		partErr := p.tallyPartition(part, tallies)
		if partErr != nil {
			return nil, partErr
		}
	}

	return tallies, nil
}

func (p *countingPass) tallyPartition(part int, tallies []tally) error {
	reader, err := spill.OpenPartition(p.spiller.Dir(), part)
	if err != nil {
		return err
	}
	defer reader.Close()

	merged := make(map[string]int64)

	for {
		rec, nextErr := reader.Next()
		if errors.Is(nextErr, io.EOF) {
			break
		}

		if nextErr != nil {
			return nextErr
		}

		merged[rec.Key] += int64(rec.Count)
	}

	for key, count := range merged {
		comboIdx, parseErr := splitComboKey(key)
		if parseErr != nil {
			return parseErr
		}

		tallies[comboIdx].distinct++

		if count > 1 {
			tallies[comboIdx].dupRows += count
		}
	}

	return nil
}

func (p *countingPass) cleanup() {
	if p.spiller != nil {
		_ = p.spiller.Close()
		_ = p.spiller.Remove()
	}
}

func tallyCounter(counter map[string]int64) tally {
	var t tally

	for _, count := range counter {
		t.distinct++

		if count > 1 {
			t.dupRows += count
		}
	}

	return t
}

func splitComboKey(key string) (int, error) {
	for i := range len(key) {
		if key[i] == 0 {
			idx, err := strconv.Atoi(key[:i])
			if err != nil {
				return 0, fmt.Errorf("spill key prefix: %w", err)
			}

			return idx, nil
		}
	}

	return 0, errors.New("spill key missing combination prefix")
}

func buildResult(combo keycodec.Combination, totalRows int64, t tally, opts Options) Result {
	res := Result{
		Combination:    combo,
		TotalRows:      totalRows,
		UniqueRows:     t.distinct,
		DuplicateRows:  totalRows - t.distinct,
		DuplicateCount: t.dupRows,
		IsSampled:      opts.Sampled,
		SampleSize:     totalRows,
	}

	if totalRows > 0 {
		res.UniquenessScore = fullScore * float64(t.distinct) / float64(totalRows)
	}

	effectivelyFull := !opts.Sampled || totalRows == opts.FullRowCount
	if effectivelyFull {
		res.IsSampled = false
		res.IsUniqueKey = t.distinct == totalRows && totalRows > 0
	}

	return res
}
