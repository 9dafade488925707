// Package compcache persists one small JSON artifact per reconciled
// (run, combination): the final counts plus a bounded sample of key values
// per category. It is a read-through accelerator, not a source of truth; a
// lost or corrupt entry is rebuilt from the export chunks alone.
package compcache

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Sumatoshi-tech/tabrecon/pkg/export"
	"github.com/Sumatoshi-tech/tabrecon/pkg/persist"
	"github.com/Sumatoshi-tech/tabrecon/pkg/reconcile"
)

// DefaultSampleCap bounds the key samples stored per category.
const DefaultSampleCap = 100

// DefaultRetention is how long cache entries live before the cleanup pass
// removes them.
const DefaultRetention = 30 * 24 * time.Hour

// Entry is the on-disk cache document for one (run, combination).
type Entry struct {
	RunID       int64                        `json:"run_id"`
	Combination []string                     `json:"combination"`
	Hash        string                       `json:"combination_hash"`
	Summary     reconcile.Summary            `json:"summary"`
	Samples     map[export.Category][]string `json:"samples"`
	WrittenAt   time.Time                    `json:"written_at"`
}

// Cache manages the per-run JSON entries under one directory.
type Cache struct {
	dir       string
	sampleCap int
}

// New returns a Cache rooted at dir. A sampleCap ≤ 0 takes the default.
func New(dir string, sampleCap int) *Cache {
	if sampleCap <= 0 {
		sampleCap = DefaultSampleCap
	}

	return &Cache{dir: dir, sampleCap: sampleCap}
}

// SampleCap returns the per-category sample bound.
func (c *Cache) SampleCap() int {
	return c.sampleCap
}

// EntryPath returns the cache file path for a (run, combination-hash).
func (c *Cache) EntryPath(runID int64, hash string) string {
	return filepath.Join(c.dir, fmt.Sprintf("run_%d_%s.json", runID, hash))
}

// Put writes one entry atomically, truncating samples to the cap. Summary
// counts always reflect full data, never the sample.
func (c *Cache) Put(runID int64, result reconcile.Result) error {
	samples := make(map[export.Category][]string, len(result.Samples))

	for cat, keys := range result.Samples {
		if len(keys) > c.sampleCap {
			keys = keys[:c.sampleCap]
		}

		samples[cat] = keys
	}

	entry := Entry{
		RunID:       runID,
		Combination: result.Summary.Combination,
		Hash:        result.Summary.Hash,
		Summary:     result.Summary,
		Samples:     samples,
		WrittenAt:   time.Now().UTC(),
	}

	return persist.Save(c.EntryPath(entry.RunID, entry.Hash), &entry)
}

// Get loads one entry. Returns persist.ErrNotFound when absent.
func (c *Cache) Get(runID int64, hash string) (Entry, error) {
	var entry Entry

	loadErr := persist.Load(c.EntryPath(runID, hash), &entry)
	if loadErr != nil {
		return Entry{}, loadErr
	}

	return entry, nil
}

// Available lists the combination hashes cached for one run, sorted.
func (c *Cache) Available(runID int64) ([]Entry, error) {
	pattern := filepath.Join(c.dir, fmt.Sprintf("run_%d_*.json", runID))

	paths, globErr := filepath.Glob(pattern)
	if globErr != nil {
		return nil, fmt.Errorf("list cache entries: %w", globErr)
	}

	entries := make([]Entry, 0, len(paths))

	for _, path := range paths {
		var entry Entry

		loadErr := persist.Load(path, &entry)
		if loadErr != nil {
			// A corrupt entry is invisible, not fatal; it will be rebuilt on
			// the next generate request.
			continue
		}

		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Hash < entries[j].Hash
	})

	return entries, nil
}

// Rebuild reconstructs a cache entry from a completed export directory: the
// summary counts come from the manifest, the samples from the first rows of
// each category's chunk sequence.
func (c *Cache) Rebuild(exportDir string, runID int64) (Entry, error) {
	manifest, loadErr := export.LoadManifest(exportDir)
	if loadErr != nil {
		return Entry{}, loadErr
	}

	samples := make(map[export.Category][]string, len(export.Categories))
	keyWidth := len(manifest.Combination)

	for _, cat := range export.Categories {
		page, readErr := export.ReadRange(exportDir, cat, 0, int64(c.sampleCap))
		if readErr != nil {
			return Entry{}, readErr
		}

		keys := make([]string, 0, len(page.Records))
		for _, record := range page.Records {
			keys = append(keys, sampleKey(record, keyWidth))
		}

		samples[cat] = keys
	}

	summary := reconcile.Summary{
		Combination: manifest.Combination,
		Hash:        manifest.Hash,
		Matched:     manifest.Counts[export.CategoryMatched],
		OnlyA:       manifest.Counts[export.CategoryOnlyA],
		OnlyB:       manifest.Counts[export.CategoryOnlyB],
		GeneratedAt: manifest.GeneratedAt,
	}
	summary.TotalA = summary.Matched + summary.OnlyA
	summary.TotalB = summary.Matched + summary.OnlyB

	entry := Entry{
		RunID:       runID,
		Combination: manifest.Combination,
		Hash:        manifest.Hash,
		Summary:     summary,
		Samples:     samples,
		WrittenAt:   time.Now().UTC(),
	}

	saveErr := persist.Save(c.EntryPath(runID, entry.Hash), &entry)
	if saveErr != nil {
		return Entry{}, saveErr
	}

	return entry, nil
}

// sampleKey renders the leading key columns of an export record the same way
// live reconciliation renders samples.
func sampleKey(record []string, keyWidth int) string {
	if keyWidth > len(record) {
		keyWidth = len(record)
	}

	return strings.Join(record[:keyWidth], ", ")
}

// Sweep removes entries older than maxAge by file modification time and
// returns how many were deleted.
func (c *Cache) Sweep(maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = DefaultRetention
	}

	paths, globErr := filepath.Glob(filepath.Join(c.dir, "run_*.json"))
	if globErr != nil {
		return 0, fmt.Errorf("list cache entries: %w", globErr)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0

	for _, path := range paths {
		info, statErr := os.Stat(path)
		if statErr != nil {
			continue
		}

		if info.ModTime().After(cutoff) {
			continue
		}

		removeErr := os.Remove(path)
		if removeErr != nil {
			return removed, fmt.Errorf("remove cache entry %s: %w", path, removeErr)
		}

		removed++
	}

	return removed, nil
}
