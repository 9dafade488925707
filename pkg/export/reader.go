package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
)

// Page is one window of records from a category's chunk sequence.
type Page struct {
	Header  []string   `json:"header"`
	Records [][]string `json:"records"`
	Offset  int64      `json:"offset"`
	Total   int64      `json:"total"`
}

// ReadRange returns records [offset, offset+limit) of a category, reading
// completed chunks in index order and skipping whole chunks ahead of the
// window using the manifest row counts. Failed and in-flight chunks are
// invisible.
func ReadRange(dir string, cat Category, offset, limit int64) (Page, error) {
	manifest, loadErr := LoadManifest(dir)
	if loadErr != nil {
		return Page{}, loadErr
	}

	chunks := completedChunks(manifest, cat)

	page := Page{
		Offset:  offset,
		Total:   manifest.Counts[cat],
		Records: make([][]string, 0, limit),
	}

	if offset < 0 || limit <= 0 {
		return page, nil
	}

	remaining := offset

	for _, chunk := range chunks {
		if remaining >= chunk.Rows {
			remaining -= chunk.Rows

			continue
		}

		header, taken, readErr := readChunkRange(chunk.Path, remaining, limit-int64(len(page.Records)))
		if readErr != nil {
			return Page{}, readErr
		}

		if page.Header == nil {
			page.Header = header
		}

		page.Records = append(page.Records, taken...)
		remaining = 0

		if int64(len(page.Records)) >= limit {
			break
		}
	}

	return page, nil
}

// completedChunks filters the manifest down to one category's completed
// chunks, ordered by chunk index.
func completedChunks(manifest Manifest, cat Category) []ChunkMeta {
	var chunks []ChunkMeta

	for _, chunk := range manifest.Chunks {
		if chunk.Category == cat && chunk.Status == StatusCompleted {
			chunks = append(chunks, chunk)
		}
	}

	sort.Slice(chunks, func(i, j int) bool {
		return chunks[i].Index < chunks[j].Index
	})

	return chunks
}

// readChunkRange reads up to limit records starting at skip data rows into
// the chunk. The first CSV record is the header and never counts as data.
func readChunkRange(path string, skip, limit int64) ([]string, [][]string, error) {
	f, openErr := os.Open(path)
	if openErr != nil {
		return nil, nil, fmt.Errorf("open chunk: %w", openErr)
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1

	header, headerErr := cr.Read()
	if headerErr != nil {
		return nil, nil, fmt.Errorf("read chunk header: %w", headerErr)
	}

	var out [][]string

	for int64(len(out)) < limit {
		record, readErr := cr.Read()
		if readErr == io.EOF {
			break
		}

		if readErr != nil {
			return nil, nil, fmt.Errorf("read chunk record: %w", readErr)
		}

		if skip > 0 {
			skip--

			continue
		}

		out = append(out, record)
	}

	return header, out, nil
}
