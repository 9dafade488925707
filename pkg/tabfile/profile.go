// Package tabfile reads delimited tabular files: delimiter and encoding
// detection, cheap row-count estimation, single-pass row streaming, and
// restartable sampling. It is the only package that touches source files;
// everything downstream works on rows it produces.
package tabfile

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/Sumatoshi-tech/tabrecon/pkg/runerr"
)

// Encoding identifies the character encoding of an input file.
type Encoding string

// Supported encodings. UTF-8 is tried first; Latin-1 is the fallback when the
// sniffed prefix fails UTF-8 validation.
const (
	EncodingUTF8   Encoding = "utf-8"
	EncodingLatin1 Encoding = "latin-1"
)

const (
	// sniffSize bounds how much of the file delimiter/encoding detection reads.
	sniffSize = 64 * 1024

	// exactCountCap is the file size above which the row count must come from
	// a full linear scan instead of a size-based estimate. Estimation error on
	// very large files would otherwise distort sampling decisions.
	exactCountCap = 256 * 1024 * 1024
)

// delimiterCandidates in tie-break priority order.
var delimiterCandidates = []rune{',', '\t', '|', ';', ' '}

// Profile describes a tabular file well enough to stream it.
type Profile struct {
	Path             string
	Header           []string
	Delimiter        rune
	Encoding         Encoding
	RowCountEstimate int64
	SizeBytes        int64

	// Estimated is true when RowCountEstimate came from average line length
	// rather than a scan of the whole file.
	Estimated bool
}

// ProfileFile inspects the first 64 KiB of the file to detect its delimiter,
// encoding, and header, and estimates the data row count. Files larger than
// the exact-count cap are scanned linearly for an exact count.
func ProfileFile(path string) (*Profile, error) {
	f, err := openInput(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, statErr := f.Stat()
	if statErr != nil {
		return nil, fmt.Errorf("%w: %s: %v", runerr.ErrUnreadable, path, statErr)
	}

	prefix := make([]byte, sniffSize)

	n, readErr := io.ReadFull(f, prefix)
	if readErr != nil && !errors.Is(readErr, io.EOF) && !errors.Is(readErr, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("%w: %s: %v", runerr.ErrUnreadable, path, readErr)
	}

	prefix = prefix[:n]
	if len(bytes.TrimSpace(prefix)) == 0 {
		return nil, fmt.Errorf("%w: %s", runerr.ErrEmptySchema, path)
	}

	enc := detectEncoding(prefix)
	delim := detectDelimiter(prefix)

	header, headerErr := parseHeader(prefix, delim, enc)
	if headerErr != nil {
		return nil, headerErr
	}

	prof := &Profile{
		Path:      path,
		Header:    header,
		Delimiter: delim,
		Encoding:  enc,
		SizeBytes: info.Size(),
	}

	countErr := estimateRowCount(prof, f, prefix)
	if countErr != nil {
		return nil, countErr
	}

	return prof, nil
}

// openInput opens path read-only, mapping OS errors onto the input-error taxonomy.
func openInput(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", runerr.ErrFileNotFound, path)
		}

		return nil, fmt.Errorf("%w: %s: %v", runerr.ErrUnreadable, path, err)
	}

	return f, nil
}

// detectDelimiter counts candidate occurrences in the sniffed prefix and picks
// the most frequent one. Ties break in candidate priority order.
func detectDelimiter(prefix []byte) rune {
	// Only the header line matters for space-delimited files; data values
	// commonly contain spaces. Restrict counting to the first line.
	firstLine := prefix
	if idx := bytes.IndexByte(prefix, '\n'); idx >= 0 {
		firstLine = prefix[:idx]
	}

	best := delimiterCandidates[0]
	bestCount := 0

	for _, cand := range delimiterCandidates {
		count := bytes.Count(firstLine, []byte(string(cand)))
		if count > bestCount {
			best = cand
			bestCount = count
		}
	}

	return best
}

// detectEncoding returns UTF-8 when the prefix validates, Latin-1 otherwise.
// The prefix may end mid-rune; trailing incomplete sequences are ignored.
func detectEncoding(prefix []byte) Encoding {
	trimmed := prefix

	// Drop up to 3 trailing bytes that may be a truncated UTF-8 sequence.
	for i := 0; i < 3 && len(trimmed) > 0; i++ {
		if utf8.Valid(trimmed) {
			return EncodingUTF8
		}

		trimmed = trimmed[:len(trimmed)-1]
	}

	if utf8.Valid(trimmed) {
		return EncodingUTF8
	}

	return EncodingLatin1
}

// parseHeader decodes and parses the first line of the prefix.
func parseHeader(prefix []byte, delim rune, enc Encoding) ([]string, error) {
	line := prefix
	if idx := bytes.IndexByte(prefix, '\n'); idx >= 0 {
		line = prefix[:idx]
	}

	reader := csv.NewReader(decodeReader(bytes.NewReader(line), enc))
	reader.Comma = delim

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", runerr.ErrEmptySchema, err)
	}

	for i, col := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(col, "\ufeff"))
	}

	if len(header) == 0 || (len(header) == 1 && header[0] == "") {
		return nil, runerr.ErrEmptySchema
	}

	return header, nil
}

// estimateRowCount fills RowCountEstimate and Estimated on prof. Small files
// whose content fits in the prefix are counted exactly for free; files above
// the cap are scanned; everything in between is estimated from average line
// length in the prefix.
func estimateRowCount(prof *Profile, f *os.File, prefix []byte) error {
	lines := int64(bytes.Count(prefix, []byte{'\n'}))

	if prof.SizeBytes <= int64(len(prefix)) {
		// Whole file was sniffed: exact count, minus the header.
		if len(prefix) > 0 && prefix[len(prefix)-1] != '\n' {
			lines++
		}

		prof.RowCountEstimate = max(lines-1, 0)

		return nil
	}

	if prof.SizeBytes > exactCountCap {
		count, err := scanLineCount(f, int64(len(prefix)), lines)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", runerr.ErrUnreadable, prof.Path, err)
		}

		prof.RowCountEstimate = max(count-1, 0)

		return nil
	}

	if lines == 0 {
		lines = 1
	}

	avgLine := int64(len(prefix)) / lines
	if avgLine == 0 {
		avgLine = 1
	}

	prof.RowCountEstimate = max(prof.SizeBytes/avgLine-1, 0)
	prof.Estimated = true

	return nil
}

// scanLineCount counts newlines in the rest of the file after the sniffed
// prefix, starting from the given running total.
func scanLineCount(f *os.File, offset, sofar int64) (int64, error) {
	_, seekErr := f.Seek(offset, io.SeekStart)
	if seekErr != nil {
		return 0, seekErr
	}

	count := sofar
	buf := make([]byte, 1024*1024)
	lastByte := byte('\n')

	reader := bufio.NewReaderSize(f, len(buf))

	for {
		n, err := reader.Read(buf)
		if n > 0 {
			count += int64(bytes.Count(buf[:n], []byte{'\n'}))
			lastByte = buf[n-1]
		}

		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return 0, err
		}
	}

	if lastByte != '\n' {
		count++
	}

	return count, nil
}
