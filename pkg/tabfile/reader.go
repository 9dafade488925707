package tabfile

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Sumatoshi-tech/tabrecon/pkg/runerr"
)

// RowReader is a finite, single-pass source of data rows. Read returns io.EOF
// after the last row. The header is not returned by Read.
type RowReader interface {
	Header() []string
	Read() ([]string, error)
	Close() error
}

// Opener produces a fresh RowReader positioned at the first data row. The
// reconciler needs two passes over file A, so it takes an Opener rather than
// a RowReader.
type Opener func() (RowReader, error)

// Reader streams data rows from a delimited file. Rows whose field count
// disagrees with the header are skipped and counted as bad lines rather than
// failing the stream.
type Reader struct {
	file     *os.File
	cr       *csv.Reader
	profile  *Profile
	badLines int
}

// Open profiles the file and returns a Reader positioned at the first data row.
func Open(path string) (*Reader, error) {
	prof, err := ProfileFile(path)
	if err != nil {
		return nil, err
	}

	return OpenWithProfile(prof)
}

// OpenWithProfile returns a Reader for an already-profiled file, skipping
// re-detection. Concurrent Readers over the same file are allowed; each owns
// its file handle.
func OpenWithProfile(prof *Profile) (*Reader, error) {
	f, err := openInput(prof.Path)
	if err != nil {
		return nil, err
	}

	cr := csv.NewReader(decodeReader(f, prof.Encoding))
	cr.Comma = prof.Delimiter
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = false

	// Consume the header row.
	_, headerErr := cr.Read()
	if headerErr != nil {
		closeErr := f.Close()

		return nil, errors.Join(fmt.Errorf("%w: %v", runerr.ErrEmptySchema, headerErr), closeErr)
	}

	return &Reader{file: f, cr: cr, profile: prof}, nil
}

// Header returns the file's column names.
func (r *Reader) Header() []string {
	return r.profile.Header
}

// Profile returns the profile the reader was opened with.
func (r *Reader) Profile() *Profile {
	return r.profile
}

// Read returns the next data row, skipping malformed lines. Returns io.EOF
// when the file is exhausted.
func (r *Reader) Read() ([]string, error) {
	want := len(r.profile.Header)

	for {
		row, err := r.cr.Read()
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}

		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			r.badLines++

			continue
		}

		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", runerr.ErrUnreadable, r.profile.Path, err)
		}

		if len(row) != want {
			r.badLines++

			continue
		}

		return row, nil
	}
}

// BadLines returns the number of malformed lines skipped so far.
func (r *Reader) BadLines() int {
	return r.badLines
}

// Close releases the underlying file handle.
func (r *Reader) Close() error {
	err := r.file.Close()
	if err != nil {
		return fmt.Errorf("close %s: %w", r.profile.Path, err)
	}

	return nil
}

// decodeReader wraps raw with a decoder for the detected encoding. UTF-8
// passes through; Latin-1 widens each high byte to its UTF-8 form.
func decodeReader(raw io.Reader, enc Encoding) io.Reader {
	if enc == EncodingLatin1 {
		return &latin1Reader{src: raw}
	}

	return raw
}

// latin1Reader translates ISO-8859-1 bytes to UTF-8 on the fly. Each input
// byte expands to at most two output bytes.
type latin1Reader struct {
	src     io.Reader
	pending []byte
	buf     [4096]byte
}

// Read implements io.Reader.
func (l *latin1Reader) Read(p []byte) (int, error) {
	if len(l.pending) == 0 {
		n, err := l.src.Read(l.buf[:])
		if n == 0 {
			return 0, err
		}

		for _, b := range l.buf[:n] {
			if b < 0x80 {
				l.pending = append(l.pending, b)
			} else {
				l.pending = append(l.pending, 0xC0|b>>6, 0x80|b&0x3F)
			}
		}
	}

	n := copy(p, l.pending)
	l.pending = l.pending[n:]

	return n, nil
}

// SliceReader adapts in-memory rows to the RowReader interface. Used to feed
// sampled rows through code paths written for streams.
type SliceReader struct {
	header []string
	rows   [][]string
	pos    int
}

// NewSliceReader wraps header and rows in a RowReader.
func NewSliceReader(header []string, rows [][]string) *SliceReader {
	return &SliceReader{header: header, rows: rows}
}

// Header returns the column names.
func (s *SliceReader) Header() []string {
	return s.header
}

// Read returns the next row or io.EOF.
func (s *SliceReader) Read() ([]string, error) {
	if s.pos >= len(s.rows) {
		return nil, io.EOF
	}

	row := s.rows[s.pos]
	s.pos++

	return row, nil
}

// Close resets the reader so it can be reused.
func (s *SliceReader) Close() error {
	s.pos = 0

	return nil
}
