// Package spill provides hash-partitioned temporary files for external-mode
// processing. When an in-memory working set would exceed its cap, keys (with
// an optional occurrence count and row payload) are routed to one of P
// partition files by key hash, so each partition can later be processed
// independently within memory bounds.
//
// Records are buffered and written as LZ4-compressed blocks. Key material is
// highly repetitive, so block compression keeps temp-space usage well below
// the raw key volume.
package spill

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pierrec/lz4/v4"

	"github.com/Sumatoshi-tech/tabrecon/pkg/keycodec"
	"github.com/Sumatoshi-tech/tabrecon/pkg/runerr"
)

const (
	// blockSize is the uncompressed buffer size per partition before a block
	// is compressed and flushed.
	blockSize = 256 * 1024

	// maxFieldLen guards decode loops against corrupt length prefixes.
	maxFieldLen = 64 * 1024 * 1024

	dirPerm  = 0o750
	filePerm = 0o600

	u32Size = 4
)

// ErrCorruptBlock indicates a partition file failed to decode.
var ErrCorruptBlock = errors.New("spill: corrupt block")

// Record is one spilled entry: an encoded key, how many times it occurred,
// and optionally the originating row (first occurrence) for re-emission.
type Record struct {
	Key   string
	Row   []string
	Count uint32
}

// Writer routes records to partition files by key hash.
type Writer struct {
	dir        string
	files      []*os.File
	buffers    [][]byte
	partitions int
	written    int64
	budget     int64
}

// NewWriter creates partition files under dir. A budget > 0 caps the total
// compressed bytes written; exceeding it returns ErrTempBudget from Add.
func NewWriter(dir string, partitions int, budget int64) (*Writer, error) {
	if partitions <= 0 {
		return nil, fmt.Errorf("spill: partitions must be positive, got %d", partitions)
	}

	mkdirErr := os.MkdirAll(dir, dirPerm)
	if mkdirErr != nil {
		return nil, fmt.Errorf("create spill dir: %w", mkdirErr)
	}

	w := &Writer{
		dir:        dir,
		files:      make([]*os.File, partitions),
		buffers:    make([][]byte, partitions),
		partitions: partitions,
		budget:     budget,
	}

	for i := range partitions {
		f, err := os.OpenFile(partitionPath(dir, i), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, filePerm)
		if err != nil {
			closeErr := w.Close()

			return nil, errors.Join(fmt.Errorf("create partition %d: %w", i, err), closeErr)
		}

		w.files[i] = f
		w.buffers[i] = make([]byte, 0, blockSize)
	}

	return w, nil
}

// Partitions returns the partition count.
func (w *Writer) Partitions() int {
	return w.partitions
}

// Dir returns the spill directory.
func (w *Writer) Dir() string {
	return w.dir
}

// Add appends rec to its hash partition.
func (w *Writer) Add(rec Record) error {
	part := keycodec.Partition(rec.Key, w.partitions)

	w.buffers[part] = appendRecord(w.buffers[part], rec)

	if len(w.buffers[part]) >= blockSize {
		return w.flush(part)
	}

	return nil
}

// Flush writes out all buffered blocks.
func (w *Writer) Flush() error {
	for part := range w.partitions {
		err := w.flush(part)
		if err != nil {
			return err
		}
	}

	return nil
}

// Close flushes and closes all partition files.
func (w *Writer) Close() error {
	flushErr := w.Flush()

	var errs []error
	if flushErr != nil {
		errs = append(errs, flushErr)
	}

	for _, f := range w.files {
		if f == nil {
			continue
		}

		closeErr := f.Close()
		if closeErr != nil {
			errs = append(errs, closeErr)
		}
	}

	return errors.Join(errs...)
}

// Remove deletes the spill directory and all partition files.
func (w *Writer) Remove() error {
	err := os.RemoveAll(w.dir)
	if err != nil {
		return fmt.Errorf("remove spill dir: %w", err)
	}

	return nil
}

// BytesWritten reports total compressed bytes flushed so far.
func (w *Writer) BytesWritten() int64 {
	return w.written
}

func (w *Writer) flush(part int) error {
	buf := w.buffers[part]
	if len(buf) == 0 {
		return nil
	}

	compressed := make([]byte, lz4.CompressBlockBound(len(buf)))

	n, err := lz4.CompressBlock(buf, compressed, nil)
	if err != nil {
		return fmt.Errorf("compress spill block: %w", err)
	}

	payload := compressed[:n]
	if n == 0 {
		// Incompressible block; store raw (compressedLen == uncompressedLen).
		payload = buf
	}

	var header [2 * u32Size]byte

	binary.LittleEndian.PutUint32(header[0:], uint32(len(buf)))
	binary.LittleEndian.PutUint32(header[u32Size:], uint32(len(payload)))

	_, writeErr := w.files[part].Write(header[:])
	if writeErr == nil {
		_, writeErr = w.files[part].Write(payload)
	}

	if writeErr != nil {
		return fmt.Errorf("write spill block: %w", writeErr)
	}

	w.written += int64(len(header) + len(payload))
	w.buffers[part] = buf[:0]

	if w.budget > 0 && w.written > w.budget {
		return fmt.Errorf("%w: %d bytes spilled", runerr.ErrTempBudget, w.written)
	}

	return nil
}

// appendRecord encodes rec onto buf:
// [keyLen u32][key][count u32][fields u32]{[len u32][bytes]}*.
func appendRecord(buf []byte, rec Record) []byte {
	buf = appendU32(buf, uint32(len(rec.Key)))
	buf = append(buf, rec.Key...)
	buf = appendU32(buf, rec.Count)
	buf = appendU32(buf, uint32(len(rec.Row)))

	for _, field := range rec.Row {
		buf = appendU32(buf, uint32(len(field)))
		buf = append(buf, field...)
	}

	return buf
}

func appendU32(buf []byte, v uint32) []byte {
	var tmp [u32Size]byte

	binary.LittleEndian.PutUint32(tmp[:], v)

	return append(buf, tmp[:]...)
}

// Reader iterates the records of a single partition file in write order.
type Reader struct {
	file    *os.File
	block   []byte
	pos     int
	scratch []byte
}

// OpenPartition opens partition i under dir for reading.
func OpenPartition(dir string, i int) (*Reader, error) {
	f, err := os.Open(partitionPath(dir, i))
	if err != nil {
		return nil, fmt.Errorf("open partition %d: %w", i, err)
	}

	return &Reader{file: f}, nil
}

// Next returns the next record, or io.EOF after the last one.
func (r *Reader) Next() (Record, error) {
	if r.pos >= len(r.block) {
		err := r.loadBlock()
		if err != nil {
			return Record{}, err
		}
	}

	return r.decodeRecord()
}

// Close releases the partition file.
func (r *Reader) Close() error {
	err := r.file.Close()
	if err != nil {
		return fmt.Errorf("close partition: %w", err)
	}

	return nil
}

func (r *Reader) loadBlock() error {
	var header [2 * u32Size]byte

	_, err := io.ReadFull(r.file, header[:])
	if errors.Is(err, io.EOF) {
		return io.EOF
	}

	if err != nil {
		return fmt.Errorf("%w: header: %v", ErrCorruptBlock, err)
	}

	uncompressedLen := binary.LittleEndian.Uint32(header[0:])
	compressedLen := binary.LittleEndian.Uint32(header[u32Size:])

	if uncompressedLen > maxFieldLen || compressedLen > maxFieldLen {
		return fmt.Errorf("%w: implausible block size", ErrCorruptBlock)
	}

	if cap(r.scratch) < int(compressedLen) {
		r.scratch = make([]byte, compressedLen)
	}

	r.scratch = r.scratch[:compressedLen]

	_, readErr := io.ReadFull(r.file, r.scratch)
	if readErr != nil {
		return fmt.Errorf("%w: body: %v", ErrCorruptBlock, readErr)
	}

	if compressedLen == uncompressedLen {
		// Raw block (was incompressible at write time).
		r.block = append(r.block[:0], r.scratch...)
	} else {
		if cap(r.block) < int(uncompressedLen) {
			r.block = make([]byte, uncompressedLen)
		}

		r.block = r.block[:uncompressedLen]

		_, decErr := lz4.UncompressBlock(r.scratch, r.block)
		if decErr != nil {
			return fmt.Errorf("%w: %v", ErrCorruptBlock, decErr)
		}
	}

	r.pos = 0

	return nil
}

func (r *Reader) decodeRecord() (Record, error) {
	keyLen, err := r.readU32()
	if err != nil {
		return Record{}, err
	}

	key, keyErr := r.readBytes(keyLen)
	if keyErr != nil {
		return Record{}, keyErr
	}

	count, countErr := r.readU32()
	if countErr != nil {
		return Record{}, countErr
	}

	fieldCount, fcErr := r.readU32()
	if fcErr != nil {
		return Record{}, fcErr
	}

	rec := Record{Key: string(key), Count: count}

	if fieldCount > 0 {
		rec.Row = make([]string, fieldCount)

		for i := range rec.Row {
			fieldLen, flErr := r.readU32()
			if flErr != nil {
				return Record{}, flErr
			}

			field, fErr := r.readBytes(fieldLen)
			if fErr != nil {
				return Record{}, fErr
			}

			rec.Row[i] = string(field)
		}
	}

	return rec, nil
}

func (r *Reader) readU32() (uint32, error) {
	if r.pos+u32Size > len(r.block) {
		return 0, fmt.Errorf("%w: truncated record", ErrCorruptBlock)
	}

	v := binary.LittleEndian.Uint32(r.block[r.pos:])
	r.pos += u32Size

	if v > maxFieldLen {
		return 0, fmt.Errorf("%w: implausible length", ErrCorruptBlock)
	}

	return v, nil
}

func (r *Reader) readBytes(n uint32) ([]byte, error) {
	if r.pos+int(n) > len(r.block) {
		return nil, fmt.Errorf("%w: truncated record", ErrCorruptBlock)
	}

	b := r.block[r.pos : r.pos+int(n)]
	r.pos += int(n)

	return b, nil
}

func partitionPath(dir string, i int) string {
	return filepath.Join(dir, fmt.Sprintf("partition_%04d", i))
}
