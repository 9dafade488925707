// Package persist provides atomic JSON file persistence. Documents are
// written to a temporary file in the target directory, fsynced, and renamed
// into place, so readers see either the old document or the new one and
// never a partial write.
package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	dirPerm  = 0o750
	filePerm = 0o600
)

// ErrNotFound is returned by Load when no document exists at the path.
var ErrNotFound = errors.New("document not found")

// Save marshals v as indented JSON and atomically replaces path with it.
func Save(path string, v any) error {
	data, marshalErr := json.MarshalIndent(v, "", "  ")
	if marshalErr != nil {
		return fmt.Errorf("marshal document: %w", marshalErr)
	}

	dir := filepath.Dir(path)

	mkdirErr := os.MkdirAll(dir, dirPerm)
	if mkdirErr != nil {
		return fmt.Errorf("create document dir: %w", mkdirErr)
	}

	tmp, tmpErr := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if tmpErr != nil {
		return fmt.Errorf("create temp document: %w", tmpErr)
	}

	tmpName := tmp.Name()

	writeErr := writeAndSync(tmp, data)
	if writeErr != nil {
		_ = os.Remove(tmpName)

		return writeErr
	}

	renameErr := os.Rename(tmpName, path)
	if renameErr != nil {
		_ = os.Remove(tmpName)

		return fmt.Errorf("replace document: %w", renameErr)
	}

	return nil
}

func writeAndSync(f *os.File, data []byte) error {
	_, writeErr := f.Write(data)
	if writeErr != nil {
		_ = f.Close()

		return fmt.Errorf("write document: %w", writeErr)
	}

	syncErr := f.Sync()
	if syncErr != nil {
		_ = f.Close()

		return fmt.Errorf("sync document: %w", syncErr)
	}

	closeErr := f.Close()
	if closeErr != nil {
		return fmt.Errorf("close document: %w", closeErr)
	}

	chmodErr := os.Chmod(f.Name(), filePerm)
	if chmodErr != nil {
		return fmt.Errorf("chmod document: %w", chmodErr)
	}

	return nil
}

// Load reads the JSON document at path into v. A missing file maps to
// ErrNotFound so callers can distinguish absence from corruption.
func Load(path string, v any) error {
	data, readErr := os.ReadFile(path)
	if readErr != nil {
		if errors.Is(readErr, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, path)
		}

		return fmt.Errorf("read document: %w", readErr)
	}

	unmarshalErr := json.Unmarshal(data, v)
	if unmarshalErr != nil {
		return fmt.Errorf("decode document %s: %w", path, unmarshalErr)
	}

	return nil
}
