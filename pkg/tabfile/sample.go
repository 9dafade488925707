package tabfile

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
)

// SampleMethod selects how SampleRows picks rows.
type SampleMethod string

// Sampling methods. Head takes the first n rows deterministically and is used
// when the caller supplied an explicit row limit; Uniform draws a seeded
// reservoir sample over the whole file.
const (
	MethodHead    SampleMethod = "head"
	MethodUniform SampleMethod = "uniform"
)

// SampleRows reads up to n data rows from the file using the given method.
// Sampling is restartable: the same path, n, method, and seed always yield
// the same rows. Returns the sampled rows and the file header.
func SampleRows(path string, n int, method SampleMethod, seed int64) ([][]string, []string, error) {
	if n <= 0 {
		return nil, nil, fmt.Errorf("sample size must be positive, got %d", n)
	}

	reader, err := Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer reader.Close()

	header := reader.Header()

	var rows [][]string

	var sampleErr error

	switch method {
	case MethodUniform:
		rows, sampleErr = reservoirSample(reader, n, seed)
	case MethodHead:
		rows, sampleErr = headSample(reader, n)
	default:
		return nil, nil, fmt.Errorf("unknown sample method %q", method)
	}

	if sampleErr != nil {
		return nil, nil, sampleErr
	}

	return rows, header, nil
}

// headSample returns the first n rows.
func headSample(reader RowReader, n int) ([][]string, error) {
	rows := make([][]string, 0, n)

	for len(rows) < n {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, err
		}

		rows = append(rows, row)
	}

	return rows, nil
}

// reservoirSample draws n rows uniformly from the stream (Vitter's algorithm
// R). Row order in the result follows the reservoir, which is deterministic
// for a fixed seed.
func reservoirSample(reader RowReader, n int, seed int64) ([][]string, error) {
	rng := rand.New(rand.NewSource(seed))
	reservoir := make([][]string, 0, n)

	seen := 0

	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, err
		}

		seen++

		if len(reservoir) < n {
			reservoir = append(reservoir, row)

			continue
		}

		j := rng.Intn(seen)
		if j < n {
			reservoir[j] = row
		}
	}

	return reservoir, nil
}
