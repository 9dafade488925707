package tabfile

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/tabrecon/pkg/runerr"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestProfileFile(t *testing.T) {
	t.Parallel()

	t.Run("comma_delimited", func(t *testing.T) {
		t.Parallel()

		path := writeFile(t, "a.csv", "id,name\n1,a\n2,b\n3,c\n")

		prof, err := ProfileFile(path)
		require.NoError(t, err)

		assert.Equal(t, ',', prof.Delimiter)
		assert.Equal(t, EncodingUTF8, prof.Encoding)
		assert.Equal(t, []string{"id", "name"}, prof.Header)
		assert.Equal(t, int64(3), prof.RowCountEstimate)
		assert.False(t, prof.Estimated)
	})

	t.Run("tab_delimited", func(t *testing.T) {
		t.Parallel()

		path := writeFile(t, "a.tsv", "id\tname\n1\ta\n")

		prof, err := ProfileFile(path)
		require.NoError(t, err)
		assert.Equal(t, '\t', prof.Delimiter)
	})

	t.Run("pipe_delimited", func(t *testing.T) {
		t.Parallel()

		path := writeFile(t, "a.psv", "id|name\n1|a\n")

		prof, err := ProfileFile(path)
		require.NoError(t, err)
		assert.Equal(t, '|', prof.Delimiter)
	})

	t.Run("missing_file", func(t *testing.T) {
		t.Parallel()

		_, err := ProfileFile(filepath.Join(t.TempDir(), "nope.csv"))
		assert.ErrorIs(t, err, runerr.ErrFileNotFound)
	})

	t.Run("empty_file", func(t *testing.T) {
		t.Parallel()

		path := writeFile(t, "empty.csv", "")

		_, err := ProfileFile(path)
		assert.ErrorIs(t, err, runerr.ErrEmptySchema)
	})

	t.Run("latin1_fallback", func(t *testing.T) {
		t.Parallel()

		// 0xE9 is é in Latin-1 and invalid as a standalone UTF-8 byte.
		path := writeFile(t, "l1.csv", "id,nom\n1,caf\xe9\n")

		prof, err := ProfileFile(path)
		require.NoError(t, err)
		assert.Equal(t, EncodingLatin1, prof.Encoding)
	})
}

func TestReader(t *testing.T) {
	t.Parallel()

	t.Run("streams_all_rows", func(t *testing.T) {
		t.Parallel()

		path := writeFile(t, "a.csv", "id,name\n1,a\n2,b\n")

		r, err := Open(path)
		require.NoError(t, err)
		defer r.Close()

		row1, err := r.Read()
		require.NoError(t, err)
		assert.Equal(t, []string{"1", "a"}, row1)

		row2, err := r.Read()
		require.NoError(t, err)
		assert.Equal(t, []string{"2", "b"}, row2)

		_, err = r.Read()
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("skips_bad_lines", func(t *testing.T) {
		t.Parallel()

		path := writeFile(t, "a.csv", "id,name\n1,a\nonly-one-field\n2,b\n")

		r, err := Open(path)
		require.NoError(t, err)
		defer r.Close()

		var rows [][]string

		for {
			row, readErr := r.Read()
			if errors.Is(readErr, io.EOF) {
				break
			}

			require.NoError(t, readErr)

			rows = append(rows, row)
		}

		assert.Len(t, rows, 2)
		assert.Equal(t, 1, r.BadLines())
	})

	t.Run("latin1_rows_decoded", func(t *testing.T) {
		t.Parallel()

		path := writeFile(t, "l1.csv", "id,nom\n1,caf\xe9\n")

		r, err := Open(path)
		require.NoError(t, err)
		defer r.Close()

		row, err := r.Read()
		require.NoError(t, err)
		assert.Equal(t, "café", row[1])
	})

	t.Run("quoted_fields", func(t *testing.T) {
		t.Parallel()

		path := writeFile(t, "q.csv", "id,name\n1,\"a,b\"\n")

		r, err := Open(path)
		require.NoError(t, err)
		defer r.Close()

		row, err := r.Read()
		require.NoError(t, err)
		assert.Equal(t, "a,b", row[1])
	})
}

func TestSampleRows(t *testing.T) {
	t.Parallel()

	content := func() string {
		var b strings.Builder

		b.WriteString("id,name\n")

		for i := range 100 {
			b.WriteString(string(rune('0'+i%10)) + "x" + string(rune('a'+i%26)) + ",v\n")
		}

		return b.String()
	}()

	t.Run("head_is_prefix", func(t *testing.T) {
		t.Parallel()

		path := writeFile(t, "a.csv", "id,name\n1,a\n2,b\n3,c\n")

		rows, header, err := SampleRows(path, 2, MethodHead, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"id", "name"}, header)
		assert.Equal(t, [][]string{{"1", "a"}, {"2", "b"}}, rows)
	})

	t.Run("head_short_file", func(t *testing.T) {
		t.Parallel()

		path := writeFile(t, "a.csv", "id,name\n1,a\n")

		rows, _, err := SampleRows(path, 10, MethodHead, 0)
		require.NoError(t, err)
		assert.Len(t, rows, 1)
	})

	t.Run("uniform_restartable", func(t *testing.T) {
		t.Parallel()

		path := writeFile(t, "big.csv", content)

		first, _, err := SampleRows(path, 10, MethodUniform, 42)
		require.NoError(t, err)

		second, _, err := SampleRows(path, 10, MethodUniform, 42)
		require.NoError(t, err)

		assert.Equal(t, first, second)
		assert.Len(t, first, 10)
	})

	t.Run("uniform_seed_changes_sample", func(t *testing.T) {
		t.Parallel()

		path := writeFile(t, "big.csv", content)

		first, _, err := SampleRows(path, 10, MethodUniform, 1)
		require.NoError(t, err)

		second, _, err := SampleRows(path, 10, MethodUniform, 2)
		require.NoError(t, err)

		assert.NotEqual(t, first, second)
	})
}

func TestSliceReader(t *testing.T) {
	t.Parallel()

	sr := NewSliceReader([]string{"id"}, [][]string{{"1"}, {"2"}})

	row, err := sr.Read()
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, row)

	_, err = sr.Read()
	require.NoError(t, err)

	_, err = sr.Read()
	assert.ErrorIs(t, err, io.EOF)

	// Close rewinds for reuse.
	require.NoError(t, sr.Close())

	row, err = sr.Read()
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, row)
}
