package keycodec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/tabrecon/pkg/runerr"
)

func TestParseCombination(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    string
		expected Combination
	}{
		{name: "single", input: "id", expected: Combination{"id"}},
		{name: "multiple_with_spaces", input: "dept, role", expected: Combination{"dept", "role"}},
		{name: "empty_segments_dropped", input: "a,,b,", expected: Combination{"a", "b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := ParseCombination(tt.input)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestCombinationIdentity(t *testing.T) {
	t.Parallel()

	t.Run("same_member_set_is_equal", func(t *testing.T) {
		t.Parallel()

		a := Combination{"role", "dept"}
		b := Combination{"dept", "role"}

		assert.True(t, a.Equal(b))
		assert.Equal(t, a.Hash(), b.Hash())
	})

	t.Run("different_sets_differ", func(t *testing.T) {
		t.Parallel()

		a := Combination{"dept", "role"}
		b := Combination{"dept", "name"}

		assert.False(t, a.Equal(b))
		assert.NotEqual(t, a.Hash(), b.Hash())
	})

	t.Run("canonical_does_not_mutate", func(t *testing.T) {
		t.Parallel()

		c := Combination{"b", "a"}
		_ = c.Canonical()

		assert.Equal(t, Combination{"b", "a"}, c)
	})
}

func TestContains(t *testing.T) {
	t.Parallel()

	c := Combination{"a", "b", "c"}

	assert.True(t, c.Contains(Combination{"b"}))
	assert.True(t, c.Contains(Combination{"a", "c"}))
	assert.False(t, c.Contains(Combination{"d"}))
}

func TestIndices(t *testing.T) {
	t.Parallel()

	header := []string{"id", "name", "dept"}

	t.Run("resolves_positions", func(t *testing.T) {
		t.Parallel()

		idx, err := Combination{"dept", "id"}.Indices(header)
		require.NoError(t, err)
		assert.Equal(t, []int{2, 0}, idx)
	})

	t.Run("unknown_column", func(t *testing.T) {
		t.Parallel()

		_, err := Combination{"missing"}.Indices(header)
		assert.ErrorIs(t, err, runerr.ErrUnknownColumn)
		assert.Contains(t, err.Error(), "missing")
	})
}

func TestProject(t *testing.T) {
	t.Parallel()

	t.Run("joins_with_separator", func(t *testing.T) {
		t.Parallel()

		key := Project([]string{"1", "eng"}, []int{0, 1})
		assert.Equal(t, "1"+FieldSep+"eng", key)
	})

	t.Run("empty_field_becomes_null", func(t *testing.T) {
		t.Parallel()

		key := Project([]string{"", "eng"}, []int{0, 1})
		assert.Equal(t, NullToken+FieldSep+"eng", key)
	})

	t.Run("short_row_becomes_null", func(t *testing.T) {
		t.Parallel()

		key := Project([]string{"1"}, []int{0, 5})
		assert.Equal(t, "1"+FieldSep+NullToken, key)
	})

	t.Run("null_distinct_from_empty_key_value", func(t *testing.T) {
		t.Parallel()

		withNull := Project([]string{""}, []int{0})
		assert.NotEqual(t, "", withNull)
	})
}

func TestFieldsAndDisplay(t *testing.T) {
	t.Parallel()

	key := Project([]string{"", "eng"}, []int{0, 1})

	assert.Equal(t, []string{NullDisplay, "eng"}, Fields(key))
	assert.Equal(t, "<null>, eng", Display(key))
}

func TestIsAllNull(t *testing.T) {
	t.Parallel()

	allNull := Project([]string{"", ""}, []int{0, 1})
	mixed := Project([]string{"", "x"}, []int{0, 1})

	assert.True(t, IsAllNull(allNull))
	assert.False(t, IsAllNull(mixed))
}

func TestPartitionStable(t *testing.T) {
	t.Parallel()

	p1 := Partition("some-key", 8)
	p2 := Partition("some-key", 8)

	assert.Equal(t, p1, p2)
	assert.GreaterOrEqual(t, p1, 0)
	assert.Less(t, p1, 8)
}
