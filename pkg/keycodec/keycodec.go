// Package keycodec defines how a row is projected onto a candidate key.
//
// A key is the tuple of a row's values for one column combination, joined by
// a two-byte separator that cannot appear inside a CSV-unquoted field value.
// Null fields are encoded with a sentinel distinct from the empty string, so
// ("", "x") and (null, "x") project to different keys. The same encoding is
// used by the uniqueness analyzer, the reconciler, the export writer, and the
// comparison cache, so counts agree across all of them.
package keycodec

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"

	"github.com/Sumatoshi-tech/tabrecon/pkg/runerr"
)

const (
	// FieldSep joins column values inside an encoded key. NUL followed by the
	// unit separator cannot survive CSV unquoting, so it is unambiguous.
	FieldSep = "\x00\x1f"

	// NullToken encodes a null field inside a key. Distinct from the empty
	// string so empty values and missing values stay distinguishable.
	NullToken = "\x00N"

	// NullDisplay is the user-visible rendering of a null key component.
	NullDisplay = "<null>"

	// hashPrefixBytes is how much of the SHA-256 digest names a combination.
	hashPrefixBytes = 8
)

// Combination is an ordered tuple of column names serving as a candidate key.
// Identity is the sorted tuple: combinations with the same member set are the
// same combination.
type Combination []string

// ParseCombination splits a comma-separated column list into a Combination.
// Whitespace around names is trimmed; empty segments are dropped.
func ParseCombination(s string) Combination {
	parts := strings.Split(s, ",")
	combo := make(Combination, 0, len(parts))

	for _, p := range parts {
		name := strings.TrimSpace(p)
		if name != "" {
			combo = append(combo, name)
		}
	}

	return combo
}

// Canonical returns the sorted copy that defines the combination's identity.
func (c Combination) Canonical() Combination {
	out := make(Combination, len(c))
	copy(out, c)
	sort.Strings(out)

	return out
}

// Equal reports whether two combinations have the same member set.
func (c Combination) Equal(other Combination) bool {
	if len(c) != len(other) {
		return false
	}

	a, b := c.Canonical(), other.Canonical()

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

// Contains reports whether c includes every column of sub.
func (c Combination) Contains(sub Combination) bool {
	members := make(map[string]struct{}, len(c))
	for _, col := range c {
		members[col] = struct{}{}
	}

	for _, col := range sub {
		if _, ok := members[col]; !ok {
			return false
		}
	}

	return true
}

// String renders the combination as a comma-separated list in given order.
func (c Combination) String() string {
	return strings.Join(c, ",")
}

// Hash returns the stable identity hash of the combination: the first 8 bytes
// of the SHA-256 of the sorted tuple, hex encoded. Used in export directory
// and cache file names.
func (c Combination) Hash() string {
	h := sha256.Sum256([]byte(c.Canonical().String()))

	return hex.EncodeToString(h[:hashPrefixBytes])
}

// Indices resolves the combination's columns against a header. Returns a
// parameter error naming the first column absent from the header.
func (c Combination) Indices(header []string) ([]int, error) {
	pos := make(map[string]int, len(header))
	for i, name := range header {
		pos[name] = i
	}

	idx := make([]int, len(c))

	for i, col := range c {
		p, ok := pos[col]
		if !ok {
			return nil, fmt.Errorf("%w: %q", runerr.ErrUnknownColumn, col)
		}

		idx[i] = p
	}

	return idx, nil
}

// Project encodes the key of row for the given column indices. Fields past
// the end of a short row and empty fields are encoded as NullToken.
func Project(row []string, indices []int) string {
	parts := make([]string, len(indices))

	for i, idx := range indices {
		if idx >= len(row) || row[idx] == "" {
			parts[i] = NullToken
		} else {
			parts[i] = row[idx]
		}
	}

	return strings.Join(parts, FieldSep)
}

// Fields splits an encoded key back into its display components, rendering
// null tokens as NullDisplay.
func Fields(key string) []string {
	parts := strings.Split(key, FieldSep)

	for i, p := range parts {
		if p == NullToken {
			parts[i] = NullDisplay
		}
	}

	return parts
}

// Display renders an encoded key for cache samples and UI responses.
func Display(key string) string {
	return strings.Join(Fields(key), ", ")
}

// IsAllNull reports whether every component of the encoded key is null.
func IsAllNull(key string) bool {
	for _, p := range strings.Split(key, FieldSep) {
		if p != NullToken {
			return false
		}
	}

	return true
}

// Partition maps an encoded key to one of n hash partitions.
func Partition(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))

	return int(h.Sum32() % uint32(n))
}
