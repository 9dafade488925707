// Package colscore ranks individual columns by how promising they are as
// unique-key components: cardinality, null rate, identifier-looking names,
// and date-shaped values feed a weighted promise score in [0, 1].
//
// A Scorer is a single-pass consumer: feed it every row of a sample or
// stream, then call Finalize. On samples it counts distinct values exactly;
// on full streams it switches to a HyperLogLog sketch per column so memory
// stays flat regardless of cardinality.
package colscore

import (
	"errors"
	"io"
	"regexp"
	"time"

	"github.com/Sumatoshi-tech/tabrecon/pkg/alg/hll"
	"github.com/Sumatoshi-tech/tabrecon/pkg/tabfile"
)

// Promise score weights. Cardinality dominates: a column cannot anchor a key
// without distinct values, however pretty its name.
const (
	weightCardinality = 0.5
	weightIDLike      = 0.2
	weightDateLike    = 0.1
	weightLowNull     = 0.2
)

// idLikeCardinalityRatio is the distinct/non-null ratio above which a column
// counts as identifier-like regardless of its name.
const idLikeCardinalityRatio = 0.8

// dateLikeRatio is the fraction of non-null values that must parse as dates.
const dateLikeRatio = 0.9

// idNamePattern matches column names that conventionally hold identifiers.
var idNamePattern = regexp.MustCompile(`(?i)(id|key|code|identifier|guid|uuid)`)

// dateLayouts are tried in order when classifying values as date-like.
var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339,
	"02/01/2006",
	"01/02/2006",
	"20060102",
}

// Stats holds the per-column result of a scoring pass.
type Stats struct {
	Name     string
	Rows     int64
	NonNull  int64
	Distinct int64
	NullRate float64
	IDLike   bool
	DateLike bool
	Promise  float64

	// DistinctEstimated is true when Distinct came from a sketch.
	DistinctEstimated bool
}

// Scorer accumulates column statistics over one pass.
type Scorer struct {
	columns  []string
	exact    bool
	sets     []map[string]struct{}
	sketches []*hll.Sketch
	nonNull  []int64
	dateHits []int64
	rows     int64
}

// NewScorer creates a scorer for the given columns. With exact=true distinct
// values are counted in maps (use for bounded samples); otherwise each column
// gets a HyperLogLog sketch (use for full streams).
func NewScorer(columns []string, exact bool) *Scorer {
	s := &Scorer{
		columns:  columns,
		exact:    exact,
		nonNull:  make([]int64, len(columns)),
		dateHits: make([]int64, len(columns)),
	}

	if exact {
		s.sets = make([]map[string]struct{}, len(columns))
		for i := range s.sets {
			s.sets[i] = make(map[string]struct{})
		}
	} else {
		s.sketches = make([]*hll.Sketch, len(columns))
		for i := range s.sketches {
			s.sketches[i] = hll.MustNew()
		}
	}

	return s
}

// Consume folds one row into the statistics. Short rows are padded with nulls.
func (s *Scorer) Consume(row []string) {
	s.rows++

	for i := range s.columns {
		var val string
		if i < len(row) {
			val = row[i]
		}

		if val == "" {
			continue
		}

		s.nonNull[i]++

		if looksLikeDate(val) {
			s.dateHits[i]++
		}

		if s.exact {
			s.sets[i][val] = struct{}{}
		} else {
			s.sketches[i].AddString(val)
		}
	}
}

// ConsumeAll drains the reader into the scorer.
func (s *Scorer) ConsumeAll(reader tabfile.RowReader) error {
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return err
		}

		s.Consume(row)
	}
}

// Finalize computes per-column stats. The scorer may not be reused afterward.
func (s *Scorer) Finalize() []Stats {
	out := make([]Stats, len(s.columns))

	for i, name := range s.columns {
		distinct := s.distinct(i)
		nonNull := s.nonNull[i]

		st := Stats{
			Name:              name,
			Rows:              s.rows,
			NonNull:           nonNull,
			Distinct:          distinct,
			DistinctEstimated: !s.exact,
		}

		if s.rows > 0 {
			st.NullRate = float64(s.rows-nonNull) / float64(s.rows)
		}

		cardRatio := 0.0
		if nonNull > 0 {
			cardRatio = float64(distinct) / float64(nonNull)
			if cardRatio > 1 {
				cardRatio = 1 // Sketch estimates can overshoot slightly.
			}
		}

		st.IDLike = idNamePattern.MatchString(name) || cardRatio >= idLikeCardinalityRatio
		st.DateLike = nonNull > 0 && float64(s.dateHits[i])/float64(nonNull) >= dateLikeRatio

		st.Promise = weightCardinality * cardRatio
		if st.IDLike {
			st.Promise += weightIDLike
		}

		if st.DateLike {
			st.Promise += weightDateLike
		}

		st.Promise += weightLowNull * (1 - st.NullRate)

		out[i] = st
	}

	return out
}

func (s *Scorer) distinct(i int) int64 {
	if s.exact {
		return int64(len(s.sets[i]))
	}

	return int64(s.sketches[i].Count())
}

// looksLikeDate reports whether val parses under any known date layout.
// Cheap length gate first: no supported layout is shorter than 8 runes.
func looksLikeDate(val string) bool {
	if len(val) < 8 || len(val) > 35 {
		return false
	}

	for _, layout := range dateLayouts {
		_, err := time.Parse(layout, val)
		if err == nil {
			return true
		}
	}

	return false
}
