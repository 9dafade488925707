package jobs

import (
	"context"
	"fmt"
	"strings"

	"github.com/Sumatoshi-tech/tabrecon/pkg/colscore"
	"github.com/Sumatoshi-tech/tabrecon/pkg/tabfile"
)

// QualityChecker is the pluggable data-quality pre-stage. The returned note
// lands in the quality stage's details; an error fails the run.
type QualityChecker interface {
	Check(ctx context.Context, profA, profB *tabfile.Profile) (string, error)
}

// qualitySampleSize bounds how many rows the basic checker inspects per side.
const qualitySampleSize = 5_000

// nullRateWarning is the per-column null rate above which the basic checker
// flags a column.
const nullRateWarning = 0.5

// BasicQuality is the default checker: it profiles a bounded head sample of
// each side and reports columns that are mostly null plus skipped bad lines.
type BasicQuality struct{}

// NewBasicQuality returns the default checker.
func NewBasicQuality() *BasicQuality {
	return &BasicQuality{}
}

// Check implements QualityChecker.
func (q *BasicQuality) Check(_ context.Context, profA, profB *tabfile.Profile) (string, error) {
	noteA, errA := q.checkSide("a", profA)
	if errA != nil {
		return "", errA
	}

	noteB, errB := q.checkSide("b", profB)
	if errB != nil {
		return "", errB
	}

	return noteA + "; " + noteB, nil
}

func (q *BasicQuality) checkSide(label string, prof *tabfile.Profile) (string, error) {
	reader, openErr := tabfile.OpenWithProfile(prof)
	if openErr != nil {
		return "", openErr
	}
	defer reader.Close()

	scorer := colscore.NewScorer(prof.Header, true)

	for range qualitySampleSize {
		row, readErr := reader.Read()
		if readErr != nil {
			break
		}

		scorer.Consume(row)
	}

	var flagged []string

	for _, stat := range scorer.Finalize() {
		if stat.Rows > 0 && stat.NullRate > nullRateWarning {
			flagged = append(flagged, fmt.Sprintf("%s (%.0f%% null)", stat.Name, stat.NullRate*100))
		}
	}

	note := fmt.Sprintf("%s: ok", label)

	if len(flagged) > 0 {
		note = fmt.Sprintf("%s: sparse columns %s", label, strings.Join(flagged, ", "))
	}

	if reader.BadLines() > 0 {
		note += fmt.Sprintf(", %d bad lines skipped", reader.BadLines())
	}

	return note, nil
}
