// Package runerr defines the error taxonomy shared by the analysis engine.
//
// Errors fall into four families with different handling policies: input
// errors and parameter errors fail the run immediately, resource errors
// trigger a fallback to external (spill-to-disk) processing, and transient
// errors are retried with backoff. Cancellation is represented as an error
// value but is not treated as a failure.
package runerr

import "errors"

// Input errors. Fatal to the run.
var (
	// ErrFileNotFound indicates an input file does not exist.
	ErrFileNotFound = errors.New("input file not found")

	// ErrUnreadable indicates an input file exists but cannot be opened or read.
	ErrUnreadable = errors.New("input file unreadable")

	// ErrEmptySchema indicates an input file has no header row.
	ErrEmptySchema = errors.New("input file has no header")

	// ErrSchemaMismatch indicates files A and B share no common columns.
	ErrSchemaMismatch = errors.New("schema mismatch between input files")
)

// Parameter errors. Fatal to the run with a message naming the offending value.
var (
	// ErrParameter indicates a run parameter is invalid.
	ErrParameter = errors.New("invalid parameter")

	// ErrUnknownColumn indicates a requested combination references a column
	// absent from the column pool.
	ErrUnknownColumn = errors.New("unknown column")
)

// Resource errors. Non-fatal by default; the caller switches to external mode.
var (
	// ErrMemoryCap indicates the in-memory working set exceeded its cap.
	ErrMemoryCap = errors.New("memory cap exceeded")

	// ErrTempBudget indicates external mode exhausted its temp-space budget.
	// Unlike ErrMemoryCap this one is fatal to the stage.
	ErrTempBudget = errors.New("temp space budget exhausted")
)

// Control-flow errors.
var (
	// ErrCancelled indicates the run was cancelled cooperatively.
	// It is not a failure: the run ends in the cancelled state.
	ErrCancelled = errors.New("run cancelled")

	// ErrStageTimeout indicates a stage exceeded its wall-clock budget.
	ErrStageTimeout = errors.New("stage timeout exceeded")
)

// Transient wraps an error that is worth retrying with backoff.
type Transient struct {
	Err error
}

// Error implements the error interface.
func (t *Transient) Error() string {
	return "transient: " + t.Err.Error()
}

// Unwrap exposes the wrapped error to errors.Is/As.
func (t *Transient) Unwrap() error {
	return t.Err
}

// MarkTransient wraps err so IsTransient reports true. A nil err stays nil.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}

	return &Transient{Err: err}
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var t *Transient

	return errors.As(err, &t)
}

// IsFatalInput reports whether err belongs to the input-error family.
func IsFatalInput(err error) bool {
	return errors.Is(err, ErrFileNotFound) ||
		errors.Is(err, ErrUnreadable) ||
		errors.Is(err, ErrEmptySchema) ||
		errors.Is(err, ErrSchemaMismatch)
}

// IsParameter reports whether err belongs to the parameter-error family.
func IsParameter(err error) bool {
	return errors.Is(err, ErrParameter) || errors.Is(err, ErrUnknownColumn)
}
