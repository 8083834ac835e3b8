package models

// Status is the outcome of a pipeline stage
type Status string

const (
	StatusOK      Status = "ok"
	StatusPartial Status = "partial"
	StatusEmpty   Status = "empty"
	StatusFailed  Status = "failed"
)

// Result carries a stage value together with an explicit outcome, so callers
// never infer "no data" from a nil value
type Result[T any] struct {
	Status Status
	Value  T
	Err    error
}

// OK wraps a value that was produced in full
func OK[T any](v T) Result[T] {
	return Result[T]{Status: StatusOK, Value: v}
}

// Partial wraps a usable value that is missing some parts
func Partial[T any](v T, err error) Result[T] {
	return Result[T]{Status: StatusPartial, Value: v, Err: err}
}

// Empty reports a confirmed absence of data
func Empty[T any]() Result[T] {
	return Result[T]{Status: StatusEmpty}
}

// Failed reports that the stage could not run
func Failed[T any](err error) Result[T] {
	return Result[T]{Status: StatusFailed, Err: err}
}

// HasValue reports whether Value is usable
func (r Result[T]) HasValue() bool {
	return r.Status == StatusOK || r.Status == StatusPartial
}

// Combine folds per-backend statuses into one pipeline status. Without usable
// data the result is failed if any backend failed and empty otherwise; with
// usable data any failure or partial backend makes the result partial.
func Combine(statuses ...Status) Status {
	var ok, partial, failed int
	for _, s := range statuses {
		switch s {
		case StatusOK:
			ok++
		case StatusPartial:
			partial++
		case StatusFailed:
			failed++
		}
	}
	switch {
	case ok+partial == 0 && failed > 0:
		return StatusFailed
	case ok+partial == 0:
		return StatusEmpty
	case failed > 0 || partial > 0:
		return StatusPartial
	default:
		return StatusOK
	}
}
