package scheduler

import (
	"errors"
	"fmt"
)

// ErrMissingContinuationToken is returned when a page claims more results but
// carries no token to fetch them with.
var ErrMissingContinuationToken = errors.New("has more pages but no continuation token")

// RetrievalError aborts a traversal: a page could not be fetched even after retries.
type RetrievalError struct {
	Level string
	Err   error
}

func (e *RetrievalError) Error() string { return e.Err.Error() }

func (e *RetrievalError) Unwrap() error { return e.Err }

// AggregateError reports the entities of a completed traversal whose trigger
// could not be started.
type AggregateError struct {
	Level     string
	Attempted int
	Failed    int
	Errs      []error
}

func (e *AggregateError) Error() string {
	return fmt.Sprintf("attempted %d - but failed to start triggering of scheduling for %d %s", e.Attempted, e.Failed, e.Level)
}

func (e *AggregateError) Unwrap() []error { return e.Errs }
