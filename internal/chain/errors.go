package chain

import (
	"errors"
	"fmt"
)

// ErrNotConnected marks calls made before Connect succeeded.
var ErrNotConnected = errors.New("not connected to the chain RPC")

// ConnectionError wraps an RPC transport failure.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RangeError marks an invalid block range request. The tick algorithm never
// produces one; seeing it means a caller bug.
type RangeError struct {
	From uint64
	To   uint64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("invalid block range [%d, %d]", e.From, e.To)
}

// SubmissionError wraps a rejected or timed-out submission. Transient by
// definition: the caller may retry with the same idempotency key.
type SubmissionError struct {
	Err error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submission rejected: %v", e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// IsSubmissionError reports whether err is a transient submission failure.
func IsSubmissionError(err error) bool {
	var se *SubmissionError
	return errors.As(err, &se)
}
