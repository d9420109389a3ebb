package agent

import (
	"errors"
	"fmt"
)

// ErrNoBackend is returned when a loop is run without a backend.
var ErrNoBackend = errors.New("agent: backend is nil")

// ErrInvalidRequest marks chat requests rejected before any event is sent.
var ErrInvalidRequest = errors.New("agent: invalid request")

// TransportError reports a failed backend call: a non-success status, a
// connection failure, a broken body or an in-band error record.
type TransportError struct {
	Iteration int
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("agent: backend call %d: %v", e.Iteration, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
