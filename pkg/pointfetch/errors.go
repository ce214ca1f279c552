package pointfetch

import (
	"context"
	"errors"
	"fmt"
)

// ErrCanceled marks a session that was superseded. It matches
// context.Canceled under errors.Is as well.
var ErrCanceled = fmt.Errorf("fetch superseded: %w", context.Canceled)

// TransportError is a failed exchange: network failure or a non-2xx status.
type TransportError struct {
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		if e.Err != nil {
			return fmt.Sprintf("points endpoint status %d: %v", e.Status, e.Err)
		}
		return fmt.Sprintf("points endpoint status %d", e.Status)
	}
	return fmt.Sprintf("points endpoint: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsCanceled reports whether err means "superseded" rather than "failed".
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}
