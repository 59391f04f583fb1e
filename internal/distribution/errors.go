package distribution

import (
	"errors"
	"fmt"
)

// ErrStreamNotFound is returned when a request names an unregistered stream.
var ErrStreamNotFound = errors.New("distribution: stream not found")

// ConsumerWriteError records why a tap was evicted from a Broadcaster.
type ConsumerWriteError struct {
	TapID string
	Err   error
}

func (e *ConsumerWriteError) Error() string {
	return fmt.Sprintf("distribution: write to tap %s: %v", e.TapID, e.Err)
}

func (e *ConsumerWriteError) Unwrap() error {
	return e.Err
}
