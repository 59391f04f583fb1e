package aacenc

import (
	"errors"
	"fmt"
)

// ErrAlreadyRunning is returned when Run is called more than once.
var ErrAlreadyRunning = errors.New("aacenc: encoder already run")

// InitError reports a failure to set up an encoding session: a bad input
// format, unsupported parameters or a codec that would not configure.
// Nothing has been started when it is returned.
type InitError struct {
	Op  string
	Err error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("aacenc: init %s: %v", e.Op, e.Err)
}

func (e *InitError) Unwrap() error {
	return e.Err
}

// RuntimeError reports a fatal failure of the encode loop. The session has
// been torn down when it is returned.
type RuntimeError struct {
	Op  string
	Err error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("aacenc: %s: %v", e.Op, e.Err)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}
