package state

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound    = errors.New("session not found")
	ErrInvalidKey  = errors.New("invalid state key")
	ErrInvalidMut  = errors.New("invalid mutation")
	ErrTooManyKeys = errors.New("session key limit reached")
	ErrDetached    = errors.New("subscriber already closed")
	ErrBackend     = errors.New("state backend failure")

	ErrUndeliverable = errors.New("subscriber queue is full")
)

// BackendError wraps a backend failure with the operation that failed.
// It matches both ErrBackend and the underlying cause.
type BackendError struct {
	Op  string
	Err error
}

func (e BackendError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrBackend.Error(), e.Op, e.Err)
}

func (e BackendError) Unwrap() []error { return []error{ErrBackend, e.Err} }
