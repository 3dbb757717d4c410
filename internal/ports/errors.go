package ports

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies source failures for retry decisions.
type ErrorKind int

const (
	Transient ErrorKind = iota
	Terminal
)

func (k ErrorKind) String() string {
	if k == Terminal {
		return "terminal"
	}
	return "transient"
}

// SourceError wraps a protocol error with its classification.
type SourceError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

func NewTransient(op string, err error) error {
	return &SourceError{Kind: Transient, Op: op, Err: err}
}

func NewTerminal(op string, err error) error {
	return &SourceError{Kind: Terminal, Op: op, Err: err}
}

// IsTerminal reports whether err must not be retried. Unclassified errors and
// deadline expiry count as transient; cancellation is terminal.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	var se *SourceError
	if errors.As(err, &se) {
		return se.Kind == Terminal
	}
	return false
}
