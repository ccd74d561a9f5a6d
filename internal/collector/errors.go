package collector

import (
	"errors"
	"fmt"
)

// Error classes reported in api-error entries.
const (
	ClassTimeout  = "timeout"
	ClassNetwork  = "network"
	ClassRejected = "rejected"
	ClassServer   = "server"
	ClassEncode   = "encode"
)

// ErrTimeout matches every timeout-class Error.
var ErrTimeout = errors.New("collector timeout")

// Error is a classified upload failure.
type Error struct {
	Class      string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("collector %s (status %d, %d attempts): %v", e.Class, e.StatusCode, e.Attempts, e.Err)
	}
	return fmt.Sprintf("collector %s (%d attempts): %v", e.Class, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrTimeout) match timeout-class errors.
func (e *Error) Is(target error) bool {
	return target == ErrTimeout && e.Class == ClassTimeout
}

// ErrorClass implements upload.ErrorClassifier.
func (e *Error) ErrorClass() string { return e.Class }

// Retryable reports whether another attempt might succeed.
func (e *Error) Retryable() bool {
	switch e.Class {
	case ClassTimeout, ClassNetwork, ClassServer:
		return true
	case ClassRejected:
		return e.StatusCode == 429
	default:
		return false
	}
}
