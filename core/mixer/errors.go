package mixer

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidMixRequest = errors.New("invalid mix request: select at least two stems")
	ErrUnknownTrack      = errors.New("unknown track")
	ErrUnknownChannel    = errors.New("unknown channel")
	ErrUnknownStem       = errors.New("unknown stem kind")
	ErrStemUnavailable   = errors.New("stem has not been separated")
	ErrNotReady          = errors.New("transport is not armed")
	ErrEngineStopped     = errors.New("mixer engine stopped")
)

// DecodeError reports an unreadable or unsupported audio stream. It is
// delivered through the source's notify callback, never returned.
type DecodeError struct {
	Location string
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Location, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// RenderFailed is the terminal result of a failed mix submission.
type RenderFailed struct {
	Err error
}

func (e *RenderFailed) Error() string {
	return fmt.Sprintf("render failed: %v", e.Err)
}

func (e *RenderFailed) Unwrap() error { return e.Err }
