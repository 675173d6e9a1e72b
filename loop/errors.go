package loop

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownChannel   = errors.New("unknown channel")
	ErrDuplicateChannel = errors.New("channel already registered")
	ErrChannelFailed    = errors.New("channel is in error state")
	ErrClosed           = errors.New("channel closed")
)

// SourceUnavailable reports a frame source that could not be loaded. The
// channel using it moves to StateError until it is reset.
type SourceUnavailable struct {
	Source string
	Reason string
	Cause  error
}

func (e *SourceUnavailable) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("source unavailable [%s]: %s: %v", e.Source, e.Reason, e.Cause)
	}
	return fmt.Sprintf("source unavailable [%s]: %s", e.Source, e.Reason)
}

func (e *SourceUnavailable) Unwrap() error {
	return e.Cause
}
