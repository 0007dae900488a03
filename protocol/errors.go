package protocol

import (
	"errors"
	"fmt"
)

// ErrMalformedMessage matches every decoding failure caused by frame content
// rather than by the underlying reader.
var ErrMalformedMessage = errors.New("malformed message")

// MalformedError describes why a frame was rejected.
type MalformedError struct {
	// Kind is the tag of the frame, or 0 if the tag itself was bad.
	Kind   Kind
	Reason string
}

func (e *MalformedError) Error() string {
	if e.Kind == 0 {
		return fmt.Sprintf("malformed message: %s", e.Reason)
	}
	return fmt.Sprintf("malformed message: %s: %s", e.Kind, e.Reason)
}

func (e *MalformedError) Unwrap() error {
	return ErrMalformedMessage
}

func malformed(kind Kind, format string, args ...interface{}) error {
	return &MalformedError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}
