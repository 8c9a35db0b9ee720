package codec

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownMessage = errors.New("unknown message")
	ErrUnknownSignal  = errors.New("unknown signal")
	ErrMissingSignal  = errors.New("missing signal")
	ErrOutOfRange     = errors.New("value out of range")
	ErrLengthMismatch = errors.New("length mismatch")
)

// CodecError is returned by a failed encode or decode. The buffer being built
// is discarded.
type CodecError struct {
	Kind      error
	MessageID uint32
	Signal    string
	Msg       string
}

func (e *CodecError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("message %d signal %s: %v: %s", e.MessageID, e.Signal, e.Kind, e.Msg)
	}
	return fmt.Sprintf("message %d: %v: %s", e.MessageID, e.Kind, e.Msg)
}

func (e *CodecError) Unwrap() error { return e.Kind }
