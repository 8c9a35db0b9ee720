package merge

import (
	"errors"
	"fmt"
)

var (
	ErrCyclicImport       = errors.New("cyclic import")
	ErrDanglingValueTable = errors.New("dangling value table")
	ErrCollision          = errors.New("collision")
	ErrUnknownImport      = errors.New("unknown import")
	ErrUnboundIntegrity   = errors.New("unbound integrity rule")
)

// MergeError reports why a set of fragments could not be combined. Kind is
// one of the sentinel errors above; Err carries the underlying cause, if any.
type MergeError struct {
	Kind      error
	Fragment  string
	MessageID uint32
	Signal    string
	Msg       string
	Err       error
}

func (e *MergeError) Error() string {
	prefix := e.Fragment
	if prefix == "" {
		prefix = "merge"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v: %s: %v", prefix, e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", prefix, e.Kind, e.Msg)
}

func (e *MergeError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}
