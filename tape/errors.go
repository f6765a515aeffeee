package tape

import (
	"errors"
	"fmt"
)

// ErrCapacityExceeded is returned when an append would grow the file beyond
// its maximum size. Nothing from the rejected batch is committed.
var ErrCapacityExceeded = errors.New("queue file is full")

// ErrClosed is returned when operating on a closed tape.
var ErrClosed = errors.New("queue file is closed")

// ErrEmptyElement is returned when appending a zero-length element.
var ErrEmptyElement = errors.New("cannot store empty element")

// CorruptionError is returned when the structure of a queue file cannot be
// trusted. The only supported recovery is to delete the file and start over.
type CorruptionError struct {
	Path   string
	Reason string
}

func (e CorruptionError) Error() string {
	return fmt.Sprintf("queue file %s is corrupt: %s", e.Path, e.Reason)
}

func (e CorruptionError) Is(target error) bool {
	_, ok := target.(CorruptionError)
	return ok
}

// RemoveError is returned when more elements are removed than are present.
type RemoveError struct {
	Requested int
	Size      int
}

func (e RemoveError) Error() string {
	return fmt.Sprintf("cannot remove %d elements from queue of size %d", e.Requested, e.Size)
}

func (e RemoveError) Is(target error) bool {
	_, ok := target.(RemoveError)
	return ok
}
