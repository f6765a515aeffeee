package record

import (
	"errors"
	"fmt"
)

// ErrMalformedFrame is returned when a stored record frame cannot be split
// into its key and value.
var ErrMalformedFrame = errors.New("malformed record frame")

// ValidationError is returned when a key or value does not conform to its
// schema.
type ValidationError struct {
	Schema string
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s record: field %s: %s", e.Schema, e.Field, e.Reason)
}

func (e ValidationError) Is(target error) bool {
	_, ok := target.(ValidationError)
	return ok
}
