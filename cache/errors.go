package cache

import "errors"

// ErrClosed is returned when operating on a closed cache.
var ErrClosed = errors.New("cache is closed")

// ErrReadOnly is returned when adding a measurement to a deprecated cache.
var ErrReadOnly = errors.New("cache is read-only")

// ErrNoSlot is returned when a topic directory has no free slot for a new
// queue file.
var ErrNoSlot = errors.New("no free cache slot")
