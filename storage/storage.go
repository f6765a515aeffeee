package storage

import (
	"context"
	"errors"
)

/*
Package storage provides object stores for uploaded batches. The object sender
writes each batch as one object; any Provider can back it, so uploads can go
to S3 in production and to a local directory or memory in dry runs and tests.
*/

////////////////////////////////////////////////////////////////////////////////

// ErrObjectNotFound is returned when an object does not exist.
var ErrObjectNotFound = errors.New("object not found")

// ErrAccessDenied is returned when the store rejects the credentials.
var ErrAccessDenied = errors.New("access denied")

// Provider is an object store.
type Provider interface {
	// Put stores an object, replacing any object with the same id.
	Put(ctx context.Context, id string, data []byte) error

	// Get retrieves an object.
	Get(ctx context.Context, id string) ([]byte, error)

	// List returns the ids of the objects whose id starts with prefix, in
	// lexical order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes an object. Deleting an object that does not exist is not
	// an error.
	Delete(ctx context.Context, id string) error

	// Ping checks that the store is reachable and writable.
	Ping(ctx context.Context) error

	String() string
}
