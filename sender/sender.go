package sender

import (
	"context"
	"errors"
	"fmt"

	"github.com/wkalt/tapecache/record"
)

/*
Package sender defines the network side of the upload path. A Sender is a
connection to an ingestion service; it hands out one TopicSender per topic,
which uploads batches of records sharing a key.

Errors wrapping ErrAuthentication are terminal for an upload cycle: the
credentials need to be renewed before anything will succeed. Any other error
is transient and retried after a backoff.
*/

////////////////////////////////////////////////////////////////////////////////

// ErrAuthentication is returned when the server rejects the credentials.
var ErrAuthentication = errors.New("authentication failed")

// ErrSchemaValidation is returned when the server rejects the schema of a
// batch.
var ErrSchemaValidation = errors.New("schema validation failed")

// ErrClosed is returned when using a closed sender.
var ErrClosed = errors.New("sender is closed")

// Sender is a connection to an ingestion service.
type Sender interface {
	// IsConnected reports whether the service is reachable.
	IsConnected(ctx context.Context) (bool, error)

	// ResetConnection reconnects and reports whether that succeeded.
	ResetConnection(ctx context.Context) (bool, error)

	// Sender returns the sender for a topic.
	Sender(ctx context.Context, topic record.Topic) (TopicSender, error)

	Close() error
}

// TopicSender uploads batches of one topic.
type TopicSender interface {
	// Send uploads a batch. When it returns nil every record of the batch has
	// been accepted.
	Send(ctx context.Context, batch *record.Batch) error

	// Flush waits for buffered sends to complete.
	Flush(ctx context.Context) error

	Close() error
}

// AuthenticationError wraps err as an authentication failure.
func AuthenticationError(err error) error {
	return fmt.Errorf("%w: %w", ErrAuthentication, err)
}

// IsAuthentication reports whether err is an authentication failure.
func IsAuthentication(err error) bool {
	return errors.Is(err, ErrAuthentication)
}

// EncodedRecord is a record encoded for transmission.
type EncodedRecord struct {
	Key   []byte
	Value []byte
}

// Encode encodes the records of a batch with codec, using the schemas of the
// batch topic.
func Encode(codec record.Codec, batch *record.Batch) ([]EncodedRecord, error) {
	key, err := codec.Encode(batch.Topic.KeySchema, batch.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: key: %w", ErrSchemaValidation, err)
	}
	encoded := make([]EncodedRecord, len(batch.Values))
	for i, v := range batch.Values {
		value, err := codec.Encode(batch.Topic.ValueSchema, v)
		if err != nil {
			return nil, fmt.Errorf("%w: value %d: %w", ErrSchemaValidation, i, err)
		}
		encoded[i] = EncodedRecord{Key: key, Value: value}
	}
	return encoded, nil
}
