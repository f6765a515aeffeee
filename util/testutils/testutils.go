package testutils

import (
	"fmt"
	"net"

	"github.com/wkalt/tapecache/record"
)

/*
General purpose test utilities and record fixtures.
*/

////////////////////////////////////////////////////////////////////////////////

// ReadingSchema is a small value schema used across tests.
// nolint:gochecknoglobals
var ReadingSchema = record.MustParseSchema(
	"record Reading { time: double; value: int; label: string?; }",
)

// GetOpenPort returns an open port that can be used for testing.
func GetOpenPort() (int, error) {
	l, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, fmt.Errorf("failed to get open port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// Flatten concatenates slices of the same type.
func Flatten[T any](slices ...[]T) []T {
	var result []T
	for _, s := range slices {
		result = append(result, s...)
	}
	return result
}

// ReadingTopic returns a topic with the observation key schema and
// ReadingSchema values.
func ReadingTopic(name string) record.Topic {
	return record.NewTopic(name, record.ObservationKeySchema, ReadingSchema)
}

// Key returns an observation key for user "user" and the given source.
func Key(sourceID string) record.Value {
	return record.ObservationKey("", "user", sourceID)
}

// Reading returns the i'th test reading in normalized form.
func Reading(i int) record.Value {
	return record.Value{"time": float64(i), "value": int32(i)}
}

// Readings returns readings start through start+n-1.
func Readings(start, n int) []record.Value {
	values := make([]record.Value, n)
	for i := range values {
		values[i] = Reading(start + i)
	}
	return values
}
