package record_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wkalt/tapecache/record"
	"github.com/wkalt/tapecache/util"
)

func accelerationTopic() record.Topic {
	return record.NewTopic(
		"android_phone_acceleration",
		record.ObservationKeySchema,
		record.MustParseSchema(`record Acceleration {
			time: double;
			timeReceived: double;
			x: float;
			y: float;
			z: float;
			raw: bytes?;
			history: []long?;
		}`),
	)
}

func TestSerializerRoundTrip(t *testing.T) {
	topic := accelerationTopic()
	serializer := record.NewSerializer(topic, record.JSONCodec{})
	deserializer := record.NewDeserializer(topic, record.JSONCodec{})
	cases := []struct {
		assertion string
		record    record.Record
	}{
		{
			"required fields",
			record.Record{
				Key:   record.ObservationKey("", "user", "source"),
				Value: record.Value{"time": 1.25, "timeReceived": 1.5, "x": float32(0.1), "y": float32(-9.81), "z": float32(3)},
			},
		},
		{
			"optional fields",
			record.Record{
				Key: record.ObservationKey("project", "user", "source"),
				Value: record.Value{
					"time": 1.0, "timeReceived": 2.0, "x": float32(1), "y": float32(2), "z": float32(3),
					"raw":     []byte{0, 1, 2, 255},
					"history": []any{int64(1), int64(1) << 50},
				},
			},
		},
	}
	for _, c := range cases {
		t.Run(c.assertion, func(t *testing.T) {
			data, err := serializer.Serialize(c.record)
			require.NoError(t, err)
			require.Equal(t, make([]byte, 8), data[:8])

			decoded, err := deserializer.Deserialize(data)
			require.NoError(t, err)
			require.Equal(t, c.record, decoded)

			key, err := deserializer.DeserializeKey(data)
			require.NoError(t, err)
			require.Equal(t, c.record.Key, key)
		})
	}
}

func TestSerializerRejectsInvalid(t *testing.T) {
	topic := accelerationTopic()
	serializer := record.NewSerializer(topic, record.JSONCodec{})
	_, err := serializer.Serialize(record.Record{
		Key:   record.Value{"userId": "u"},
		Value: record.Value{"time": 1.0, "timeReceived": 1.0, "x": 1, "y": 1, "z": 1},
	})
	require.ErrorIs(t, err, record.ValidationError{})

	_, err = serializer.Serialize(record.Record{
		Key:   record.ObservationKey("", "u", "s"),
		Value: record.Value{"time": "now"},
	})
	require.ErrorIs(t, err, record.ValidationError{})
}

func TestDeserializeErrors(t *testing.T) {
	topic := accelerationTopic()
	deserializer := record.NewDeserializer(topic, record.JSONCodec{})
	frame := func(key, value string) []byte {
		buf := make([]byte, 8+4+len(key)+4+len(value))
		n := util.WritePrefixedBytes(buf[8:], []byte(key))
		util.WritePrefixedBytes(buf[8+n:], []byte(value))
		return buf
	}
	cases := []struct {
		assertion string
		data      []byte
		target    error
	}{
		{"too short", []byte{0, 0, 0}, record.ErrMalformedFrame},
		{"truncated key", append(make([]byte, 8), 0, 0, 0, 10, 'a'), record.ErrMalformedFrame},
		{"trailing bytes", append(frame(`{}`, `{}`), 1), record.ErrMalformedFrame},
		{"null value", frame(`{"userId":"u","sourceId":"s"}`, `null`), record.ValidationError{}},
		{"wrong key schema", frame(`{"userId":"u"}`, `{}`), record.ValidationError{}},
	}
	for _, c := range cases {
		t.Run(c.assertion, func(t *testing.T) {
			_, err := deserializer.Deserialize(c.data)
			require.ErrorIs(t, err, c.target)
		})
	}
	t.Run("invalid json", func(t *testing.T) {
		_, err := deserializer.Deserialize(frame(`{`, `{}`))
		require.Error(t, err)
	})
}

func TestBatch(t *testing.T) {
	var empty *record.Batch
	require.Equal(t, 0, empty.Len())
	key := record.ObservationKey("", "u", "s")
	batch := &record.Batch{Key: key, Values: []record.Value{{"a": 1}, {"a": 2}}}
	require.Equal(t, 2, batch.Len())
	require.Equal(t, []record.Record{
		{Key: key, Value: record.Value{"a": 1}},
		{Key: key, Value: record.Value{"a": 2}},
	}, batch.Records())
}
