package sender_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wkalt/tapecache/record"
	"github.com/wkalt/tapecache/sender"
	"github.com/wkalt/tapecache/util/testutils"
)

func TestAuthenticationError(t *testing.T) {
	err := sender.AuthenticationError(errors.New("401"))
	require.True(t, sender.IsAuthentication(err))
	require.ErrorContains(t, err, "401")
	require.False(t, sender.IsAuthentication(errors.New("timeout")))
}

func TestEncode(t *testing.T) {
	topic := testutils.ReadingTopic("weather")
	batch := &record.Batch{
		Topic:  topic,
		Key:    testutils.Key("s"),
		Values: testutils.Readings(0, 2),
	}
	encoded, err := sender.Encode(record.JSONCodec{}, batch)
	require.NoError(t, err)
	require.Len(t, encoded, 2)
	require.JSONEq(t, `{"userId":"user","sourceId":"s"}`, string(encoded[0].Key))
	require.JSONEq(t, `{"time":1,"value":1}`, string(encoded[1].Value))

	batch.Values = append(batch.Values, record.Value{"time": "x"})
	_, err = sender.Encode(record.JSONCodec{}, batch)
	require.ErrorIs(t, err, sender.ErrSchemaValidation)
}
