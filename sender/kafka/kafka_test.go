package kafka

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kerr"

	"github.com/wkalt/tapecache/record"
	"github.com/wkalt/tapecache/sender"
	"github.com/wkalt/tapecache/util/testutils"
)

func TestTranslate(t *testing.T) {
	cases := []struct {
		assertion string
		input     error
		auth      bool
		schema    bool
	}{
		{"sasl failure", kerr.SaslAuthenticationFailed, true, false},
		{"wrapped topic acl", fmt.Errorf("produce: %w", kerr.TopicAuthorizationFailed), true, false},
		{"invalid record", kerr.InvalidRecord, false, true},
		{"too large", kerr.MessageTooLarge, false, true},
		{"leader moved", kerr.NotLeaderForPartition, false, false},
		{"network", errors.New("dial tcp: connection refused"), false, false},
	}
	for _, c := range cases {
		t.Run(c.assertion, func(t *testing.T) {
			err := translate(c.input)
			require.ErrorIs(t, err, c.input)
			require.Equal(t, c.auth, sender.IsAuthentication(err))
			require.Equal(t, c.schema, errors.Is(err, sender.ErrSchemaValidation))
		})
	}
}

func TestRecords(t *testing.T) {
	topic := testutils.ReadingTopic("weather")
	batch := &record.Batch{Topic: topic, Key: testutils.Key("s"), Values: testutils.Readings(0, 3)}
	records, err := Records(record.JSONCodec{}, "tc.weather", batch)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for i, r := range records {
		require.Equal(t, "tc.weather", r.Topic)
		require.JSONEq(t, `{"userId":"user","sourceId":"s"}`, string(r.Key))
		value, err := record.JSONCodec{}.Decode(topic.ValueSchema, r.Value)
		require.NoError(t, err)
		require.Equal(t, testutils.Reading(i), value)
		require.Len(t, r.Headers, 3)
	}

	batch.Values = append(batch.Values, record.Value{"time": "noon"})
	_, err = Records(record.JSONCodec{}, "tc.weather", batch)
	require.ErrorIs(t, err, sender.ErrSchemaValidation)
}

func TestConfig(t *testing.T) {
	cases := []struct {
		assertion string
		config    Config
		valid     bool
	}{
		{"brokers", Config{Brokers: []string{"localhost:9092"}}, true},
		{"no brokers", Config{}, false},
		{"username without password", Config{Brokers: []string{"b:9092"}, Username: "u"}, false},
		{"sasl", Config{Brokers: []string{"b:9092"}, Username: "u", Password: "p", TLS: true}, true},
	}
	for _, c := range cases {
		t.Run(c.assertion, func(t *testing.T) {
			err := c.config.Validate()
			if !c.valid {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			snd, err := New(c.config)
			require.NoError(t, err)
			require.NoError(t, snd.Close())
			require.NoError(t, snd.Close())
		})
	}
}
