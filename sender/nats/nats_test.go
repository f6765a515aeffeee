package nats_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	natssrv "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/wkalt/tapecache/record"
	"github.com/wkalt/tapecache/sender"
	natssender "github.com/wkalt/tapecache/sender/nats"
	"github.com/wkalt/tapecache/util/testutils"
)

func runServer(t *testing.T, opts *natssrv.Options) *natssrv.Server {
	t.Helper()
	opts.Port = -1
	s, err := natssrv.NewServer(opts)
	require.NoError(t, err)
	go s.Start()
	if !s.ReadyForConnections(5 * time.Second) {
		s.Shutdown()
		t.Fatalf("nats server not ready")
	}
	t.Cleanup(s.Shutdown)
	return s
}

func batch(n int) *record.Batch {
	return &record.Batch{
		Topic:  testutils.ReadingTopic("weather"),
		Key:    testutils.Key("s"),
		Values: testutils.Readings(0, n),
	}
}

func TestPublish(t *testing.T) {
	ctx := context.Background()
	s := runServer(t, &natssrv.Options{})

	nc, err := nats.Connect(s.ClientURL())
	require.NoError(t, err)
	defer nc.Close()
	sub, err := nc.SubscribeSync("tapecache.weather")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	snd := natssender.New(natssender.Config{URL: s.ClientURL()})
	defer snd.Close()
	connected, err := snd.IsConnected(ctx)
	require.NoError(t, err)
	require.True(t, connected)

	ts, err := snd.Sender(ctx, testutils.ReadingTopic("weather"))
	require.NoError(t, err)
	require.NoError(t, ts.Send(ctx, batch(3)))
	require.NoError(t, ts.Flush(ctx))

	for i := range 3 {
		msg, err := sub.NextMsg(5 * time.Second)
		require.NoError(t, err)
		require.JSONEq(t, `{"userId":"user","sourceId":"s"}`, msg.Header.Get(natssender.HeaderKey))
		require.Equal(t, "Reading", msg.Header.Get(natssender.HeaderValueSchema))
		value, err := record.JSONCodec{}.Decode(testutils.ReadingSchema, msg.Data)
		require.NoError(t, err)
		require.Equal(t, testutils.Reading(i), value)
	}
}

func TestPublishJetStream(t *testing.T) {
	ctx := context.Background()
	s := runServer(t, &natssrv.Options{JetStream: true, StoreDir: t.TempDir()})

	snd := natssender.New(natssender.Config{URL: s.ClientURL(), JetStream: true, Stream: "READINGS"})
	defer snd.Close()
	ts, err := snd.Sender(ctx, testutils.ReadingTopic("weather"))
	require.NoError(t, err)
	require.NoError(t, ts.Send(ctx, batch(5)))

	nc, err := nats.Connect(s.ClientURL())
	require.NoError(t, err)
	defer nc.Close()
	js, err := nc.JetStream()
	require.NoError(t, err)
	info, err := js.StreamInfo("READINGS")
	require.NoError(t, err)
	require.Equal(t, uint64(5), info.State.Msgs)
}

func TestAuthorizationFailure(t *testing.T) {
	ctx := context.Background()
	s := runServer(t, &natssrv.Options{Username: "device", Password: "secret"})

	snd := natssender.New(natssender.Config{URL: s.ClientURL(), Username: "device", Password: "wrong"})
	defer snd.Close()
	connected, err := snd.IsConnected(ctx)
	require.False(t, connected)
	require.True(t, sender.IsAuthentication(err))

	good := natssender.New(natssender.Config{URL: s.ClientURL(), Username: "device", Password: "secret"})
	defer good.Close()
	connected, err = good.ResetConnection(ctx)
	require.NoError(t, err)
	require.True(t, connected)
}

func TestUnreachableServer(t *testing.T) {
	port, err := testutils.GetOpenPort()
	require.NoError(t, err)
	snd := natssender.New(natssender.Config{
		URL:     fmt.Sprintf("nats://127.0.0.1:%d", port),
		Timeout: 200 * time.Millisecond,
	})
	defer snd.Close()
	connected, err := snd.IsConnected(context.Background())
	require.False(t, connected)
	require.Error(t, err)
	require.False(t, sender.IsAuthentication(err))
}

func TestSubject(t *testing.T) {
	cases := []struct {
		assertion string
		config    natssender.Config
		topic     string
		expected  string
	}{
		{"default prefix", natssender.Config{}, "weather", "tapecache.weather"},
		{"custom prefix", natssender.Config{SubjectPrefix: "radar"}, "weather", "radar.weather"},
		{"dots replaced", natssender.Config{}, "android.phone.acceleration", "tapecache.android_phone_acceleration"},
	}
	for _, c := range cases {
		t.Run(c.assertion, func(t *testing.T) {
			require.Equal(t, c.expected, c.config.Subject(c.topic))
		})
	}
}

func TestMessagesRejectInvalidValues(t *testing.T) {
	b := batch(1)
	b.Values = append(b.Values, record.Value{"value": "x"})
	_, err := natssender.Messages(record.JSONCodec{}, "tapecache.weather", b)
	require.ErrorIs(t, err, sender.ErrSchemaValidation)
}
