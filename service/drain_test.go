package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wkalt/tapecache/handler"
	"github.com/wkalt/tapecache/sender"
	"github.com/wkalt/tapecache/sender/memory"
	"github.com/wkalt/tapecache/service"
	"github.com/wkalt/tapecache/util/testutils"
)

func fillTopic(t *testing.T, root, topic string, n int) {
	t.Helper()
	ctx := context.Background()
	h := handler.New(ctx, root, handler.WithIdentity("", "user"))
	handle, err := h.CreateCache(ctx, topic, testutils.ReadingSchema, "s")
	require.NoError(t, err)
	for _, value := range testutils.Readings(0, n) {
		require.NoError(t, h.Send(ctx, handle, value))
	}
	require.NoError(t, h.Close(ctx))
}

func TestDrain(t *testing.T) {
	ctx := context.Background()
	c := testConfig(t)
	c.Submitter.AmountLimit = 100
	fillTopic(t, c.DataDir, "weather", 450)
	fillTopic(t, c.DataDir, "audio", 20)

	snd := memory.New()
	results, err := service.Drain(ctx, c, snd)
	require.NoError(t, err)
	require.Equal(t, []service.DrainResult{
		{Topic: "audio", Sent: 20, Remaining: 0},
		{Topic: "weather", Sent: 450, Remaining: 0},
	}, results)
	require.Len(t, snd.Received("weather"), 450)
}

func TestDrainStopsWithoutProgress(t *testing.T) {
	ctx := context.Background()
	c := testConfig(t)
	fillTopic(t, c.DataDir, "weather", 10)

	snd := memory.New()
	snd.FailSends(-1, errors.New("connection reset"))
	results, err := service.Drain(ctx, c, snd)
	require.Error(t, err)
	require.Equal(t, []service.DrainResult{{Topic: "weather", Sent: 0, Remaining: 10}}, results)
}

func TestDrainUnauthorized(t *testing.T) {
	ctx := context.Background()
	c := testConfig(t)
	fillTopic(t, c.DataDir, "weather", 10)

	snd := memory.New()
	snd.SetConnected(false, sender.AuthenticationError(errors.New("token expired")))
	_, err := service.Drain(ctx, c, snd)
	require.ErrorContains(t, err, "UNAUTHORIZED")
}
