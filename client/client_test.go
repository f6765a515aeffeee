package client_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wkalt/tapecache/cache"
	"github.com/wkalt/tapecache/client"
	"github.com/wkalt/tapecache/handler"
	"github.com/wkalt/tapecache/routes"
	"github.com/wkalt/tapecache/sender/memory"
	"github.com/wkalt/tapecache/submitter"
	"github.com/wkalt/tapecache/util/testutils"
)

func TestClient(t *testing.T) {
	ctx := context.Background()
	h := handler.New(ctx, t.TempDir(),
		handler.WithIdentity("", "user"),
		handler.WithCacheConfig(cache.Config{CommitRate: time.Hour, MaximumSize: 1 << 20}),
	)
	defer func() { require.NoError(t, h.Close(ctx)) }()
	srv := httptest.NewServer(routes.MakeRoutes(h, nil, nil))
	defer srv.Close()
	c := client.New(srv.URL + "/")

	handle, err := h.CreateCache(ctx, "weather", testutils.ReadingSchema, "s")
	require.NoError(t, err)
	for _, value := range testutils.Readings(0, 3) {
		require.NoError(t, h.Send(ctx, handle, value))
	}

	require.ErrorContains(t, c.Upload(ctx), "uploads are not started")
	require.NoError(t, c.Flush(ctx))
	caches, err := c.Caches(ctx)
	require.NoError(t, err)
	require.Len(t, caches, 1)
	require.Equal(t, "weather", caches[0].Topic)
	require.Equal(t, int64(3), caches[0].Records)

	snd := memory.New()
	require.NoError(t, h.Start(ctx, snd, submitter.DefaultConfiguration("user"), submitter.Manual()))
	require.NoError(t, c.Upload(ctx))
	status, err := c.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, "CONNECTED", status.Status)
	require.Equal(t, map[string]int64{"weather": 3}, status.RecordsSent)

	_, err = client.New("http://127.0.0.1:1").Status(ctx)
	require.ErrorContains(t, err, "error calling /status")
}
