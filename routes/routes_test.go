package routes_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/wkalt/tapecache/cache"
	"github.com/wkalt/tapecache/handler"
	"github.com/wkalt/tapecache/metrics"
	"github.com/wkalt/tapecache/plugin"
	"github.com/wkalt/tapecache/routes"
	"github.com/wkalt/tapecache/sender/memory"
	"github.com/wkalt/tapecache/submitter"
	"github.com/wkalt/tapecache/util/testutils"
)

func setup(t *testing.T) (*handler.Handler, string) {
	t.Helper()
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	h := handler.New(ctx, t.TempDir(),
		handler.WithMetrics(metrics.New(reg)),
		handler.WithIdentity("", "user"),
		handler.WithCacheConfig(cache.Config{CommitRate: time.Hour, MaximumSize: 1 << 20}),
	)
	t.Cleanup(func() { require.NoError(t, h.Close(ctx)) })
	plugins := plugin.NewManager()
	require.NoError(t, plugins.Register(plugin.NewSynthetic(h, plugin.SyntheticConfig{Name: "sine"})))
	srv := httptest.NewServer(routes.MakeRoutes(h, plugins, reg))
	t.Cleanup(srv.Close)
	return h, srv.URL
}

func do(t *testing.T, method, url string) (int, string) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	h, url := setup(t)
	_, err := h.CreateCache(ctx, "weather", testutils.ReadingSchema, "s")
	require.NoError(t, err)

	code, body := do(t, http.MethodGet, url+"/status")
	require.Equal(t, http.StatusOK, code)
	var resp routes.StatusResponse
	require.NoError(t, json.Unmarshal([]byte(body), &resp))
	require.Equal(t, routes.StatusResponse{
		Status:      "READY",
		RecordsSent: map[string]int64{"weather": 0},
		Plugins:     map[string]string{"sine": "idle"},
	}, resp)
}

func TestUploadRoutes(t *testing.T) {
	ctx := context.Background()
	h, url := setup(t)
	handle, err := h.CreateCache(ctx, "weather", testutils.ReadingSchema, "s")
	require.NoError(t, err)
	for _, value := range testutils.Readings(0, 4) {
		require.NoError(t, h.Send(ctx, handle, value))
	}

	cases := []struct {
		assertion string
		method    string
		path      string
		code      int
		contains  string
	}{
		{"upload before start", http.MethodPost, "/upload", http.StatusConflict, "not started"},
		{"flush", http.MethodPost, "/flush", http.StatusNoContent, ""},
		{"caches", http.MethodGet, "/caches", http.StatusOK, `"records":4`},
		{"metrics", http.MethodGet, "/metrics", http.StatusOK, "server_status"},
		{"wrong method", http.MethodGet, "/upload", http.StatusMethodNotAllowed, ""},
	}
	for _, c := range cases {
		t.Run(c.assertion, func(t *testing.T) {
			code, body := do(t, c.method, url+c.path)
			require.Equal(t, c.code, code)
			require.Contains(t, body, c.contains)
		})
	}

	snd := memory.New()
	require.NoError(t, h.Start(ctx, snd, submitter.DefaultConfiguration("user"), submitter.Manual()))
	code, body := do(t, http.MethodPost, url+"/upload")
	require.Equal(t, http.StatusOK, code)
	require.True(t, strings.Contains(body, "CONNECTED"), body)
	require.Len(t, snd.Received("weather"), 4)

	code, body = do(t, http.MethodGet, url+"/status")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, `"connection":"connected"`)
	require.Contains(t, body, `"weather":4`)
}
