package service_test

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/wkalt/tapecache/config"
	"github.com/wkalt/tapecache/handler"
	"github.com/wkalt/tapecache/plugin"
	"github.com/wkalt/tapecache/record"
	"github.com/wkalt/tapecache/sender/memory"
	"github.com/wkalt/tapecache/sender/object"
	"github.com/wkalt/tapecache/service"
	"github.com/wkalt/tapecache/submitter"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	c := config.Default()
	c.DataDir = t.TempDir()
	c.Metrics.Listen = "127.0.0.1:0"
	c.Cache.CommitRate = 10 * time.Millisecond
	c.Submitter = submitter.DefaultConfiguration("user")
	c.Plugins.Synthetic = []plugin.SyntheticConfig{{Name: "sine", Interval: time.Millisecond, Limit: 10}}
	return c
}

func run(t *testing.T, svc *service.Service) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- svc.Start(ctx)
	}()
	select {
	case <-svc.Ready():
	case err := <-done:
		cancel()
		t.Fatalf("service failed to start: %s", err)
	case <-time.After(10 * time.Second):
		cancel()
		t.Fatal("service did not start")
	}
	return cancel, done
}

func post(t *testing.T, url string) int {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	_, err = io.Copy(io.Discard, resp.Body)
	require.NoError(t, err)
	return resp.StatusCode
}

func TestServiceUploadsPluginData(t *testing.T) {
	c := testConfig(t)
	snd := memory.New()
	svc := service.New(c,
		service.WithSender(snd),
		service.WithRegistry(prometheus.NewRegistry()),
		service.WithSubmitterOptions(submitter.Manual()),
	)
	cancel, done := run(t, svc)
	require.Equal(t, []string{"sine"}, svc.Plugins().Names())

	require.Eventually(t, func() bool {
		group, ok := svc.Handler().GetCache("synthetic_reading")
		return ok && group.Active.NumberOfRecords() == 10
	}, 10*time.Second, 5*time.Millisecond)

	require.Equal(t, http.StatusOK, post(t, "http://"+svc.Addr()+"/upload"))
	require.Len(t, snd.Received("synthetic_reading"), 10)

	cancel()
	require.NoError(t, <-done)

	ctx := context.Background()
	h := handler.New(ctx, c.DataDir)
	defer func() { require.NoError(t, h.Close(ctx)) }()
	require.NoError(t, h.OpenExisting(ctx))
	group, ok := h.GetCache("synthetic_reading")
	require.True(t, ok)
	require.Zero(t, group.Active.NumberOfRecords())
}

func TestServiceDrainsExistingCaches(t *testing.T) {
	c := testConfig(t)
	c.Metrics.Listen = ""
	c.Plugins.Synthetic = nil

	// leave records behind as an earlier run would
	ctx := context.Background()
	h := handler.New(ctx, c.DataDir, handler.WithIdentity("", "user"))
	handle, err := h.CreateCache(ctx, "synthetic_reading", plugin.SyntheticSchema, "watch")
	require.NoError(t, err)
	for i := range 5 {
		require.NoError(t, h.Send(ctx, handle, record.Value{
			"time": float64(i), "timeReceived": float64(i), "sequence": int64(i), "value": 0.5,
		}))
	}
	require.NoError(t, h.Close(ctx))

	snd := memory.New()
	svc := service.New(c, service.WithSender(snd), service.WithRegistry(prometheus.NewRegistry()))
	cancel, done := run(t, svc)
	sub, err := svc.Handler().Submitter()
	require.NoError(t, err)
	require.NoError(t, sub.UploadOnce(ctx))
	require.Len(t, snd.Received("synthetic_reading"), 5)
	cancel()
	require.NoError(t, <-done)
}

func TestServiceStartErrors(t *testing.T) {
	cases := []struct {
		assertion string
		modify    func(*config.Config)
		contains  string
	}{
		{
			"invalid config",
			func(c *config.Config) { c.Submitter.UserID = "" },
			"invalid config",
		},
		{
			"unreachable listen address",
			func(c *config.Config) { c.Metrics.Listen = "256.0.0.1:0" },
			"failed to listen",
		},
	}
	for _, c := range cases {
		t.Run(c.assertion, func(t *testing.T) {
			conf := testConfig(t)
			c.modify(&conf)
			svc := service.New(conf, service.WithSender(memory.New()), service.WithRegistry(prometheus.NewRegistry()))
			err := svc.Start(context.Background())
			require.ErrorContains(t, err, c.contains)
		})
	}
}

func TestNewSender(t *testing.T) {
	cases := []struct {
		assertion string
		config    config.SenderConfig
		check     func(t *testing.T, err error)
	}{
		{
			"memory",
			config.SenderConfig{Kind: config.SenderMemory},
			func(t *testing.T, err error) { require.NoError(t, err) },
		},
		{
			"object directory",
			config.SenderConfig{Kind: config.SenderObject, Object: config.ObjectConfig{Dir: t.TempDir()}},
			func(t *testing.T, err error) { require.NoError(t, err) },
		},
		{
			"invalid",
			config.SenderConfig{Kind: config.SenderKafka},
			func(t *testing.T, err error) { require.Error(t, err) },
		},
	}
	for _, c := range cases {
		t.Run(c.assertion, func(t *testing.T) {
			snd, err := service.NewSender(c.config)
			c.check(t, err)
			if err == nil {
				require.NoError(t, snd.Close())
			}
		})
	}

	snd, err := service.NewSender(config.SenderConfig{Kind: config.SenderObject, Object: config.ObjectConfig{Dir: t.TempDir()}})
	require.NoError(t, err)
	require.IsType(t, &object.Sender{}, snd)
	require.NoError(t, snd.Close())
}
