package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/wkalt/tapecache/metrics"
	"github.com/wkalt/tapecache/tape"
	"github.com/wkalt/tapecache/util/testutils"
)

func TestFailedWriteKeepsPendingRecords(t *testing.T) {
	ctx := context.Background()
	topic := testutils.ReadingTopic("weather")
	m := metrics.New(prometheus.NewRegistry())
	c, err := Open(ctx, filepath.Join(t.TempDir(), "cache.tape"), topic, topic,
		Config{CommitRate: time.Hour, MaximumSize: 1 << 20}, WithMetrics(m))
	require.NoError(t, err)
	defer func() { require.NoError(t, c.Close(ctx)) }()

	for i := 0; i < 3; i++ {
		require.NoError(t, c.AddMeasurement(ctx, testutils.Key("s"), testutils.Reading(i)))
	}

	// the queue file fails underneath the cache
	_, err = Compute(ctx, c.executor, func() (struct{}, error) {
		return struct{}{}, c.queue.Close()
	})
	require.NoError(t, err)
	require.ErrorIs(t, c.Flush(ctx), tape.ErrClosed)

	pending, err := Compute(ctx, c.executor, func() (int, error) {
		return len(c.pending), nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, pending)

	// once the file can be opened again the retained records are written
	_, err = Compute(ctx, c.executor, func() (struct{}, error) {
		c.queue = nil
		return struct{}{}, nil
	})
	require.NoError(t, err)
	require.NoError(t, c.Flush(ctx))
	require.Equal(t, int64(3), c.NumberOfRecords())
	require.InDelta(t, 0, testutil.ToFloat64(m.RecordsDropped.WithLabelValues("weather", metrics.DropInvalid)), 0)
	require.InDelta(t, 0, testutil.ToFloat64(m.RecordsDropped.WithLabelValues("weather", metrics.DropClosed)), 0)
}
