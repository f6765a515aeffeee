package cache_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wkalt/tapecache/cache"
	"github.com/wkalt/tapecache/record"
	"github.com/wkalt/tapecache/util/testutils"
)

func newStore(t *testing.T, root string) *cache.Store {
	t.Helper()
	store := cache.NewStore(root)
	t.Cleanup(func() { require.NoError(t, store.Close(context.Background())) })
	return store
}

func TestGetOrCreateCaches(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store := newStore(t, root)
	topic := testutils.ReadingTopic("weather")

	group, err := store.GetOrCreateCaches(ctx, topic, slowConfig())
	require.NoError(t, err)
	require.Equal(t, "weather", group.TopicName())
	require.NotNil(t, group.Active)
	require.Empty(t, group.Deprecated())
	require.Equal(t, filepath.Join(root, "weather", "cache-0.tape"), group.Active.File())

	keySchema, err := os.ReadFile(filepath.Join(root, "weather", "cache-0.key.schema"))
	require.NoError(t, err)
	require.Equal(t, record.ObservationKeySchema.String(), strings.TrimSpace(string(keySchema)))
	valueSchema, err := os.ReadFile(filepath.Join(root, "weather", "cache-0.value.schema"))
	require.NoError(t, err)
	require.Equal(t, testutils.ReadingSchema.String(), strings.TrimSpace(string(valueSchema)))

	again, err := store.GetOrCreateCaches(ctx, topic, slowConfig())
	require.NoError(t, err)
	require.Same(t, group, again)
	require.Len(t, store.Groups(), 1)
}

func TestSchemaUpgrade(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	oldTopic := testutils.ReadingTopic("weather")

	// write records with the old schema
	store := cache.NewStore(root)
	group, err := store.GetOrCreateCaches(ctx, oldTopic, slowConfig())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, group.Active.AddMeasurement(ctx, testutils.Key("s"), testutils.Reading(i)))
	}
	require.NoError(t, store.Close(ctx))

	// reopen with a new value schema
	newTopic := record.NewTopic("weather", record.ObservationKeySchema,
		record.MustParseSchema("record Reading { time: double; value: int; unit: string; }"))
	store = newStore(t, root)
	group, err = store.GetOrCreateCaches(ctx, newTopic, slowConfig())
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "weather", "cache-1.tape"), group.Active.File())
	deprecated := group.Deprecated()
	require.Len(t, deprecated, 1)
	old := deprecated[0]
	require.True(t, old.ReadOnly())
	require.True(t, old.ReadTopic().ValueSchema.Equal(testutils.ReadingSchema))
	require.Equal(t, int64(3), old.NumberOfRecords())
	require.ErrorIs(t, old.AddMeasurement(ctx, testutils.Key("s"), testutils.Reading(1)), cache.ErrReadOnly)

	batch, err := old.GetUnsentRecords(ctx, 100, sizeLimit)
	require.NoError(t, err)
	require.Equal(t, testutils.Readings(0, 3), batch.Values)

	// non-empty deprecated caches are kept
	require.NoError(t, group.DeleteEmptyCaches(ctx))
	require.Len(t, group.Deprecated(), 1)

	_, err = old.Remove(ctx, 3)
	require.NoError(t, err)
	require.NoError(t, group.DeleteEmptyCaches(ctx))
	require.Empty(t, group.Deprecated())
	for _, name := range []string{"cache-0.tape", "cache-0.key.schema", "cache-0.value.schema"} {
		_, err := os.Stat(filepath.Join(root, "weather", name))
		require.ErrorIs(t, err, os.ErrNotExist)
	}
	_, err = os.Stat(filepath.Join(root, "weather", "cache-1.tape"))
	require.NoError(t, err)
}

func TestMissingSchemaFiles(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	topic := testutils.ReadingTopic("weather")

	store := cache.NewStore(root)
	group, err := store.GetOrCreateCaches(ctx, topic, slowConfig())
	require.NoError(t, err)
	require.NoError(t, group.Active.AddMeasurement(ctx, testutils.Key("s"), testutils.Reading(1)))
	require.NoError(t, store.Close(ctx))

	// a queue file without schema files is adopted by the topic
	require.NoError(t, os.Remove(filepath.Join(root, "weather", "cache-0.key.schema")))
	require.NoError(t, os.Remove(filepath.Join(root, "weather", "cache-0.value.schema")))

	store = newStore(t, root)
	group, err = store.GetOrCreateCaches(ctx, topic, slowConfig())
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "weather", "cache-0.tape"), group.Active.File())
	require.Equal(t, int64(1), group.Active.NumberOfRecords())
	_, err = os.Stat(filepath.Join(root, "weather", "cache-0.key.schema"))
	require.NoError(t, err)
}

func TestUnreadableSchemaIsSkipped(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	dir := filepath.Join(root, "weather")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cache-0.tape"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cache-0.key.schema"), []byte("not a schema"), 0644))

	store := newStore(t, root)
	group, err := store.GetOrCreateCaches(ctx, testutils.ReadingTopic("weather"), slowConfig())
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "cache-1.tape"), group.Active.File())
	require.Empty(t, group.Deprecated())
}

func TestStoreInvalidConfig(t *testing.T) {
	store := newStore(t, t.TempDir())
	_, err := store.GetOrCreateCaches(context.Background(), testutils.ReadingTopic("weather"), cache.Config{})
	require.Error(t, err)
}

func TestOpenExisting(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	store := cache.NewStore(root)
	for _, name := range []string{"weather", "audio"} {
		group, err := store.GetOrCreateCaches(ctx, testutils.ReadingTopic(name), slowConfig())
		require.NoError(t, err)
		require.NoError(t, group.Active.AddMeasurement(ctx, testutils.Key("s"), testutils.Reading(0)))
	}
	require.NoError(t, store.Close(ctx))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0755))

	reopened := newStore(t, root)
	topics, err := reopened.Discover(ctx)
	require.NoError(t, err)
	require.Len(t, topics, 2)
	for _, topic := range topics {
		require.True(t, topic.ValueSchema.Equal(testutils.ReadingSchema))
	}

	groups, err := reopened.OpenExisting(ctx, slowConfig())
	require.NoError(t, err)
	require.Len(t, groups, 2)
	require.Len(t, reopened.Groups(), 2)
	for _, group := range reopened.Groups() {
		require.Equal(t, int64(1), group.Active.NumberOfRecords())
	}

	missing := newStore(t, filepath.Join(root, "absent"))
	topics, err = missing.Discover(ctx)
	require.NoError(t, err)
	require.Empty(t, topics)
}
