package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/wkalt/tapecache/record"
	"github.com/wkalt/tapecache/util/log"
)

/*
Store manages the caches of all topics under one root directory. Each topic has
a directory holding numbered queue files with the key and value schemas they
were written with stored beside them:

	<root>/<topic>/cache-0.tape
	<root>/<topic>/cache-0.key.schema
	<root>/<topic>/cache-0.value.schema

When a topic is opened, the queue file whose schemas match the topic becomes
the active cache. Files written with other schemas are opened read-only as
deprecated caches, so their records can still be uploaded, and are deleted
once empty.
*/

////////////////////////////////////////////////////////////////////////////////

const (
	tapeExtension        = ".tape"
	keySchemaExtension   = ".key.schema"
	valueSchemaExtension = ".value.schema"

	// maxSlots is the number of queue files a topic directory may hold.
	maxSlots = 100
)

// nolint:gochecknoglobals
var slotPattern = regexp.MustCompile(`^cache-(\d+)\.tape$`)

// Store opens and tracks topic caches.
type Store struct {
	root string
	opts []Option

	mtx    sync.Mutex
	groups map[string]*Group
}

// NewStore constructs a store rooted at root. The options are applied to
// every cache it opens.
func NewStore(root string, opts ...Option) *Store {
	return &Store{
		root:   root,
		opts:   opts,
		groups: make(map[string]*Group),
	}
}

// Root returns the root directory.
func (s *Store) Root() string {
	return s.root
}

// GetOrCreateCaches returns the caches of a topic, opening them on first use.
func (s *Store) GetOrCreateCaches(ctx context.Context, topic record.Topic, config Config) (*Group, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if group, ok := s.groups[topic.Name]; ok {
		return group, nil
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	group, err := s.load(ctx, topic, config)
	if err != nil {
		return nil, fmt.Errorf("failed to load caches for %s: %w", topic.Name, err)
	}
	s.groups[topic.Name] = group
	return group, nil
}

// Groups returns the loaded cache groups ordered by topic name.
func (s *Store) Groups() []*Group {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	names := make([]string, 0, len(s.groups))
	for name := range s.groups {
		names = append(names, name)
	}
	slices.Sort(names)
	groups := make([]*Group, 0, len(names))
	for _, name := range names {
		groups = append(groups, s.groups[name])
	}
	return groups
}

// Discover returns the topics found under the root, using the schemas of the
// most recently modified queue file of each topic directory.
func (s *Store) Discover(ctx context.Context) ([]record.Topic, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list cache root: %w", err)
	}
	topics := []record.Topic{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(s.root, entry.Name())
		slots, err := listSlots(dir)
		if err != nil {
			return nil, err
		}
		var newest string
		var newestTime int64
		for _, slot := range slots {
			base := filepath.Join(dir, "cache-"+strconv.Itoa(slot))
			info, err := os.Stat(base + tapeExtension)
			if err != nil {
				continue
			}
			if t := info.ModTime().UnixNano(); newest == "" || t > newestTime {
				newest, newestTime = base, t
			}
		}
		if newest == "" {
			continue
		}
		keySchema, keyErr := loadSchema(newest + keySchemaExtension)
		valueSchema, valueErr := loadSchema(newest + valueSchemaExtension)
		if keyErr != nil || valueErr != nil || keySchema == nil || valueSchema == nil {
			log.Warnf(ctx, "Skipping topic %s without readable schemas", entry.Name())
			continue
		}
		topics = append(topics, record.NewTopic(entry.Name(), keySchema, valueSchema))
	}
	return topics, nil
}

// OpenExisting opens the caches of every discovered topic that is not loaded.
func (s *Store) OpenExisting(ctx context.Context, config Config) ([]*Group, error) {
	topics, err := s.Discover(ctx)
	if err != nil {
		return nil, err
	}
	groups := make([]*Group, 0, len(topics))
	for _, topic := range topics {
		group, err := s.GetOrCreateCaches(ctx, topic, config)
		if err != nil {
			return groups, err
		}
		groups = append(groups, group)
	}
	return groups, nil
}

// Close closes every loaded cache.
func (s *Store) Close(ctx context.Context) error {
	eg := errgroup.Group{}
	for _, group := range s.Groups() {
		eg.Go(func() error {
			return group.Close(ctx)
		})
	}
	return eg.Wait()
}

func (s *Store) load(ctx context.Context, topic record.Topic, config Config) (*Group, error) {
	ctx = log.AddTags(ctx, "topic", topic.Name)
	dir := filepath.Join(s.root, topic.Name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	slots, err := listSlots(dir)
	if err != nil {
		return nil, err
	}
	group := &Group{topicName: topic.Name}
	closeAll := func() {
		if err := group.Close(ctx); err != nil {
			log.Warnf(ctx, "Failed to close caches: %s", err)
		}
	}
	for _, slot := range slots {
		base := filepath.Join(dir, "cache-"+strconv.Itoa(slot))
		keySchema, valueSchema, ok := resolveSchemas(ctx, base, topic)
		if !ok {
			continue
		}
		matches := keySchema.Equal(topic.KeySchema) && valueSchema.Equal(topic.ValueSchema)
		if matches && group.Active == nil {
			log.Infof(ctx, "Loading matching cache %s", base+tapeExtension)
			cache, err := Open(ctx, base+tapeExtension, topic, topic, config, s.opts...)
			if err != nil {
				closeAll()
				return nil, err
			}
			group.Active = cache
			continue
		}
		if matches {
			log.Errorf(ctx, "Cannot have more than one active cache, treating %s as deprecated", base)
		}
		log.Debugf(ctx, "Loading deprecated cache %s", base+tapeExtension)
		readTopic := record.NewTopic(topic.Name, keySchema, valueSchema)
		opts := append(slices.Clone(s.opts), ReadOnly())
		cache, err := Open(ctx, base+tapeExtension, readTopic, readTopic, config, opts...)
		if err != nil {
			closeAll()
			return nil, err
		}
		group.deprecated = append(group.deprecated, cache)
	}
	if group.Active != nil {
		return group, nil
	}
	slot := -1
	for i := 0; i < maxSlots; i++ {
		if !slices.Contains(slots, i) {
			slot = i
			break
		}
	}
	if slot < 0 {
		closeAll()
		return nil, ErrNoSlot
	}
	base := filepath.Join(dir, "cache-"+strconv.Itoa(slot))
	if err := storeSchema(base+keySchemaExtension, topic.KeySchema); err != nil {
		closeAll()
		return nil, err
	}
	if err := storeSchema(base+valueSchemaExtension, topic.ValueSchema); err != nil {
		closeAll()
		return nil, err
	}
	log.Infof(ctx, "Creating new cache %s", base+tapeExtension)
	cache, err := Open(ctx, base+tapeExtension, topic, topic, config, s.opts...)
	if err != nil {
		closeAll()
		return nil, err
	}
	group.Active = cache
	return group, nil
}

// listSlots returns the sorted slot numbers of the queue files in dir.
func listSlots(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache directory: %w", err)
	}
	slots := []int{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := slotPattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		slot, err := strconv.Atoi(match[1])
		if err != nil {
			continue
		}
		slots = append(slots, slot)
	}
	slices.Sort(slots)
	return slots, nil
}

// resolveSchemas loads the schemas stored beside a queue file. A missing
// schema file is filled in from the topic if the other one matches the topic
// or is also missing. Files whose schemas cannot be determined are skipped.
func resolveSchemas(ctx context.Context, base string, topic record.Topic) (*record.Schema, *record.Schema, bool) {
	keySchema, keyErr := loadSchema(base + keySchemaExtension)
	valueSchema, valueErr := loadSchema(base + valueSchemaExtension)
	if keyErr != nil || valueErr != nil {
		log.Errorf(ctx, "Skipping cache %s with unreadable schema: %s", base, errors.Join(keyErr, valueErr))
		return nil, nil, false
	}
	if keySchema == nil {
		if valueSchema != nil && !valueSchema.Equal(topic.ValueSchema) {
			log.Errorf(ctx, "Skipping cache %s with partially specified schema", base)
			return nil, nil, false
		}
		keySchema = topic.KeySchema
		if err := storeSchema(base+keySchemaExtension, keySchema); err != nil {
			log.Warnf(ctx, "Failed to store key schema: %s", err)
		}
	}
	if valueSchema == nil {
		if !keySchema.Equal(topic.KeySchema) {
			log.Errorf(ctx, "Skipping cache %s with partially specified schema", base)
			return nil, nil, false
		}
		valueSchema = topic.ValueSchema
		if err := storeSchema(base+valueSchemaExtension, valueSchema); err != nil {
			log.Warnf(ctx, "Failed to store value schema: %s", err)
		}
	}
	return keySchema, valueSchema, true
}

// loadSchema returns nil without error if the file does not exist.
func loadSchema(path string) (*record.Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read schema: %w", err)
	}
	schema, err := record.ParseSchema(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return schema, nil
}

func storeSchema(path string, schema *record.Schema) error {
	if err := os.WriteFile(path, []byte(schema.String()+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write schema: %w", err)
	}
	return nil
}
