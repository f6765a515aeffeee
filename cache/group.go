package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/wkalt/tapecache/util/log"
)

// Group is the active cache of a topic together with its deprecated caches.
type Group struct {
	topicName string
	Active    *TopicCache

	mtx        sync.Mutex
	deprecated []*TopicCache
}

// TopicName returns the name of the topic.
func (g *Group) TopicName() string {
	return g.topicName
}

// Deprecated returns the deprecated caches that have not been deleted.
func (g *Group) Deprecated() []*TopicCache {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	return append([]*TopicCache(nil), g.deprecated...)
}

// DeleteEmptyCaches closes and deletes deprecated caches that hold no records,
// along with their schema files.
func (g *Group) DeleteEmptyCaches(ctx context.Context) error {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	ctx = log.AddTags(ctx, "topic", g.topicName)
	remaining := g.deprecated[:0]
	var errs []error
	for _, cache := range g.deprecated {
		if cache.NumberOfRecords() > 0 {
			remaining = append(remaining, cache)
			continue
		}
		log.Infof(ctx, "Deleting drained cache %s", cache.File())
		if err := cache.delete(ctx); err != nil {
			errs = append(errs, err)
		}
		base := strings.TrimSuffix(cache.File(), tapeExtension)
		for _, path := range []string{base + keySchemaExtension, base + valueSchemaExtension} {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				log.Warnf(ctx, "Cannot remove old schema file %s: %s", path, err)
			}
		}
	}
	clear(g.deprecated[len(remaining):])
	g.deprecated = remaining
	if len(errs) > 0 {
		return fmt.Errorf("failed to delete caches: %w", errors.Join(errs...))
	}
	return nil
}

// Close closes all caches of the group concurrently.
func (g *Group) Close(ctx context.Context) error {
	eg := errgroup.Group{}
	for _, cache := range g.Deprecated() {
		eg.Go(func() error {
			return cache.Close(ctx)
		})
	}
	if g.Active != nil {
		eg.Go(func() error {
			return g.Active.Close(ctx)
		})
	}
	return eg.Wait()
}
