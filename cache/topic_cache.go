package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/wkalt/tapecache/metrics"
	"github.com/wkalt/tapecache/record"
	"github.com/wkalt/tapecache/tape"
	"github.com/wkalt/tapecache/util/log"
)

/*
TopicCache buffers the records of one topic in a queue file. Records added with
AddMeasurement are validated immediately and kept in a pending list; the first
record after a flush schedules the next flush CommitRate later, so a burst of
individual readings turns into one batched write.

All access to the pending list and the queue file happens on the cache's own
executor. The upload path reads with GetUnsentRecords and trims with Remove,
both of which wait for the executor.

A queue file that turns out to be corrupt is deleted and recreated empty.
*/

////////////////////////////////////////////////////////////////////////////////

// TopicCache is a durable cache of the records of a topic.
type TopicCache struct {
	file      string
	topic     record.Topic
	readTopic record.Topic
	executor  *Executor
	opts      *options
	logctx    context.Context

	serializer   *record.Serializer
	deserializer *record.Deserializer

	configMtx sync.Mutex
	config    Config

	records atomic.Int64
	closed  atomic.Bool

	// owned by the executor
	queue       *tape.Tape
	pending     []record.Record
	flushFuture *Future
}

// Open opens or creates the cache backed by file. Records are written with
// the schemas of topic and read back with the schemas of readTopic, which
// differ only for caches holding data of an older schema version.
func Open(
	ctx context.Context,
	file string,
	topic record.Topic,
	readTopic record.Topic,
	config Config,
	opts ...Option,
) (*TopicCache, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	c := &TopicCache{
		file:         file,
		topic:        topic,
		readTopic:    readTopic,
		opts:         o,
		config:       config,
		logctx:       log.AddTags(context.WithoutCancel(ctx), "topic", topic.Name),
		serializer:   record.NewSerializer(topic, o.codec),
		deserializer: record.NewDeserializer(readTopic, o.codec),
	}
	queue, err := c.openQueue()
	if err != nil {
		return nil, err
	}
	c.queue = queue
	c.executor = NewExecutor("cache " + topic.Name)
	c.syncCount()
	return c, nil
}

// Topic returns the topic records are written with.
func (c *TopicCache) Topic() record.Topic {
	return c.topic
}

// ReadTopic returns the topic records are read with.
func (c *TopicCache) ReadTopic() record.Topic {
	return c.readTopic
}

// File returns the path of the queue file.
func (c *TopicCache) File() string {
	return c.file
}

// ReadOnly reports whether the cache rejects new measurements.
func (c *TopicCache) ReadOnly() bool {
	return c.opts.readOnly
}

// Config returns the current configuration.
func (c *TopicCache) Config() Config {
	c.configMtx.Lock()
	defer c.configMtx.Unlock()
	return c.config
}

// SetConfig replaces the configuration. A change of maximum size applies to
// the queue file immediately; a change of commit rate applies from the next
// scheduled flush.
func (c *TopicCache) SetConfig(ctx context.Context, config Config) error {
	if err := config.Validate(); err != nil {
		return err
	}
	_, err := Compute(ctx, c.executor, func() (struct{}, error) {
		c.configMtx.Lock()
		c.config = config
		c.configMtx.Unlock()
		if c.queue != nil {
			c.queue.SetMaximumFileSize(config.MaximumSize)
		}
		return struct{}{}, nil
	})
	return err
}

// AddMeasurement validates a record and queues it for the next flush. It does
// not wait for the flush. A ValidationError is returned if the key or value
// does not conform to the topic schemas.
func (c *TopicCache) AddMeasurement(_ context.Context, key, value record.Value) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.opts.readOnly {
		return ErrReadOnly
	}
	k, err := c.topic.KeySchema.Normalize(key)
	if err != nil {
		return err
	}
	v, err := c.topic.ValueSchema.Normalize(value)
	if err != nil {
		return err
	}
	err = c.executor.Execute(func() {
		if c.queue == nil && c.closed.Load() {
			log.Errorf(c.logctx, "Cache closed before record could be written, dropping it")
			c.opts.metrics.RecordsDropped.WithLabelValues(c.topic.Name, metrics.DropClosed).Inc()
			return
		}
		c.pending = append(c.pending, record.Record{Key: k, Value: v})
		c.opts.metrics.RecordsAdded.WithLabelValues(c.topic.Name).Inc()
		c.scheduleFlush()
	})
	if errors.Is(err, ErrExecutorStopped) {
		return ErrClosed
	}
	return err
}

// Flush writes all pending records to the queue file and waits for the write
// to complete.
func (c *TopicCache) Flush(ctx context.Context) error {
	_, err := Compute(ctx, c.executor, func() (struct{}, error) {
		return struct{}{}, c.doFlush()
	})
	if errors.Is(err, ErrExecutorStopped) {
		return nil
	}
	return err
}

// GetUnsentRecords returns the leading run of records that share the key of
// the first record in the queue, up to limit records and roughly sizeLimit
// bytes. At least one record is returned if the queue is not empty. Records
// that can no longer be decoded are removed from the head of the queue. A nil
// batch means the queue is empty.
func (c *TopicCache) GetUnsentRecords(ctx context.Context, limit int, sizeLimit int64) (*record.Batch, error) {
	batch, err := Compute(ctx, c.executor, func() (*record.Batch, error) {
		return c.unsentRecords(limit, sizeLimit)
	})
	if err != nil {
		if errors.Is(err, ErrExecutorStopped) {
			return nil, ErrClosed
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			log.Warnf(c.logctx, "Reading unsent records was interrupted: %s", err)
		}
		return nil, err
	}
	return batch, nil
}

// Remove deletes up to n records from the head of the queue and returns the
// number removed.
func (c *TopicCache) Remove(ctx context.Context, n int) (int, error) {
	removed, err := Compute(ctx, c.executor, func() (int, error) {
		if err := c.ensureQueue(); err != nil {
			return 0, err
		}
		actual := min(n, c.queue.Size())
		if actual <= 0 {
			return 0, nil
		}
		log.Debugf(c.logctx, "Removing %d records", actual)
		if err := c.queue.Remove(actual); err != nil {
			if errors.Is(err, tape.CorruptionError{}) {
				return 0, c.fixCorruptQueue(err)
			}
			return 0, fmt.Errorf("failed to remove records: %w", err)
		}
		c.syncCount()
		return actual, nil
	})
	if errors.Is(err, ErrExecutorStopped) {
		return 0, ErrClosed
	}
	return removed, err
}

// NumberOfRecords returns the number of records in the queue file. Pending
// records that have not been flushed are not counted.
func (c *TopicCache) NumberOfRecords() int64 {
	return c.records.Load()
}

// FileSize returns the size of the queue file.
func (c *TopicCache) FileSize(ctx context.Context) (int64, error) {
	return Compute(ctx, c.executor, func() (int64, error) {
		if c.queue == nil {
			return 0, nil
		}
		return c.queue.FileSize(), nil
	})
}

// Close flushes pending records and closes the queue file. It is safe to call
// more than once.
func (c *TopicCache) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	flushErr := c.Flush(ctx)
	_, closeErr := Compute(ctx, c.executor, func() (struct{}, error) {
		// records queued behind the flush above
		flushErr := c.doFlush()
		if c.queue == nil {
			c.dropPending()
			return struct{}{}, flushErr
		}
		err := c.queue.Close()
		c.queue = nil
		c.dropPending()
		return struct{}{}, errors.Join(flushErr, err)
	})
	c.executor.Stop()
	return errors.Join(flushErr, closeErr)
}

// delete closes the cache and removes its queue file.
func (c *TopicCache) delete(ctx context.Context) error {
	if err := c.Close(ctx); err != nil {
		return err
	}
	if err := os.Remove(c.file); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove cache file: %w", err)
	}
	return nil
}

func (c *TopicCache) openQueue() (*tape.Tape, error) {
	maxSize := c.Config().MaximumSize
	queue, err := tape.Open(c.file, maxSize, c.opts.tapeOptions...)
	if err == nil {
		return queue, nil
	}
	if !errors.Is(err, tape.CorruptionError{}) {
		return nil, fmt.Errorf("failed to open cache file: %w", err)
	}
	log.Errorf(c.logctx, "Cache file %s was corrupted, removing it: %s", c.file, err)
	c.opts.metrics.CorruptionResets.WithLabelValues(c.topic.Name).Inc()
	if err := os.Remove(c.file); err != nil {
		return nil, fmt.Errorf("failed to remove corrupt cache file: %w", err)
	}
	queue, err = tape.Open(c.file, maxSize, c.opts.tapeOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to recreate cache file: %w", err)
	}
	return queue, nil
}

// ensureQueue reopens the queue file if a previous recovery failed.
func (c *TopicCache) ensureQueue() error {
	if c.queue != nil {
		return nil
	}
	if c.closed.Load() {
		return ErrClosed
	}
	queue, err := c.openQueue()
	if err != nil {
		return err
	}
	c.queue = queue
	c.syncCount()
	return nil
}

func (c *TopicCache) fixCorruptQueue(cause error) error {
	log.Errorf(c.logctx, "Cache file %s was corrupted, removing it: %s", c.file, cause)
	c.opts.metrics.CorruptionResets.WithLabelValues(c.topic.Name).Inc()
	if err := c.queue.Close(); err != nil {
		log.Warnf(c.logctx, "Failed to close corrupt cache file: %s", err)
	}
	c.queue = nil
	c.records.Store(0)
	if err := os.Remove(c.file); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove corrupt cache file: %w", err)
	}
	return c.ensureQueue()
}

func (c *TopicCache) syncCount() {
	if c.queue == nil {
		return
	}
	c.records.Store(int64(c.queue.Size()))
	c.opts.metrics.CacheRecords.WithLabelValues(c.topic.Name).Set(float64(c.queue.Size()))
	c.opts.metrics.CacheFileBytes.WithLabelValues(c.topic.Name).Set(float64(c.queue.FileSize()))
}

// scheduleFlush schedules a flush CommitRate from now unless one is already
// scheduled.
func (c *TopicCache) scheduleFlush() {
	if c.flushFuture != nil {
		return
	}
	future, err := c.executor.Delay(c.Config().CommitRate, func() {
		if err := c.doFlush(); err != nil {
			log.Errorf(c.logctx, "Scheduled flush failed: %s", err)
		}
	})
	if err != nil {
		log.Warnf(c.logctx, "Failed to schedule flush: %s", err)
		return
	}
	c.flushFuture = future
}

// retain puts records that could not be written back at the front of the
// pending list and schedules another attempt.
func (c *TopicCache) retain(records []record.Record) {
	c.pending = append(records, c.pending...)
	if !c.closed.Load() {
		c.scheduleFlush()
	}
}

// dropPending discards records still pending when the cache closes.
func (c *TopicCache) dropPending() {
	if len(c.pending) == 0 {
		return
	}
	log.Errorf(c.logctx, "Dropping %d records that could not be written before close", len(c.pending))
	c.opts.metrics.RecordsDropped.WithLabelValues(c.topic.Name, metrics.DropClosed).Add(float64(len(c.pending)))
	c.pending = nil
}

func (c *TopicCache) doFlush() error {
	if c.flushFuture != nil {
		c.flushFuture.Cancel()
		c.flushFuture = nil
	}
	if len(c.pending) == 0 {
		return nil
	}
	pending := c.pending
	c.pending = nil
	if err := c.ensureQueue(); err != nil {
		if errors.Is(err, ErrClosed) {
			c.pending = pending
			c.dropPending()
		} else {
			c.retain(pending)
		}
		return err
	}
	valid := make([]record.Record, 0, len(pending))
	blobs := make([][]byte, 0, len(pending))
	for _, r := range pending {
		blob, err := c.serializer.Serialize(r)
		if err != nil {
			log.Errorf(c.logctx, "Discarding invalid record: %s", err)
			c.opts.metrics.RecordsDropped.WithLabelValues(c.topic.Name, metrics.DropInvalid).Inc()
			continue
		}
		valid = append(valid, r)
		blobs = append(blobs, blob)
	}
	log.Infof(c.logctx, "Writing %d records to file", len(blobs))
	defer c.syncCount()
	err := c.queue.Enqueue(blobs...)
	if err == nil {
		c.opts.metrics.RecordsFlushed.WithLabelValues(c.topic.Name).Add(float64(len(blobs)))
		return nil
	}
	if !errors.Is(err, tape.ErrCapacityExceeded) {
		c.retain(valid)
		return fmt.Errorf("failed to write records: %w", err)
	}
	// write what fits, one record at a time
	written := 0
	for i, blob := range blobs {
		if err := c.queue.Enqueue(blob); err != nil {
			if errors.Is(err, tape.ErrCapacityExceeded) {
				break
			}
			c.opts.metrics.RecordsFlushed.WithLabelValues(c.topic.Name).Add(float64(written))
			c.retain(valid[i:])
			return fmt.Errorf("failed to write record: %w", err)
		}
		written++
	}
	dropped := len(blobs) - written
	log.Errorf(c.logctx, "Cache is full, dropped %d of %d records", dropped, len(blobs))
	c.opts.metrics.RecordsFlushed.WithLabelValues(c.topic.Name).Add(float64(written))
	c.opts.metrics.RecordsDropped.WithLabelValues(c.topic.Name, metrics.DropCacheFull).Add(float64(dropped))
	return nil
}

func (c *TopicCache) unsentRecords(limit int, sizeLimit int64) (*record.Batch, error) {
	if err := c.ensureQueue(); err != nil {
		return nil, err
	}
	for {
		blobs, err := c.queue.Peek(limit, sizeLimit)
		if err != nil {
			if errors.Is(err, tape.CorruptionError{}) {
				return nil, c.fixCorruptQueue(err)
			}
			return nil, fmt.Errorf("failed to read records: %w", err)
		}
		if len(blobs) == 0 {
			return nil, nil
		}
		records := make([]*record.Record, len(blobs))
		firstValid := -1
		for i, blob := range blobs {
			r, err := c.deserializer.Deserialize(blob)
			if err != nil {
				log.Warnf(c.logctx, "Skipping unreadable record: %s", err)
				continue
			}
			records[i] = &r
			if firstValid < 0 {
				firstValid = i
			}
		}
		if firstValid < 0 {
			firstValid = len(records)
		}
		if firstValid > 0 {
			if err := c.queue.Remove(firstValid); err != nil {
				if errors.Is(err, tape.CorruptionError{}) {
					return nil, c.fixCorruptQueue(err)
				}
				return nil, fmt.Errorf("failed to remove unreadable records: %w", err)
			}
			c.opts.metrics.RecordsDropped.WithLabelValues(c.topic.Name, metrics.DropInvalid).Add(float64(firstValid))
			c.syncCount()
			if firstValid == len(records) {
				continue
			}
			records = records[firstValid:]
		}
		key := records[0].Key
		batch := &record.Batch{Topic: c.readTopic, Key: key}
		for _, r := range records {
			if r == nil || !reflect.DeepEqual(r.Key, key) {
				break
			}
			batch.Values = append(batch.Values, r.Value)
		}
		return batch, nil
	}
}
