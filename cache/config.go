package cache

import (
	"fmt"
	"time"

	"github.com/wkalt/tapecache/metrics"
	"github.com/wkalt/tapecache/record"
	"github.com/wkalt/tapecache/tape"
)

// Config controls when a topic cache writes to disk and how large it may grow.
type Config struct {
	// CommitRate is the delay between the first record added after a flush
	// and the flush that writes it to the queue file.
	CommitRate time.Duration `yaml:"commit_rate"`

	// MaximumSize is the maximum size of the queue file in bytes.
	MaximumSize int64 `yaml:"maximum_size"`
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		CommitRate:  10 * time.Second,
		MaximumSize: 450_000_000,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.CommitRate <= 0 {
		return fmt.Errorf("commit rate must be positive, got %s", c.CommitRate)
	}
	if c.MaximumSize <= 0 {
		return fmt.Errorf("maximum size must be positive, got %d", c.MaximumSize)
	}
	return nil
}

type options struct {
	codec       record.Codec
	metrics     *metrics.Metrics
	tapeOptions []tape.Option
	readOnly    bool
}

// Option is a function that modifies cache construction.
type Option func(*options)

// WithCodec sets the codec records are stored with. The default is JSON.
func WithCodec(codec record.Codec) Option {
	return func(o *options) {
		o.codec = codec
	}
}

// WithMetrics sets the collectors caches report to.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithTapeOptions passes options through to the queue files.
func WithTapeOptions(opts ...tape.Option) Option {
	return func(o *options) {
		o.tapeOptions = append(o.tapeOptions, opts...)
	}
}

// ReadOnly opens a cache that rejects new measurements. Deprecated caches are
// opened this way.
func ReadOnly() Option {
	return func(o *options) {
		o.readOnly = true
	}
}

func buildOptions(opts []Option) *options {
	o := &options{codec: record.JSONCodec{}}
	for _, opt := range opts {
		opt(o)
	}
	o.metrics = metrics.OrNew(o.metrics)
	return o
}
