package submitter

import (
	"errors"
	"fmt"
	"time"

	"github.com/wkalt/tapecache/metrics"
	"github.com/wkalt/tapecache/status"
)

// ErrMissingUserID is returned when a configuration has no user id.
var ErrMissingUserID = errors.New("user id is required")

// Configuration controls the upload loops.
type Configuration struct {
	// UserID is the identity uploads are made for. Batches keyed to another
	// user are not sent.
	UserID string `yaml:"user_id"`

	// ProjectID, if set, must also match the key of a batch.
	ProjectID string `yaml:"project_id"`

	// AmountLimit is the maximum number of records per batch.
	AmountLimit int `yaml:"amount_limit"`

	// SizeLimit is the approximate maximum number of bytes per batch.
	SizeLimit int64 `yaml:"size_limit"`

	// UploadRate is the base interval of the upload loop.
	UploadRate time.Duration `yaml:"upload_rate"`

	// UploadRateMultiplier stretches the upload interval, for instance on a
	// metered connection.
	UploadRateMultiplier int `yaml:"upload_rate_multiplier"`
}

// DefaultConfiguration returns the default configuration for a user.
func DefaultConfiguration(userID string) Configuration {
	return Configuration{
		UserID:               userID,
		AmountLimit:          1000,
		SizeLimit:            5_000_000,
		UploadRate:           10 * time.Second,
		UploadRateMultiplier: 1,
	}
}

// Validate checks the configuration.
func (c Configuration) Validate() error {
	if c.UserID == "" {
		return ErrMissingUserID
	}
	if c.AmountLimit <= 0 {
		return fmt.Errorf("amount limit must be positive, got %d", c.AmountLimit)
	}
	if c.SizeLimit <= 0 {
		return fmt.Errorf("size limit must be positive, got %d", c.SizeLimit)
	}
	if c.UploadRate <= 0 {
		return fmt.Errorf("upload rate must be positive, got %s", c.UploadRate)
	}
	if c.UploadRateMultiplier <= 0 {
		return fmt.Errorf("upload rate multiplier must be positive, got %d", c.UploadRateMultiplier)
	}
	return nil
}

// mainInterval is the period of the loop that drains every cache.
func (c Configuration) mainInterval() time.Duration {
	return c.UploadRate * time.Duration(c.UploadRateMultiplier)
}

// fastInterval is the period of the loop that drains caches with a backlog.
func (c Configuration) fastInterval() time.Duration {
	return max(c.UploadRate/5, time.Millisecond)
}

// heartbeat is the interval of connection checks while connected.
func (c Configuration) heartbeat() time.Duration {
	return c.UploadRate * 5
}

type options struct {
	metrics          *metrics.Metrics
	listener         status.Listener
	minBackoff       time.Duration
	maxBackoff       time.Duration
	disableSchedules bool
}

// Option is a function that modifies the submitter options.
type Option func(*options)

// WithMetrics sets the collectors the submitter reports to.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithListener sets the receiver of status and progress updates.
func WithListener(listener status.Listener) Option {
	return func(o *options) {
		o.listener = listener
	}
}

// WithBackoff sets the reconnection delay bounds.
func WithBackoff(min, max time.Duration) Option {
	return func(o *options) {
		o.minBackoff = min
		o.maxBackoff = max
	}
}

// Manual disables the scheduled loops. Uploads then only happen through
// UploadOnce and UploadIfNeeded.
func Manual() Option {
	return func(o *options) {
		o.disableSchedules = true
	}
}
