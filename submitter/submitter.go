package submitter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wkalt/tapecache/cache"
	"github.com/wkalt/tapecache/connection"
	"github.com/wkalt/tapecache/metrics"
	"github.com/wkalt/tapecache/record"
	"github.com/wkalt/tapecache/sender"
	"github.com/wkalt/tapecache/status"
	"github.com/wkalt/tapecache/util/log"
)

/*
Package submitter drains topic caches to a sender. Two loops run on the
submitter's own executor: the main loop visits every cache each
UploadRate*UploadRateMultiplier, and a faster loop every UploadRate/5 visits
only caches whose backlog exceeds one batch.

A cache is drained batch by batch. A batch is removed from its cache only once
the sender has accepted it, so records are uploaded in FIFO order and a failed
upload leaves them in place for the next cycle. Send failures are reported to
the connection checker, which stops uploads until it sees the server again.
*/

////////////////////////////////////////////////////////////////////////////////

// CacheSource provides the caches to upload.
type CacheSource interface {
	Groups() []*cache.Group
}

// Submitter uploads cached records.
type Submitter struct {
	caches   CacheSource
	sender   sender.Sender
	checker  *connection.Checker
	listener status.Listener
	metrics  *metrics.Metrics
	opts     options
	executor *cache.Executor

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	configMtx sync.Mutex
	config    Configuration

	// owned by the executor
	started    bool
	senders    map[string]sender.TopicSender
	mainFuture *cache.Future
	fastFuture *cache.Future
}

// New constructs a submitter. Nothing is uploaded until Start is called.
func New(caches CacheSource, snd sender.Sender, config Configuration, opts ...Option) (*Submitter, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid submitter configuration: %w", err)
	}
	o := options{
		listener:   status.Nop{},
		minBackoff: time.Minute,
		maxBackoff: 4 * time.Hour,
	}
	for _, opt := range opts {
		opt(&o)
	}
	ctx, cancel := context.WithCancel(log.AddTags(context.Background(), "component", "submitter"))
	s := &Submitter{
		caches:   caches,
		sender:   snd,
		listener: o.listener,
		metrics:  metrics.OrNew(o.metrics),
		opts:     o,
		executor: cache.NewExecutor("submitter"),
		ctx:      ctx,
		cancel:   cancel,
		config:   config,
		senders:  make(map[string]sender.TopicSender),
	}
	s.checker = connection.NewChecker(
		snd,
		o.listener,
		config.heartbeat(),
		connection.WithBackoff(o.minBackoff, o.maxBackoff),
	)
	return s, nil
}

// Checker returns the connection checker the submitter reports to.
func (s *Submitter) Checker() *connection.Checker {
	return s.checker
}

// Config returns the current configuration.
func (s *Submitter) Config() Configuration {
	s.configMtx.Lock()
	defer s.configMtx.Unlock()
	return s.config
}

// Start checks the connection and schedules the upload loops.
func (s *Submitter) Start(ctx context.Context) error {
	if s.closed.Load() {
		return sender.ErrClosed
	}
	s.checker.Start(ctx)
	_, err := cache.Compute(ctx, s.executor, func() (struct{}, error) {
		s.started = true
		s.schedule()
		return struct{}{}, nil
	})
	return err
}

// SetConfig validates and applies a new configuration. Both loops are
// rescheduled with the new intervals; no tick of the old schedule runs after
// SetConfig returns.
func (s *Submitter) SetConfig(ctx context.Context, config Configuration) error {
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid submitter configuration: %w", err)
	}
	_, err := cache.Compute(ctx, s.executor, func() (struct{}, error) {
		s.configMtx.Lock()
		s.config = config
		s.configMtx.Unlock()
		s.checker.SetHeartbeat(config.heartbeat())
		if s.started {
			s.schedule()
		}
		return struct{}{}, nil
	})
	return err
}

// UploadOnce runs one cycle of the main loop: every cache is drained, as long
// as the connection stays healthy. An authentication failure is returned.
func (s *Submitter) UploadOnce(ctx context.Context) error {
	_, err := cache.Compute(ctx, s.executor, func() (struct{}, error) {
		return struct{}{}, s.uploadCaches(ctx, false)
	})
	return err
}

// UploadIfNeeded runs one cycle of the fast loop: only caches holding more
// than one batch are drained.
func (s *Submitter) UploadIfNeeded(ctx context.Context) error {
	_, err := cache.Compute(ctx, s.executor, func() (struct{}, error) {
		return struct{}{}, s.uploadCaches(ctx, true)
	})
	return err
}

// CheckConnection probes the connection now.
func (s *Submitter) CheckConnection(ctx context.Context) {
	s.checker.Check(ctx)
}

// Close stops the loops, aborts an upload in progress, and flushes and closes
// the topic senders. The sender itself is left open. It is safe to call more
// than once.
func (s *Submitter) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	s.checker.Close()
	_, err := cache.Compute(ctx, s.executor, func() (struct{}, error) {
		s.cancelLoops()
		var errs []error
		for name, ts := range s.senders {
			if err := ts.Flush(ctx); err != nil {
				errs = append(errs, fmt.Errorf("failed to flush sender of %s: %w", name, err))
			}
			if err := ts.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close sender of %s: %w", name, err))
			}
		}
		clear(s.senders)
		return struct{}{}, errors.Join(errs...)
	})
	s.executor.Stop()
	return err
}

// schedule replaces both loops with ones at the configured intervals. It runs
// on the executor.
func (s *Submitter) schedule() {
	s.cancelLoops()
	if s.opts.disableSchedules {
		return
	}
	config := s.Config()
	s.mainFuture, _ = s.executor.Delay(config.mainInterval(), s.mainTick)
	s.fastFuture, _ = s.executor.Delay(config.fastInterval(), s.fastTick)
}

func (s *Submitter) cancelLoops() {
	if s.mainFuture != nil {
		s.mainFuture.Cancel()
		s.mainFuture = nil
	}
	if s.fastFuture != nil {
		s.fastFuture.Cancel()
		s.fastFuture = nil
	}
}

func (s *Submitter) mainTick() {
	s.mainFuture, _ = s.executor.Delay(s.Config().mainInterval(), s.mainTick)
	if err := s.uploadCaches(s.ctx, false); err != nil {
		log.Errorf(s.ctx, "Upload cycle failed: %s", err)
	}
}

func (s *Submitter) fastTick() {
	s.fastFuture, _ = s.executor.Delay(s.Config().fastInterval(), s.fastTick)
	if err := s.uploadCaches(s.ctx, true); err != nil {
		log.Errorf(s.ctx, "Backlog upload failed: %s", err)
	}
}

// uploadCaches drains the caches of every topic. With backlogOnly, only
// caches holding more than AmountLimit records are visited.
func (s *Submitter) uploadCaches(ctx context.Context, backlogOnly bool) error {
	if !s.checker.IsConnected() {
		return nil
	}
	start := time.Now()
	defer func() {
		s.metrics.UploadDuration.Observe(time.Since(start).Seconds())
	}()
	config := s.Config()
	uploaded := 0
	for _, group := range s.caches.Groups() {
		deprecated := group.Deprecated()
		caches := deprecated
		if group.Active != nil {
			caches = append([]*cache.TopicCache{group.Active}, deprecated...)
		}
		for _, tc := range caches {
			if !s.checker.IsConnected() || ctx.Err() != nil {
				return nil
			}
			if backlogOnly && tc.NumberOfRecords() <= int64(config.AmountLimit) {
				continue
			}
			n, err := s.uploadCache(ctx, config, tc)
			uploaded += n
			if err != nil {
				return err
			}
		}
		if len(deprecated) > 0 {
			if err := group.DeleteEmptyCaches(ctx); err != nil {
				log.Warnf(ctx, "Failed to delete drained caches of %s: %s", group.TopicName(), err)
			}
		}
	}
	if uploaded > 0 {
		s.listener.UpdateServerStatus(ctx, status.Connected)
	}
	return nil
}

// uploadCache sends batches from tc until it holds no records, a batch makes
// no progress, or as many records as the cache held at the start have been
// sent. It returns the number of records sent.
func (s *Submitter) uploadCache(ctx context.Context, config Configuration, tc *cache.TopicCache) (int, error) {
	budget := tc.NumberOfRecords()
	total := 0
	for int64(total) < budget && s.checker.IsConnected() && ctx.Err() == nil {
		n, err := s.uploadBatch(ctx, config, tc)
		total += n
		if err != nil || n == 0 {
			return total, err
		}
	}
	return total, nil
}

// uploadBatch sends the batch at the head of tc and removes it once accepted.
func (s *Submitter) uploadBatch(ctx context.Context, config Configuration, tc *cache.TopicCache) (int, error) {
	name := tc.Topic().Name
	ctx = log.AddTags(ctx, "topic", name)
	batch, err := tc.GetUnsentRecords(ctx, config.AmountLimit, config.SizeLimit)
	if err != nil {
		if !errors.Is(err, cache.ErrClosed) {
			log.Warnf(ctx, "No records read this cycle: %s", err)
		}
		return 0, nil
	}
	if batch.Len() == 0 {
		return 0, nil
	}
	if !keyMatches(config, batch.Key) {
		log.Debugw(ctx, "Skipping batch of another user", "key", batch.Key, "records", batch.Len())
		return 0, nil
	}
	ts, err := s.topicSender(ctx, tc.Topic())
	if err != nil {
		return 0, s.sendFailed(ctx, name, err)
	}
	s.listener.UpdateServerStatus(ctx, status.Uploading)
	if err := ts.Send(ctx, batch); err != nil {
		return 0, s.sendFailed(ctx, name, err)
	}
	removed, err := tc.Remove(ctx, batch.Len())
	if err != nil {
		return removed, fmt.Errorf("failed to remove %d sent records: %w", batch.Len(), err)
	}
	s.checker.DidConnect()
	s.metrics.RecordsSent.WithLabelValues(name).Add(float64(removed))
	s.listener.UpdateRecordsSent(ctx, name, int64(removed))
	log.Debugf(ctx, "Uploaded %d records", removed)
	return removed, nil
}

func (s *Submitter) topicSender(ctx context.Context, topic record.Topic) (sender.TopicSender, error) {
	if ts, ok := s.senders[topic.Name]; ok {
		return ts, nil
	}
	ts, err := s.sender.Sender(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("failed to create sender: %w", err)
	}
	s.senders[topic.Name] = ts
	return ts, nil
}

// sendFailed reports a failed upload and returns the error to raise.
func (s *Submitter) sendFailed(ctx context.Context, topic string, err error) error {
	err = fmt.Errorf("failed to upload %s: %w", topic, err)
	if ctx.Err() != nil {
		return err
	}
	s.listener.UpdateRecordsSent(ctx, topic, -1)
	switch {
	case sender.IsAuthentication(err):
		s.metrics.SendFailures.WithLabelValues(topic, "authentication").Inc()
		log.Errorf(ctx, "Upload rejected: %s", err)
	case errors.Is(err, sender.ErrSchemaValidation):
		s.metrics.SendFailures.WithLabelValues(topic, "schema").Inc()
		s.listener.UpdateServerStatus(ctx, status.UploadingFailed)
		log.Warnf(ctx, "Upload failed: %s", err)
	default:
		s.metrics.SendFailures.WithLabelValues(topic, "transient").Inc()
		s.listener.UpdateServerStatus(ctx, status.UploadingFailed)
		log.Warnf(ctx, "Upload failed: %s", err)
	}
	s.checker.DidDisconnect(err)
	return err
}

// keyMatches reports whether a batch key belongs to the configured user and
// project. Keys without those fields match. A key naming a project does not
// match a configuration without one.
func keyMatches(config Configuration, key record.Value) bool {
	if userID, ok := key["userId"].(string); ok && userID != config.UserID {
		return false
	}
	projectID, ok := key["projectId"].(string)
	return !ok || projectID == config.ProjectID
}
