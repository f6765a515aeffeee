package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wkalt/tapecache/record"
	"github.com/wkalt/tapecache/sender"
)

/*
Package memory implements an in-process sender. Batches are encoded like a
network sender would encode them, then kept in memory. Failures can be
injected, which makes it the sender of choice for tests and dry runs.
*/

////////////////////////////////////////////////////////////////////////////////

type config struct {
	codec   record.Codec
	latency time.Duration
}

// Option is a function that modifies the sender configuration.
type Option func(*config)

// WithCodec sets the codec batches are encoded with. The default is JSON.
func WithCodec(codec record.Codec) Option {
	return func(c *config) {
		c.codec = codec
	}
}

// WithLatency delays every send by d.
func WithLatency(d time.Duration) Option {
	return func(c *config) {
		c.latency = d
	}
}

// Sender is an in-memory sender.
type Sender struct {
	config config

	mtx        sync.Mutex
	connected  bool
	connectErr error
	sendErr    error
	failures   int
	topics     map[string]*TopicSender
	received   map[string][]record.Record
	batches    map[string]int
	resets     int
	closed     bool
}

// New constructs a connected sender.
func New(opts ...Option) *Sender {
	conf := config{codec: record.JSONCodec{}}
	for _, opt := range opts {
		opt(&conf)
	}
	return &Sender{
		config:    conf,
		connected: true,
		topics:    make(map[string]*TopicSender),
		received:  make(map[string][]record.Record),
		batches:   make(map[string]int),
	}
}

// SetConnected sets whether connection probes succeed. err, if not nil, is
// returned by the probes instead.
func (s *Sender) SetConnected(connected bool, err error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.connected = connected
	s.connectErr = err
}

// FailSends makes the next n sends fail with err. A negative n fails every
// send until FailSends is called again.
func (s *Sender) FailSends(n int, err error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.failures = n
	s.sendErr = err
}

// IsConnected reports the configured connection state.
func (s *Sender) IsConnected(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.closed {
		return false, sender.ErrClosed
	}
	return s.connected, s.connectErr
}

// ResetConnection reports the configured connection state.
func (s *Sender) ResetConnection(ctx context.Context) (bool, error) {
	s.mtx.Lock()
	s.resets++
	s.mtx.Unlock()
	return s.IsConnected(ctx)
}

// Resets returns the number of reconnection attempts.
func (s *Sender) Resets() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.resets
}

// Sender returns the sender for a topic.
func (s *Sender) Sender(_ context.Context, topic record.Topic) (sender.TopicSender, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.closed {
		return nil, sender.ErrClosed
	}
	if ts, ok := s.topics[topic.Name]; ok && !ts.closed {
		return ts, nil
	}
	ts := &TopicSender{parent: s, topic: topic.Name}
	s.topics[topic.Name] = ts
	return ts, nil
}

// Received returns the records accepted for a topic, in order.
func (s *Sender) Received(topic string) []record.Record {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return append([]record.Record(nil), s.received[topic]...)
}

// Batches returns the number of batches accepted for a topic.
func (s *Sender) Batches(topic string) int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.batches[topic]
}

// Close closes the sender and every topic sender.
func (s *Sender) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.closed = true
	for _, ts := range s.topics {
		ts.closed = true
	}
	return nil
}

func (s *Sender) accept(ctx context.Context, ts *TopicSender, batch *record.Batch) error {
	if _, err := sender.Encode(s.config.codec, batch); err != nil {
		return err
	}
	if s.config.latency > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.config.latency):
		}
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if ts.closed {
		return sender.ErrClosed
	}
	if s.failures != 0 {
		if s.failures > 0 {
			s.failures--
		}
		return fmt.Errorf("failed to send %d records to %s: %w", batch.Len(), ts.topic, s.sendErr)
	}
	s.received[ts.topic] = append(s.received[ts.topic], batch.Records()...)
	s.batches[ts.topic]++
	return nil
}

// TopicSender sends the batches of one topic to its parent sender.
type TopicSender struct {
	parent *Sender
	topic  string
	closed bool
}

// Send stores a batch.
func (t *TopicSender) Send(ctx context.Context, batch *record.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.parent.accept(ctx, t, batch)
}

// Flush does nothing; sends complete synchronously.
func (t *TopicSender) Flush(context.Context) error {
	return nil
}

// Close closes the topic sender.
func (t *TopicSender) Close() error {
	t.parent.mtx.Lock()
	defer t.parent.mtx.Unlock()
	t.closed = true
	return nil
}
