package plugin

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wkalt/tapecache/handler"
	"github.com/wkalt/tapecache/record"
	"github.com/wkalt/tapecache/util/log"
)

// SyntheticSchema is the value schema of synthetic observations.
// nolint:gochecknoglobals
var SyntheticSchema = record.MustParseSchema(
	"record SyntheticReading { time: double; timeReceived: double; sequence: long; value: double; }",
)

// SyntheticConfig configures a synthetic plugin.
type SyntheticConfig struct {
	Name     string        `yaml:"name"`
	Topic    string        `yaml:"topic"`
	SourceID string        `yaml:"source_id"`
	Interval time.Duration `yaml:"interval"`

	// Limit stops the plugin after this many observations. Zero means no
	// limit.
	Limit int64 `yaml:"limit"`
}

// Synthetic sends a sine wave at a fixed interval. It stands in for a sensor
// in dry runs and tests.
type Synthetic struct {
	sink   Sink
	config SyntheticConfig

	mtx    sync.Mutex
	state  State
	sent   int64
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSynthetic constructs a synthetic plugin.
func NewSynthetic(sink Sink, config SyntheticConfig) *Synthetic {
	if config.Name == "" {
		config.Name = "synthetic"
	}
	if config.Topic == "" {
		config.Topic = "synthetic_reading"
	}
	if config.Interval <= 0 {
		config.Interval = time.Second
	}
	return &Synthetic{sink: sink, config: config}
}

// Name returns the plugin name.
func (s *Synthetic) Name() string {
	return s.config.Name
}

// State returns the plugin state.
func (s *Synthetic) State() State {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.state
}

// Sent returns the number of observations sent.
func (s *Synthetic) Sent() int64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.sent
}

// Start starts sending. The source id is the configured one, else the first
// acceptable id, else a random one.
func (s *Synthetic) Start(ctx context.Context, acceptableIDs []string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.cancel != nil {
		return errors.New("already started")
	}
	s.state = Connecting
	sourceID := s.config.SourceID
	switch {
	case sourceID == "" && len(acceptableIDs) > 0:
		sourceID = acceptableIDs[0]
	case sourceID == "":
		sourceID = uuid.NewString()
	}
	handle, err := s.sink.CreateCache(ctx, s.config.Topic, SyntheticSchema, sourceID)
	if err != nil {
		s.state = Failed
		return fmt.Errorf("failed to create cache: %w", err)
	}
	ctx, s.cancel = context.WithCancel(log.AddTags(context.WithoutCancel(ctx), "plugin", s.config.Name))
	s.done = make(chan struct{})
	s.state = Connected
	go s.run(ctx, handle)
	return nil
}

func (s *Synthetic) run(ctx context.Context, handle *handler.Handle) {
	defer close(s.done)
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()
	var sequence int64
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t := float64(now.UnixNano()) / 1e9
			value := record.Value{
				"time":         t,
				"timeReceived": float64(time.Now().UnixNano()) / 1e9,
				"sequence":     sequence,
				"value":        math.Sin(float64(sequence) / 10),
			}
			if err := s.sink.Send(ctx, handle, value); err != nil {
				log.Warnf(ctx, "Dropping synthetic observation: %s", err)
				continue
			}
			sequence++
			s.mtx.Lock()
			s.sent = sequence
			limit := s.config.Limit
			s.mtx.Unlock()
			if limit > 0 && sequence >= limit {
				s.mtx.Lock()
				s.state = Disconnected
				s.mtx.Unlock()
				return
			}
		}
	}
}

// OnClose stops sending and waits for the sending goroutine to exit.
func (s *Synthetic) OnClose() error {
	s.mtx.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mtx.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	s.mtx.Lock()
	s.state = Disconnected
	s.mtx.Unlock()
	return nil
}
