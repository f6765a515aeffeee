package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"

	"github.com/wkalt/tapecache/record"
	"github.com/wkalt/tapecache/sender"
)

/*
Package kafka implements a sender that produces records to Kafka with franz-go.
Every record of a batch becomes one Kafka record with the encoded key and
value, on a Kafka topic named after the cache topic. A batch is accepted once
the brokers have acknowledged all of its records.
*/

////////////////////////////////////////////////////////////////////////////////

// Config configures the Kafka sender.
type Config struct {
	Brokers        []string      `yaml:"brokers"`
	ClientID       string        `yaml:"client_id"`
	TopicPrefix    string        `yaml:"topic_prefix"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	TLS            bool          `yaml:"tls"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("at least one broker is required")
	}
	if c.Username != "" && c.Password == "" {
		return errors.New("password is required with a username")
	}
	return nil
}

func (c Config) clientOpts() []kgo.Opt {
	opts := []kgo.Opt{
		kgo.SeedBrokers(c.Brokers...),
		kgo.AllowAutoTopicCreation(),
		kgo.ProducerBatchCompression(kgo.SnappyCompression(), kgo.NoCompression()),
	}
	if c.ClientID != "" {
		opts = append(opts, kgo.ClientID(c.ClientID))
	}
	if c.RequestTimeout > 0 {
		opts = append(opts, kgo.ProduceRequestTimeout(c.RequestTimeout))
	}
	if c.TLS {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}))
	}
	if c.Username != "" {
		opts = append(opts, kgo.SASL(plain.Auth{User: c.Username, Pass: c.Password}.AsMechanism()))
	}
	return opts
}

// Sender produces batches to Kafka.
type Sender struct {
	config Config
	extra  []kgo.Opt
	codec  record.JSONCodec

	mtx    sync.Mutex
	client *kgo.Client
	closed bool
}

// New constructs a sender. No connection is made until the first probe or
// send. extra options are appended to those derived from config.
func New(config Config, extra ...kgo.Opt) (*Sender, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid kafka configuration: %w", err)
	}
	s := &Sender{config: config, extra: extra}
	client, err := s.newClient()
	if err != nil {
		return nil, err
	}
	s.client = client
	return s, nil
}

func (s *Sender) newClient() (*kgo.Client, error) {
	client, err := kgo.NewClient(append(s.config.clientOpts(), s.extra...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return client, nil
}

func (s *Sender) current() (*kgo.Client, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.closed {
		return nil, sender.ErrClosed
	}
	return s.client, nil
}

// IsConnected pings a broker.
func (s *Sender) IsConnected(ctx context.Context) (bool, error) {
	client, err := s.current()
	if err != nil {
		return false, err
	}
	if err := client.Ping(ctx); err != nil {
		return false, translate(err)
	}
	return true, nil
}

// ResetConnection replaces the client and pings a broker.
func (s *Sender) ResetConnection(ctx context.Context) (bool, error) {
	client, err := s.newClient()
	if err != nil {
		return false, err
	}
	s.mtx.Lock()
	if s.closed {
		s.mtx.Unlock()
		client.Close()
		return false, sender.ErrClosed
	}
	old := s.client
	s.client = client
	s.mtx.Unlock()
	old.Close()
	return s.IsConnected(ctx)
}

// Sender returns the sender for a topic.
func (s *Sender) Sender(_ context.Context, topic record.Topic) (sender.TopicSender, error) {
	if _, err := s.current(); err != nil {
		return nil, err
	}
	return &TopicSender{parent: s, topic: s.config.TopicPrefix + topic.Name}, nil
}

// Close closes the client.
func (s *Sender) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.client.Close()
	return nil
}

// TopicSender produces the batches of one topic.
type TopicSender struct {
	parent *Sender
	topic  string
}

// Send produces a batch and waits for it to be acknowledged.
func (t *TopicSender) Send(ctx context.Context, batch *record.Batch) error {
	client, err := t.parent.current()
	if err != nil {
		return err
	}
	records, err := Records(t.parent.codec, t.topic, batch)
	if err != nil {
		return err
	}
	if err := client.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return fmt.Errorf("failed to produce %d records to %s: %w", len(records), t.topic, translate(err))
	}
	return nil
}

// Flush waits for buffered records to be acknowledged.
func (t *TopicSender) Flush(ctx context.Context) error {
	client, err := t.parent.current()
	if err != nil {
		return err
	}
	if err := client.Flush(ctx); err != nil {
		return fmt.Errorf("failed to flush %s: %w", t.topic, err)
	}
	return nil
}

// Close does nothing; the client is shared by all topics.
func (t *TopicSender) Close() error {
	return nil
}

// Records encodes a batch as Kafka records on topic.
func Records(codec record.Codec, topic string, batch *record.Batch) ([]*kgo.Record, error) {
	encoded, err := sender.Encode(codec, batch)
	if err != nil {
		return nil, err
	}
	headers := []kgo.RecordHeader{
		{Key: "content-type", Value: []byte("application/json")},
		{Key: "key-schema", Value: []byte(batch.Topic.KeySchema.Name)},
		{Key: "value-schema", Value: []byte(batch.Topic.ValueSchema.Name)},
	}
	records := make([]*kgo.Record, len(encoded))
	for i, r := range encoded {
		records[i] = &kgo.Record{
			Topic:   topic,
			Key:     r.Key,
			Value:   r.Value,
			Headers: headers,
		}
	}
	return records, nil
}

// translate maps broker errors to sender errors.
func translate(err error) error {
	var kerrVal *kerr.Error
	if !errors.As(err, &kerrVal) {
		return err
	}
	switch kerrVal.Code {
	case kerr.SaslAuthenticationFailed.Code,
		kerr.TopicAuthorizationFailed.Code,
		kerr.ClusterAuthorizationFailed.Code,
		kerr.IllegalSaslState.Code,
		kerr.UnsupportedSaslMechanism.Code:
		return sender.AuthenticationError(err)
	case kerr.InvalidRecord.Code,
		kerr.CorruptMessage.Code,
		kerr.MessageTooLarge.Code:
		return fmt.Errorf("%w: %w", sender.ErrSchemaValidation, err)
	default:
		return err
	}
}
