package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/wkalt/tapecache/record"
	"github.com/wkalt/tapecache/sender"
)

/*
Package nats implements a sender that publishes records to NATS. Each record
of a batch becomes one message on the subject <prefix>.<topic>, with the
encoded value as payload and the encoded key in a header.

With JetStream enabled every message is acknowledged by the stream, and the
stream is created on first connection if it does not exist. Without it a batch
counts as accepted once the server has processed a flush after the publishes.
*/

////////////////////////////////////////////////////////////////////////////////

// Header names set on every message.
const (
	HeaderKey         = "Tapecache-Key"
	HeaderKeySchema   = "Tapecache-Key-Schema"
	HeaderValueSchema = "Tapecache-Value-Schema"
)

// Config configures the NATS sender.
type Config struct {
	URL           string        `yaml:"url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	Name          string        `yaml:"name"`
	Token         string        `yaml:"token"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	JetStream     bool          `yaml:"jetstream"`
	Stream        string        `yaml:"stream"`
	Timeout       time.Duration `yaml:"timeout"`
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "tapecache"
	}
	if c.Stream == "" {
		c.Stream = "TAPECACHE"
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	return c
}

func (c Config) options() []nats.Option {
	opts := []nats.Option{
		nats.Timeout(c.Timeout),
		nats.MaxReconnects(-1),
	}
	if c.Name != "" {
		opts = append(opts, nats.Name(c.Name))
	}
	if c.Token != "" {
		opts = append(opts, nats.Token(c.Token))
	}
	if c.Username != "" {
		opts = append(opts, nats.UserInfo(c.Username, c.Password))
	}
	return opts
}

// Subject returns the subject the records of a topic are published on.
func (c Config) Subject(topic string) string {
	c = c.withDefaults()
	replacer := strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")
	return c.SubjectPrefix + "." + replacer.Replace(topic)
}

// Sender publishes batches to NATS.
type Sender struct {
	config Config
	codec  record.JSONCodec

	mtx           sync.Mutex
	nc            *nats.Conn
	streamEnsured bool
	closed        bool
}

// New constructs a sender. The connection is made on first use.
func New(config Config) *Sender {
	return &Sender{config: config.withDefaults()}
}

// conn returns the connection, connecting if needed.
func (s *Sender) conn() (*nats.Conn, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.closed {
		return nil, sender.ErrClosed
	}
	if s.nc != nil && !s.nc.IsClosed() {
		return s.nc, nil
	}
	nc, err := nats.Connect(s.config.URL, s.config.options()...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", s.config.URL, translate(err))
	}
	s.nc = nc
	s.streamEnsured = false
	return nc, nil
}

// ensureStream creates the JetStream stream if needed.
func (s *Sender) ensureStream(nc *nats.Conn) (nats.JetStreamContext, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to open jetstream: %w", err)
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.streamEnsured {
		return js, nil
	}
	if _, err := js.StreamInfo(s.config.Stream); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return nil, fmt.Errorf("failed to look up stream %s: %w", s.config.Stream, translate(err))
		}
		if _, err := js.AddStream(&nats.StreamConfig{
			Name:      s.config.Stream,
			Subjects:  []string{s.config.SubjectPrefix + ".>"},
			Storage:   nats.FileStorage,
			Retention: nats.LimitsPolicy,
		}); err != nil {
			return nil, fmt.Errorf("failed to create stream %s: %w", s.config.Stream, translate(err))
		}
	}
	s.streamEnsured = true
	return js, nil
}

// IsConnected connects if needed and waits for a round trip to the server.
func (s *Sender) IsConnected(ctx context.Context) (bool, error) {
	nc, err := s.conn()
	if err != nil {
		return false, err
	}
	if !nc.IsConnected() {
		return false, translate(nc.LastError())
	}
	if err := nc.FlushWithContext(ctx); err != nil {
		return false, translate(err)
	}
	if s.config.JetStream {
		if _, err := s.ensureStream(nc); err != nil {
			return false, err
		}
	}
	return true, nil
}

// ResetConnection closes the connection and connects again.
func (s *Sender) ResetConnection(ctx context.Context) (bool, error) {
	s.mtx.Lock()
	if s.nc != nil {
		s.nc.Close()
		s.nc = nil
	}
	s.mtx.Unlock()
	return s.IsConnected(ctx)
}

// Sender returns the sender for a topic.
func (s *Sender) Sender(_ context.Context, topic record.Topic) (sender.TopicSender, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.closed {
		return nil, sender.ErrClosed
	}
	return &TopicSender{parent: s, subject: s.config.Subject(topic.Name)}, nil
}

// Close drains and closes the connection.
func (s *Sender) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.nc != nil {
		s.nc.Close()
	}
	return nil
}

// TopicSender publishes the batches of one topic.
type TopicSender struct {
	parent  *Sender
	subject string
}

// Send publishes a batch.
func (t *TopicSender) Send(ctx context.Context, batch *record.Batch) error {
	nc, err := t.parent.conn()
	if err != nil {
		return err
	}
	msgs, err := Messages(t.parent.codec, t.subject, batch)
	if err != nil {
		return err
	}
	if t.parent.config.JetStream {
		js, err := t.parent.ensureStream(nc)
		if err != nil {
			return err
		}
		for _, msg := range msgs {
			if _, err := js.PublishMsg(msg, nats.Context(ctx)); err != nil {
				return fmt.Errorf("failed to publish to %s: %w", t.subject, translate(err))
			}
		}
		return nil
	}
	for _, msg := range msgs {
		if err := nc.PublishMsg(msg); err != nil {
			return fmt.Errorf("failed to publish to %s: %w", t.subject, translate(err))
		}
	}
	if err := nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("failed to flush %s: %w", t.subject, translate(err))
	}
	if err := nc.LastError(); errors.Is(err, nats.ErrPermissionViolation) {
		return sender.AuthenticationError(err)
	}
	return nil
}

// Flush waits for a round trip to the server.
func (t *TopicSender) Flush(ctx context.Context) error {
	nc, err := t.parent.conn()
	if err != nil {
		return err
	}
	return translate(nc.FlushWithContext(ctx))
}

// Close does nothing; the connection is shared by all topics.
func (t *TopicSender) Close() error {
	return nil
}

// Messages encodes a batch as messages on subject.
func Messages(codec record.Codec, subject string, batch *record.Batch) ([]*nats.Msg, error) {
	encoded, err := sender.Encode(codec, batch)
	if err != nil {
		return nil, err
	}
	msgs := make([]*nats.Msg, len(encoded))
	for i, r := range encoded {
		header := nats.Header{}
		header.Set(HeaderKey, string(r.Key))
		header.Set(HeaderKeySchema, batch.Topic.KeySchema.Name)
		header.Set(HeaderValueSchema, batch.Topic.ValueSchema.Name)
		header.Set(nats.MsgIdHdr, uuid.NewString())
		msgs[i] = &nats.Msg{Subject: subject, Data: r.Value, Header: header}
	}
	return msgs, nil
}

// translate maps NATS errors to sender errors.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, nats.ErrAuthorization),
		errors.Is(err, nats.ErrAuthExpired),
		errors.Is(err, nats.ErrAuthRevoked),
		errors.Is(err, nats.ErrPermissionViolation):
		return sender.AuthenticationError(err)
	case errors.Is(err, nats.ErrMaxPayload):
		return fmt.Errorf("%w: %w", sender.ErrSchemaValidation, err)
	default:
		return err
	}
}
