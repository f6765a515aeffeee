package object

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/wkalt/tapecache/record"
	"github.com/wkalt/tapecache/sender"
	"github.com/wkalt/tapecache/storage"
)

/*
Package object implements a sender that writes every batch as one JSON-lines
object to an object store, named

	<topic>/<userId>/<uuid>.jsonl

Each line holds the key and value of one record. A batch is accepted once its
object has been stored, so an upload is all or nothing.
*/

////////////////////////////////////////////////////////////////////////////////

// Line is one record of an uploaded object.
type Line struct {
	Key   json.RawMessage `json:"key"`
	Value json.RawMessage `json:"value"`
}

// Sender uploads batches to an object store.
type Sender struct {
	store storage.Provider
	codec record.JSONCodec

	mtx    sync.Mutex
	closed bool
}

// New constructs a sender on store.
func New(store storage.Provider) *Sender {
	return &Sender{store: store}
}

// IsConnected pings the store.
func (s *Sender) IsConnected(ctx context.Context) (bool, error) {
	if s.isClosed() {
		return false, sender.ErrClosed
	}
	if err := s.store.Ping(ctx); err != nil {
		return false, translate(err)
	}
	return true, nil
}

// ResetConnection pings the store. Object stores have no connection state.
func (s *Sender) ResetConnection(ctx context.Context) (bool, error) {
	return s.IsConnected(ctx)
}

// Sender returns the sender for a topic.
func (s *Sender) Sender(_ context.Context, topic record.Topic) (sender.TopicSender, error) {
	if s.isClosed() {
		return nil, sender.ErrClosed
	}
	return &TopicSender{parent: s, topic: topic.Name}, nil
}

// Close closes the sender.
func (s *Sender) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.closed = true
	return nil
}

func (s *Sender) isClosed() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.closed
}

// TopicSender uploads the batches of one topic.
type TopicSender struct {
	parent *Sender
	topic  string
}

// Send stores a batch as one object.
func (t *TopicSender) Send(ctx context.Context, batch *record.Batch) error {
	if t.parent.isClosed() {
		return sender.ErrClosed
	}
	data, err := Encode(t.parent.codec, batch)
	if err != nil {
		return err
	}
	id := ObjectID(t.topic, batch.Key)
	if err := t.parent.store.Put(ctx, id, data); err != nil {
		return fmt.Errorf("failed to upload %s: %w", id, translate(err))
	}
	return nil
}

// Flush does nothing; every send completes before returning.
func (t *TopicSender) Flush(context.Context) error {
	return nil
}

// Close does nothing.
func (t *TopicSender) Close() error {
	return nil
}

// ObjectID returns a new object id for a batch of topic with key.
func ObjectID(topic string, key record.Value) string {
	userID, ok := key["userId"].(string)
	if !ok || userID == "" {
		userID = "unknown"
	}
	return path.Join(topic, userID, uuid.NewString()+".jsonl")
}

// Encode encodes a batch as JSON lines.
func Encode(codec record.Codec, batch *record.Batch) ([]byte, error) {
	encoded, err := sender.Encode(codec, batch)
	if err != nil {
		return nil, err
	}
	buf := &bytes.Buffer{}
	for _, r := range encoded {
		line, err := json.Marshal(Line{Key: r.Key, Value: r.Value})
		if err != nil {
			return nil, fmt.Errorf("failed to encode line: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// Decode decodes the lines of an uploaded object.
func Decode(data []byte) ([]Line, error) {
	lines := []Line{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), len(data)+1)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var line Line
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			return nil, fmt.Errorf("failed to decode line %d: %w", len(lines)+1, err)
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read object: %w", err)
	}
	return lines, nil
}

func translate(err error) error {
	if errors.Is(err, storage.ErrAccessDenied) {
		return sender.AuthenticationError(err)
	}
	return err
}
