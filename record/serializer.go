package record

import (
	"fmt"

	"github.com/wkalt/tapecache/util"
)

/*
Records are stored in queue files as a single element each:

	Reserved:     8 bytes (zero; older clients wrote a timestamp here)
	Key length:   4 bytes
	Key:          [Key length]byte
	Value length: 4 bytes
	Value:        [Value length]byte

The key and value are encoded with the cache's codec.
*/

////////////////////////////////////////////////////////////////////////////////

const reservedLength = 8

// Serializer encodes records of a topic into queue elements.
type Serializer struct {
	topic Topic
	codec Codec
}

// NewSerializer constructs a serializer.
func NewSerializer(topic Topic, codec Codec) *Serializer {
	return &Serializer{topic: topic, codec: codec}
}

// Serialize validates and encodes a record. A ValidationError is returned if
// the key or value does not conform to the topic schemas.
func (s *Serializer) Serialize(r Record) ([]byte, error) {
	key, err := s.codec.Encode(s.topic.KeySchema, r.Key)
	if err != nil {
		return nil, err
	}
	value, err := s.codec.Encode(s.topic.ValueSchema, r.Value)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, reservedLength+4+len(key)+4+len(value))
	offset := reservedLength
	offset += util.WritePrefixedBytes(buf[offset:], key)
	util.WritePrefixedBytes(buf[offset:], value)
	return buf, nil
}

// Deserializer decodes queue elements into records of a topic.
type Deserializer struct {
	topic Topic
	codec Codec
}

// NewDeserializer constructs a deserializer.
func NewDeserializer(topic Topic, codec Codec) *Deserializer {
	return &Deserializer{topic: topic, codec: codec}
}

// Deserialize decodes an element. ErrMalformedFrame is returned if the frame
// is truncated, and a ValidationError if the decoded record does not conform
// to the topic schemas.
func (d *Deserializer) Deserialize(data []byte) (Record, error) {
	key, value, err := splitFrame(data)
	if err != nil {
		return Record{}, err
	}
	k, err := d.codec.Decode(d.topic.KeySchema, key)
	if err != nil {
		return Record{}, err
	}
	v, err := d.codec.Decode(d.topic.ValueSchema, value)
	if err != nil {
		return Record{}, err
	}
	return Record{Key: k, Value: v}, nil
}

// DeserializeKey decodes only the key of an element.
func (d *Deserializer) DeserializeKey(data []byte) (Value, error) {
	key, _, err := splitFrame(data)
	if err != nil {
		return nil, err
	}
	return d.codec.Decode(d.topic.KeySchema, key)
}

func splitFrame(data []byte) (key, value []byte, err error) {
	if len(data) < reservedLength {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrMalformedFrame, len(data))
	}
	offset := reservedLength
	n, err := util.ReadPrefixedBytes(data[offset:], &key)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: key: %s", ErrMalformedFrame, err)
	}
	offset += n
	n, err = util.ReadPrefixedBytes(data[offset:], &value)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: value: %s", ErrMalformedFrame, err)
	}
	if offset+n != len(data) {
		return nil, nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedFrame, len(data)-offset-n)
	}
	return key, value, nil
}
