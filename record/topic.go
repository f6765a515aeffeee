package record

import "fmt"

// ObservationKeySchema is the key schema shared by all sensor topics. It
// identifies the user and source device an observation belongs to.
// nolint:gochecknoglobals
var ObservationKeySchema = MustParseSchema(
	"record ObservationKey { projectId: string?; userId: string; sourceId: string; }",
)

// ObservationKey builds a key for ObservationKeySchema. An empty projectID is
// omitted.
func ObservationKey(projectID, userID, sourceID string) Value {
	key := Value{"userId": userID, "sourceId": sourceID}
	if projectID != "" {
		key["projectId"] = projectID
	}
	return key
}

// Topic is a named stream of records sharing a key and value schema.
type Topic struct {
	Name        string
	KeySchema   *Schema
	ValueSchema *Schema
}

// NewTopic constructs a topic.
func NewTopic(name string, keySchema, valueSchema *Schema) Topic {
	return Topic{Name: name, KeySchema: keySchema, ValueSchema: valueSchema}
}

// Validate checks a key and value against the topic schemas.
func (t Topic) Validate(key, value Value) error {
	if err := t.KeySchema.Validate(key); err != nil {
		return err
	}
	return t.ValueSchema.Validate(value)
}

func (t Topic) String() string {
	return fmt.Sprintf("%s<%s, %s>", t.Name, t.KeySchema.Name, t.ValueSchema.Name)
}

// Record is a key and value pair.
type Record struct {
	Key   Value
	Value Value
}

// Batch is a run of records sharing one key, read from the head of a cache.
type Batch struct {
	Topic  Topic
	Key    Value
	Values []Value
}

// Len returns the number of records in the batch.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Values)
}

// Records returns the batch as individual records.
func (b *Batch) Records() []Record {
	records := make([]Record, len(b.Values))
	for i, v := range b.Values {
		records[i] = Record{Key: b.Key, Value: v}
	}
	return records
}
