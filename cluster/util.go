package cluster

import (
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/mqy/presencehub/store"
)

const (
	RecordGroup   = "group"
	RecordPrivate = "private"
)

// Record is the kafka message value of a routed message.
type Record struct {
	Kind    string                `json:"kind"`
	Group   *store.GroupMessage   `json:"group,omitempty"`
	Private *store.PrivateMessage `json:"private,omitempty"`
}

// key keeps the room in one partition, and each conversation in one partition.
func (r *Record) key() string {
	if r.Private == nil {
		return RecordGroup
	}
	a, b := r.Private.Author, r.Private.Recipient
	if b < a {
		a, b = b, a
	}
	return a + "\x00" + b
}

func encodeRecord(rec *Record, limit int) (kafka.Message, error) {
	value, err := json.Marshal(rec)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("error marshal record: %+v, err: %w", rec, err)
	}
	if len(value) > limit {
		return kafka.Message{}, fmt.Errorf("journal: record exceeds max limit: %d bytes", limit)
	}
	return kafka.Message{
		Key:   []byte(rec.key()),
		Value: value,
	}, nil
}
