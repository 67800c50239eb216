// Package queue carries trigger messages over Kafka: a consumer group with manual
// acknowledgement, a producer for republishing, and topic bootstrap.
package queue

import (
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Message is one delivered record. It is acknowledged at most once; an unacknowledged message is
// delivered again.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string

	ackFn func() error
	mu    sync.Mutex
	acked bool
}

// NewMessage builds a message acknowledged by ack.
func NewMessage(topic string, partition int32, offset int64, key, value []byte, headers map[string]string, ack func() error) *Message {
	return &Message{
		Topic: topic, Partition: partition, Offset: offset,
		Key: key, Value: value, Headers: headers,
		ackFn: ack,
	}
}

func fromRecord(r *kgo.Record, ack func() error) *Message {
	headers := make(map[string]string, len(r.Headers))
	for _, h := range r.Headers {
		headers[h.Key] = string(h.Value)
	}
	return NewMessage(r.Topic, r.Partition, r.Offset, r.Key, r.Value, headers, ack)
}

// Ack commits the message. Once it succeeded, later calls do nothing; a failed Ack may be retried.
func (m *Message) Ack() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.acked {
		return nil
	}
	if m.ackFn != nil {
		if err := m.ackFn(); err != nil {
			return err
		}
	}
	m.acked = true
	return nil
}

// Acked reports whether Ack succeeded.
func (m *Message) Acked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acked
}

func recordHeaders(headers map[string]string) []kgo.RecordHeader {
	out := make([]kgo.RecordHeader, 0, len(headers))
	for k, v := range headers {
		out = append(out, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	return out
}
