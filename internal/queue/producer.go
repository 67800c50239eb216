package queue

import (
	"context"

	"github.com/pkg/errors"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Producer publishes records synchronously.
type Producer struct {
	client *kgo.Client
	manual bool
}

// NewProducer builds a producer that partitions records by key.
func NewProducer(brokers []string) (*Producer, error) {
	return newProducer(brokers, false)
}

// NewPartitionedProducer builds a producer that writes every record to the partition passed to
// PublishTo. Dead letters use it to stay on their source partition.
func NewPartitionedProducer(brokers []string) (*Producer, error) {
	return newProducer(brokers, true)
}

func newProducer(brokers []string, manual bool) (*Producer, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.RecordRetries(5),
	}
	if manual {
		opts = append(opts, kgo.RecordPartitioner(kgo.ManualPartitioner()))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "create kafka producer")
	}
	return &Producer{client: client, manual: manual}, nil
}

// Publish writes one record and waits for it to be acknowledged. Records with the same key land
// on the same partition.
func (p *Producer) Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	if p.manual {
		return errors.Errorf("produce to %s: partitioned producer needs an explicit partition", topic)
	}
	return p.produce(ctx, &kgo.Record{Topic: topic, Key: key, Value: value, Headers: recordHeaders(headers)})
}

// PublishTo writes one record to partition of topic. It needs a producer built with
// NewPartitionedProducer.
func (p *Producer) PublishTo(ctx context.Context, topic string, partition int32, key, value []byte, headers map[string]string) error {
	if !p.manual {
		return errors.Errorf("produce to %s: producer partitions by key", topic)
	}
	return p.produce(ctx, &kgo.Record{Topic: topic, Partition: partition, Key: key, Value: value, Headers: recordHeaders(headers)})
}

func (p *Producer) produce(ctx context.Context, rec *kgo.Record) error {
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return errors.Wrapf(err, "produce to %s[%d]", rec.Topic, rec.Partition)
	}
	return nil
}

func (p *Producer) Close() {
	p.client.Close()
}
