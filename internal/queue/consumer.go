package queue

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"

	"file-batch-ingester/internal/config"
)

// Handler processes one message. Returning an error without acknowledging makes the message's
// partition rewind to it, so it is delivered again.
type Handler interface {
	Handle(ctx context.Context, m *Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, m *Message) error

func (f HandlerFunc) Handle(ctx context.Context, m *Message) error { return f(ctx, m) }

// Consumer reads the trigger topic as part of a consumer group. Records of one partition always
// go to the same listener and are handled in order; different partitions are handled by up to
// Concurrency listeners at once. Offsets are committed only by Message.Ack.
type Consumer struct {
	client      *kgo.Client
	topic       string
	concurrency int
	maxPoll     int
	redelivery  time.Duration
}

// NewConsumer joins cfg.ConsumerGroup on cfg.TriggerTopic.
func NewConsumer(cfg config.Config) (*Consumer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.KafkaBrokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.TriggerTopic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.SessionTimeout(cfg.SessionTimeout),
		kgo.RebalanceTimeout(cfg.RebalanceTimeout),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create kafka consumer")
	}
	concurrency := cfg.ListenerConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	maxPoll := cfg.MaxPollRecords
	if maxPoll < 1 {
		maxPoll = 5
	}
	return &Consumer{
		client:      client,
		topic:       cfg.TriggerTopic,
		concurrency: concurrency,
		maxPoll:     maxPoll,
		redelivery:  time.Second,
	}, nil
}

type batch struct {
	topic     string
	partition int32
	records   []*kgo.Record
}

// Run polls until ctx is cancelled. Each poll's records are handed to the listeners and the
// group is not allowed to rebalance until they were all handled.
func (c *Consumer) Run(ctx context.Context, h Handler) error {
	log.WithFields(log.Fields{"topic": c.topic, "listeners": c.concurrency}).Info("trigger consumer started")

	listeners := make([]chan batch, c.concurrency)
	var dispatched sync.WaitGroup
	var stopped sync.WaitGroup
	for i := range listeners {
		listeners[i] = make(chan batch, 1)
		stopped.Add(1)
		go func(in <-chan batch) {
			defer stopped.Done()
			for b := range in {
				c.handleBatch(ctx, h, b)
				dispatched.Done()
			}
		}(listeners[i])
	}
	defer func() {
		for _, l := range listeners {
			close(l)
		}
		stopped.Wait()
	}()

	for {
		fetches := c.client.PollRecords(ctx, c.maxPoll)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			c.client.AllowRebalance()
			return ctx.Err()
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			if !errors.Is(err, context.Canceled) {
				log.WithFields(log.Fields{"topic": topic, "partition": partition}).WithError(err).Error("fetch error")
			}
		})

		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			if len(p.Records) == 0 {
				return
			}
			dispatched.Add(1)
			listeners[listenerFor(p.Partition, c.concurrency)] <- batch{topic: p.Topic, partition: p.Partition, records: p.Records}
		})
		dispatched.Wait()
		c.client.AllowRebalance()
	}
}

// handleBatch handles records in order. On the first failure the partition is rewound to the
// failed record and the rest of the batch is dropped; the records come back on a later poll.
func (c *Consumer) handleBatch(ctx context.Context, h Handler, b batch) {
	for _, rec := range b.records {
		rec := rec
		m := fromRecord(rec, func() error {
			return c.client.CommitRecords(context.Background(), rec)
		})
		err := h.Handle(ctx, m)
		if err == nil {
			continue
		}
		if m.Acked() {
			log.WithFields(log.Fields{"topic": rec.Topic, "partition": rec.Partition, "offset": rec.Offset}).
				WithError(err).Warn("handler failed after acknowledging")
			continue
		}
		log.WithFields(log.Fields{"topic": rec.Topic, "partition": rec.Partition, "offset": rec.Offset}).
			WithError(err).Warn("message not acknowledged, redelivering")
		c.client.SetOffsets(map[string]map[int32]kgo.EpochOffset{
			rec.Topic: {rec.Partition: {Epoch: rec.LeaderEpoch, Offset: rec.Offset}},
		})
		select {
		case <-ctx.Done():
		case <-time.After(c.redelivery):
		}
		return
	}
}

func listenerFor(partition int32, listeners int) int {
	return int(partition) % listeners
}

// Close leaves the group and closes the client.
func (c *Consumer) Close() {
	c.client.Close()
}
