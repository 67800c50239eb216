package trigger

import (
	"context"
	"strconv"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"file-batch-ingester/internal/models"
	"file-batch-ingester/internal/queue"
	"file-batch-ingester/internal/telemetry"
)

// Publisher republishes a message to a given partition.
type Publisher interface {
	PublishTo(ctx context.Context, topic string, partition int32, key, value []byte, headers map[string]string) error
}

// Journal records dead letters for inspection.
type Journal interface {
	Push(ctx context.Context, dl models.DeadLetter) error
}

// Backoff is the retry schedule applied before a trigger is dead-lettered.
type Backoff struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
	// Retries is the number of attempts after the first.
	Retries uint
}

// Delay is the wait before retry n, counting from zero.
func (b Backoff) Delay(n uint) time.Duration {
	d := float64(b.Initial)
	for i := uint(0); i < n; i++ {
		d *= b.Multiplier
		if time.Duration(d) >= b.Max {
			return b.Max
		}
	}
	if time.Duration(d) > b.Max {
		return b.Max
	}
	return time.Duration(d)
}

// Router delivers trigger messages to the Consumer with backoff and republishes the ones that
// keep failing to the dead-letter topic on their source partition under their original key.
type Router struct {
	consumer  *Consumer
	publisher Publisher
	journal   Journal
	dlqTopic  string
	backoff   Backoff
}

// NewRouter builds a router. journal may be nil.
func NewRouter(consumer *Consumer, publisher Publisher, journal Journal, dlqTopic string, backoff Backoff) *Router {
	return &Router{consumer: consumer, publisher: publisher, journal: journal, dlqTopic: dlqTopic, backoff: backoff}
}

// Handle implements queue.Handler.
func (r *Router) Handle(ctx context.Context, m *queue.Message) error {
	logger := log.WithFields(log.Fields{"topic": m.Topic, "partition": m.Partition, "offset": m.Offset})

	msg, err := Decode(m.Value)
	if err != nil {
		logger.WithError(err).Error("rejecting invalid trigger")
		return r.deadLetter(ctx, m, "", err, 1)
	}
	logger = logger.WithField("fileId", msg.FileID)

	attempts := 0
	err = retry.Do(
		func() error {
			attempts++
			return r.consumer.Handle(ctx, msg, m.Ack)
		},
		retry.Context(ctx),
		retry.Attempts(r.backoff.Retries+1),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return r.backoff.Delay(n)
		}),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, ErrInvalidTrigger) && !m.Acked()
		}),
		retry.OnRetry(func(n uint, err error) {
			logger.WithError(err).WithField("attempt", n+1).Warn("trigger delivery failed, backing off")
		}),
		retry.LastErrorOnly(true),
	)
	if err == nil || m.Acked() {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return r.deadLetter(ctx, m, msg.FileID, err, attempts)
}

// deadLetter republishes the original record unchanged to the same partition of the dead-letter
// topic and acknowledges it. If publishing fails
// the message stays unacknowledged and is delivered again.
func (r *Router) deadLetter(ctx context.Context, m *queue.Message, fileID string, cause error, attempts int) error {
	headers := make(map[string]string, len(m.Headers)+4)
	for k, v := range m.Headers {
		headers[k] = v
	}
	headers["dlq-original-topic"] = m.Topic
	headers["dlq-original-partition"] = strconv.Itoa(int(m.Partition))
	headers["dlq-original-offset"] = strconv.FormatInt(m.Offset, 10)
	headers["dlq-exception-message"] = cause.Error()

	if err := r.publisher.PublishTo(ctx, r.dlqTopic, m.Partition, m.Key, m.Value, headers); err != nil {
		return errors.WithMessage(err, "publish dead letter")
	}
	telemetry.TriggerDeadLettered.Inc()
	log.WithFields(log.Fields{"fileId": fileID, "topic": r.dlqTopic, "attempts": attempts}).
		WithError(cause).Error("trigger dead-lettered")

	if r.journal != nil {
		err := r.journal.Push(ctx, models.DeadLetter{
			FileID:   fileID,
			Key:      string(m.Key),
			Topic:    m.Topic,
			Reason:   cause.Error(),
			Attempts: attempts,
			Payload:  string(m.Value),
			At:       time.Now().UTC(),
		})
		if err != nil {
			log.WithError(err).Warn("could not journal dead letter")
		}
	}
	return m.Ack()
}
