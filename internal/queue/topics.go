package queue

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// TopicManager creates the trigger and dead-letter topics.
type TopicManager struct {
	admin *kadm.Client
}

func NewTopicManager(brokers []string) (*TopicManager, error) {
	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, errors.Wrap(err, "create kafka admin client")
	}
	return &TopicManager{admin: kadm.NewClient(client)}, nil
}

// EnsureTopics creates the topics that do not exist yet and returns their names.
func (m *TopicManager) EnsureTopics(ctx context.Context, partitions int32, replication int16, topics ...string) ([]string, error) {
	existing, err := m.admin.ListTopics(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list topics")
	}
	var missing []string
	for _, t := range topics {
		if !existing.Has(t) {
			missing = append(missing, t)
		}
	}
	if len(missing) == 0 {
		return nil, nil
	}

	resp, err := m.admin.CreateTopics(ctx, partitions, replication, nil, missing...)
	if err != nil {
		return nil, errors.Wrap(err, "create topics")
	}
	for _, r := range resp {
		if r.Err != nil {
			return nil, errors.Wrapf(r.Err, "create topic %s", r.Topic)
		}
		log.WithFields(log.Fields{"topic": r.Topic, "partitions": partitions}).Info("created topic")
	}
	return missing, nil
}

func (m *TopicManager) Close() {
	m.admin.Close()
}
