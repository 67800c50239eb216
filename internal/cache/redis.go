package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"file-batch-ingester/internal/config"
	"file-batch-ingester/internal/models"
)

const (
	completedPrefix = "ingest:completed:"
	journalCap      = 1000
)

// NewClient builds a Redis client from config.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// Completed remembers files that reached COMPLETED so duplicate triggers skip the database.
type Completed struct {
	client *redis.Client
	ttl    time.Duration
}

func NewCompleted(client *redis.Client, ttl time.Duration) *Completed {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Completed{client: client, ttl: ttl}
}

func (c *Completed) key(fileID string) string {
	return completedPrefix + fileID
}

// IsCompleted reports a cache hit. A miss says nothing about the database.
func (c *Completed) IsCompleted(ctx context.Context, fileID string) (bool, error) {
	n, err := c.client.Exists(ctx, c.key(fileID)).Result()
	if err != nil {
		return false, errors.Wrapf(err, "completed cache lookup %s", fileID)
	}
	return n == 1, nil
}

// MarkCompleted caches fileID as completed until the TTL expires.
func (c *Completed) MarkCompleted(ctx context.Context, fileID string) error {
	err := c.client.Set(ctx, c.key(fileID), time.Now().UTC().Format(time.RFC3339), c.ttl).Err()
	return errors.Wrapf(err, "completed cache set %s", fileID)
}

// DeadLetterJournal keeps the most recent dead letters, newest first, in a capped list.
type DeadLetterJournal struct {
	client *redis.Client
	key    string
}

func NewDeadLetterJournal(client *redis.Client, key string) *DeadLetterJournal {
	if key == "" {
		key = "ingest:dlq"
	}
	return &DeadLetterJournal{client: client, key: key}
}

// Push records one dead letter.
func (j *DeadLetterJournal) Push(ctx context.Context, dl models.DeadLetter) error {
	raw, err := json.Marshal(dl)
	if err != nil {
		return errors.Wrap(err, "encode dead letter")
	}
	pipe := j.client.TxPipeline()
	pipe.LPush(ctx, j.key, raw)
	pipe.LTrim(ctx, j.key, 0, journalCap-1)
	_, err = pipe.Exec(ctx)
	return errors.Wrap(err, "push dead letter")
}

// Peek reads up to count of the latest dead letters.
func (j *DeadLetterJournal) Peek(ctx context.Context, count int64) ([]models.DeadLetter, error) {
	if count <= 0 {
		return nil, nil
	}
	raws, err := j.client.LRange(ctx, j.key, 0, count-1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "peek dead letters")
	}
	out := make([]models.DeadLetter, 0, len(raws))
	for _, raw := range raws {
		var dl models.DeadLetter
		if err := json.Unmarshal([]byte(raw), &dl); err != nil {
			return nil, errors.Wrap(err, "decode dead letter")
		}
		out = append(out, dl)
	}
	return out, nil
}

// Depth is the number of journaled dead letters.
func (j *DeadLetterJournal) Depth(ctx context.Context) (int64, error) {
	n, err := j.client.LLen(ctx, j.key).Result()
	return n, errors.Wrap(err, "dead letter depth")
}
