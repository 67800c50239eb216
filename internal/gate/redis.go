package gate

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"file-batch-ingester/internal/telemetry"
)

// Redis is a gate shared by every ingester using the same key. Each permit is a member of a
// sorted set scored by its lease deadline; leases of crashed holders expire after ttl. Held
// permits renew their lease until released.
type Redis struct {
	client   *redis.Client
	key      string
	capacity int64
	ttl      time.Duration
}

func NewRedis(client *redis.Client, key string, capacity int, ttl time.Duration) *Redis {
	if capacity < 1 {
		capacity = 1
	}
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &Redis{client: client, key: key, capacity: int64(capacity), ttl: ttl}
}

func (g *Redis) TryAcquire(ctx context.Context) (Permit, bool, error) {
	id := uuid.NewString()
	now := time.Now()
	res, err := acquireScript.Run(ctx, g.client, []string{g.key},
		g.capacity, now.UnixMilli(), now.Add(g.ttl).UnixMilli(), id).Int64()
	if err != nil {
		return nil, false, errors.Wrap(err, "acquire gate lease")
	}
	if res == 0 {
		return nil, false, nil
	}
	g.observe(ctx)

	renewCtx, cancel := context.WithCancel(context.Background())
	p := &redisPermit{gate: g, id: id, cancel: cancel}
	go p.renew(renewCtx)
	return p, true, nil
}

func (g *Redis) InUse(ctx context.Context) (int64, error) {
	n, err := g.client.ZCount(ctx, g.key, strconv.FormatInt(time.Now().UnixMilli(), 10), "+inf").Result()
	if err != nil {
		return 0, errors.Wrap(err, "count gate leases")
	}
	return n, nil
}

func (g *Redis) Capacity() int64 { return g.capacity }

func (g *Redis) observe(ctx context.Context) {
	if n, err := g.InUse(ctx); err == nil {
		telemetry.JobsInFlight.Set(float64(n))
	}
}

type redisPermit struct {
	gate   *Redis
	id     string
	cancel context.CancelFunc
	once   sync.Once
}

func (p *redisPermit) renew(ctx context.Context) {
	ticker := time.NewTicker(p.gate.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := p.gate.client.ZAddXX(ctx, p.gate.key, redis.Z{
				Score:  float64(time.Now().Add(p.gate.ttl).UnixMilli()),
				Member: p.id,
			}).Err()
			if err != nil && ctx.Err() == nil {
				log.WithError(err).WithField("lease", p.id).Warn("gate lease renewal failed")
			}
		}
	}
}

func (p *redisPermit) Release() {
	p.once.Do(func() {
		p.cancel()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.gate.client.ZRem(ctx, p.gate.key, p.id).Err(); err != nil {
			log.WithError(err).WithField("lease", p.id).Error("gate lease release failed; it expires with its ttl")
			return
		}
		p.gate.observe(ctx)
	})
}

var acquireScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local deadline = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now)
if redis.call('ZCARD', key) >= capacity then
  return 0
end
redis.call('ZADD', key, deadline, ARGV[4])
return 1
`)
