package codepool

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const defaultKeyPrefix = "vrdiag:codepool"

// Each script touches both keys so every pool operation is atomic on the
// Redis server, across any number of service replicas.
var (
	initScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[3]) == 1 then
  return 0
end
redis.call("DEL", KEYS[1], KEYS[2])
for i = 1, #ARGV do
  redis.call("RPUSH", KEYS[1], ARGV[i])
end
redis.call("SET", KEYS[3], #ARGV)
return 1
`)

	acquireScript = redis.NewScript(`
local code = redis.call("LPOP", KEYS[1])
if not code then
  return false
end
redis.call("SADD", KEYS[2], code)
return code
`)

	releaseScript = redis.NewScript(`
if redis.call("SREM", KEYS[2], ARGV[1]) == 0 then
  return 0
end
redis.call("RPUSH", KEYS[1], ARGV[1])
return 1
`)

	reserveScript = redis.NewScript(`
if redis.call("SISMEMBER", KEYS[2], ARGV[1]) == 1 then
  return 1
end
if redis.call("LREM", KEYS[1], 1, ARGV[1]) == 0 then
  return 0
end
redis.call("SADD", KEYS[2], ARGV[1])
return 1
`)
)

// RedisConfig holds configuration for the Redis-backed pool.
type RedisConfig struct {
	RedisClient *redis.Client
	KeyPrefix   string
	Size        int
	Length      int
	Logger      logrus.FieldLogger
}

// RedisPool keeps the available queue in a LIST and the active set in a SET
// so several service replicas share one pool.
type RedisPool struct {
	client       *redis.Client
	availableKey string
	activeKey    string
	initKey      string
	size         int
	logger       logrus.FieldLogger
}

// NewRedisPool connects to Redis and seeds the pool unless another replica
// already did.
func NewRedisPool(ctx context.Context, cfg *RedisConfig) (*RedisPool, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if cfg.RedisClient == nil {
		return nil, ErrNilRedisClient
	}
	if err := validate(cfg.Size, cfg.Length); err != nil {
		return nil, err
	}

	if err := cfg.RedisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	p := &RedisPool{
		client:       cfg.RedisClient,
		availableKey: prefix + ":available",
		activeKey:    prefix + ":active",
		initKey:      prefix + ":initialized",
		size:         cfg.Size,
		logger:       logger,
	}

	codes, err := generateCodes(cfg.Size, cfg.Length)
	if err != nil {
		return nil, err
	}
	args := make([]interface{}, len(codes))
	for i, c := range codes {
		args[i] = c
	}

	seeded, err := initScript.Run(ctx, p.client, p.keys(), args...).Int()
	if err != nil {
		return nil, fmt.Errorf("failed to seed code pool: %w", err)
	}

	if seeded == 1 {
		logger.WithFields(logrus.Fields{"size": cfg.Size, "length": cfg.Length}).Info("redis code pool seeded")
	} else {
		stored, err := p.client.Get(ctx, p.initKey).Int()
		if err == nil {
			p.size = stored
		}
		if p.size != cfg.Size {
			logger.WithFields(logrus.Fields{"configured": cfg.Size, "stored": p.size}).
				Warn("redis code pool already seeded with a different size")
		}
	}

	return p, nil
}

func (p *RedisPool) keys() []string {
	return []string{p.availableKey, p.activeKey, p.initKey}
}

func (p *RedisPool) Acquire(ctx context.Context) (string, error) {
	code, err := acquireScript.Run(ctx, p.client, p.keys()).Text()
	if errors.Is(err, redis.Nil) {
		return "", ErrPoolExhausted
	}
	if err != nil {
		return "", fmt.Errorf("failed to acquire code: %w", err)
	}
	return code, nil
}

func (p *RedisPool) Release(ctx context.Context, code string) {
	released, err := releaseScript.Run(ctx, p.client, p.keys(), code).Int()
	if err != nil {
		p.logger.WithError(err).WithField("code", code).Error("failed to release code")
		return
	}
	if released == 0 {
		p.logger.WithField("code", code).Warn("release of inactive code ignored")
	}
}

func (p *RedisPool) Reserve(ctx context.Context, code string) bool {
	reserved, err := reserveScript.Run(ctx, p.client, p.keys(), code).Int()
	if err != nil {
		p.logger.WithError(err).WithField("code", code).Error("failed to reserve code")
		return false
	}
	return reserved == 1
}

func (p *RedisPool) Stats(ctx context.Context) (Stats, error) {
	pipe := p.client.Pipeline()
	available := pipe.LLen(ctx, p.availableKey)
	active := pipe.SCard(ctx, p.activeKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("failed to read pool stats: %w", err)
	}
	return Stats{
		Size:      p.size,
		Available: int(available.Val()),
		Active:    int(active.Val()),
	}, nil
}
