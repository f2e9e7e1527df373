// Package rediscache serves the popularity and stats caches from Redis.
//
// Popularity entries live under a generation prefix, popular:<gen>:<code>.
// Replace writes a fresh generation and then flips the popular:current
// pointer, so readers see either the old set or the new one, never a mix.
package rediscache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/wadjakorntonsri/linkshort/pkg/ports"
)

const (
	popularPointer = "popular:current"
	statsPrefix    = "stats:"
	scanBatch      = 500
)

type Cache struct {
	client *redis.Client
	log    logrus.FieldLogger
}

// New parses a redis:// URL, connects and pings the server.
func New(ctx context.Context, rawURL string, logger logrus.FieldLogger) (*Cache, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewFromClient(client, logger), nil
}

func NewFromClient(client *redis.Client, logger logrus.FieldLogger) *Cache {
	return &Cache{
		client: client,
		log:    logger.WithFields(logrus.Fields{"component": "cache", "backend": "redis"}),
	}
}

func (c *Cache) Close() error {
	return c.client.Close()
}

func popularKey(gen, code string) string {
	return "popular:" + gen + ":" + code
}

func statsKey(code string) string {
	return statsPrefix + code
}

func (c *Cache) currentGeneration(ctx context.Context) (string, error) {
	gen, err := c.client.Get(ctx, popularPointer).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return gen, err
}

func (c *Cache) Replace(ctx context.Context, entries []ports.PopularEntry) error {
	old, err := c.currentGeneration(ctx)
	if err != nil {
		return fmt.Errorf("read popular generation: %w", err)
	}

	gen := uuid.NewString()
	_, err = c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, e := range entries {
			pipe.Set(ctx, popularKey(gen, e.ShortCode), e.OriginalURL, e.TTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write popular generation: %w", err)
	}

	if err := c.client.Set(ctx, popularPointer, gen, 0).Err(); err != nil {
		return fmt.Errorf("swap popular generation: %w", err)
	}

	if old != "" {
		n, err := c.deleteMatching(ctx, popularKey(old, "*"))
		if err != nil {
			// Old entries still expire on their own TTL.
			c.log.WithError(err).WithField("generation", old).Warn("failed to drop previous popular generation")
		} else {
			c.log.WithFields(logrus.Fields{"generation": old, "keys": n}).Debug("previous popular generation dropped")
		}
	}
	return nil
}

func (c *Cache) Lookup(ctx context.Context, code string) (string, bool, error) {
	gen, err := c.currentGeneration(ctx)
	if err != nil || gen == "" {
		return "", false, err
	}

	u, err := c.client.Get(ctx, popularKey(gen, code)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return u, true, nil
}

func (c *Cache) Evict(ctx context.Context, code string) error {
	gen, err := c.currentGeneration(ctx)
	if err != nil || gen == "" {
		return err
	}
	return c.client.Del(ctx, popularKey(gen, code)).Err()
}

func (c *Cache) GetStats(ctx context.Context, code string) ([]byte, bool, error) {
	b, err := c.client.Get(ctx, statsKey(code)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (c *Cache) SetStats(ctx context.Context, code string, snapshot []byte, ttl time.Duration) error {
	return c.client.Set(ctx, statsKey(code), snapshot, ttl).Err()
}

func (c *Cache) DropStats(ctx context.Context, code string) error {
	return c.client.Del(ctx, statsKey(code)).Err()
}

func (c *Cache) InvalidateStats(ctx context.Context) (int64, error) {
	return c.deleteMatching(ctx, statsPrefix+"*")
}

// deleteMatching walks the keyspace with SCAN and deletes matches batch by
// batch, so a large namespace never blocks the server.
func (c *Cache) deleteMatching(ctx context.Context, pattern string) (int64, error) {
	var (
		cursor  uint64
		deleted int64
	)
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return deleted, err
		}
		if len(keys) > 0 {
			n, err := c.client.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, err
			}
			deleted += n
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

var _ ports.Cache = (*Cache)(nil)
