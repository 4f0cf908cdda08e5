// Package rediscache is an optional Redis read-through layer in front of
// the durable lunar conversion cache. Redis is never the source of truth:
// every write goes to the backing store first, and any Redis failure falls
// back to it.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	appLog "festcal/internal/log"
	"festcal/internal/lunar"
	"festcal/internal/model"
)

const keyPrefix = "festcal:lunar"

// Backing is the durable cache Redis fronts (normally the sqlite store).
type Backing interface {
	lunar.Cache
	lunar.CachePruner
}

// Cache implements lunar.Cache and lunar.CachePruner.
type Cache struct {
	client  *redis.Client
	backing Backing
	ttl     time.Duration
}

// New connects to redisURL (redis://...) and verifies the connection.
func New(redisURL string, backing Backing, ttl time.Duration) (*Cache, error) {
	url := strings.TrimSpace(redisURL)
	if url == "" {
		return nil, errors.New("rediscache: redis url is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("rediscache: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("rediscache: ping: %w", err)
	}
	return NewWithClient(client, backing, ttl), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, backing Backing, ttl time.Duration) *Cache {
	return &Cache{client: client, backing: backing, ttl: ttl}
}

// Key returns the Redis key of a conversion.
func Key(k model.ConversionKey) string {
	leap := 0
	if k.IsLeap {
		leap = 1
	}
	return fmt.Sprintf("%s:%d:%d:%d:%d", keyPrefix, k.LunarYear, k.LunarMonth, k.LunarDay, leap)
}

type record struct {
	Dates    []string `json:"dates"`
	Source   string   `json:"source"`
	CachedAt string   `json:"cached_at"`
}

func encode(e model.ConversionCacheEntry) ([]byte, error) {
	rec := record{Source: string(e.Source), CachedAt: e.CachedAt.UTC().Format(time.RFC3339Nano)}
	for _, d := range e.SolarDates {
		rec.Dates = append(rec.Dates, model.FormatDate(d))
	}
	return json.Marshal(rec)
}

func decode(key model.ConversionKey, data []byte) (model.ConversionCacheEntry, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return model.ConversionCacheEntry{}, err
	}
	e := model.ConversionCacheEntry{Key: key, Source: model.ConversionSource(rec.Source)}
	at, err := time.Parse(time.RFC3339Nano, rec.CachedAt)
	if err != nil {
		return model.ConversionCacheEntry{}, err
	}
	e.CachedAt = at.UTC()
	for _, s := range rec.Dates {
		d, err := model.ParseDate(s)
		if err != nil {
			return model.ConversionCacheEntry{}, err
		}
		e.SolarDates = append(e.SolarDates, d)
	}
	return e, nil
}

// GetConversion reads Redis first, then the backing store, warming Redis on
// a backing hit.
func (c *Cache) GetConversion(ctx context.Context, key model.ConversionKey) (model.ConversionCacheEntry, bool, error) {
	data, err := c.client.Get(ctx, Key(key)).Bytes()
	switch {
	case err == nil:
		e, derr := decode(key, data)
		if derr == nil {
			return e, true, nil
		}
		appLog.Warn("rediscache: dropping undecodable entry", "key", Key(key), "err", derr)
		_ = c.client.Del(ctx, Key(key)).Err()
	case errors.Is(err, redis.Nil):
	default:
		appLog.Warn("rediscache: get failed; using backing store", "key", Key(key), "err", err)
	}

	e, ok, err := c.backing.GetConversion(ctx, key)
	if err != nil || !ok {
		return e, ok, err
	}
	c.set(ctx, e)
	return e, true, nil
}

// PutConversion writes the backing store, then Redis.
func (c *Cache) PutConversion(ctx context.Context, e model.ConversionCacheEntry) error {
	if err := c.backing.PutConversion(ctx, e); err != nil {
		return err
	}
	c.set(ctx, e)
	return nil
}

// PruneConversions prunes the backing store; Redis entries expire on their
// own TTL.
func (c *Cache) PruneConversions(ctx context.Context, cachedBefore time.Time) (int64, error) {
	return c.backing.PruneConversions(ctx, cachedBefore)
}

// Close closes the Redis client.
func (c *Cache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

func (c *Cache) set(ctx context.Context, e model.ConversionCacheEntry) {
	data, err := encode(e)
	if err != nil {
		appLog.Warn("rediscache: encode failed", "key", Key(e.Key), "err", err)
		return
	}
	if err := c.client.Set(ctx, Key(e.Key), data, c.ttl).Err(); err != nil {
		appLog.Warn("rediscache: set failed", "key", Key(e.Key), "err", err)
	}
}
