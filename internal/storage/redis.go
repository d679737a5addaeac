package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maneesh/crashstore/internal/models"
)

const (
	// CacheTTL is the time-to-live for cached dump records (5 minutes)
	CacheTTL = 5 * time.Minute
)

// DumpCache is an optional read-through cache for point reads of dump
// records. Every mutating operation invalidates the entry, so the cache
// never hides a committed change for longer than its TTL would anyway.
type DumpCache struct {
	client *redis.Client
}

// NewDumpCache initializes a new Redis-backed record cache
func NewDumpCache(addr, password string, db int) (*DumpCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test the connection
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &DumpCache{client: client}, nil
}

// Close closes the Redis connection
func (dc *DumpCache) Close() error {
	return dc.client.Close()
}

func cacheKey(id string) string {
	return fmt.Sprintf("dump:%s", id)
}

// Get retrieves a cached record. A cache miss returns (nil, nil).
func (dc *DumpCache) Get(ctx context.Context, id string) (*models.DumpRecord, error) {
	ctx, span := tracer.Start(ctx, "redis.get_dump",
		trace.WithAttributes(attribute.String("dump_id", id)),
	)
	defer span.End()

	data, err := dc.client.Get(ctx, cacheKey(id)).Result()
	if err == redis.Nil {
		span.SetAttributes(attribute.Bool("cache_hit", false))
		return nil, nil // Cache miss, not an error
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get from cache: %w", err)
	}

	var rec models.DumpRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to unmarshal cached record: %w", err)
	}

	span.SetAttributes(attribute.Bool("cache_hit", true))
	return &rec, nil
}

// Set stores a record in the cache.
func (dc *DumpCache) Set(ctx context.Context, rec *models.DumpRecord) error {
	ctx, span := tracer.Start(ctx, "redis.set_dump",
		trace.WithAttributes(attribute.String("dump_id", rec.ID)),
	)
	defer span.End()

	data, err := json.Marshal(rec)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	if err := dc.client.Set(ctx, cacheKey(rec.ID), data, CacheTTL).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to set cache: %w", err)
	}

	return nil
}

// Invalidate removes a record from the cache.
func (dc *DumpCache) Invalidate(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "redis.invalidate_dump",
		trace.WithAttributes(attribute.String("dump_id", id)),
	)
	defer span.End()

	if err := dc.client.Del(ctx, cacheKey(id)).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to invalidate cache: %w", err)
	}

	return nil
}
