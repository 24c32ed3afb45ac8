package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kingsroom/tourney-scraper/pkg/utils"
)

const redisBlobPrefix = "tourney:blob:"

// RedisBlobStore implements BlobStore on Redis strings with an optional TTL
type RedisBlobStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisBlobStore wraps an existing client. ttl <= 0 keeps blobs forever.
func NewRedisBlobStore(client *redis.Client, ttl time.Duration) *RedisBlobStore {
	return &RedisBlobStore{client: client, ttl: ttl}
}

// DialRedis creates a client and verifies connectivity
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping redis %s: %w", utils.ErrDatabase, addr, err)
	}
	return client, nil
}

// PutBlob implements BlobStore
func (r *RedisBlobStore) PutBlob(ctx context.Context, key string, body []byte) error {
	ttl := r.ttl
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, redisBlobPrefix+key, body, ttl).Err(); err != nil {
		return fmt.Errorf("%w: redis set '%s': %w", utils.ErrDatabase, key, err)
	}
	return nil
}

// GetBlob implements BlobStore
func (r *RedisBlobStore) GetBlob(ctx context.Context, key string) ([]byte, error) {
	body, err := r.client.Get(ctx, redisBlobPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: redis get '%s': %w", utils.ErrDatabase, key, err)
	}
	return body, nil
}

// Close releases the underlying client
func (r *RedisBlobStore) Close() error {
	return r.client.Close()
}
