// Package session holds the identity of a live storymapper session and a
// Redis registry of the session tokens currently in use.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a token is unknown or its record expired.
var ErrNotFound = errors.New("session not found or expired")

// Record holds the data stored for each live session token
type Record struct {
	UserID    string    `json:"user_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RedisStore implements the session registry using Redis
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a new Redis-backed session registry
func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, ttl), nil
}

// NewRedisStoreWithClient creates a registry from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &RedisStore{
		client: client,
		prefix: "storysession:",
		ttl:    ttl,
	}
}

// Client exposes the underlying client so the broadcast hub can share it.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) key(token string) string {
	return s.prefix + token
}

// Register records a live session token for the registry TTL
func (s *RedisStore) Register(ctx context.Context, sc Context) error {
	data := Record{
		UserID:    sc.UserID,
		CreatedAt: sc.StartedAt,
	}
	if data.CreatedAt.IsZero() {
		data.CreatedAt = time.Now().UTC()
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}
	if err := s.client.Set(ctx, s.key(sc.Token), jsonData, s.ttl).Err(); err != nil {
		return fmt.Errorf("register session: %w", err)
	}
	return nil
}

// Lookup returns the record of a live token, or ErrNotFound
func (s *RedisStore) Lookup(ctx context.Context, token string) (Record, error) {
	jsonData, err := s.client.Get(ctx, s.key(token)).Result()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("lookup session: %w", err)
	}

	var data Record
	if err := json.Unmarshal([]byte(jsonData), &data); err != nil {
		return Record{}, fmt.Errorf("unmarshal session record: %w", err)
	}
	return data, nil
}

// Touch extends the TTL of a live token
func (s *RedisStore) Touch(ctx context.Context, token string) error {
	ok, err := s.client.Expire(ctx, s.key(token), s.ttl).Result()
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// Remove deletes a token from the registry
func (s *RedisStore) Remove(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, s.key(token)).Err(); err != nil {
		return fmt.Errorf("remove session: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
