// Package session is the Redis-backed store for gateway sessions. A
// session maps a hashed gateway token to the tenant context used for
// upstream calls. The store also holds the cross-replica submit locks
// and the auth-failure episode markers, since both need the same
// shared, TTL'd storage.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"mosaic/gateway/internal/tenant"
)

// ErrNotFound is returned when a session is missing or expired.
var ErrNotFound = errors.New("session not found or expired")

// sessionData is the stored form of one session.
type sessionData struct {
	TenantID   string    `json:"tenant_id"`
	Credential string    `json:"credential"`
	Surface    string    `json:"surface"`
	CreatedAt  time.Time `json:"created_at"`
}

// RedisStore implements session storage using Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a new Redis-backed session store.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client, prefix: "mosaic:"}, nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "mosaic:"}
}

func (s *RedisStore) sessionKey(tokenHash string) string {
	return s.prefix + "session:" + tokenHash
}

func (s *RedisStore) episodeKey(tokenHash string) string {
	return s.prefix + "episode:" + tokenHash
}

func (s *RedisStore) lockKey(tenantID, kind string) string {
	return s.prefix + "submit:" + tenantID + ":" + kind
}

// Save stores a session with expiration.
func (s *RedisStore) Save(ctx context.Context, tokenHash string, tctx tenant.Context, expiresAt time.Time) error {
	data := sessionData{
		TenantID:   tctx.TenantID,
		Credential: tctx.Credential,
		Surface:    string(tctx.Surface),
		CreatedAt:  time.Now(),
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal session data: %w", err)
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}

	if err := s.client.Set(ctx, s.sessionKey(tokenHash), jsonData, ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Lookup resolves a token hash back to its tenant context.
func (s *RedisStore) Lookup(ctx context.Context, tokenHash string) (tenant.Context, error) {
	jsonData, err := s.client.Get(ctx, s.sessionKey(tokenHash)).Result()
	if err == redis.Nil {
		return tenant.Context{}, ErrNotFound
	}
	if err != nil {
		return tenant.Context{}, fmt.Errorf("lookup session: %w", err)
	}

	var data sessionData
	if err := json.Unmarshal([]byte(jsonData), &data); err != nil {
		return tenant.Context{}, fmt.Errorf("unmarshal session data: %w", err)
	}

	return tenant.Context{
		TenantID:   data.TenantID,
		Credential: data.Credential,
		Surface:    tenant.ParseSurface(data.Surface),
	}, nil
}

// Revoke deletes a session.
func (s *RedisStore) Revoke(ctx context.Context, tokenHash string) error {
	if err := s.client.Del(ctx, s.sessionKey(tokenHash)).Err(); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// MarkAuthEpisode records that a credential-failure episode for this
// session has been handled. Returns true for the first caller and
// false afterwards, so several in-flight requests failing at once
// produce exactly one teardown.
func (s *RedisStore) MarkAuthEpisode(ctx context.Context, tokenHash string) (bool, error) {
	first, err := s.client.SetNX(ctx, s.episodeKey(tokenHash), "1", time.Minute).Result()
	if err != nil {
		return false, fmt.Errorf("mark auth episode: %w", err)
	}
	return first, nil
}

// AcquireSubmitLock takes the whole-record submit lock for one tenant
// and resource kind. Returns false when another submit holds it.
func (s *RedisStore) AcquireSubmitLock(ctx context.Context, tenantID, kind string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.lockKey(tenantID, kind), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire submit lock: %w", err)
	}
	return ok, nil
}

// ReleaseSubmitLock frees the submit lock.
func (s *RedisStore) ReleaseSubmitLock(ctx context.Context, tenantID, kind string) error {
	if err := s.client.Del(ctx, s.lockKey(tenantID, kind)).Err(); err != nil {
		return fmt.Errorf("release submit lock: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
