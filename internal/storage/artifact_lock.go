/**
 * Artifact Lock - Serializes writers of the same XLSX artifact across workers
 *
 * The accumulator's read-modify-save cycle assumes a single writer per
 * artifact. Queue workers on different hosts take a Redis lock keyed by the
 * artifact path before running. The lock expires on its own if a worker dies.
 */

package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const lockKeyPrefix = "catalogscan:lock:"

// ErrArtifactLocked is returned when another run holds the artifact
var ErrArtifactLocked = errors.New("artifact is locked by another run")

// releaseScript deletes the key only if it still holds our token
var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	end
	return 0
`)

// ArtifactLocker hands out per-artifact locks backed by Redis
type ArtifactLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// ArtifactLock is a held lock; release it exactly once
type ArtifactLock struct {
	client *redis.Client
	key    string
	token  string
}

// NewArtifactLocker connects to Redis and verifies the connection
func NewArtifactLocker(redisURL string, ttl time.Duration) (*ArtifactLocker, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis URL is required")
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewArtifactLockerWithClient(client, ttl), nil
}

// NewArtifactLockerWithClient wraps an existing Redis client
func NewArtifactLockerWithClient(client *redis.Client, ttl time.Duration) *ArtifactLocker {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &ArtifactLocker{client: client, ttl: ttl}
}

// LockKey returns the Redis key guarding artifactPath
func LockKey(artifactPath string) string {
	if abs, err := filepath.Abs(artifactPath); err == nil {
		artifactPath = abs
	}
	return lockKeyPrefix + filepath.Clean(artifactPath)
}

// Acquire takes the lock for artifactPath or returns ErrArtifactLocked
func (l *ArtifactLocker) Acquire(ctx context.Context, artifactPath string) (*ArtifactLock, error) {
	key := LockKey(artifactPath)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire artifact lock: %w", err)
	}
	if !ok {
		return nil, ErrArtifactLocked
	}

	return &ArtifactLock{client: l.client, key: key, token: token}, nil
}

// Release drops the lock if this holder still owns it
func (a *ArtifactLock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, a.client, []string{a.key}, a.token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("failed to release artifact lock: %w", err)
	}
	return nil
}

// Ping checks Redis connectivity
func (l *ArtifactLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (l *ArtifactLocker) Close() error {
	return l.client.Close()
}
