// Package repolock stores the administrative read-only state of each repo.
package repolock

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// State describes a repo's lock status.
type State struct {
	Locked   bool      `json:"locked"`
	Reason   string    `json:"reason,omitempty"`
	LockedBy string    `json:"locked_by,omitempty"`
	LockedAt time.Time `json:"locked_at,omitempty"`
}

// RedisProvider keeps lock state in Redis so every instance serving a repo
// observes the same state.
type RedisProvider struct {
	client *redis.Client
	prefix string
}

// NewRedisProvider connects to Redis at the given URL.
func NewRedisProvider(redisURL string) (*RedisProvider, error) {
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

	return &RedisProvider{client: client, prefix: "repolock:"}, nil
}

// NewRedisProviderWithClient wraps an existing Redis client.
func NewRedisProviderWithClient(client *redis.Client) *RedisProvider {
	return &RedisProvider{client: client, prefix: "repolock:"}
}

// Client exposes the underlying Redis client for sharing with other
// Redis-backed components.
func (p *RedisProvider) Client() *redis.Client {
	return p.client
}

func (p *RedisProvider) key(repo string) string {
	return p.prefix + repo
}

// Status returns the repo's current lock state. A missing key means
// unlocked.
func (p *RedisProvider) Status(ctx context.Context, repo string) (State, error) {
	raw, err := p.client.Get(ctx, p.key(repo)).Result()
	if err == redis.Nil {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("read repo lock: %w", err)
	}
	var state State
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return State{}, fmt.Errorf("decode repo lock: %w", err)
	}
	return state, nil
}

// Lock marks the repo read-only.
func (p *RedisProvider) Lock(ctx context.Context, repo, reason, lockedBy string) error {
	state := State{Locked: true, Reason: reason, LockedBy: lockedBy, LockedAt: time.Now().UTC()}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode repo lock: %w", err)
	}
	if err := p.client.Set(ctx, p.key(repo), raw, 0).Err(); err != nil {
		return fmt.Errorf("write repo lock: %w", err)
	}
	return nil
}

// Unlock clears the repo's read-only state.
func (p *RedisProvider) Unlock(ctx context.Context, repo string) error {
	if err := p.client.Del(ctx, p.key(repo)).Err(); err != nil {
		return fmt.Errorf("clear repo lock: %w", err)
	}
	return nil
}

func (p *RedisProvider) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *RedisProvider) Close() error {
	return p.client.Close()
}
