package iam

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/your-org/tokengate/internal/config"
)

const (
	defaultRedisKeyPrefix = "tokengate:credentials:"

	// tokenKey is the single slot all replicas share.
	tokenKey = "iam_token"

	redisDialTimeout = 5 * time.Second
)

// Store holds at most one access token. It exists in two flavors: a
// per-process slot and a Redis-backed slot shared across gateway replicas
// so each replica does not fetch its own token.
type Store interface {
	// Get returns the stored token when it was issued for realm, nil
	// otherwise. Expiry is the caller's concern.
	Get(ctx context.Context, realm string) (*Token, error)

	// Set replaces the slot unconditionally.
	Set(ctx context.Context, realm string, token *Token) error

	// Delete clears the slot.
	Delete(ctx context.Context, realm string) error

	// Health reports whether the backend is reachable.
	Health(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// NewStore creates a token store from configuration.
func NewStore(cfg config.CredentialStoreConfig, log *zap.Logger) (Store, error) {
	switch cfg.Type {
	case "memory", "":
		return NewMemoryStore(), nil
	case "redis":
		return NewRedisStore(cfg.Redis, log)
	default:
		return nil, fmt.Errorf("unsupported credential store type: %s", cfg.Type)
	}
}

// MemoryStore is the in-process token slot.
type MemoryStore struct {
	mu    sync.RWMutex
	token *Token
}

// NewMemoryStore creates an empty in-process slot.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Get returns the slot when it holds a token for realm.
func (s *MemoryStore) Get(ctx context.Context, realm string) (*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.token == nil || s.token.Realm != realm {
		return nil, nil
	}
	return s.token, nil
}

// Set replaces the slot.
func (s *MemoryStore) Set(ctx context.Context, realm string, token *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.token = token
	return nil
}

// Delete clears the slot.
func (s *MemoryStore) Delete(ctx context.Context, realm string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.token = nil
	return nil
}

// Health always reports healthy.
func (s *MemoryStore) Health(ctx context.Context) error {
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

// RedisStore is a Redis-backed token slot under a fixed key. The entry's
// TTL tracks the token expiry so stale tokens vanish on their own.
type RedisStore struct {
	client *redis.Client
	key    string
	log    *zap.Logger
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg config.RedisConfig, log *zap.Logger) (*RedisStore, error) {
	if log == nil {
		log = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisDialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = defaultRedisKeyPrefix
	}

	return &RedisStore{
		client: client,
		key:    keyPrefix + tokenKey,
		log:    log.Named("credential-store"),
	}, nil
}

// redisToken is the JSON shape stored in Redis.
type redisToken struct {
	AccessToken string `json:"access_token"`
	Realm       string `json:"realm"`
	ExpiresAt   int64  `json:"expires_at"`
}

// Get reads the slot, dropping entries issued for another realm.
func (s *RedisStore) Get(ctx context.Context, realm string) (*Token, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials from Redis: %w", err)
	}

	var rt redisToken
	if err := json.Unmarshal(data, &rt); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credentials: %w", err)
	}

	if rt.Realm != realm {
		return nil, nil
	}

	return &Token{
		AccessToken: rt.AccessToken,
		Realm:       rt.Realm,
		ExpiresAt:   time.Unix(rt.ExpiresAt, 0),
	}, nil
}

// Set replaces the slot with a TTL matching the token's remaining lifetime.
func (s *RedisStore) Set(ctx context.Context, realm string, token *Token) error {
	if token == nil {
		return s.Delete(ctx, realm)
	}

	ttl := time.Until(token.ExpiresAt)
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(redisToken{
		AccessToken: token.AccessToken,
		Realm:       token.Realm,
		ExpiresAt:   token.ExpiresAt.Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}

	if err := s.client.Set(ctx, s.key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store credentials in Redis: %w", err)
	}

	return nil
}

// Delete clears the slot.
func (s *RedisStore) Delete(ctx context.Context, realm string) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("failed to delete credentials from Redis: %w", err)
	}
	return nil
}

// Health pings the backend.
func (s *RedisStore) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
