package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/QuotePipe/internal/models"
	rd "github.com/go-redis/redis/v9"
)

// Redis keyspace layout
const (
	// DefaultRedisNamespace prefixes every key written by QuotePipe
	DefaultRedisNamespace = "quotepipe"
	// SessionKeyPrefix separates session blobs from other keys
	SessionKeyPrefix = "SESSION"
	// DedupKeyPrefix separates dedup markers from other keys
	DedupKeyPrefix = "DEDUP"
)

// Compile-time checks that RedisStore implements the store interfaces.
var (
	_ SessionStore = (*RedisStore)(nil)
	_ DedupRepo    = (*RedisStore)(nil)
)

// RedisStore keeps session blobs and dedup markers in Redis with native key expiry.
type RedisStore struct {
	client    rd.UniversalClient
	namespace string
}

// NewRedisStore connects to Redis and verifies the connection with PING.
func NewRedisStore(ctx context.Context, opts ...Option) (*RedisStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewRedisStore invoked", "addrs", cfg.RedisAddrs, "db", cfg.RedisDB, "namespace", cfg.Namespace)
	if len(cfg.RedisAddrs) == 0 {
		return nil, fmt.Errorf("redis address not set")
	}
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultRedisNamespace
	}

	client := rd.NewUniversalClient(&rd.UniversalOptions{
		Addrs:    cfg.RedisAddrs,
		DB:       cfg.RedisDB,
		Password: cfg.Password,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		slog.Error("Redis ping failed", "error", err)
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	slog.Debug("Redis ping successful")
	return NewRedisStoreWithClient(client, cfg.Namespace), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client rd.UniversalClient, namespace string) *RedisStore {
	if namespace == "" {
		namespace = DefaultRedisNamespace
	}
	return &RedisStore{client: client, namespace: namespace}
}

func (s *RedisStore) namespaceKey(args ...string) string {
	return fmt.Sprintf("%s:%s", s.namespace, strings.Join(args, ":"))
}

func (s *RedisStore) GetSession(ctx context.Context, key string) (*models.Session, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}
	data, err := s.client.Get(ctx, s.namespaceKey(SessionKeyPrefix, key)).Bytes()
	if errors.Is(err, rd.Nil) {
		return nil, nil
	}
	if err != nil {
		slog.Error("RedisStore GetSession failed", "error", err, "key", key)
		return nil, fmt.Errorf("failed to get session %s: %w", key, err)
	}
	var session models.Session
	if err := json.Unmarshal(data, &session); err != nil {
		slog.Error("RedisStore GetSession decode failed", "error", err, "key", key)
		return nil, fmt.Errorf("failed to decode session %s: %w", key, err)
	}
	return &session, nil
}

func (s *RedisStore) SaveSession(ctx context.Context, key string, session *models.Session, ttl time.Duration) error {
	if key == "" {
		return ErrInvalidKey
	}
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", key, err)
	}
	ttl = effectiveTTL(ttl, DefaultSessionTTL)
	if err := s.client.Set(ctx, s.namespaceKey(SessionKeyPrefix, key), data, ttl).Err(); err != nil {
		slog.Error("RedisStore SaveSession failed", "error", err, "key", key)
		return fmt.Errorf("failed to save session %s: %w", key, err)
	}
	slog.Debug("RedisStore SaveSession succeeded", "key", key, "node_id", session.CurrentNodeID, "ttl", ttl)
	return nil
}

func (s *RedisStore) SessionExists(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, ErrInvalidKey
	}
	n, err := s.client.Exists(ctx, s.namespaceKey(SessionKeyPrefix, key)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check session %s: %w", key, err)
	}
	return n > 0, nil
}

func (s *RedisStore) DeleteSession(ctx context.Context, key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if err := s.client.Del(ctx, s.namespaceKey(SessionKeyPrefix, key)).Err(); err != nil {
		slog.Error("RedisStore DeleteSession failed", "error", err, "key", key)
		return fmt.Errorf("failed to delete session %s: %w", key, err)
	}
	return nil
}

// MarkIfAbsent uses SET NX with expiry so concurrent retries race safely.
func (s *RedisStore) MarkIfAbsent(ctx context.Context, messageID, participantID string, ttl time.Duration) (bool, error) {
	if messageID == "" {
		return false, ErrInvalidKey
	}
	ttl = effectiveTTL(ttl, DefaultDedupTTL)
	ok, err := s.client.SetNX(ctx, s.namespaceKey(DedupKeyPrefix, messageID), participantID, ttl).Result()
	if err != nil {
		slog.Error("RedisStore MarkIfAbsent failed", "error", err, "message_id", messageID)
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	if !ok {
		slog.Debug("RedisStore duplicate inbound message", "message_id", messageID, "participant", participantID)
	}
	return ok, nil
}

// TTL reports the remaining lifetime of a session key.
func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	return s.client.TTL(ctx, s.namespaceKey(SessionKeyPrefix, key)).Result()
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
