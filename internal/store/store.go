// Package store provides storage backends for QuotePipe.
//
// Session state and dedup markers live behind SessionStore and DedupRepo, which are
// implemented by an in-memory cache, Redis, SQLite and PostgreSQL. Completed intakes
// are persisted through LeadRepo by the in-memory and SQL backends.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/BTreeMap/QuotePipe/internal/models"
)

// Default expiries applied when a caller passes a non-positive TTL.
const (
	// DefaultSessionTTL is how long an idle conversation survives
	DefaultSessionTTL = 24 * time.Hour
	// DefaultDedupTTL is how long an inbound message id is remembered
	DefaultDedupTTL = 10 * time.Minute
)

// ErrInvalidKey is returned when a session key or message id is empty.
var ErrInvalidKey = errors.New("store key cannot be empty")

// SessionStore persists per-customer conversation state. Reads and writes are
// last-write-wins at the key level; GetSession returns (nil, nil) when absent or expired.
type SessionStore interface {
	GetSession(ctx context.Context, key string) (*models.Session, error)
	SaveSession(ctx context.Context, key string, session *models.Session, ttl time.Duration) error
	SessionExists(ctx context.Context, key string) (bool, error)
	DeleteSession(ctx context.Context, key string) error
}

// LeadRepo persists customers who finished the intake flow.
type LeadRepo interface {
	SaveLead(ctx context.Context, lead models.Lead) error
	ListLeads(ctx context.Context, limit int) ([]models.Lead, error)
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN        string   // SQLite file path or PostgreSQL connection string
	RedisAddrs []string // Redis addresses; more than one selects cluster/sentinel mode
	RedisDB    int
	Password   string
	Namespace  string // key prefix for Redis
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithRedisAddrs sets the Redis server addresses.
func WithRedisAddrs(addrs ...string) Option {
	return func(o *Opts) { o.RedisAddrs = addrs }
}

// WithRedisDB selects the Redis logical database.
func WithRedisDB(db int) Option {
	return func(o *Opts) { o.RedisDB = db }
}

// WithPassword sets the Redis password.
func WithPassword(password string) Option {
	return func(o *Opts) { o.Password = password }
}

// WithNamespace sets the Redis key prefix.
func WithNamespace(ns string) Option {
	return func(o *Opts) { o.Namespace = ns }
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and "sqlite3" otherwise.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	// key=value DSNs (host=... user=... dbname=...)
	if strings.Contains(dsn, "=") && strings.Contains(dsn, " ") {
		return "postgres"
	}
	if strings.HasPrefix(dsn, "host=") || strings.HasPrefix(dsn, "user=") || strings.HasPrefix(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

func effectiveTTL(ttl, fallback time.Duration) time.Duration {
	if ttl <= 0 {
		return fallback
	}
	return ttl
}
