package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/QuotePipe/internal/models"
	"github.com/BTreeMap/QuotePipe/internal/store"
)

// SessionManager owns session persistence for the engine. When the primary store
// fails and a fallback is configured, reads and writes degrade to the fallback.
type SessionManager struct {
	primary  store.SessionStore
	fallback store.SessionStore
	ttl      time.Duration
}

// NewSessionManager creates a SessionManager. fallback may be nil.
func NewSessionManager(primary, fallback store.SessionStore, ttl time.Duration) *SessionManager {
	if ttl <= 0 {
		ttl = store.DefaultSessionTTL
	}
	slog.Debug("Creating SessionManager", "fallback", fallback != nil, "ttl", ttl)
	return &SessionManager{primary: primary, fallback: fallback, ttl: ttl}
}

// TTL returns the expiry applied on every save.
func (sm *SessionManager) TTL() time.Duration {
	return sm.ttl
}

// Load returns the session for key, or nil when the customer has no active session.
func (sm *SessionManager) Load(ctx context.Context, key string) (*models.Session, error) {
	session, err := sm.primary.GetSession(ctx, key)
	if err == nil {
		return session, nil
	}
	if sm.fallback == nil {
		slog.Error("SessionManager.Load: session store unavailable", "error", err, "participant", key)
		return nil, fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}
	slog.Warn("SessionManager.Load: primary store failed, using fallback", "error", err, "participant", key)
	session, ferr := sm.fallback.GetSession(ctx, key)
	if ferr != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistenceUnavailable, ferr)
	}
	return session, nil
}

// Save persists the session with the configured TTL.
func (sm *SessionManager) Save(ctx context.Context, key string, session *models.Session) error {
	err := sm.primary.SaveSession(ctx, key, session, sm.ttl)
	if err == nil {
		return nil
	}
	if sm.fallback == nil {
		slog.Error("SessionManager.Save: session store unavailable", "error", err, "participant", key)
		return fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}
	slog.Warn("SessionManager.Save: primary store failed, using fallback", "error", err, "participant", key)
	if ferr := sm.fallback.SaveSession(ctx, key, session, sm.ttl); ferr != nil {
		return fmt.Errorf("%w: %v", ErrPersistenceUnavailable, ferr)
	}
	return nil
}

// Reset removes the session from every configured store.
func (sm *SessionManager) Reset(ctx context.Context, key string) error {
	err := sm.primary.DeleteSession(ctx, key)
	if sm.fallback != nil {
		if ferr := sm.fallback.DeleteSession(ctx, key); ferr != nil {
			slog.Warn("SessionManager.Reset: fallback delete failed", "error", ferr, "participant", key)
		}
		if err != nil {
			slog.Warn("SessionManager.Reset: primary delete failed", "error", err, "participant", key)
			return nil
		}
	}
	if err != nil {
		slog.Error("SessionManager.Reset: session store unavailable", "error", err, "participant", key)
		return fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}
	slog.Debug("SessionManager.Reset succeeded", "participant", key)
	return nil
}

// DedupGuard decides whether an inbound provider message should be processed.
type DedupGuard struct {
	repo     store.DedupRepo
	fallback store.DedupRepo
	ttl      time.Duration
}

// NewDedupGuard creates a guard over repo. fallback may be nil.
func NewDedupGuard(repo, fallback store.DedupRepo, ttl time.Duration) *DedupGuard {
	if ttl <= 0 {
		ttl = store.DefaultDedupTTL
	}
	return &DedupGuard{repo: repo, fallback: fallback, ttl: ttl}
}

// ShouldProcess marks messageID as seen and reports whether this is its first
// delivery. Messages without an id, and messages arriving while every dedup store is
// failing, are processed; the session's last message id still protects them.
func (g *DedupGuard) ShouldProcess(ctx context.Context, messageID, participant string) bool {
	if g == nil || messageID == "" {
		return true
	}
	fresh, err := g.repo.MarkIfAbsent(ctx, messageID, participant, g.ttl)
	if err == nil {
		return fresh
	}
	slog.Warn("DedupGuard.ShouldProcess: dedup store failed", "error", err, "message_id", messageID)
	if g.fallback == nil {
		return true
	}
	fresh, err = g.fallback.MarkIfAbsent(ctx, messageID, participant, g.ttl)
	if err != nil {
		return true
	}
	return fresh
}
