package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/QuotePipe/internal/models"
	gocache "github.com/patrickmn/go-cache"
)

// DefaultCleanupInterval is how often expired in-memory entries are purged.
const DefaultCleanupInterval = time.Minute

// Compile-time checks that MemoryStore implements the store interfaces.
var (
	_ SessionStore = (*MemoryStore)(nil)
	_ DedupRepo    = (*MemoryStore)(nil)
	_ LeadRepo     = (*MemoryStore)(nil)
)

// MemoryStore keeps sessions and dedup markers in process memory with expiry.
// Sessions are stored as encoded JSON so callers never share mutable state with the cache.
type MemoryStore struct {
	sessions *gocache.Cache
	dedup    *gocache.Cache

	mu    sync.RWMutex
	leads []models.Lead
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	slog.Debug("NewMemoryStore invoked")
	return &MemoryStore{
		sessions: gocache.New(DefaultSessionTTL, DefaultCleanupInterval),
		dedup:    gocache.New(DefaultDedupTTL, DefaultCleanupInterval),
	}
}

func (s *MemoryStore) GetSession(ctx context.Context, key string) (*models.Session, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}
	raw, found := s.sessions.Get(key)
	if !found {
		return nil, nil
	}
	data, ok := raw.([]byte)
	if !ok {
		return nil, fmt.Errorf("unexpected cached session type %T", raw)
	}
	var session models.Session
	if err := json.Unmarshal(data, &session); err != nil {
		slog.Error("MemoryStore GetSession decode failed", "error", err, "key", key)
		return nil, fmt.Errorf("failed to decode session %s: %w", key, err)
	}
	return &session, nil
}

func (s *MemoryStore) SaveSession(ctx context.Context, key string, session *models.Session, ttl time.Duration) error {
	if key == "" {
		return ErrInvalidKey
	}
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", key, err)
	}
	s.sessions.Set(key, data, effectiveTTL(ttl, DefaultSessionTTL))
	slog.Debug("MemoryStore SaveSession succeeded", "key", key, "node_id", session.CurrentNodeID)
	return nil
}

func (s *MemoryStore) SessionExists(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, ErrInvalidKey
	}
	_, found := s.sessions.Get(key)
	return found, nil
}

func (s *MemoryStore) DeleteSession(ctx context.Context, key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	s.sessions.Delete(key)
	return nil
}

// MarkIfAbsent relies on go-cache's Add, which fails when an unexpired item exists.
func (s *MemoryStore) MarkIfAbsent(ctx context.Context, messageID, participantID string, ttl time.Duration) (bool, error) {
	if messageID == "" {
		return false, ErrInvalidKey
	}
	ttl = effectiveTTL(ttl, DefaultDedupTTL)
	now := time.Now()
	record := DedupRecord{MessageID: messageID, ParticipantID: participantID, ReceivedAt: now, ExpiresAt: now.Add(ttl)}
	if err := s.dedup.Add(messageID, record, ttl); err != nil {
		slog.Debug("MemoryStore duplicate inbound message", "message_id", messageID, "participant", participantID)
		return false, nil
	}
	return true, nil
}

func (s *MemoryStore) SaveLead(ctx context.Context, lead models.Lead) error {
	if err := lead.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leads = append(s.leads, lead)
	return nil
}

// ListLeads returns the newest leads first.
func (s *MemoryStore) ListLeads(ctx context.Context, limit int) ([]models.Lead, error) {
	s.mu.RLock()
	out := make([]models.Lead, len(s.leads))
	copy(out, s.leads)
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SessionCount reports the number of unexpired sessions.
func (s *MemoryStore) SessionCount() int {
	return s.sessions.ItemCount()
}
