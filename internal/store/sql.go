package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/QuotePipe/internal/models"
)

// sqlStore implements the store interfaces over database/sql. Queries are written
// with '?' placeholders and rebound for drivers that need another style.
type sqlStore struct {
	db     *sql.DB
	name   string
	rebind func(string) string
	now    func() time.Time
}

func (s *sqlStore) q(query string) string {
	if s.rebind == nil {
		return query
	}
	return s.rebind(query)
}

func (s *sqlStore) GetSession(ctx context.Context, key string) (*models.Session, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}
	var state string
	var expiresAt int64
	err := s.db.QueryRowContext(ctx, s.q(`SELECT state, expires_at FROM sessions WHERE session_key = ?`), key).Scan(&state, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error(s.name+" GetSession failed", "error", err, "key", key)
		return nil, fmt.Errorf("failed to get session %s: %w", key, err)
	}
	if expiresAt <= s.now().UnixMilli() {
		slog.Debug(s.name+" GetSession expired", "key", key)
		if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM sessions WHERE session_key = ? AND expires_at <= ?`), key, s.now().UnixMilli()); err != nil {
			slog.Warn(s.name+" failed to purge expired session", "error", err, "key", key)
		}
		return nil, nil
	}
	var session models.Session
	if err := json.Unmarshal([]byte(state), &session); err != nil {
		slog.Error(s.name+" GetSession decode failed", "error", err, "key", key)
		return nil, fmt.Errorf("failed to decode session %s: %w", key, err)
	}
	return &session, nil
}

func (s *sqlStore) SaveSession(ctx context.Context, key string, session *models.Session, ttl time.Duration) error {
	if key == "" {
		return ErrInvalidKey
	}
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", key, err)
	}
	now := s.now()
	expiresAt := now.Add(effectiveTTL(ttl, DefaultSessionTTL)).UnixMilli()
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO sessions (session_key, state, expires_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (session_key) DO UPDATE SET state = excluded.state, expires_at = excluded.expires_at, updated_at = excluded.updated_at`),
		key, string(data), expiresAt, now.UnixMilli())
	if err != nil {
		slog.Error(s.name+" SaveSession failed", "error", err, "key", key)
		return fmt.Errorf("failed to save session %s: %w", key, err)
	}
	slog.Debug(s.name+" SaveSession succeeded", "key", key, "node_id", session.CurrentNodeID)
	return nil
}

func (s *sqlStore) SessionExists(ctx context.Context, key string) (bool, error) {
	session, err := s.GetSession(ctx, key)
	if err != nil {
		return false, err
	}
	return session != nil, nil
}

func (s *sqlStore) DeleteSession(ctx context.Context, key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM sessions WHERE session_key = ?`), key); err != nil {
		slog.Error(s.name+" DeleteSession failed", "error", err, "key", key)
		return fmt.Errorf("failed to delete session %s: %w", key, err)
	}
	return nil
}

// MarkIfAbsent drops an expired marker for the id and then inserts a fresh one;
// a conflicting insert means the id is still remembered.
func (s *sqlStore) MarkIfAbsent(ctx context.Context, messageID, participantID string, ttl time.Duration) (bool, error) {
	if messageID == "" {
		return false, ErrInvalidKey
	}
	now := s.now()
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM inbound_dedup WHERE message_id = ? AND expires_at <= ?`), messageID, now.UnixMilli()); err != nil {
		return false, fmt.Errorf("dedup purge failed: %w", err)
	}
	result, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO inbound_dedup (message_id, participant_id, received_at, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (message_id) DO NOTHING`),
		messageID, nilIfEmpty(participantID), now.UnixMilli(), now.Add(effectiveTTL(ttl, DefaultDedupTTL)).UnixMilli())
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup rows affected check failed: %w", err)
	}
	if n == 0 {
		slog.Debug(s.name+" duplicate inbound message", "message_id", messageID, "participant", participantID)
	}
	return n > 0, nil
}

func (s *sqlStore) SaveLead(ctx context.Context, lead models.Lead) error {
	if err := lead.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(lead.Data)
	if err != nil {
		return fmt.Errorf("failed to encode lead data: %w", err)
	}
	if lead.CreatedAt.IsZero() {
		lead.CreatedAt = s.now()
	}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO leads (id, session_key, recipient, profile_name, service, size, total, document_url, status, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		lead.ID, lead.SessionKey, lead.Recipient, nilIfEmpty(lead.ProfileName), nilIfEmpty(lead.Service),
		nilIfEmpty(lead.Size), lead.Total, nilIfEmpty(lead.DocumentURL), string(lead.Status), string(data),
		lead.CreatedAt.UnixMilli())
	if err != nil {
		slog.Error(s.name+" SaveLead failed", "error", err, "lead_id", lead.ID)
		return fmt.Errorf("failed to insert lead %s: %w", lead.ID, err)
	}
	slog.Debug(s.name+" SaveLead succeeded", "lead_id", lead.ID, "status", lead.Status)
	return nil
}

func (s *sqlStore) ListLeads(ctx context.Context, limit int) ([]models.Lead, error) {
	query := `SELECT id, session_key, recipient, profile_name, service, size, total, document_url, status, data, created_at
		FROM leads ORDER BY created_at DESC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		slog.Error(s.name+" ListLeads query failed", "error", err)
		return nil, fmt.Errorf("failed to query leads: %w", err)
	}
	defer rows.Close()

	var leads []models.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, err
		}
		leads = append(leads, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate lead rows: %w", err)
	}
	return leads, nil
}

// PurgeExpired deletes expired sessions and dedup markers.
func (s *sqlStore) PurgeExpired(ctx context.Context) (int64, error) {
	now := s.now().UnixMilli()
	var total int64
	for _, table := range []string{"sessions", "inbound_dedup"} {
		res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM `+table+` WHERE expires_at <= ?`), now)
		if err != nil {
			return total, fmt.Errorf("purge %s failed: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	slog.Debug("Closing " + s.name + " database connection")
	return s.db.Close()
}
