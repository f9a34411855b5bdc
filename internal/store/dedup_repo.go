// Package store provides the DedupRepo interface for inbound message deduplication.
package store

import (
	"context"
	"time"
)

// DedupRecord represents an inbound message deduplication record.
type DedupRecord struct {
	MessageID     string    `json:"message_id"`
	ParticipantID string    `json:"participant_id"`
	ReceivedAt    time.Time `json:"received_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// DedupRepo absorbs provider retries of the same inbound message.
type DedupRepo interface {
	// MarkIfAbsent records messageID for ttl. It returns true when the id was not
	// seen before (the message should be processed) and false for a duplicate.
	MarkIfAbsent(ctx context.Context, messageID, participantID string, ttl time.Duration) (bool, error)
}
