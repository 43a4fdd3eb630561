package store

import (
	"context"
	"time"
)

// DedupRecord is an inbound transport message id already seen.
type DedupRecord struct {
	MessageID     string     `json:"message_id"`
	ParticipantID string     `json:"participant_id"`
	ReceivedAt    time.Time  `json:"received_at"`
	ProcessedAt   *time.Time `json:"processed_at"`
}

// DedupRepo records inbound message ids so redelivered webhooks are handled once.
type DedupRepo interface {
	// IsDuplicate reports whether messageID was already recorded.
	IsDuplicate(ctx context.Context, messageID string) (bool, error)

	// RecordInbound records messageID. It returns false if it was already recorded.
	RecordInbound(ctx context.Context, messageID, participantID string) (bool, error)

	// MarkProcessed stamps the time the message finished processing.
	MarkProcessed(ctx context.Context, messageID string) error

	// ReleaseInbound forgets messageID unless it was processed, so a redelivery is handled again.
	ReleaseInbound(ctx context.Context, messageID string) error
}
