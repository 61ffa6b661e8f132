package events

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"imagegen-backend/internal/database"
	"imagegen-backend/internal/models"
)

var ErrNotFound = errors.New("webhook event not found")

// Store keeps one row per distinct inbound callback. The natural key is
// kind, correlation id and a digest of the raw payload.
type Store struct {
	q database.Querier
}

func NewStore(q database.Querier) *Store {
	return &Store{q: q}
}

func (s *Store) WithTx(tx *sql.Tx) *Store {
	return &Store{q: tx}
}

// EventKey is the idempotency key for a delivery.
func EventKey(kind models.WebhookKind, requestID string, payload []byte) string {
	sum := sha256.Sum256(payload)
	return fmt.Sprintf("%s:%s:%s", kind, requestID, hex.EncodeToString(sum[:]))
}

// Record inserts the event unless its key already exists and returns the
// stored row either way, so callers can check Processed().
func (s *Store) Record(ctx context.Context, kind models.WebhookKind, requestID string, payload []byte) (*models.WebhookEvent, error) {
	key := EventKey(kind, requestID, payload)

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO webhook_events (id, kind, event_key, request_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_key) DO NOTHING
	`, uuid.New(), string(kind), key, requestID, string(payload), time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to record webhook event: %w", err)
	}

	return s.GetByKey(ctx, key)
}

func (s *Store) GetByKey(ctx context.Context, key string) (*models.WebhookEvent, error) {
	var e models.WebhookEvent
	var kind, payload string
	err := s.q.QueryRowContext(ctx, `
		SELECT id, kind, event_key, request_id, payload, processed_at, processing_error, created_at
		FROM webhook_events
		WHERE event_key = $1
	`, key).Scan(&e.ID, &kind, &e.EventKey, &e.RequestID, &payload, &e.ProcessedAt, &e.ProcessingError, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get webhook event: %w", err)
	}
	e.Kind = models.WebhookKind(kind)
	e.Payload = []byte(payload)
	return &e, nil
}

// MarkProcessed stamps processed_at. It reports false if another delivery got
// there first.
func (s *Store) MarkProcessed(ctx context.Context, eventID uuid.UUID) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE webhook_events
		SET processed_at = $1, processing_error = NULL
		WHERE id = $2 AND processed_at IS NULL
	`, time.Now().UTC(), eventID)
	if err != nil {
		return false, fmt.Errorf("failed to mark webhook event processed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to mark webhook event processed: %w", err)
	}
	return n > 0, nil
}

// RecordError notes why processing failed; the event stays unprocessed so a
// redelivery is retried.
func (s *Store) RecordError(ctx context.Context, eventID uuid.UUID, msg string) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE webhook_events
		SET processing_error = $1
		WHERE id = $2 AND processed_at IS NULL
	`, msg, eventID)
	if err != nil {
		return fmt.Errorf("failed to record webhook error: %w", err)
	}
	return nil
}

// CountForRequest counts stored deliveries for one correlation id.
func (s *Store) CountForRequest(ctx context.Context, kind models.WebhookKind, requestID string) (int, error) {
	var count int
	err := s.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM webhook_events WHERE kind = $1 AND request_id = $2
	`, string(kind), requestID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count webhook events: %w", err)
	}
	return count, nil
}
