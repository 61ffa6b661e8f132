package models

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

type WebhookKind string

const (
	WebhookKindFal       WebhookKind = "FAL"
	WebhookKindRobokassa WebhookKind = "ROBOKASSA"
)

// WebhookEvent is the audit and idempotency record for an inbound callback.
type WebhookEvent struct {
	ID              uuid.UUID
	Kind            WebhookKind
	EventKey        string
	RequestID       string
	Payload         []byte
	ProcessedAt     sql.NullTime
	ProcessingError sql.NullString
	CreatedAt       time.Time
}

func (e *WebhookEvent) Processed() bool {
	return e.ProcessedAt.Valid
}
