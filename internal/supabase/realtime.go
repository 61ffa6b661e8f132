package supabase

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/supabase-community/supabase-go"
)

// RealtimeClient publishes job events by inserting rows into a table that
// Supabase Realtime broadcasts to subscribed clients.
type RealtimeClient struct {
	client *supabase.Client
	table  string
}

type jobEventRow struct {
	UserID    string                 `json:"user_id"`
	JobID     string                 `json:"job_id"`
	Event     string                 `json:"event"`
	Payload   map[string]interface{} `json:"payload"`
	CreatedAt time.Time              `json:"created_at"`
}

func NewRealtimeClient(client *supabase.Client, table string) *RealtimeClient {
	return &RealtimeClient{
		client: client,
		table:  table,
	}
}

func (r *RealtimeClient) PublishJobEvent(ctx context.Context, userID, jobID uuid.UUID, event string, payload map[string]interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	row := jobEventRow{
		UserID:    userID.String(),
		JobID:     jobID.String(),
		Event:     event,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	_, _, err := r.client.From(r.table).Insert(row, false, "", "minimal", "").Execute()
	if err != nil {
		return fmt.Errorf("failed to publish %s event: %w", event, err)
	}
	return nil
}
