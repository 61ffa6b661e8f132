package services

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"imagegen-backend/internal/fal"
	"imagegen-backend/internal/models"
)

// Dispatcher submits work to the generation provider.
type Dispatcher interface {
	Dispatch(ctx context.Context, params fal.DispatchParams) (string, error)
}

// AssetStore copies a provider output somewhere durable.
type AssetStore interface {
	Persist(ctx context.Context, sourceURL string, job *models.GenerationJob, index int) (models.StoredAsset, error)
	Remove(ctx context.Context, asset models.StoredAsset) error
}

// Notifier pushes job status changes to connected clients.
type Notifier interface {
	PublishJobEvent(ctx context.Context, userID, jobID uuid.UUID, event string, payload map[string]interface{}) error
}

type NoopNotifier struct{}

func (NoopNotifier) PublishJobEvent(context.Context, uuid.UUID, uuid.UUID, string, map[string]interface{}) error {
	return nil
}

const (
	EventJobDispatched = "job_dispatched"
	EventJobSucceeded  = "job_succeeded"
	EventJobFailed     = "job_failed"
)

func JobDispatchedPayload(jobID uuid.UUID, cost int64) map[string]interface{} {
	return map[string]interface{}{
		"job_id": jobID.String(),
		"status": string(models.JobRunning),
		"cost":   cost,
	}
}

func JobSucceededPayload(jobID uuid.UUID, assets []models.StoredAsset) map[string]interface{} {
	urls := make([]string, len(assets))
	for i, a := range assets {
		urls[i] = a.ResultURL
	}
	return map[string]interface{}{
		"job_id":      jobID.String(),
		"status":      string(models.JobSucceeded),
		"result_urls": urls,
	}
}

func JobFailedPayload(jobID uuid.UUID, errorMsg string, refunded int64) map[string]interface{} {
	return map[string]interface{}{
		"job_id":   jobID.String(),
		"status":   string(models.JobFailed),
		"error":    errorMsg,
		"refunded": refunded,
	}
}

// publish is best effort.
func publish(ctx context.Context, n Notifier, userID, jobID uuid.UUID, event string, payload map[string]interface{}) {
	if n == nil {
		return
	}
	if err := n.PublishJobEvent(ctx, userID, jobID, event, payload); err != nil {
		zap.L().Warn("Failed to publish job event",
			zap.String("job_id", jobID.String()),
			zap.String("event", event),
			zap.Error(err))
	}
}
