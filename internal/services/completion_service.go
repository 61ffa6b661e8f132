package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"imagegen-backend/internal/database"
	"imagegen-backend/internal/events"
	"imagegen-backend/internal/fal"
	"imagegen-backend/internal/jobs"
	"imagegen-backend/internal/ledger"
	"imagegen-backend/internal/models"
)

const assetFailureMessage = "asset persistence failed"

// CompletionService applies provider webhooks to jobs and wallets.
type CompletionService struct {
	db            *sql.DB
	ledger        *ledger.Ledger
	jobs          *jobs.Store
	events        *events.Store
	assets        AssetStore
	notifier      Notifier
	webhookSecret string
}

// WebhookResult says what a delivery did.
type WebhookResult struct {
	JobID     uuid.UUID
	Status    models.JobStatus
	Duplicate bool
	Ignored   bool
	Refunded  int64
}

func NewCompletionService(
	db *sql.DB,
	wallets *ledger.Ledger,
	jobStore *jobs.Store,
	eventStore *events.Store,
	assets AssetStore,
	notifier Notifier,
	webhookSecret string,
) *CompletionService {
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	return &CompletionService{
		db:            db,
		ledger:        wallets,
		jobs:          jobStore,
		events:        eventStore,
		assets:        assets,
		notifier:      notifier,
		webhookSecret: webhookSecret,
	}
}

// Handle verifies, deduplicates and applies one webhook delivery. jobHint is
// the job_id query parameter from the callback URL, if any.
func (s *CompletionService) Handle(ctx context.Context, body []byte, signature, jobHint string) (*WebhookResult, error) {
	if !fal.VerifySignature(s.webhookSecret, body, signature) {
		return nil, ErrInvalidSignature
	}

	payload, err := fal.ParseWebhook(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	job, err := s.jobs.FindByProviderRequestID(ctx, payload.RequestID)
	if errors.Is(err, jobs.ErrNotFound) {
		return s.handleUnknownRequest(ctx, payload.RequestID, jobHint)
	}
	if err != nil {
		return nil, err
	}

	event, err := s.events.Record(ctx, models.WebhookKindFal, payload.RequestID, body)
	if err != nil {
		return nil, err
	}
	result := &WebhookResult{JobID: job.ID, Status: job.Status}
	if event.Processed() {
		zap.L().Info("Duplicate webhook delivery",
			zap.String("request_id", payload.RequestID),
			zap.String("job_id", job.ID.String()))
		result.Duplicate = true
		return result, nil
	}

	if job.Status.IsTerminal() {
		zap.L().Info("Webhook for finished job",
			zap.String("request_id", payload.RequestID),
			zap.String("job_id", job.ID.String()),
			zap.String("status", string(job.Status)))
		if err := s.markProcessed(ctx, event.ID); err != nil {
			return nil, err
		}
		result.Duplicate = true
		return result, nil
	}

	switch o := payload.Outcome().(type) {
	case fal.Completed:
		assets, perr := s.persistAssets(ctx, job, o.Images)
		if perr != nil {
			zap.L().Error("Failed to persist generation assets",
				zap.String("job_id", job.ID.String()),
				zap.Error(perr))
			err = s.finalizeFailed(ctx, job, event, assetFailureMessage, map[string]interface{}{
				"asset_error": perr.Error(),
			}, result)
			break
		}
		meta := map[string]interface{}{
			"provider_request_id": payload.RequestID,
			"images":              len(assets),
		}
		if o.Seed != nil {
			meta["seed"] = *o.Seed
		}
		err = s.finalizeCompleted(ctx, job, event, assets, meta, result)
	case fal.Failed:
		err = s.finalizeFailed(ctx, job, event, o.Error, map[string]interface{}{
			"provider_request_id": payload.RequestID,
		}, result)
	case fal.Unknown:
		zap.L().Warn("Webhook with unrecognized status",
			zap.String("request_id", payload.RequestID),
			zap.String("status", o.Status))
		result.Ignored = true
		err = s.markProcessed(ctx, event.ID)
	}
	if err != nil {
		if rerr := s.events.RecordError(context.WithoutCancel(ctx), event.ID, err.Error()); rerr != nil {
			zap.L().Warn("Failed to record webhook error", zap.Error(rerr))
		}
		return nil, err
	}
	return result, nil
}

// handleUnknownRequest covers a webhook whose request id matches no job. If
// the hinted job is still QUEUED the dispatch has not been recorded yet and
// the provider should retry.
func (s *CompletionService) handleUnknownRequest(ctx context.Context, requestID, jobHint string) (*WebhookResult, error) {
	if jobID, err := uuid.Parse(jobHint); err == nil {
		job, err := s.jobs.Get(ctx, jobID)
		switch {
		case err == nil && job.Status == models.JobQueued:
			zap.L().Info("Webhook arrived before dispatch was recorded",
				zap.String("request_id", requestID),
				zap.String("job_id", jobID.String()))
			return nil, ErrJobNotYetVisible
		case err != nil && !errors.Is(err, jobs.ErrNotFound):
			return nil, err
		}
	}

	zap.L().Warn("Webhook for unknown request",
		zap.String("request_id", requestID),
		zap.String("job_hint", jobHint))
	return &WebhookResult{Ignored: true}, nil
}

func (s *CompletionService) persistAssets(ctx context.Context, job *models.GenerationJob, images []fal.Image) ([]models.StoredAsset, error) {
	if s.assets == nil {
		return nil, fmt.Errorf("no asset store configured")
	}
	assets := make([]models.StoredAsset, 0, len(images))
	for i, img := range images {
		asset, err := s.assets.Persist(ctx, img.URL, job, i)
		if err != nil {
			s.removeAssets(context.WithoutCancel(ctx), job, assets)
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		assets = append(assets, asset)
	}
	return assets, nil
}

// removeAssets drops the partial upload of a job that will be failed. Leftovers
// are only logged.
func (s *CompletionService) removeAssets(ctx context.Context, job *models.GenerationJob, assets []models.StoredAsset) {
	for _, asset := range assets {
		if err := s.assets.Remove(ctx, asset); err != nil {
			zap.L().Warn("Failed to remove orphaned asset",
				zap.String("job_id", job.ID.String()),
				zap.String("key", asset.Key),
				zap.Error(err))
		}
	}
}

func (s *CompletionService) finalizeCompleted(ctx context.Context, job *models.GenerationJob, event *models.WebhookEvent, assets []models.StoredAsset, meta map[string]interface{}, result *WebhookResult) error {
	completed := false
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		completed, err = s.jobs.WithTx(tx).Complete(ctx, job.ID, assets, meta)
		if err != nil {
			return err
		}
		_, err = s.events.WithTx(tx).MarkProcessed(ctx, event.ID)
		return err
	})
	if err != nil {
		return err
	}

	if !completed {
		result.Duplicate = true
		return nil
	}
	result.Status = models.JobSucceeded

	zap.L().Info("Generation job succeeded",
		zap.String("job_id", job.ID.String()),
		zap.Int("images", len(assets)))
	publish(ctx, s.notifier, job.UserID, job.ID, EventJobSucceeded, JobSucceededPayload(job.ID, assets))
	return nil
}

// finalizeFailed fails the job, refunds the debit and marks the event in one
// transaction. The refund only happens if this call moved the job.
func (s *CompletionService) finalizeFailed(ctx context.Context, job *models.GenerationJob, event *models.WebhookEvent, errorMsg string, meta map[string]interface{}, result *WebhookResult) error {
	meta["error"] = errorMsg

	failed := false
	var refunded int64
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		failed, err = s.jobs.WithTx(tx).Fail(ctx, job.ID, meta)
		if err != nil {
			return err
		}
		if failed {
			refunded, err = refundJob(ctx, s.ledger.WithTx(tx), job)
			if err != nil {
				return err
			}
		}
		_, err = s.events.WithTx(tx).MarkProcessed(ctx, event.ID)
		return err
	})
	if err != nil {
		return err
	}

	if !failed {
		result.Duplicate = true
		return nil
	}
	result.Status = models.JobFailed
	result.Refunded = refunded

	zap.L().Info("Generation job failed",
		zap.String("job_id", job.ID.String()),
		zap.String("error", errorMsg),
		zap.Int64("refunded", refunded))
	publish(ctx, s.notifier, job.UserID, job.ID, EventJobFailed, JobFailedPayload(job.ID, errorMsg, refunded))
	return nil
}

func (s *CompletionService) markProcessed(ctx context.Context, eventID uuid.UUID) error {
	_, err := s.events.MarkProcessed(ctx, eventID)
	return err
}
