package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"imagegen-backend/internal/database"
	"imagegen-backend/internal/fal"
	"imagegen-backend/internal/jobs"
	"imagegen-backend/internal/ledger"
	"imagegen-backend/internal/models"
	"imagegen-backend/internal/pricing"
)

const DefaultMaxActiveJobs = 5

type GenerationConfig struct {
	MaxActiveJobs int
	// WebhookURL receives provider completions. The job id is appended as a
	// query parameter.
	WebhookURL string
}

// GenerationService charges for a generation, records the job and hands it to
// the provider, refunding if the hand-off fails.
type GenerationService struct {
	db         *sql.DB
	ledger     *ledger.Ledger
	jobs       *jobs.Store
	pricing    pricing.Policy
	dispatcher Dispatcher
	notifier   Notifier
	validate   *validator.Validate
	cfg        GenerationConfig
}

type SubmitResult struct {
	JobID  uuid.UUID
	Status models.JobStatus
	Cost   int64
}

func NewGenerationService(
	db *sql.DB,
	wallets *ledger.Ledger,
	jobStore *jobs.Store,
	policy pricing.Policy,
	dispatcher Dispatcher,
	notifier Notifier,
	cfg GenerationConfig,
) *GenerationService {
	if cfg.MaxActiveJobs <= 0 {
		cfg.MaxActiveJobs = DefaultMaxActiveJobs
	}
	if policy == nil {
		policy = pricing.FlatPolicy{Points: pricing.DefaultCost}
	}
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	return &GenerationService{
		db:         db,
		ledger:     wallets,
		jobs:       jobStore,
		pricing:    policy,
		dispatcher: dispatcher,
		notifier:   notifier,
		validate:   newValidator(),
		cfg:        cfg,
	}
}

// Submit validates and prices req, debits the user's wallet and creates the
// job in one transaction, then dispatches it.
func (s *GenerationService) Submit(ctx context.Context, userID uuid.UUID, req models.GenerateRequest) (*SubmitResult, error) {
	req.Prompt = strings.TrimSpace(req.Prompt)
	if err := validateStruct(s.validate, req); err != nil {
		return nil, err
	}

	cost := s.pricing.Cost(req)

	wallet, err := s.ledger.GetWallet(ctx, userID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, ErrInsufficientCredits
	}
	if err != nil {
		return nil, err
	}
	if wallet.Balance < cost {
		return nil, ErrInsufficientCredits
	}

	active, err := s.jobs.CountActive(ctx, userID)
	if err != nil {
		return nil, err
	}
	if active >= s.cfg.MaxActiveJobs {
		return nil, ErrTooManyConcurrentJobs
	}

	params := req.Params()
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode params: %w", err)
	}

	job := &models.GenerationJob{
		ID:     uuid.New(),
		UserID: userID,
		Mode:   req.JobMode(),
		Prompt: req.Prompt,
		Params: paramsJSON,
		Cost:   cost,
	}

	err = database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		balance, err := s.ledger.WithTx(tx).ApplyDelta(ctx, wallet.ID, -cost, models.ReasonGenerate, job.ID.String())
		if err != nil {
			return err
		}
		if balance < 0 {
			return ErrInsufficientCredits
		}
		// The debit holds the wallet row lock, so concurrent submits for this
		// user are serialized here and the recount sees their jobs.
		active, err := s.jobs.WithTx(tx).CountActive(ctx, userID)
		if err != nil {
			return err
		}
		if active >= s.cfg.MaxActiveJobs {
			return ErrTooManyConcurrentJobs
		}
		created, err := s.jobs.WithTx(tx).Create(ctx, job)
		if err != nil {
			return err
		}
		job = created
		return nil
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("Generation job created",
		zap.String("job_id", job.ID.String()),
		zap.String("user_id", userID.String()),
		zap.String("mode", string(job.Mode)),
		zap.Int64("cost", cost))

	requestID, err := s.dispatcher.Dispatch(ctx, fal.DispatchParams{
		Mode:       job.Mode,
		Input:      params,
		WebhookURL: webhookURLFor(s.cfg.WebhookURL, job.ID),
	})
	if err != nil {
		zap.L().Warn("Generation dispatch failed",
			zap.String("job_id", job.ID.String()),
			zap.Error(err))
		s.compensate(ctx, job, err)
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	status := models.JobRunning
	if err := s.jobs.SetDispatched(ctx, job.ID, requestID); err != nil {
		status, err = s.dispatchRecordFailed(ctx, job, requestID, err)
		if err != nil {
			return nil, err
		}
	} else {
		publish(ctx, s.notifier, userID, job.ID, EventJobDispatched, JobDispatchedPayload(job.ID, cost))
	}

	return &SubmitResult{
		JobID:  job.ID,
		Status: status,
		Cost:   cost,
	}, nil
}

// compensate fails the job and returns its debit, ignoring request cancellation.
func (s *GenerationService) compensate(ctx context.Context, job *models.GenerationJob, cause error) {
	ctx = context.WithoutCancel(ctx)

	var refunded int64
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		failed, err := s.jobs.WithTx(tx).Fail(ctx, job.ID, map[string]interface{}{
			"error":          "provider dispatch failed",
			"dispatch_error": cause.Error(),
		})
		if err != nil {
			return err
		}
		if !failed {
			return nil
		}
		refunded, err = refundJob(ctx, s.ledger.WithTx(tx), job)
		return err
	})
	if err != nil {
		zap.L().Error("Failed to compensate undispatched job",
			zap.String("job_id", job.ID.String()),
			zap.String("user_id", job.UserID.String()),
			zap.Int64("cost", job.Cost),
			zap.Bool("reconciliation", true),
			zap.Error(err))
		return
	}

	publish(ctx, s.notifier, job.UserID, job.ID, EventJobFailed, JobFailedPayload(job.ID, "provider dispatch failed", refunded))
}

// dispatchRecordFailed handles a provider acceptance that could not be recorded.
// A job the webhook already finalized is reported as it stands.
func (s *GenerationService) dispatchRecordFailed(ctx context.Context, job *models.GenerationJob, requestID string, cause error) (models.JobStatus, error) {
	if errors.Is(cause, jobs.ErrInvalidTransition) {
		current, err := s.jobs.Get(ctx, job.ID)
		if err != nil {
			return "", err
		}
		zap.L().Warn("Job left QUEUED before dispatch was recorded",
			zap.String("job_id", job.ID.String()),
			zap.String("status", string(current.Status)))
		return current.Status, nil
	}

	zap.L().Error("Failed to record dispatched job",
		zap.String("job_id", job.ID.String()),
		zap.String("provider_request_id", requestID),
		zap.Bool("reconciliation", true),
		zap.Error(cause))
	return "", cause
}

// refundJob credits back whatever was debited for job, once. It returns the
// amount refunded.
func refundJob(ctx context.Context, l *ledger.Ledger, job *models.GenerationJob) (int64, error) {
	ref := job.ID.String()
	amount, err := l.DebitedAmount(ctx, ref)
	if err != nil {
		return 0, err
	}
	if amount <= 0 {
		return 0, nil
	}
	refunded, err := l.HasRefund(ctx, ref)
	if err != nil {
		return 0, err
	}
	if refunded {
		return 0, nil
	}

	wallet, err := l.GetWallet(ctx, job.UserID)
	if err != nil {
		return 0, err
	}
	if _, err := l.ApplyDelta(ctx, wallet.ID, amount, models.ReasonRefund, ref); err != nil {
		return 0, err
	}
	return amount, nil
}

func webhookURLFor(base string, jobID uuid.UUID) string {
	if base == "" {
		return ""
	}
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("job_id", jobID.String())
	u.RawQuery = q.Encode()
	return u.String()
}
