package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"imagegen-backend/internal/database"
	"imagegen-backend/internal/models"
)

var (
	ErrNotFound          = errors.New("generation job not found")
	ErrInvalidTransition = errors.New("invalid job status transition")
)

const jobColumns = `id, user_id, status, mode, prompt, params, cost, provider_request_id,
	result_url, thumb_url, result_assets, metadata, error_message, created_at, updated_at, completed_at`

// Store persists generation jobs and their status transitions.
type Store struct {
	q database.Querier
}

func NewStore(q database.Querier) *Store {
	return &Store{q: q}
}

func (s *Store) WithTx(tx *sql.Tx) *Store {
	return &Store{q: tx}
}

// Create inserts job in status QUEUED. ID, timestamps and JSON defaults are
// filled in when empty.
func (s *Store) Create(ctx context.Context, job *models.GenerationJob) (*models.GenerationJob, error) {
	created := *job
	if created.ID == uuid.Nil {
		created.ID = uuid.New()
	}
	if created.Mode == "" {
		created.Mode = models.ModeGenerate
	}
	if len(created.Params) == 0 {
		created.Params = json.RawMessage(`{}`)
	}
	if len(created.Metadata) == 0 {
		created.Metadata = json.RawMessage(`{}`)
	}
	created.Status = models.JobQueued
	now := time.Now().UTC()
	created.CreatedAt = now
	created.UpdatedAt = now

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO generation_jobs (id, user_id, status, mode, prompt, params, cost, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`, created.ID, created.UserID, string(created.Status), string(created.Mode), created.Prompt,
		string(created.Params), created.Cost, string(created.Metadata), now)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	return &created, nil
}

func (s *Store) Get(ctx context.Context, jobID uuid.UUID) (*models.GenerationJob, error) {
	return s.getOne(ctx, `SELECT `+jobColumns+` FROM generation_jobs WHERE id = $1`, jobID)
}

// GetForUser scopes the lookup to the owning user.
func (s *Store) GetForUser(ctx context.Context, jobID, userID uuid.UUID) (*models.GenerationJob, error) {
	return s.getOne(ctx, `SELECT `+jobColumns+` FROM generation_jobs WHERE id = $1 AND user_id = $2`, jobID, userID)
}

func (s *Store) FindByProviderRequestID(ctx context.Context, providerRequestID string) (*models.GenerationJob, error) {
	return s.getOne(ctx, `SELECT `+jobColumns+` FROM generation_jobs WHERE provider_request_id = $1`, providerRequestID)
}

func (s *Store) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.GenerationJob, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM generation_jobs
		WHERE user_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.GenerationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}
	return jobs, nil
}

// ListByStatus returns jobs in status, oldest first.
func (s *Store) ListByStatus(ctx context.Context, status models.JobStatus, limit int) ([]models.GenerationJob, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM generation_jobs
		WHERE status = $1
		ORDER BY created_at, id
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.GenerationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// CountActive counts the user's jobs in QUEUED or RUNNING.
func (s *Store) CountActive(ctx context.Context, userID uuid.UUID) (int, error) {
	var count int
	err := s.q.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM generation_jobs
		WHERE user_id = $1 AND status IN ($2, $3)
	`, userID, string(models.JobQueued), string(models.JobRunning)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active jobs: %w", err)
	}
	return count, nil
}

// SetDispatched moves a QUEUED job to RUNNING and records the provider's id.
func (s *Store) SetDispatched(ctx context.Context, jobID uuid.UUID, providerRequestID string) error {
	from, fromArgs := sourceFilter(models.JobRunning, 5)
	res, err := s.q.ExecContext(ctx, `
		UPDATE generation_jobs
		SET status = $1, provider_request_id = $2, updated_at = $3
		WHERE id = $4 AND `+from,
		append([]interface{}{string(models.JobRunning), providerRequestID, time.Now().UTC(), jobID}, fromArgs...)...)
	if err != nil {
		return fmt.Errorf("failed to mark job dispatched: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to mark job dispatched: %w", err)
	}
	if n == 0 {
		return s.transitionError(ctx, jobID, models.JobRunning)
	}
	return nil
}

// Complete moves a non-terminal job to SUCCEEDED. It returns false without
// changing anything if the job is already terminal.
func (s *Store) Complete(ctx context.Context, jobID uuid.UUID, assets []models.StoredAsset, meta map[string]interface{}) (bool, error) {
	assetsJSON, err := json.Marshal(assets)
	if err != nil {
		return false, fmt.Errorf("failed to encode assets: %w", err)
	}
	metaJSON, err := marshalMeta(meta)
	if err != nil {
		return false, err
	}

	var resultURL, thumbURL sql.NullString
	if len(assets) > 0 {
		resultURL = sql.NullString{String: assets[0].ResultURL, Valid: true}
		thumbURL = sql.NullString{String: assets[0].ThumbURL, Valid: assets[0].ThumbURL != ""}
	}

	now := time.Now().UTC()
	from, fromArgs := sourceFilter(models.JobSucceeded, 8)
	res, err := s.q.ExecContext(ctx, `
		UPDATE generation_jobs
		SET status = $1, result_url = $2, thumb_url = $3, result_assets = $4, metadata = $5,
			updated_at = $6, completed_at = $6
		WHERE id = $7 AND `+from,
		append([]interface{}{string(models.JobSucceeded), resultURL, thumbURL, string(assetsJSON), metaJSON, now, jobID}, fromArgs...)...)
	if err != nil {
		return false, fmt.Errorf("failed to complete job: %w", err)
	}
	return s.terminalResult(ctx, res, jobID, models.JobSucceeded)
}

// Fail moves a non-terminal job to FAILED. It returns false without changing
// anything if the job is already terminal.
func (s *Store) Fail(ctx context.Context, jobID uuid.UUID, meta map[string]interface{}) (bool, error) {
	metaJSON, err := marshalMeta(meta)
	if err != nil {
		return false, err
	}

	var errMsg sql.NullString
	if v, ok := meta["error"].(string); ok && v != "" {
		errMsg = sql.NullString{String: v, Valid: true}
	}

	now := time.Now().UTC()
	from, fromArgs := sourceFilter(models.JobFailed, 6)
	res, err := s.q.ExecContext(ctx, `
		UPDATE generation_jobs
		SET status = $1, metadata = $2, error_message = $3, updated_at = $4, completed_at = $4
		WHERE id = $5 AND `+from,
		append([]interface{}{string(models.JobFailed), metaJSON, errMsg, now, jobID}, fromArgs...)...)
	if err != nil {
		return false, fmt.Errorf("failed to fail job: %w", err)
	}
	return s.terminalResult(ctx, res, jobID, models.JobFailed)
}

// terminalResult treats a job that is already terminal as a no-op. A live job
// that could not move to `to` is an invalid transition.
func (s *Store) terminalResult(ctx context.Context, res sql.Result, jobID uuid.UUID, to models.JobStatus) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n > 0 {
		return true, nil
	}
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job.Status.IsTerminal() {
		return false, nil
	}
	return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, to)
}

func (s *Store) transitionError(ctx context.Context, jobID uuid.UUID, to models.JobStatus) error {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.CanTransition(to) {
		return fmt.Errorf("job %s changed concurrently, still %s", jobID, job.Status)
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, to)
}

// sourceFilter renders "status IN (...)" over the statuses allowed to move to
// `to`, numbering placeholders from first.
func sourceFilter(to models.JobStatus, first int) (string, []interface{}) {
	from := models.TransitionSources(to)
	placeholders := make([]string, len(from))
	args := make([]interface{}, len(from))
	for i, st := range from {
		placeholders[i] = fmt.Sprintf("$%d", first+i)
		args[i] = string(st)
	}
	return "status IN (" + strings.Join(placeholders, ", ") + ")", args
}

func (s *Store) getOne(ctx context.Context, query string, args ...interface{}) (*models.GenerationJob, error) {
	job, err := scanJob(s.q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row scanner) (*models.GenerationJob, error) {
	var job models.GenerationJob
	var status, mode, params, metadata string
	var assets sql.NullString
	err := row.Scan(
		&job.ID, &job.UserID, &status, &mode, &job.Prompt, &params, &job.Cost, &job.ProviderRequestID,
		&job.ResultURL, &job.ThumbURL, &assets, &metadata, &job.ErrorMessage,
		&job.CreatedAt, &job.UpdatedAt, &job.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Status = models.JobStatus(status)
	job.Mode = models.JobMode(mode)
	job.Params = json.RawMessage(params)
	job.Metadata = json.RawMessage(metadata)
	if assets.Valid {
		job.ResultAssets = json.RawMessage(assets.String)
	}
	return &job, nil
}

func marshalMeta(meta map[string]interface{}) (string, error) {
	if meta == nil {
		meta = map[string]interface{}{}
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata: %w", err)
	}
	return string(b), nil
}
