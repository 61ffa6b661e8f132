package jobs_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"imagegen-backend/internal/jobs"
	"imagegen-backend/internal/models"
	"imagegen-backend/internal/test/testutil"
)

func newJob(t *testing.T, store *jobs.Store, userID uuid.UUID) *models.GenerationJob {
	t.Helper()
	job, err := store.Create(context.Background(), &models.GenerationJob{
		UserID: userID,
		Prompt: "a red chair on white background",
		Params: json.RawMessage(`{"prompt":"a red chair on white background"}`),
		Cost:   3,
	})
	require.NoError(t, err)
	return job
}

func TestCreate_StartsQueued(t *testing.T) {
	store := jobs.NewStore(testutil.NewDB(t))
	userID := uuid.New()

	job := newJob(t, store, userID)
	assert.Equal(t, models.JobQueued, job.Status)
	assert.Equal(t, models.ModeGenerate, job.Mode)

	got, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, got.Status)
	assert.Equal(t, int64(3), got.Cost)
	assert.False(t, got.ProviderRequestID.Valid)
	assert.JSONEq(t, `{}`, string(got.Metadata))
}

func TestGetForUser_ScopedToOwner(t *testing.T) {
	store := jobs.NewStore(testutil.NewDB(t))
	job := newJob(t, store, uuid.New())

	_, err := store.GetForUser(context.Background(), job.ID, uuid.New())
	assert.ErrorIs(t, err, jobs.ErrNotFound)

	got, err := store.GetForUser(context.Background(), job.ID, job.UserID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
}

func TestSetDispatched(t *testing.T) {
	store := jobs.NewStore(testutil.NewDB(t))
	ctx := context.Background()
	job := newJob(t, store, uuid.New())

	require.NoError(t, store.SetDispatched(ctx, job.ID, "req-1"))

	got, err := store.FindByProviderRequestID(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, models.JobRunning, got.Status)

	err = store.SetDispatched(ctx, job.ID, "req-2")
	assert.ErrorIs(t, err, jobs.ErrInvalidTransition)

	err = store.SetDispatched(ctx, uuid.New(), "req-3")
	assert.ErrorIs(t, err, jobs.ErrNotFound)
}

func TestComplete_OnlyOnce(t *testing.T) {
	store := jobs.NewStore(testutil.NewDB(t))
	ctx := context.Background()
	job := newJob(t, store, uuid.New())
	require.NoError(t, store.SetDispatched(ctx, job.ID, "req-1"))

	assets := []models.StoredAsset{{
		SourceURL: "https://fal.media/files/a.png",
		ResultURL: "https://cdn.example.com/a.png",
		ThumbURL:  "https://cdn.example.com/a_thumb.png",
	}}
	ok, err := store.Complete(ctx, job.ID, assets, map[string]interface{}{"seed": 42})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Fail(ctx, job.ID, map[string]interface{}{"error": "late failure"})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobSucceeded, got.Status)
	assert.Equal(t, "https://cdn.example.com/a.png", got.ResultURL.String)
	assert.Equal(t, "https://cdn.example.com/a_thumb.png", got.ThumbURL.String)
	assert.True(t, got.CompletedAt.Valid)
	assert.False(t, got.ErrorMessage.Valid)

	var stored []models.StoredAsset
	require.NoError(t, json.Unmarshal(got.ResultAssets, &stored))
	assert.Equal(t, assets, stored)
}

func TestFail_FromQueued(t *testing.T) {
	store := jobs.NewStore(testutil.NewDB(t))
	ctx := context.Background()
	job := newJob(t, store, uuid.New())

	ok, err := store.Fail(ctx, job.ID, map[string]interface{}{"error": "provider unavailable"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Complete(ctx, job.ID, nil, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
	assert.Equal(t, "provider unavailable", got.ErrorMessage.String)

	_, err = store.Fail(ctx, uuid.New(), nil)
	assert.ErrorIs(t, err, jobs.ErrNotFound)
}

func TestCountActive(t *testing.T) {
	store := jobs.NewStore(testutil.NewDB(t))
	ctx := context.Background()
	userID := uuid.New()

	queued := newJob(t, store, userID)
	running := newJob(t, store, userID)
	done := newJob(t, store, userID)
	newJob(t, store, uuid.New())

	require.NoError(t, store.SetDispatched(ctx, running.ID, "req-running"))
	_, err := store.Fail(ctx, done.ID, nil)
	require.NoError(t, err)

	count, err := store.CountActive(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	_, err = store.Fail(ctx, queued.ID, nil)
	require.NoError(t, err)
	count, err = store.CountActive(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestListByUserAndStatus(t *testing.T) {
	store := jobs.NewStore(testutil.NewDB(t))
	ctx := context.Background()
	userID := uuid.New()

	first := newJob(t, store, userID)
	second := newJob(t, store, userID)
	_, err := store.Fail(ctx, first.ID, nil)
	require.NoError(t, err)

	list, err := store.ListByUser(ctx, userID, 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)

	failed, err := store.ListByStatus(ctx, models.JobFailed, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, first.ID, failed[0].ID)
}

func TestComplete_RequiresDispatch(t *testing.T) {
	store := jobs.NewStore(testutil.NewDB(t))
	ctx := context.Background()
	job := newJob(t, store, uuid.New())

	ok, err := store.Complete(ctx, job.ID, nil, nil)
	assert.ErrorIs(t, err, jobs.ErrInvalidTransition)
	assert.False(t, ok)

	stored, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, stored.Status)
}

func TestTransitionSources(t *testing.T) {
	assert.Equal(t, []models.JobStatus{models.JobQueued}, models.TransitionSources(models.JobRunning))
	assert.Equal(t, []models.JobStatus{models.JobRunning}, models.TransitionSources(models.JobSucceeded))
	assert.Equal(t, []models.JobStatus{models.JobQueued, models.JobRunning}, models.TransitionSources(models.JobFailed))
	assert.Empty(t, models.TransitionSources(models.JobQueued))
}

func TestCanTransition(t *testing.T) {
	assert.True(t, models.JobQueued.CanTransition(models.JobRunning))
	assert.True(t, models.JobQueued.CanTransition(models.JobFailed))
	assert.False(t, models.JobQueued.CanTransition(models.JobSucceeded))
	assert.True(t, models.JobRunning.CanTransition(models.JobSucceeded))
	assert.False(t, models.JobSucceeded.CanTransition(models.JobFailed))
	assert.False(t, models.JobFailed.CanTransition(models.JobRunning))
}
