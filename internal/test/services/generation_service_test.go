package services_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"imagegen-backend/internal/fal"
	"imagegen-backend/internal/models"
	"imagegen-backend/internal/services"
	"imagegen-backend/internal/test/testutil"
)

func TestSubmit_DebitsAndDispatches(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()
	userID := uuid.New()
	testutil.FundedWallet(t, h.ledger, userID, 10)

	res, err := h.generation.Submit(ctx, userID, models.GenerateRequest{Prompt: "  leather bag on marble  "})
	require.NoError(t, err)
	assert.Equal(t, models.JobRunning, res.Status)
	assert.Equal(t, int64(3), res.Cost)
	assert.Equal(t, int64(7), h.balance(t, userID))

	job := h.job(t, res.JobID)
	assert.Equal(t, models.JobRunning, job.Status)
	assert.Equal(t, "leather bag on marble", job.Prompt)
	assert.Equal(t, "req-1", job.ProviderRequestID.String)

	debits := h.entries(t, res.JobID, models.ReasonGenerate)
	require.Len(t, debits, 1)
	assert.Equal(t, int64(-3), debits[0].Delta)

	call := h.dispatcher.lastCall()
	assert.Equal(t, models.ModeGenerate, call.Mode)
	assert.Equal(t, "leather bag on marble", call.Input.Prompt)
	assert.Equal(t, "square_hd", call.Input.ImageSize)
	assert.Equal(t, res.JobID.String(), jobIDFromWebhook(t, call.WebhookURL))

	assert.Equal(t, []string{services.EventJobDispatched}, h.notifier.published())
}

func TestSubmit_Validation(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()
	userID := uuid.New()
	testutil.FundedWallet(t, h.ledger, userID, 10)

	tests := []struct {
		name  string
		req   models.GenerateRequest
		field string
	}{
		{"blank prompt", models.GenerateRequest{Prompt: "   "}, "prompt"},
		{"bad size", models.GenerateRequest{Prompt: "x", ImageSize: "huge"}, "image_size"},
		{"too many images", models.GenerateRequest{Prompt: "x", NumImages: 9}, "num_images"},
		{"edit without source", models.GenerateRequest{Prompt: "x", Mode: models.ModeEdit}, "image_urls"},
		{"edit with bad source", models.GenerateRequest{Prompt: "x", Mode: models.ModeEdit, ImageURLs: []string{"not a url"}}, "image_urls"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.generation.Submit(ctx, userID, tt.req)
			var verr *services.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Fields, tt.field)
		})
	}

	assert.Equal(t, int64(10), h.balance(t, userID))
	assert.Empty(t, h.dispatcher.calls)
}

func TestSubmit_InsufficientCredits(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()

	poor := uuid.New()
	testutil.FundedWallet(t, h.ledger, poor, 2)
	_, err := h.generation.Submit(ctx, poor, models.GenerateRequest{Prompt: "x"})
	assert.ErrorIs(t, err, services.ErrInsufficientCredits)
	assert.Equal(t, int64(2), h.balance(t, poor))

	_, err = h.generation.Submit(ctx, uuid.New(), models.GenerateRequest{Prompt: "x"})
	assert.ErrorIs(t, err, services.ErrInsufficientCredits)

	count, err := h.jobs.CountActive(ctx, poor)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Empty(t, h.dispatcher.calls)
}

func TestSubmit_ConcurrencyCeiling(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	userID := uuid.New()
	testutil.FundedWallet(t, h.ledger, userID, 30)

	for i := 0; i < 2; i++ {
		_, err := h.generation.Submit(ctx, userID, models.GenerateRequest{Prompt: "x"})
		require.NoError(t, err)
	}
	_, err := h.generation.Submit(ctx, userID, models.GenerateRequest{Prompt: "x"})
	assert.ErrorIs(t, err, services.ErrTooManyConcurrentJobs)
	assert.Equal(t, int64(24), h.balance(t, userID))

	// Finishing one job frees a slot.
	_, err = h.deliver(failedBody("req-1"), "")
	require.NoError(t, err)
	_, err = h.generation.Submit(ctx, userID, models.GenerateRequest{Prompt: "x"})
	assert.NoError(t, err)
}

func TestSubmit_ConcurrentSubmitsRespectCeiling(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	userID := uuid.New()
	testutil.FundedWallet(t, h.ledger, userID, 30)

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted, rejected := 0, 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.generation.Submit(ctx, userID, models.GenerateRequest{Prompt: "x"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, services.ErrTooManyConcurrentJobs):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, accepted)
	assert.Equal(t, 5, rejected)

	active, err := h.jobs.CountActive(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 3, active)
	assert.Equal(t, int64(21), h.balance(t, userID))

	w, err := h.ledger.GetWallet(ctx, userID)
	require.NoError(t, err)
	assert.NoError(t, h.ledger.Reconcile(ctx, w.ID))
}

func TestSubmit_DispatchFailureRefunds(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()
	userID := uuid.New()
	testutil.FundedWallet(t, h.ledger, userID, 10)
	h.dispatcher.err = fal.ErrProviderUnavailable

	_, err := h.generation.Submit(ctx, userID, models.GenerateRequest{Prompt: "x"})
	require.ErrorIs(t, err, services.ErrProviderUnavailable)
	assert.Equal(t, int64(10), h.balance(t, userID))

	list, err := h.jobs.ListByUser(ctx, userID, 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.JobFailed, list[0].Status)
	assert.Equal(t, "provider dispatch failed", list[0].ErrorMessage.String)

	refunds := h.entries(t, list[0].ID, models.ReasonRefund)
	require.Len(t, refunds, 1)
	assert.Equal(t, int64(3), refunds[0].Delta)
	assert.NoError(t, h.ledger.Reconcile(ctx, refunds[0].WalletID))

	assert.Equal(t, []string{services.EventJobFailed}, h.notifier.published())
}

func TestSubmit_CancelledRequestStillCompensates(t *testing.T) {
	h := newHarness(t, 5)
	userID := uuid.New()
	testutil.FundedWallet(t, h.ledger, userID, 10)

	ctx, cancel := context.WithCancel(context.Background())
	h.dispatcher.err = errors.New("context canceled")
	h.dispatcher.onDispatch = func(fal.DispatchParams) { cancel() }

	_, err := h.generation.Submit(ctx, userID, models.GenerateRequest{Prompt: "x"})
	require.ErrorIs(t, err, services.ErrProviderUnavailable)
	assert.Equal(t, int64(10), h.balance(t, userID))
}

func TestSubmit_WebhookFinalizedBeforeDispatchRecorded(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()
	userID := uuid.New()
	testutil.FundedWallet(t, h.ledger, userID, 10)

	h.dispatcher.onDispatch = func(p fal.DispatchParams) {
		jobID := uuid.MustParse(jobIDFromWebhook(t, p.WebhookURL))
		_, err := h.jobs.Fail(ctx, jobID, map[string]interface{}{"error": "cancelled"})
		require.NoError(t, err)
	}

	res, err := h.generation.Submit(ctx, userID, models.GenerateRequest{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, res.Status)
}

func TestSubmit_NotifierFailureIsIgnored(t *testing.T) {
	h := newHarness(t, 5)
	userID := uuid.New()
	testutil.FundedWallet(t, h.ledger, userID, 10)
	h.notifier.err = errBoom

	res, err := h.generation.Submit(context.Background(), userID, models.GenerateRequest{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, models.JobRunning, res.Status)
}

func TestValidationError_Message(t *testing.T) {
	err := &services.ValidationError{Fields: map[string]string{"prompt": "is required", "image_size": "must be one of: a b"}}
	assert.Equal(t, "validation failed: image_size: must be one of: a b; prompt: is required", err.Error())
}
