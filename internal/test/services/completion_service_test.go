package services_test

import (
	"context"
	"encoding/json"
	"fmt"
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

func submitOne(t *testing.T, h *harness, userID uuid.UUID) *services.SubmitResult {
	t.Helper()
	res, err := h.generation.Submit(context.Background(), userID, models.GenerateRequest{Prompt: "product shot"})
	require.NoError(t, err)
	return res
}

// Balance 10, one generation at cost 3, provider fails, the failure webhook is
// delivered twice.
func TestFailedGenerationIsRefundedOnce(t *testing.T) {
	h := newHarness(t, 5)
	userID := uuid.New()
	testutil.FundedWallet(t, h.ledger, userID, 10)

	res := submitOne(t, h, userID)
	assert.Equal(t, int64(7), h.balance(t, userID))

	body := failedBody("req-1")
	result, err := h.deliver(body, res.JobID.String())
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, result.Status)
	assert.Equal(t, int64(3), result.Refunded)
	assert.False(t, result.Duplicate)

	job := h.job(t, res.JobID)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Equal(t, "NSFW content detected", job.ErrorMessage.String)
	assert.Equal(t, int64(10), h.balance(t, userID))

	result, err = h.deliver(body, res.JobID.String())
	require.NoError(t, err)
	assert.True(t, result.Duplicate)
	assert.Equal(t, int64(10), h.balance(t, userID))

	refunds := h.entries(t, res.JobID, models.ReasonRefund)
	require.Len(t, refunds, 1)
	assert.Equal(t, int64(3), refunds[0].Delta)

	assert.Equal(t, []string{services.EventJobDispatched, services.EventJobFailed}, h.notifier.published())
}

func TestCompletedGenerationStoresAssets(t *testing.T) {
	h := newHarness(t, 5)
	userID := uuid.New()
	testutil.FundedWallet(t, h.ledger, userID, 10)
	res := submitOne(t, h, userID)

	result, err := h.deliver(completedBody("req-1"), res.JobID.String())
	require.NoError(t, err)
	assert.Equal(t, models.JobSucceeded, result.Status)
	assert.Equal(t, 2, h.assets.calls)

	job := h.job(t, res.JobID)
	assert.Equal(t, models.JobSucceeded, job.Status)
	assert.Contains(t, job.ResultURL.String, res.JobID.String())
	assert.True(t, job.CompletedAt.Valid)

	var assets []models.StoredAsset
	require.NoError(t, json.Unmarshal(job.ResultAssets, &assets))
	require.Len(t, assets, 2)
	assert.Equal(t, "https://fal.media/files/b.png", assets[1].SourceURL)

	var meta map[string]interface{}
	require.NoError(t, json.Unmarshal(job.Metadata, &meta))
	assert.Equal(t, "req-1", meta["provider_request_id"])
	assert.Equal(t, float64(1234), meta["seed"])

	assert.Equal(t, int64(7), h.balance(t, userID))
	assert.Empty(t, h.entries(t, res.JobID, models.ReasonRefund))
}

func TestLateWebhookAfterTerminalIsNoop(t *testing.T) {
	h := newHarness(t, 5)
	userID := uuid.New()
	testutil.FundedWallet(t, h.ledger, userID, 10)
	res := submitOne(t, h, userID)

	_, err := h.deliver(completedBody("req-1"), "")
	require.NoError(t, err)

	result, err := h.deliver(failedBody("req-1"), "")
	require.NoError(t, err)
	assert.True(t, result.Duplicate)
	assert.Equal(t, models.JobSucceeded, h.job(t, res.JobID).Status)
	assert.Equal(t, int64(7), h.balance(t, userID))
}

func TestConcurrentDuplicateDeliveries(t *testing.T) {
	h := newHarness(t, 5)
	userID := uuid.New()
	testutil.FundedWallet(t, h.ledger, userID, 10)
	res := submitOne(t, h, userID)

	body := failedBody("req-1")
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.deliver(body, "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), h.balance(t, userID))
	assert.Len(t, h.entries(t, res.JobID, models.ReasonRefund), 1)
}

func TestAssetFailureFailsAndRefunds(t *testing.T) {
	h := newHarness(t, 5)
	userID := uuid.New()
	testutil.FundedWallet(t, h.ledger, userID, 10)
	res := submitOne(t, h, userID)
	h.assets.err = errBoom

	result, err := h.deliver(completedBody("req-1"), "")
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, result.Status)
	assert.Equal(t, int64(3), result.Refunded)

	job := h.job(t, res.JobID)
	assert.Equal(t, "asset persistence failed", job.ErrorMessage.String)
	assert.Equal(t, int64(10), h.balance(t, userID))
}

func TestPartialAssetFailureRemovesStoredImages(t *testing.T) {
	h := newHarness(t, 5)
	userID := uuid.New()
	testutil.FundedWallet(t, h.ledger, userID, 10)
	res := submitOne(t, h, userID)
	h.assets.failAt = 1

	result, err := h.deliver(completedBody("req-1"), "")
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, result.Status)
	assert.Equal(t, int64(10), h.balance(t, userID))

	assert.Equal(t, []string{
		fmt.Sprintf("users/%s/jobs/%s/0.png", userID, res.JobID),
	}, h.assets.removed)
}

func TestUnknownStatusIsIgnored(t *testing.T) {
	h := newHarness(t, 5)
	userID := uuid.New()
	testutil.FundedWallet(t, h.ledger, userID, 10)
	res := submitOne(t, h, userID)

	result, err := h.deliver(`{"request_id":"req-1","status":"IN_PROGRESS"}`, "")
	require.NoError(t, err)
	assert.True(t, result.Ignored)
	assert.Equal(t, models.JobRunning, h.job(t, res.JobID).Status)

	// A later terminal delivery still applies.
	result, err = h.deliver(failedBody("req-1"), "")
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, result.Status)
}

func TestWebhookBeforeDispatchRecorded(t *testing.T) {
	h := newHarness(t, 5)
	userID := uuid.New()
	testutil.FundedWallet(t, h.ledger, userID, 10)

	var early error
	h.dispatcher.onDispatch = func(p fal.DispatchParams) {
		_, early = h.deliver(failedBody("req-1"), jobIDFromWebhook(t, p.WebhookURL))
	}

	res := submitOne(t, h, userID)
	assert.ErrorIs(t, early, services.ErrJobNotYetVisible)
	assert.Equal(t, models.JobRunning, res.Status)

	// The provider's retry lands once the dispatch is recorded.
	result, err := h.deliver(failedBody("req-1"), res.JobID.String())
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, result.Status)
	assert.Equal(t, int64(10), h.balance(t, userID))
}

func TestUnknownRequestIsIgnored(t *testing.T) {
	h := newHarness(t, 5)

	result, err := h.deliver(failedBody("req-unknown"), "")
	require.NoError(t, err)
	assert.True(t, result.Ignored)

	result, err = h.deliver(failedBody("req-unknown"), uuid.NewString())
	require.NoError(t, err)
	assert.True(t, result.Ignored)
}

func TestWebhookRejectsBadInput(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()
	body := []byte(failedBody("req-1"))

	_, err := h.completion.Handle(ctx, body, "deadbeef", "")
	assert.ErrorIs(t, err, services.ErrInvalidSignature)

	_, err = h.completion.Handle(ctx, body, "", "")
	assert.ErrorIs(t, err, services.ErrInvalidSignature)

	malformed := []byte(`{"status":"OK"}`)
	_, err = h.completion.Handle(ctx, malformed, fal.Sign(webhookSecret, malformed), "")
	assert.ErrorIs(t, err, services.ErrMalformedEvent)
}
