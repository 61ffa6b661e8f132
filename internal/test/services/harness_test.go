package services_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"imagegen-backend/internal/events"
	"imagegen-backend/internal/fal"
	"imagegen-backend/internal/jobs"
	"imagegen-backend/internal/ledger"
	"imagegen-backend/internal/models"
	"imagegen-backend/internal/orders"
	"imagegen-backend/internal/pricing"
	"imagegen-backend/internal/robokassa"
	"imagegen-backend/internal/services"
	"imagegen-backend/internal/test/testutil"
)

const (
	webhookSecret = "fal-webhook-secret"
	webhookBase   = "https://api.example.com/api/v1/webhooks/fal"
)

type fakeDispatcher struct {
	mu         sync.Mutex
	calls      []fal.DispatchParams
	err        error
	onDispatch func(p fal.DispatchParams)
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, p fal.DispatchParams) (string, error) {
	d.mu.Lock()
	d.calls = append(d.calls, p)
	n := len(d.calls)
	hook := d.onDispatch
	err := d.err
	d.mu.Unlock()

	if hook != nil {
		hook(p)
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("req-%d", n), nil
}

func (d *fakeDispatcher) lastCall() fal.DispatchParams {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[len(d.calls)-1]
}

type fakeAssets struct {
	mu      sync.Mutex
	err     error
	failAt  int // fail images at this index and later when > 0
	calls   int
	removed []string
}

func (a *fakeAssets) Persist(ctx context.Context, sourceURL string, job *models.GenerationJob, index int) (models.StoredAsset, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.err != nil {
		return models.StoredAsset{}, a.err
	}
	if a.failAt > 0 && index >= a.failAt {
		return models.StoredAsset{}, errBoom
	}
	key := fmt.Sprintf("users/%s/jobs/%s/%d.png", job.UserID, job.ID, index)
	return models.StoredAsset{
		SourceURL: sourceURL,
		ResultURL: "https://cdn.example.com/" + key,
		ThumbURL:  "https://cdn.example.com/" + key + "?width=256",
		Key:       key,
	}, nil
}

func (a *fakeAssets) Remove(ctx context.Context, asset models.StoredAsset) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.removed = append(a.removed, asset.Key)
	return nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
	err    error
}

func (n *recordingNotifier) PublishJobEvent(ctx context.Context, userID, jobID uuid.UUID, event string, payload map[string]interface{}) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return n.err
}

func (n *recordingNotifier) published() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

type harness struct {
	db         *sql.DB
	ledger     *ledger.Ledger
	jobs       *jobs.Store
	events     *events.Store
	orders     *orders.Store
	dispatcher *fakeDispatcher
	assets     *fakeAssets
	notifier   *recordingNotifier
	robokassa  *robokassa.Client

	generation *services.GenerationService
	completion *services.CompletionService
	payments   *services.PaymentService
	wallets    *services.WalletService
}

func newHarness(t *testing.T, maxActive int) *harness {
	t.Helper()

	db := testutil.NewDB(t)
	h := &harness{
		db:         db,
		ledger:     ledger.New(db),
		jobs:       jobs.NewStore(db),
		events:     events.NewStore(db),
		orders:     orders.NewStore(db),
		dispatcher: &fakeDispatcher{},
		assets:     &fakeAssets{},
		notifier:   &recordingNotifier{},
		robokassa:  robokassa.NewClient("shop", "pass1", "pass2", true),
	}
	h.generation = services.NewGenerationService(db, h.ledger, h.jobs, pricing.FlatPolicy{Points: 3}, h.dispatcher, h.notifier, services.GenerationConfig{
		MaxActiveJobs: maxActive,
		WebhookURL:    webhookBase,
	})
	h.completion = services.NewCompletionService(db, h.ledger, h.jobs, h.events, h.assets, h.notifier, webhookSecret)
	h.payments = services.NewPaymentService(db, h.ledger, h.orders, h.events, h.robokassa, decimal.RequireFromString("1.5"))
	h.wallets = services.NewWalletService(h.ledger, 10)
	return h
}

func (h *harness) deliver(body, jobHint string) (*services.WebhookResult, error) {
	return h.completion.Handle(context.Background(), []byte(body), fal.Sign(webhookSecret, []byte(body)), jobHint)
}

func (h *harness) balance(t *testing.T, userID uuid.UUID) int64 {
	t.Helper()
	b, err := h.ledger.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	return b
}

func (h *harness) job(t *testing.T, jobID uuid.UUID) *models.GenerationJob {
	t.Helper()
	job, err := h.jobs.Get(context.Background(), jobID)
	require.NoError(t, err)
	return job
}

func (h *harness) entries(t *testing.T, jobID uuid.UUID, reason models.TransactionReason) []models.WalletTransaction {
	t.Helper()
	txs, err := h.ledger.TransactionsForRef(context.Background(), jobID.String())
	require.NoError(t, err)
	var out []models.WalletTransaction
	for _, tx := range txs {
		if tx.Reason == reason {
			out = append(out, tx)
		}
	}
	return out
}

func (h *harness) resultForm(t *testing.T, invID int64, outSum string) url.Values {
	t.Helper()
	return url.Values{
		"OutSum":         {outSum},
		"InvId":          {fmt.Sprint(invID)},
		"SignatureValue": {h.robokassa.ResultSignature(outSum, invID)},
	}
}

func jobIDFromWebhook(t *testing.T, webhookURL string) string {
	t.Helper()
	u, err := url.Parse(webhookURL)
	require.NoError(t, err)
	return u.Query().Get("job_id")
}

func failedBody(requestID string) string {
	return fmt.Sprintf(`{"request_id":%q,"status":"ERROR","error":"NSFW content detected"}`, requestID)
}

func completedBody(requestID string) string {
	return fmt.Sprintf(`{"request_id":%q,"status":"OK","payload":{"images":[{"url":"https://fal.media/files/a.png"},{"url":"https://fal.media/files/b.png"}],"seed":1234}}`, requestID)
}

var errBoom = errors.New("boom")
