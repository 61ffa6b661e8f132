package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"imagegen-backend/internal/database"
	"imagegen-backend/internal/events"
	"imagegen-backend/internal/ledger"
	"imagegen-backend/internal/models"
	"imagegen-backend/internal/orders"
	"imagegen-backend/internal/robokassa"
)

// PaymentService sells points through Robokassa.
type PaymentService struct {
	db         *sql.DB
	ledger     *ledger.Ledger
	orders     *orders.Store
	events     *events.Store
	robokassa  *robokassa.Client
	pointPrice decimal.Decimal
}

type CheckoutResult struct {
	Order      *models.PaymentOrder
	PaymentURL string
}

func NewPaymentService(
	db *sql.DB,
	wallets *ledger.Ledger,
	orderStore *orders.Store,
	eventStore *events.Store,
	client *robokassa.Client,
	pointPrice decimal.Decimal,
) *PaymentService {
	return &PaymentService{
		db:         db,
		ledger:     wallets,
		orders:     orderStore,
		events:     eventStore,
		robokassa:  client,
		pointPrice: pointPrice,
	}
}

// CreateOrder opens a PENDING order for points and returns the checkout link.
func (s *PaymentService) CreateOrder(ctx context.Context, userID uuid.UUID, points int64) (*CheckoutResult, error) {
	if points <= 0 {
		return nil, &ValidationError{Fields: map[string]string{"points": "must be at least 1"}}
	}

	amount := s.pointPrice.Mul(decimal.NewFromInt(points)).Round(2)
	order, err := s.orders.Create(ctx, userID, points, amount)
	if err != nil {
		return nil, err
	}

	zap.L().Info("Payment order created",
		zap.String("order_id", order.ID.String()),
		zap.Int64("inv_id", order.InvID),
		zap.Int64("points", points),
		zap.String("amount", amount.StringFixed(2)))

	return &CheckoutResult{
		Order:      order,
		PaymentURL: s.robokassa.PaymentURL(order.InvID, amount, fmt.Sprintf("%d points", points)),
	}, nil
}

// HandleResult applies a Robokassa ResultURL callback. Redeliveries for a
// paid order succeed without crediting again.
func (s *PaymentService) HandleResult(ctx context.Context, form url.Values) (*models.PaymentOrder, error) {
	res, err := s.robokassa.VerifyResult(form)
	switch {
	case errors.Is(err, robokassa.ErrInvalidSignature):
		return nil, ErrInvalidSignature
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	order, err := s.orders.GetByInvID(ctx, res.InvID)
	if errors.Is(err, orders.ErrNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	if !res.OutSum.Equal(order.Amount) {
		zap.L().Warn("Robokassa amount mismatch",
			zap.Int64("inv_id", res.InvID),
			zap.String("out_sum", res.OutSum.String()),
			zap.String("expected", order.Amount.String()))
		return nil, ErrAmountMismatch
	}

	requestID := strconv.FormatInt(res.InvID, 10)
	event, err := s.events.Record(ctx, models.WebhookKindRobokassa, requestID, []byte(form.Encode()))
	if err != nil {
		return nil, err
	}

	credited := false
	err = database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		paid, err := s.orders.WithTx(tx).MarkPaid(ctx, order.ID)
		if err != nil {
			return err
		}
		if paid {
			l := s.ledger.WithTx(tx)
			wallet, err := l.EnsureWallet(ctx, order.UserID)
			if err != nil {
				return err
			}
			if _, err := l.ApplyDelta(ctx, wallet.ID, order.Points, models.ReasonPurchase, order.ID.String()); err != nil {
				return err
			}
			credited = true
		}
		_, err = s.events.WithTx(tx).MarkProcessed(ctx, event.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if credited {
		zap.L().Info("Payment credited",
			zap.String("order_id", order.ID.String()),
			zap.String("user_id", order.UserID.String()),
			zap.Int64("points", order.Points))
		order.Status = models.OrderPaid
	} else {
		zap.L().Info("Duplicate payment notification",
			zap.Int64("inv_id", order.InvID))
	}
	return order, nil
}
