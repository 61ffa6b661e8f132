package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"imagegen-backend/internal/database"
	"imagegen-backend/internal/models"
)

var ErrNotFound = errors.New("payment order not found")

// Robokassa accepts InvId values up to 2^31-1.
const maxInvID = 2147483647

type Store struct {
	q database.Querier
}

func NewStore(q database.Querier) *Store {
	return &Store{q: q}
}

func (s *Store) WithTx(tx *sql.Tx) *Store {
	return &Store{q: tx}
}

// Create inserts a PENDING order with a fresh random invoice number, retrying
// on the rare collision.
func (s *Store) Create(ctx context.Context, userID uuid.UUID, points int64, amount decimal.Decimal) (*models.PaymentOrder, error) {
	order := &models.PaymentOrder{
		ID:        uuid.New(),
		UserID:    userID,
		Points:    points,
		Amount:    amount,
		Status:    models.OrderPending,
		CreatedAt: time.Now().UTC(),
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		order.InvID = rand.Int63n(maxInvID-1) + 1
		_, err := s.q.ExecContext(ctx, `
			INSERT INTO payment_orders (id, inv_id, user_id, points, amount, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, order.ID, order.InvID, order.UserID, order.Points, order.Amount.StringFixed(2), string(order.Status), order.CreatedAt)
		if err == nil {
			return order, nil
		}
		if !database.IsUniqueViolation(err) {
			return nil, fmt.Errorf("failed to create order: %w", err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("failed to allocate invoice number: %w", lastErr)
}

func (s *Store) GetByInvID(ctx context.Context, invID int64) (*models.PaymentOrder, error) {
	var o models.PaymentOrder
	var amount, status string
	err := s.q.QueryRowContext(ctx, `
		SELECT id, inv_id, user_id, points, amount, status, created_at, paid_at
		FROM payment_orders
		WHERE inv_id = $1
	`, invID).Scan(&o.ID, &o.InvID, &o.UserID, &o.Points, &amount, &status, &o.CreatedAt, &o.PaidAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	o.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("failed to parse order amount %q: %w", amount, err)
	}
	o.Status = models.OrderStatus(status)
	return &o, nil
}

// MarkPaid moves a PENDING order to PAID and reports whether this call did it.
func (s *Store) MarkPaid(ctx context.Context, orderID uuid.UUID) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE payment_orders
		SET status = $1, paid_at = $2
		WHERE id = $3 AND status = $4
	`, string(models.OrderPaid), time.Now().UTC(), orderID, string(models.OrderPending))
	if err != nil {
		return false, fmt.Errorf("failed to mark order paid: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to mark order paid: %w", err)
	}
	return n > 0, nil
}
