package models

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderPending OrderStatus = "PENDING"
	OrderPaid    OrderStatus = "PAID"
)

// PaymentOrder is a points purchase settled through Robokassa. InvID is the
// integer invoice number Robokassa echoes back in its callback.
type PaymentOrder struct {
	ID        uuid.UUID
	InvID     int64
	UserID    uuid.UUID
	Points    int64
	Amount    decimal.Decimal
	Status    OrderStatus
	CreatedAt time.Time
	PaidAt    sql.NullTime
}
