package models

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// TransactionReason classifies a wallet balance change.
type TransactionReason string

const (
	ReasonBonus    TransactionReason = "BONUS"
	ReasonGenerate TransactionReason = "GENERATE"
	ReasonRefund   TransactionReason = "REFUND"
	ReasonPurchase TransactionReason = "PURCHASE"
)

func (r TransactionReason) Valid() bool {
	switch r {
	case ReasonBonus, ReasonGenerate, ReasonRefund, ReasonPurchase:
		return true
	}
	return false
}

type Wallet struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Balance   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// WalletTransaction is an immutable ledger entry. Delta is positive for credits.
type WalletTransaction struct {
	ID        uuid.UUID
	WalletID  uuid.UUID
	Delta     int64
	Reason    TransactionReason
	RefID     sql.NullString
	CreatedAt time.Time
}
