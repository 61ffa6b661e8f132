package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"imagegen-backend/internal/database"
	"imagegen-backend/internal/models"
)

var (
	ErrNotFound       = errors.New("wallet not found")
	ErrInvalidReason  = errors.New("invalid transaction reason")
	ErrLedgerMismatch = errors.New("wallet balance does not match transaction history")
)

// Ledger owns wallet balances and their append-only transaction history.
// Balance changes go through ApplyDelta only.
type Ledger struct {
	db *sql.DB
	tx *sql.Tx
}

func New(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// WithTx returns a Ledger whose operations join tx instead of opening their own.
func (l *Ledger) WithTx(tx *sql.Tx) *Ledger {
	return &Ledger{db: l.db, tx: tx}
}

func (l *Ledger) q() database.Querier {
	if l.tx != nil {
		return l.tx
	}
	return l.db
}

// atomic runs fn with a Ledger bound to the current transaction, opening one
// if l is not already bound.
func (l *Ledger) atomic(ctx context.Context, fn func(bound *Ledger) error) error {
	if l.tx != nil {
		return fn(l)
	}
	return database.WithTx(ctx, l.db, func(tx *sql.Tx) error {
		return fn(l.WithTx(tx))
	})
}

func (l *Ledger) GetWallet(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	var w models.Wallet
	err := l.q().QueryRowContext(ctx, `
		SELECT id, user_id, balance, created_at, updated_at
		FROM wallets
		WHERE user_id = $1
	`, userID).Scan(&w.ID, &w.UserID, &w.Balance, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	return &w, nil
}

// GetBalance returns the user's balance, or ErrNotFound if no wallet exists.
func (l *Ledger) GetBalance(ctx context.Context, userID uuid.UUID) (int64, error) {
	w, err := l.GetWallet(ctx, userID)
	if err != nil {
		return 0, err
	}
	return w.Balance, nil
}

// EnsureWallet returns the user's wallet, creating an empty one if absent.
func (l *Ledger) EnsureWallet(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	now := time.Now().UTC()
	_, err := l.q().ExecContext(ctx, `
		INSERT INTO wallets (id, user_id, balance, created_at, updated_at)
		VALUES ($1, $2, 0, $3, $3)
		ON CONFLICT (user_id) DO NOTHING
	`, uuid.New(), userID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}
	return l.GetWallet(ctx, userID)
}

// ApplyDelta changes the wallet balance by delta with a single atomic increment
// and appends the matching transaction row. It returns the balance after the
// change. No floor is enforced here; callers reject a negative result.
func (l *Ledger) ApplyDelta(ctx context.Context, walletID uuid.UUID, delta int64, reason models.TransactionReason, refID string) (int64, error) {
	if !reason.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidReason, reason)
	}

	var balance int64
	err := l.atomic(ctx, func(bound *Ledger) error {
		now := time.Now().UTC()
		err := bound.tx.QueryRowContext(ctx, `
			UPDATE wallets
			SET balance = balance + $1, updated_at = $2
			WHERE id = $3
			RETURNING balance
		`, delta, now, walletID).Scan(&balance)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}

		ref := sql.NullString{String: refID, Valid: refID != ""}
		if _, err := bound.tx.ExecContext(ctx, `
			INSERT INTO wallet_transactions (id, wallet_id, delta, reason, ref_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, uuid.New(), walletID, delta, string(reason), ref, now); err != nil {
			return fmt.Errorf("failed to record transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	zap.L().Debug("Applied wallet delta",
		zap.String("wallet_id", walletID.String()),
		zap.Int64("delta", delta),
		zap.String("reason", string(reason)),
		zap.String("ref_id", refID),
		zap.Int64("balance", balance))
	return balance, nil
}

// DebitedAmount is the positive number of points charged under refID by
// GENERATE entries. Refunds use it instead of recomputing a price.
func (l *Ledger) DebitedAmount(ctx context.Context, refID string) (int64, error) {
	var sum int64
	err := l.q().QueryRowContext(ctx, `
		SELECT COALESCE(SUM(delta), 0)
		FROM wallet_transactions
		WHERE ref_id = $1 AND reason = $2
	`, refID, string(models.ReasonGenerate)).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum debits: %w", err)
	}
	return -sum, nil
}

func (l *Ledger) HasRefund(ctx context.Context, refID string) (bool, error) {
	var count int
	err := l.q().QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM wallet_transactions
		WHERE ref_id = $1 AND reason = $2
	`, refID, string(models.ReasonRefund)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check refund: %w", err)
	}
	return count > 0, nil
}

// GrantBonus opens the user's wallet if needed and credits the signup bonus
// once. It reports whether a bonus was granted by this call.
func (l *Ledger) GrantBonus(ctx context.Context, userID uuid.UUID, amount int64) (bool, error) {
	if amount <= 0 {
		return false, nil
	}

	granted := false
	err := l.atomic(ctx, func(bound *Ledger) error {
		w, err := bound.EnsureWallet(ctx, userID)
		if err != nil {
			return err
		}

		var count int
		if err := bound.tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM wallet_transactions WHERE wallet_id = $1 AND reason = $2
		`, w.ID, string(models.ReasonBonus)).Scan(&count); err != nil {
			return fmt.Errorf("failed to check bonus: %w", err)
		}
		if count > 0 {
			return nil
		}

		if _, err := bound.ApplyDelta(ctx, w.ID, amount, models.ReasonBonus, w.ID.String()); err != nil {
			return err
		}
		granted = true
		return nil
	})
	if err != nil {
		// A concurrent first call won the bonus index; our own transaction was
		// rolled back. A caller's transaction is left for the caller to handle.
		if l.tx == nil && database.IsUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	return granted, nil
}

// History lists the user's transactions, newest first.
func (l *Ledger) History(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.WalletTransaction, error) {
	rows, err := l.q().QueryContext(ctx, `
		SELECT t.id, t.wallet_id, t.delta, t.reason, t.ref_id, t.created_at
		FROM wallet_transactions t
		JOIN wallets w ON w.id = t.wallet_id
		WHERE w.user_id = $1
		ORDER BY t.created_at DESC, t.id
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var txs []models.WalletTransaction
	for rows.Next() {
		var t models.WalletTransaction
		var reason string
		if err := rows.Scan(&t.ID, &t.WalletID, &t.Delta, &reason, &t.RefID, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		t.Reason = models.TransactionReason(reason)
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}
	return txs, nil
}

// TransactionsForRef returns every entry correlated to refID, oldest first.
func (l *Ledger) TransactionsForRef(ctx context.Context, refID string) ([]models.WalletTransaction, error) {
	rows, err := l.q().QueryContext(ctx, `
		SELECT id, wallet_id, delta, reason, ref_id, created_at
		FROM wallet_transactions
		WHERE ref_id = $1
		ORDER BY created_at, id
	`, refID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var txs []models.WalletTransaction
	for rows.Next() {
		var t models.WalletTransaction
		var reason string
		if err := rows.Scan(&t.ID, &t.WalletID, &t.Delta, &reason, &t.RefID, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		t.Reason = models.TransactionReason(reason)
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// Reconcile verifies that the stored balance equals the sum of all deltas.
func (l *Ledger) Reconcile(ctx context.Context, walletID uuid.UUID) error {
	var balance, sum int64
	err := l.q().QueryRowContext(ctx, `
		SELECT w.balance, COALESCE((SELECT SUM(t.delta) FROM wallet_transactions t WHERE t.wallet_id = w.id), 0)
		FROM wallets w
		WHERE w.id = $1
	`, walletID).Scan(&balance, &sum)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to reconcile wallet: %w", err)
	}

	if balance != sum {
		zap.L().Error("Wallet balance mismatch",
			zap.String("wallet_id", walletID.String()),
			zap.Int64("balance", balance),
			zap.Int64("transactions_sum", sum),
			zap.Bool("reconciliation", true))
		return fmt.Errorf("%w: wallet %s balance %d, transactions %d", ErrLedgerMismatch, walletID, balance, sum)
	}
	return nil
}

func (l *Ledger) ListWalletIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := l.q().QueryContext(ctx, `SELECT id FROM wallets ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list wallets: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan wallet id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
