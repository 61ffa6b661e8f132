package testutil

import (
	"context"
	"database/sql"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"imagegen-backend/internal/database"
	"imagegen-backend/internal/ledger"
	"imagegen-backend/internal/models"
)

// NewDB opens an in-memory SQLite database with all migrations applied.
// A single connection keeps every query on the same in-memory instance.
func NewDB(t *testing.T) *sql.DB {
	t.Helper()

	ctx := context.Background()
	db, err := database.Open(ctx, "sqlite3", ":memory:", database.Options{MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, database.NewMigrator(db).Run(ctx))
	return db
}

// FundedWallet opens a wallet for userID and credits it with a PURCHASE entry.
func FundedWallet(t *testing.T, l *ledger.Ledger, userID uuid.UUID, amount int64) *models.Wallet {
	t.Helper()

	ctx := context.Background()
	w, err := l.EnsureWallet(ctx, userID)
	require.NoError(t, err)
	if amount > 0 {
		_, err = l.ApplyDelta(ctx, w.ID, amount, models.ReasonPurchase, "seed-"+uuid.NewString())
		require.NoError(t, err)
	}
	w, err = l.GetWallet(ctx, userID)
	require.NoError(t, err)
	return w
}
