package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"go.uber.org/zap"
	"imagegen-backend/internal/config"
	"imagegen-backend/internal/database"
	"imagegen-backend/internal/jobs"
	"imagegen-backend/internal/ledger"
	"imagegen-backend/internal/logging"
	"imagegen-backend/internal/models"
)

type reconcileStats struct {
	wallets          int
	mismatches       int
	failedJobs       int
	missingRefunds   int
	unrefundedPoints int64
}

func checkWallets(ctx context.Context, wallets *ledger.Ledger, logger *zap.Logger, stats *reconcileStats) error {
	ids, err := wallets.ListWalletIDs(ctx)
	if err != nil {
		return err
	}

	for _, id := range ids {
		stats.wallets++
		err := wallets.Reconcile(ctx, id)
		if errors.Is(err, ledger.ErrLedgerMismatch) {
			stats.mismatches++
			fmt.Printf("MISMATCH  %s\n", err)
			continue
		}
		if err != nil {
			logger.Error("Failed to reconcile wallet", zap.String("wallet_id", id.String()), zap.Error(err))
		}
	}
	return nil
}

// checkRefunds finds FAILED jobs whose debit was never returned.
func checkRefunds(ctx context.Context, jobStore *jobs.Store, wallets *ledger.Ledger, limit int, stats *reconcileStats) error {
	failed, err := jobStore.ListByStatus(ctx, models.JobFailed, limit)
	if err != nil {
		return err
	}

	for _, job := range failed {
		stats.failedJobs++
		ref := job.ID.String()
		debited, err := wallets.DebitedAmount(ctx, ref)
		if err != nil {
			return err
		}
		if debited <= 0 {
			continue
		}
		refunded, err := wallets.HasRefund(ctx, ref)
		if err != nil {
			return err
		}
		if !refunded {
			stats.missingRefunds++
			stats.unrefundedPoints += debited
			fmt.Printf("NO REFUND job %s user %s debited %d\n", ref, job.UserID, debited)
		}
	}
	return nil
}

func main() {
	ctx := context.Background()

	limitFlag := flag.Int("limit", 10000, "Maximum number of failed jobs to inspect")
	flag.Parse()

	cfg, err := config.LoadDatabase()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, cleanup := logging.Initialize(cfg.LogLevel, cfg.Environment)
	defer cleanup()

	db, err := database.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL, database.Options{
		MaxOpenConns: 2,
		PingTimeout:  cfg.DBPingTimeout,
	})
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	wallets := ledger.New(db)
	stats := &reconcileStats{}

	if err := checkWallets(ctx, wallets, logger, stats); err != nil {
		logger.Fatal("Wallet check failed", zap.Error(err))
	}
	if err := checkRefunds(ctx, jobs.NewStore(db), wallets, *limitFlag, stats); err != nil {
		logger.Fatal("Refund check failed", zap.Error(err))
	}

	logger.Info("Reconciliation completed",
		zap.Int("wallets", stats.wallets),
		zap.Int("mismatches", stats.mismatches),
		zap.Int("failed_jobs", stats.failedJobs),
		zap.Int("missing_refunds", stats.missingRefunds),
		zap.Int64("unrefunded_points", stats.unrefundedPoints))

	if stats.mismatches > 0 || stats.missingRefunds > 0 {
		cleanup()
		os.Exit(1)
	}
}
