package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"imagegen-backend/internal/cloudinary"
	"imagegen-backend/internal/config"
	"imagegen-backend/internal/database"
	"imagegen-backend/internal/events"
	"imagegen-backend/internal/fal"
	"imagegen-backend/internal/handlers"
	"imagegen-backend/internal/jobs"
	"imagegen-backend/internal/ledger"
	"imagegen-backend/internal/logging"
	"imagegen-backend/internal/middleware"
	"imagegen-backend/internal/orders"
	"imagegen-backend/internal/pricing"
	"imagegen-backend/internal/robokassa"
	"imagegen-backend/internal/router"
	"imagegen-backend/internal/services"
	"imagegen-backend/internal/supabase"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, cleanup := logging.Initialize(cfg.LogLevel, cfg.Environment)
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL, database.Options{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLife,
		PingTimeout:     cfg.DBPingTimeout,
	})
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if cfg.RunMigrations {
		if err := database.NewMigrator(db).Run(ctx); err != nil {
			logger.Fatal("Migration failed", zap.Error(err))
		}
		logger.Info("Migrations completed successfully")
	}

	policy, err := pricing.Load(cfg.PricingFile)
	if err != nil {
		logger.Fatal("Failed to load pricing", zap.Error(err))
	}

	// Stores
	wallets := ledger.New(db)
	jobStore := jobs.NewStore(db)
	eventStore := events.NewStore(db)
	orderStore := orders.NewStore(db)

	// External clients
	falClient := fal.NewClient(cfg.FalQueueURL, cfg.FalAPIKey, cfg.FalModel, cfg.FalEditModel, cfg.FalTimeout)
	robokassaClient := robokassa.NewClient(cfg.RobokassaMerchantLogin, cfg.RobokassaPassword1, cfg.RobokassaPassword2, cfg.RobokassaTestMode)

	assetStore, err := newAssetStore(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize asset store", zap.Error(err))
	}

	var notifier services.Notifier = services.NoopNotifier{}
	if cfg.SupabaseURL != "" && cfg.SupabasePublishableKey != "" {
		supabaseClient, err := supabase.NewClient(cfg.SupabaseURL, cfg.SupabasePublishableKey)
		if err != nil {
			logger.Fatal("Failed to initialize Supabase client", zap.Error(err))
		}
		notifier = supabase.NewRealtimeClient(supabaseClient.Supabase, cfg.SupabaseEventsTable)
	} else {
		logger.Warn("Supabase not configured, realtime job events disabled")
	}

	// Services
	generationService := services.NewGenerationService(db, wallets, jobStore, policy, falClient, notifier, services.GenerationConfig{
		MaxActiveJobs: cfg.MaxActiveJobs,
		WebhookURL:    cfg.WebhookURL(),
	})
	completionService := services.NewCompletionService(db, wallets, jobStore, eventStore, assetStore, notifier, cfg.FalWebhookSecret)
	paymentService := services.NewPaymentService(db, wallets, orderStore, eventStore, robokassaClient, cfg.PointPrice)
	walletService := services.NewWalletService(wallets, cfg.SignupBonusPoints)

	limiter := middleware.NewRateLimiter(rate.Limit(cfg.GenerateRateLimit), cfg.GenerateBurst)
	go limiter.Cleanup(ctx)

	r := router.Setup(cfg, router.Handlers{
		Health:      handlers.NewHealthHandler(db),
		Generations: handlers.NewGenerationsHandler(generationService, jobStore),
		Wallet:      handlers.NewWalletHandler(walletService),
		Payments:    handlers.NewPaymentsHandler(paymentService),
		Webhook:     handlers.NewWebhookHandler(completionService),
	}, limiter)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Server starting", zap.String("port", cfg.Port), zap.String("webhook_url", cfg.WebhookURL()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", zap.Error(err))
	}
}

func newAssetStore(cfg *config.Config) (services.AssetStore, error) {
	if cfg.AssetStore == "cloudinary" {
		return cloudinary.NewAssetStore(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret)
	}
	return supabase.NewStorageClient(cfg.SupabaseURL, cfg.SupabasePublishableKey, cfg.SupabaseStorageBucket)
}
