package main // Entry point package

import (
	"log" // Logging before the structured logger exists
	"os"
	"time"

	"github.com/joho/godotenv" // Load .env (dev/local)
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/quizforge/billing/internal/cache"
	"github.com/quizforge/billing/internal/checkout"
	"github.com/quizforge/billing/internal/config"
	"github.com/quizforge/billing/internal/database"
	"github.com/quizforge/billing/internal/handler"
	"github.com/quizforge/billing/internal/jobs"
	"github.com/quizforge/billing/internal/ledger"
	"github.com/quizforge/billing/internal/metrics"
	"github.com/quizforge/billing/internal/provider"
	"github.com/quizforge/billing/internal/queue"
	"github.com/quizforge/billing/internal/reconcile"
	"github.com/quizforge/billing/internal/refund"
	"github.com/quizforge/billing/internal/repository"
	"github.com/quizforge/billing/internal/router"
	queue_publisher "github.com/quizforge/billing/internal/service"
	"github.com/quizforge/billing/internal/webhook"
)

func main() {
	// Load .env if present (ignore error in dev/local)
	if err := godotenv.Load(); err != nil { // Try to load .env
		log.Println("info: .env not found; using defaults/env") // Non-fatal notice
	}

	cfg := config.Load()
	ledgerCfg := config.LoadLedgerConfig()
	billingCfg := config.LoadBillingConfig()

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "billing").Logger()

	db, err := database.Open(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}

	registry := prometheus.NewRegistry()
	sink := metrics.NewPrometheus(registry)

	store := ledger.NewMySQLStore(db)
	svc := ledger.NewService(store, ledgerCfg, logger, sink)
	svc.Events = &queue_publisher.LedgerEvents{Metrics: sink}

	// Redis is optional; a nil client disables the balance cache.
	if redisClient := config.NewRedisClient(); redisClient != nil {
		svc.Cache = cache.New(redisClient, 30*time.Second, logger)
	} else {
		logger.Warn().Msg("redis unavailable; balance cache disabled")
	}

	provider.Init(cfg.ProviderKey)
	stripeClient := provider.NewStripeClient()

	catalog := checkout.NewCatalog(repository.NewProductPackRepo(db), billingCfg)
	validator := checkout.NewValidator(catalog, billingCfg.StrictAmountValidation)
	policy := refund.NewEngine(billingCfg.RefundPolicy, store)

	processor := webhook.NewProcessor(cfg.WebhookSecret, store, svc, validator, policy, stripeClient, logger, sink)

	checkoutSvc := &checkout.Service{
		Provider:   stripeClient,
		Catalog:    catalog,
		Payments:   repository.NewPaymentRepo(db),
		SuccessURL: os.Getenv("CHECKOUT_SUCCESS_URL"),
		CancelURL:  os.Getenv("CHECKOUT_CANCEL_URL"),
		Log:        logger,
	}

	scheduler, err := jobs.Start(ledgerCfg, svc, reconcile.New(store, logger, sink), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("starting background jobs failed")
	}
	defer scheduler.Stop()

	// Audit consumer runs for the life of the process; reconnects internally.
	go func() {
		if cerr := queue.StartLedgerConsumer(); cerr != nil {
			logger.Warn().Err(cerr).Msg("ledger consumer stopped")
		}
	}()

	e := echo.New()
	e.HideBanner = true
	router.RegisterRoutes(e,
		handler.NewWebhookHandler(processor, logger),
		handler.NewCheckoutHandler(checkoutSvc, logger),
		registry)

	addr := ":" + cfg.Port
	logger.Info().Str("addr", addr).Str("env", cfg.Env).Str("refund_policy", billingCfg.RefundPolicy).
		Msg("listening")

	if err := e.Start(addr); err != nil { // Start HTTP server
		logger.Fatal().Err(err).Msg("server stopped")
	}
}
