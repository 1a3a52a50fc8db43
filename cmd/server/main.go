package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/whisprapp/wallet/internal/clock"
	"github.com/whisprapp/wallet/internal/config"
	"github.com/whisprapp/wallet/internal/database"
	"github.com/whisprapp/wallet/internal/metrics"
	mW "github.com/whisprapp/wallet/internal/middleware"
	"github.com/whisprapp/wallet/internal/notify"
	"github.com/whisprapp/wallet/internal/payments"
	"github.com/whisprapp/wallet/internal/services"
)

// @title Wallet Ledger API
// @version 1.0
// @description Wallet ledger engine for the messaging platform: deposits, gifts, subscriptions, withdrawals
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()
	viper.ReadInConfig()

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")

	viper.BindEnv("providers.cinetpay.base_url", "CINETPAY_BASE_URL")
	viper.BindEnv("providers.cinetpay.api_key", "CINETPAY_API_KEY")
	viper.BindEnv("providers.cinetpay.webhook_secret", "CINETPAY_WEBHOOK_SECRET")
	viper.BindEnv("providers.ligos.base_url", "LIGOS_BASE_URL")
	viper.BindEnv("providers.ligos.api_key", "LIGOS_API_KEY")
	viper.BindEnv("providers.ligos.webhook_secret", "LIGOS_WEBHOOK_SECRET")

	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	walletCfg := config.LoadWalletConfig()
	m := metrics.New()
	notifier := notify.NewQueueNotifier(redisClient)

	providerRegistry := payments.NewRegistry(
		payments.NewRESTProvider("cinetpay",
			viper.GetString("providers.cinetpay.base_url"),
			viper.GetString("providers.cinetpay.api_key"),
			viper.GetString("providers.cinetpay.webhook_secret")),
		payments.NewRESTProvider("ligos",
			viper.GetString("providers.ligos.base_url"),
			viper.GetString("providers.ligos.api_key"),
			viper.GetString("providers.ligos.webhook_secret")),
	)

	ledgerService := services.NewLedgerService(db, walletCfg, m, notifier)
	depositService := services.NewDepositService(db, ledgerService, providerRegistry, redisClient, walletCfg, m, notifier)
	giftService := services.NewGiftService(db, ledgerService, walletCfg, notifier)
	subscriptionService := services.NewSubscriptionService(db, ledgerService, walletCfg, clock.RealClock{}, m, notifier)
	withdrawalService := services.NewWithdrawalService(db, ledgerService, providerRegistry, walletCfg, notifier)
	walletService := services.NewWalletService(db, ledgerService, depositService, walletCfg)

	// The fee account must exist before the first gift or withdrawal fee leg.
	if err := walletService.EnsureSystemAccount(context.Background(), walletCfg.FeeAccountID); err != nil {
		log.Fatalf("Failed to provision fee account %s: %v", walletCfg.FeeAccountID, err)
	}

	// Setup router
	r := chi.NewRouter()

	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	r.Handle("/metrics", promhttp.Handler())

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	// Provider callbacks are signature-verified, not JWT-authenticated.
	r.Post("/webhooks/payments/{provider}", depositService.HandleCallback)

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Get("/wallet/balance", walletService.GetWalletBalance)
			r.Get("/wallet/entries", walletService.ListWalletEntries)

			r.Post("/deposits", depositService.CreateDeposit)
			r.Get("/deposits/{reference}", depositService.GetDeposit)
			r.Get("/deposits/{reference}/qr", walletService.DepositQR)

			r.Post("/gifts", giftService.CreateGift)
			r.Post("/subscriptions", subscriptionService.CreateSubscription)
			r.Post("/withdrawals", withdrawalService.CreateWithdrawal)
		})

		r.Group(func(r chi.Router) {
			r.Use(mW.AdminMiddleware)

			r.Post("/admin/subscriptions/scan", subscriptionService.ScanSubscriptions)
			r.Post("/admin/ledger/verify", walletService.VerifyLedgerHandler)
			r.Post("/admin/withdrawals/{id}/{action}", withdrawalService.TransitionWithdrawal)
		})
	})

	// Scheduler loop: subscription scan plus reconciliation of stale pending
	// deposits. The core stays a plain callable; this is just the timer.
	schedulerCtx, stopScheduler := context.WithCancel(context.Background())
	defer stopScheduler()
	go func() {
		ticker := time.NewTicker(walletCfg.ScanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-schedulerCtx.Done():
				return
			case <-ticker.C:
				if _, err := subscriptionService.RunSubscriptionScan(schedulerCtx); err != nil {
					log.Printf("Subscription scan failed: %v", err)
				}
				if n := depositService.RetryPendingDeposits(schedulerCtx, 30*time.Minute); n > 0 {
					log.Printf("Reconciled %d stale pending deposits", n)
				}
				if _, err := ledgerService.VerifyLedger(schedulerCtx); err != nil {
					log.Printf("Ledger audit failed: %v", err)
				}
			}
		}
	}()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	stopScheduler()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
