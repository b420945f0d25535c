package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/medflow/pharmacy-ledger/internal/pharmacy/consumers"
	"github.com/medflow/pharmacy-ledger/internal/pharmacy/events"
	"github.com/medflow/pharmacy-ledger/internal/pharmacy/handler"
	"github.com/medflow/pharmacy-ledger/internal/pharmacy/schema"
	"github.com/medflow/pharmacy-ledger/internal/pharmacy/service"
	"github.com/medflow/pharmacy-ledger/pkg/actor"
	"github.com/medflow/pharmacy-ledger/pkg/clock"
	"github.com/medflow/pharmacy-ledger/pkg/config"
	"github.com/medflow/pharmacy-ledger/pkg/database"
	"github.com/medflow/pharmacy-ledger/pkg/httputil"
	"github.com/medflow/pharmacy-ledger/pkg/logger"
	"github.com/medflow/pharmacy-ledger/pkg/messaging"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Load configuration with validation (fails fast in production if required config is missing)
	cfg, err := config.LoadWithValidation()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(config.ServiceName, cfg.Server.Environment)
	log.Info().Msg("starting Pharmacy Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to database
	db, err := database.New(&cfg.Database, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		if err := schema.Apply(ctx, db.DB); err != nil {
			log.Fatal().Err(err).Msg("failed to apply schema")
		}
		log.Info().Msg("schema applied")
	}

	// Claims back low stock throttling and receipt deduplication. Redis
	// shares them across instances; the in-memory fallback is per process.
	var claims events.Claimer = events.NewMemoryClaimer()
	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("failed to connect to Redis")
		}
		defer rdb.Close()
		claims = events.NewRedisClaimer(rdb, "")
	}

	// Connect to RabbitMQ
	var rmq *messaging.RabbitMQ
	publisher := events.NewPublisherWith(nil, claims, cfg.Ledger.LowStockCooldown, log)
	if cfg.RabbitMQ.Enabled {
		rmq, err = connectRabbitMQ(ctx, &cfg.RabbitMQ, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to RabbitMQ")
		}
		defer rmq.Close()

		if err := rmq.DeclareDeadLetterQueue(config.ServiceName); err != nil {
			log.Fatal().Err(err).Msg("failed to declare dead letter queue")
		}

		publisher, err = events.NewPharmacyEventPublisher(rmq, claims, cfg.Ledger.LowStockCooldown, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create event publisher")
		}
	} else {
		log.Warn().Msg("RabbitMQ disabled, events will not be published")
	}

	// Initialize services
	svc := service.NewServices(db, publisher, claims, clock.Real{}, service.Options{
		Ledger: service.LedgerOptions{
			MaxRetries: cfg.Ledger.MaxRetries,
			RetryDelay: cfg.Ledger.RetryDelay,
		},
		ExpiringWindowDays: cfg.Ledger.ExpiringWindowDays,
		ExpiryScanInterval: cfg.Ledger.ExpiryScanInterval,
	}, log)

	// Start goods receipt consumer
	if rmq != nil {
		receiptConsumer, err := consumers.NewReceiptConsumer(rmq, cfg.RabbitMQ.ReceiptQueue, svc.Ledger, claims, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create receipt consumer")
		}
		if err := receiptConsumer.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to start receipt consumer")
		}
	}

	// Start expiry sweeper
	svc.Sweeper.Start(ctx)

	// Create router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RealIP)
	r.Use(httputil.RequestID)
	r.Use(httputil.Logger(log))
	r.Use(httputil.Recoverer(log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID", actor.HeaderUserID, actor.HeaderUserName, actor.HeaderUserRole},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status := map[string]interface{}{
			"status":   "healthy",
			"service":  config.ServiceName,
			"database": db.Health(r.Context()),
		}
		if rmq != nil {
			status["rabbitmq"] = rmq.Health()
		}
		if rdb != nil {
			redisStatus := "healthy"
			if err := rdb.Ping(r.Context()).Err(); err != nil {
				redisStatus = "unhealthy: " + err.Error()
			}
			status["redis"] = redisStatus
		}
		httputil.JSON(w, http.StatusOK, status)
	})

	// API routes
	handler.Mount(r, svc, log)

	// Create server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server
	go func() {
		log.Info().Str("addr", addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	// Stop background work before closing connections
	svc.Sweeper.Stop()
	cancel()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

// connectRabbitMQ retries the initial connection so the service can start
// alongside its broker.
func connectRabbitMQ(ctx context.Context, cfg *config.RabbitMQConfig, log *logger.Logger) (*messaging.RabbitMQ, error) {
	attempts := cfg.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		rmq, err := messaging.New(cfg, log)
		if err == nil {
			return rmq, nil
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", i+1).Msg("RabbitMQ connection attempt failed")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cfg.ReconnectDelay):
		}
	}

	return nil, fmt.Errorf("failed to connect after %d attempts: %w", attempts, lastErr)
}
