package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/boddenberg/wa-commerce-go/internal/config"
	"github.com/boddenberg/wa-commerce-go/internal/domain"
	"github.com/boddenberg/wa-commerce-go/internal/handler"
	"github.com/boddenberg/wa-commerce-go/internal/infra/cache"
	"github.com/boddenberg/wa-commerce-go/internal/infra/client"
	"github.com/boddenberg/wa-commerce-go/internal/infra/events"
	"github.com/boddenberg/wa-commerce-go/internal/infra/observability"
	"github.com/boddenberg/wa-commerce-go/internal/infra/resilience"
	"github.com/boddenberg/wa-commerce-go/internal/infra/sqlstore"
	"github.com/boddenberg/wa-commerce-go/internal/interpreter"
	"github.com/boddenberg/wa-commerce-go/internal/port"
	"github.com/boddenberg/wa-commerce-go/internal/service"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	// --- Load .env file (for local development) ---
	_ = config.LoadDotEnv(".env")

	// --- Config ---
	cfg := config.Load()

	// --- Logger ---
	logger := observability.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}
	orderLoc, _ := cfg.OrderLocation()

	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.String("database_driver", cfg.DatabaseDriver),
		zap.Duration("http_timeout", cfg.HTTPTimeout),
		zap.Duration("cache_ttl", cfg.CacheTTL),
		zap.Duration("conversation_ttl", cfg.ConversationTTL),
		zap.Int("history_limit", cfg.HistoryLimit),
		zap.String("order_timezone", cfg.OrderTimezone),
		zap.Bool("payments", cfg.PaymentsConfigured()),
		zap.Bool("redis_dedupe", cfg.RedisAddr != ""),
		zap.Int("kafka_brokers", len(cfg.KafkaBrokers)),
	)

	ctx := context.Background()

	// --- Tracing ---
	shutdownTracer, err := observability.InitTracer(ctx, "wa-commerce", cfg.OTLPEndpoint)
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdownTracer(context.Background())

	// --- Metrics ---
	metrics := observability.NewMetrics()

	// --- Database ---
	store, err := sqlstore.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL, logger, sqlstore.WithOrderLocation(orderLoc))
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	defer store.Close()

	checks := []handler.HealthCheck{{Name: "database", Critical: true, Ping: store.Ping}}

	// --- Webhook dedupe ---
	var deduper port.Deduper
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		rd := cache.NewRedisDeduper(rdb, "wa:dedupe:", cfg.DedupeTTL, logger)
		defer rd.Close()
		deduper = rd
		checks = append(checks, handler.HealthCheck{Name: "redis", Ping: rd.Ping})
	} else {
		md := cache.NewMemoryDeduper(cfg.DedupeTTL)
		defer md.Close()
		deduper = md
	}

	// --- Resilience ---
	resilienceCfg := resilience.Config{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxConcurrency: cfg.MaxConcurrency,
	}

	// --- Clients ---
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	whatsapp := client.NewWhatsAppClient(httpClient, cfg.WhatsAppAPIURL, cfg.WhatsAppAccessToken,
		resilience.NewCircuitBreaker("whatsapp", logger), resilienceCfg, logger)

	var payments port.PaymentLinkCreator
	if cfg.PaymentsConfigured() {
		payments = client.NewPaymentClient(&http.Client{Timeout: cfg.PaymentTimeout}, cfg.PaymentAPIURL,
			cfg.PaymentKeyID, cfg.PaymentKeySecret, resilience.NewCircuitBreaker("payments", logger), resilienceCfg, logger)
	} else {
		logger.Warn("payment links disabled, orders fall back to cash on delivery")
	}

	// --- Interpreter ---
	chatModel, err := interpreter.NewOpenAIModel(ctx, cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel, cfg.LLMTimeout)
	if err != nil {
		logger.Fatal("failed to create chat model", zap.Error(err))
	}
	prompt, err := interpreter.LoadPrompt(cfg.PromptPath)
	if err != nil {
		logger.Fatal("failed to load prompt", zap.Error(err))
	}
	interp, err := interpreter.New(chatModel, prompt, cfg.LLMTimeout, metrics, logger)
	if err != nil {
		logger.Fatal("failed to build interpreter", zap.Error(err))
	}

	// --- Domain events ---
	var publisher port.EventPublisher = events.NoopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
	}

	// --- Services ---
	conversations := service.NewConversationService(store, cfg.ConversationTTL, logger)
	catalogCache := cache.New[*domain.CatalogSnapshot](cfg.CacheTTL)
	defer catalogCache.Close()
	catalog := service.NewCatalogService(store, catalogCache, metrics, logger)
	orders := service.NewOrderService(store, publisher, metrics, logger)

	commerce := service.NewCommerce(service.CommerceDeps{
		Conversations: conversations,
		Catalog:       catalog,
		Orders:        orders,
		Messages:      store,
		Sender:        whatsapp,
		Payments:      payments,
		Notifier:      whatsapp,
		Metrics:       metrics,
		Logger:        logger,
	})
	paymentSvc := service.NewPaymentService(orders, store, conversations, store, whatsapp, metrics, logger)

	processor := service.NewInboundProcessor(service.InboundDeps{
		Tenants:       store,
		Messages:      store,
		Catalog:       catalog,
		Conversations: conversations,
		Interpreter:   interp,
		Commerce:      commerce,
		Sender:        whatsapp,
		Deduper:       deduper,
		Bulkhead:      resilience.NewBulkhead(cfg.MaxConcurrency),
		HistoryLimit:  cfg.HistoryLimit,
		TurnTimeout:   2*cfg.LLMTimeout + 4*cfg.HTTPTimeout,
		Metrics:       metrics,
		Logger:        logger,
	})

	// --- Router ---
	limiter := handler.NewRateLimiter(cfg.WebhookRPS, cfg.WebhookBurst, logger)
	defer limiter.Close()

	router := handler.NewRouter(handler.RouterDeps{
		Dispatcher:    processor,
		Payments:      paymentSvc,
		Conversations: conversations,
		Checks:        checks,
		Metrics:       metrics,
		Limiter:       limiter,
		VerifyToken:   cfg.WhatsAppVerifyToken,
		AppSecret:     cfg.WhatsAppAppSecret,
		JWTSecret:     cfg.ServiceJWTSecret,
		Logger:        logger,
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// --- Graceful shutdown ---
	go func() {
		logger.Info("server starting", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("server shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced shutdown", zap.Error(err))
	}
	// in-flight turns were accepted with a 200; let them finish
	if err := processor.Wait(shutdownCtx); err != nil {
		logger.Warn("in-flight turns abandoned", zap.Error(err))
	}
	if err := publisher.Close(); err != nil {
		logger.Warn("event publisher close failed", zap.Error(err))
	}

	logger.Info("server stopped")
}
