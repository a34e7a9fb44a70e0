// FlowCatalyst Message Router
//
// Consumes message pointers from source queues and delivers them to their
// HTTP targets through per-group FIFO processing pools.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.flowcatalyst.tech/dispatch/internal/common/health"
	"go.flowcatalyst.tech/dispatch/internal/common/lifecycle"
	"go.flowcatalyst.tech/dispatch/internal/common/secrets"
	"go.flowcatalyst.tech/dispatch/internal/config"
	"go.flowcatalyst.tech/dispatch/internal/queue"
	natsqueue "go.flowcatalyst.tech/dispatch/internal/queue/nats"
	sqsqueue "go.flowcatalyst.tech/dispatch/internal/queue/sqs"
	"go.flowcatalyst.tech/dispatch/internal/router/api"
	"go.flowcatalyst.tech/dispatch/internal/router/manager"
	"go.flowcatalyst.tech/dispatch/internal/router/mediator"
	"go.flowcatalyst.tech/dispatch/internal/router/warning"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	setupLogging()

	slog.Info("Starting FlowCatalyst Message Router",
		"version", version,
		"build_time", buildTime,
		"component", "router")

	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	if !cfg.MessageRouter.Enabled {
		slog.Error("Message router is disabled by configuration (MESSAGE_ROUTER_ENABLED=false)")
		os.Exit(1)
	}
	if len(cfg.MessageRouter.Queues) == 0 {
		slog.Error("No source queues configured")
		os.Exit(1)
	}

	// Secrets (webhook signing)
	secretsProvider, err := secrets.NewProvider(ctx, &cfg.Secrets)
	if err != nil {
		slog.Error("Failed to initialize secrets provider", "error", err)
		os.Exit(1)
	}

	mediatorCfg := &mediator.Config{
		ConnectTimeout:          cfg.Mediator.ConnectTimeout,
		RequestTimeout:          cfg.Mediator.RequestTimeout,
		CircuitBreakerThreshold: cfg.Mediator.CircuitBreaker.Threshold,
		CircuitBreakerCooldown:  cfg.Mediator.CircuitBreaker.Cooldown,
	}
	if key := cfg.Mediator.SigningSecretKey; key != "" {
		secret, err := secretsProvider.Get(ctx, key)
		if err != nil {
			slog.Error("Failed to resolve signing secret", "key", key, "error", err)
			os.Exit(1)
		}
		mediatorCfg.SigningSecret = secret
		slog.Info("Webhook signing enabled", "provider", secretsProvider.Name())
	}

	// Core wiring
	warningService := warning.NewInMemoryService()
	queueManager := manager.NewQueueManager(mediator.NewHTTPMediator(mediatorCfg), &cfg.MessageRouter).
		WithWarningService(warningService)
	messageRouter := manager.NewRouter(queueManager)

	healthChecker := health.NewChecker()

	var embedded *natsqueue.EmbeddedServer
	for _, qc := range cfg.MessageRouter.Queues {
		spec, check, emb, err := buildConsumerSpec(ctx, cfg, qc)
		if err != nil {
			slog.Error("Failed to set up source queue", "queue", qc.URI, "error", err)
			os.Exit(1)
		}
		if emb != nil {
			embedded = emb
		}
		if check != nil {
			healthChecker.AddReadinessCheck(check)
		}
		if err := messageRouter.AddConsumer(ctx, spec); err != nil {
			slog.Error("Failed to create consumer", "queue", qc.URI, "error", err)
			os.Exit(1)
		}
	}
	if embedded != nil {
		defer embedded.Shutdown()
	}

	routerService := manager.NewRouterService(messageRouter)

	// HTTP surface
	httpRouter := setupHTTPRouter(cfg, healthChecker, messageRouter, warningService)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      httpRouter,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("Router ready",
		"port", cfg.HTTP.Port,
		"queues", len(cfg.MessageRouter.Queues),
		"pools", len(cfg.MessageRouter.Pools))

	services := []lifecycle.Service{
		lifecycle.NewHTTPService("http-server", httpServer),
		routerService,
	}
	if err := lifecycle.Run(ctx, services...); err != nil {
		slog.Error("Service error", "error", err)
		os.Exit(1)
	}

	slog.Info("FlowCatalyst Message Router stopped")
}

func setupLogging() {
	logLevel := slog.LevelInfo
	if os.Getenv("FLOWCATALYST_DEV") == "true" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// buildConsumerSpec resolves one configured queue into a consumer spec, a
// readiness check, and (for embedded mode) the server to shut down.
func buildConsumerSpec(ctx context.Context, cfg *config.Config, qc config.QueueConfig) (queue.ConsumerSpec, health.CheckFunc, *natsqueue.EmbeddedServer, error) {
	switch qc.Type {
	case "sqs":
		sqsClient, err := sqsqueue.NewClient(ctx, &sqsqueue.Config{
			QueueURL:            qc.URI,
			Region:              qc.Region,
			VisibilityTimeout:   int32(qc.VisibilityTimeoutSec),
			MaxNumberOfMessages: int32(qc.BatchSize),
		})
		if err != nil {
			return queue.ConsumerSpec{}, nil, nil, fmt.Errorf("failed to create SQS client: %w", err)
		}

		check := health.SQSCheck(func() error {
			checkCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return sqsClient.HealthCheck(checkCtx)
		})

		spec := queue.ConsumerSpec{
			QueueIdentifier: qc.URI,
			Factory: func(context.Context) (queue.Consumer, error) {
				return sqsClient.NewConsumer("router-consumer"), nil
			},
		}
		return spec, check, nil, nil

	case "nats":
		natsClient, err := natsqueue.NewClient(ctx, &natsqueue.Config{URL: qc.URI})
		if err != nil {
			return queue.ConsumerSpec{}, nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}

		check := health.NATSCheck(natsClient.IsConnected)
		spec := queue.ConsumerSpec{
			QueueIdentifier: qc.URI,
			Factory: func(fctx context.Context) (queue.Consumer, error) {
				return natsClient.NewConsumer(fctx)
			},
		}
		return spec, check, nil, nil

	case "embedded":
		embedded, err := natsqueue.StartEmbedded(ctx, &natsqueue.EmbeddedConfig{
			DataDir: cfg.DataDir + "/nats",
		})
		if err != nil {
			return queue.ConsumerSpec{}, nil, nil, fmt.Errorf("failed to start embedded NATS: %w", err)
		}

		check := health.NATSCheck(embedded.Client().IsConnected)
		spec := queue.ConsumerSpec{
			QueueIdentifier: "embedded-nats",
			Factory: func(fctx context.Context) (queue.Consumer, error) {
				return embedded.Client().NewConsumer(fctx)
			},
		}
		return spec, check, embedded, nil

	default:
		return queue.ConsumerSpec{}, nil, nil, errors.New("unknown queue type: " + qc.Type)
	}
}

func setupHTTPRouter(cfg *config.Config, healthChecker *health.Checker, messageRouter *manager.Router, warningService *warning.InMemoryService) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.HTTP.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE"},
	}))

	r.Get("/q/health", healthChecker.HandleHealth)
	r.Get("/q/health/live", healthChecker.HandleLive)
	r.Get("/q/health/ready", healthChecker.HandleReady)

	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/q/metrics", promhttp.Handler())

	api.NewMonitoringHandler(messageRouter, nil).RegisterRoutes(r)
	warning.NewHandler(warningService).RegisterRoutes(r)

	return r
}
