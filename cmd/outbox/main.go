// FlowCatalyst Outbox Processor
//
// Polls outbox tables for pending items and delivers them to the platform
// batch APIs, FIFO per message group, under a single-leader lease.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go.flowcatalyst.tech/dispatch/internal/common/health"
	"go.flowcatalyst.tech/dispatch/internal/common/leader"
	"go.flowcatalyst.tech/dispatch/internal/common/lifecycle"
	"go.flowcatalyst.tech/dispatch/internal/common/secrets"
	"go.flowcatalyst.tech/dispatch/internal/config"
	"go.flowcatalyst.tech/dispatch/internal/outbox"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("FLOWCATALYST_DEV") == "true" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("Starting FlowCatalyst Outbox Processor",
		"version", version,
		"build_time", buildTime,
		"component", "outbox")

	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	healthChecker := health.NewChecker()

	// MongoDB: outbox storage and the mongo leader lease.
	slog.Info("Connecting to MongoDB", "database", cfg.MongoDB.Database)
	mongoClient, err := mongo.Connect(ctx, options.Client().
		ApplyURI(cfg.MongoDB.URI).
		SetConnectTimeout(10*time.Second).
		SetServerSelectionTimeout(10*time.Second))
	if err != nil {
		slog.Error("Failed to connect to MongoDB", "error", err)
		os.Exit(1)
	}
	defer mongoClient.Disconnect(context.Background())

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = mongoClient.Ping(pingCtx, nil)
	cancel()
	if err != nil {
		slog.Error("Failed to ping MongoDB", "error", err)
		os.Exit(1)
	}

	healthChecker.AddReadinessCheck(health.MongoDBCheck(func() error {
		checkCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return mongoClient.Ping(checkCtx, nil)
	}))

	db := mongoClient.Database(cfg.MongoDB.Database)

	repo := outbox.NewMongoRepository(db, outbox.DefaultRepositoryConfig())
	if err := repo.CreateSchema(ctx); err != nil {
		slog.Error("Failed to create outbox schema", "error", err)
		os.Exit(1)
	}

	// Secrets (API token)
	secretsProvider, err := secrets.NewProvider(ctx, &cfg.Secrets)
	if err != nil {
		slog.Error("Failed to initialize secrets provider", "error", err)
		os.Exit(1)
	}
	apiToken := ""
	if key := cfg.Outbox.APITokenKey; key != "" {
		apiToken, err = secretsProvider.Get(ctx, key)
		if err != nil {
			slog.Error("Failed to resolve API token", "key", key, "error", err)
			os.Exit(1)
		}
	}

	apiClient := outbox.NewAPIClient(&outbox.APIClientConfig{
		BaseURL:   cfg.Outbox.APIBaseURL,
		AuthToken: apiToken,
	})

	processorConfig := &outbox.ProcessorConfig{
		Enabled:             cfg.Outbox.Enabled,
		PollInterval:        cfg.Outbox.PollInterval,
		PollBatchSize:       cfg.Outbox.PollBatchSize,
		APIBatchSize:        cfg.Outbox.APIBatchSize,
		MaxConcurrentGroups: cfg.Outbox.MaxConcurrentGroups,
		BufferSize:          cfg.Outbox.BufferSize,
		MaxRetries:          cfg.Outbox.MaxRetries,
		RecoveryInterval:    cfg.Outbox.RecoveryInterval,
		RecoveryTimeoutSec:  cfg.Outbox.RecoveryTimeoutSec,
	}

	processor := outbox.NewProcessor(repo, apiClient, processorConfig)

	if cfg.Leader.Enabled {
		elector, err := buildElector(cfg, db)
		if err != nil {
			slog.Error("Failed to set up leader election", "error", err)
			os.Exit(1)
		}
		processor.WithLeaderElector(elector)
	}

	// HTTP surface: health, metrics and the processor status.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/q/health", healthChecker.HandleHealth)
	r.Get("/q/health/live", healthChecker.HandleLive)
	r.Get("/q/health/ready", healthChecker.HandleReady)
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/q/metrics", promhttp.Handler())

	r.Get("/monitoring/status", func(w http.ResponseWriter, req *http.Request) {
		stats := processor.GetStats()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"initialized": true,
			"consumers":   []interface{}{},
			"outbox": map[string]interface{}{
				"isLeader":    stats.IsLeader,
				"bufferDepth": stats.BufferDepth,
				"inFlight":    stats.InFlight,
			},
		})
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	processorService := &lifecycle.ServiceFunc{
		ServiceName: "outbox-processor",
		StartFunc: func(ctx context.Context) error {
			processor.Start()
			<-ctx.Done()
			return nil
		},
		StopFunc: func(context.Context) error {
			processor.Stop()
			return nil
		},
	}

	slog.Info("Outbox processor ready",
		"port", cfg.HTTP.Port,
		"apiBaseURL", cfg.Outbox.APIBaseURL,
		"pollInterval", cfg.Outbox.PollInterval,
		"leaderElection", cfg.Leader.Enabled)

	services := []lifecycle.Service{
		lifecycle.NewHTTPService("http-server", httpServer),
		processorService,
	}
	if err := lifecycle.Run(ctx, services...); err != nil {
		slog.Error("Service error", "error", err)
		os.Exit(1)
	}

	slog.Info("FlowCatalyst Outbox Processor stopped")
}

// buildElector selects the leader election backend.
func buildElector(cfg *config.Config, db *mongo.Database) (outbox.LeaderElector, error) {
	electorCfg := &leader.Config{
		InstanceID:      cfg.Leader.InstanceID,
		LockName:        "flowcatalyst:outbox:leader",
		TTL:             cfg.Leader.TTL,
		RefreshInterval: cfg.Leader.RefreshInterval,
	}

	switch cfg.Leader.Backend {
	case "redis":
		if cfg.Redis.URL == "" {
			return nil, fmt.Errorf("leader backend is redis but REDIS_URL is empty")
		}
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis URL: %w", err)
		}
		return leader.NewRedisElector(redis.NewClient(opts), electorCfg), nil
	case "mongo", "":
		return leader.NewMongoElector(db, electorCfg), nil
	default:
		return nil, fmt.Errorf("unknown leader backend: %s", cfg.Leader.Backend)
	}
}
