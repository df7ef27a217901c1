package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // Postgres driver for the lease backend
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/aisha/backend/internal/budget"
	"github.com/aisha/backend/internal/care"
	"github.com/aisha/backend/internal/circuitbreaker"
	"github.com/aisha/backend/internal/config"
	"github.com/aisha/backend/internal/llm"
	"github.com/aisha/backend/internal/registry"
	"github.com/aisha/backend/internal/store"
	"github.com/aisha/backend/internal/suggest"
	"github.com/aisha/backend/internal/tenantcfg"
	"github.com/aisha/backend/internal/trigger"
	"github.com/aisha/backend/internal/webhook"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.Load(os.Getenv("CARE_CONFIG_FILE"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if !cfg.Autonomy.Enabled {
		logger.Warn("autonomy disabled, worker will not start (set CARE_AUTONOMY_ENABLED=true)")
	}

	windows := store.DefaultScanWindows()
	if cfg.Engine.LeadStagnantDays > 0 {
		windows.LeadStagnantDays = cfg.Engine.LeadStagnantDays
	}
	if cfg.Engine.DealDecayDays > 0 {
		windows.DealDecayDays = cfg.Engine.DealDecayDays
	}

	supa, err := store.NewSupabaseClient(windows)
	if err != nil {
		log.Fatalf("Failed to initialize Supabase client: %v", err)
	}

	reg := registry.New()
	breakers := circuitbreaker.NewCareBreakers()

	budgetMgr := budget.NewManager(budget.CapsFromEnv(), reg.CoreToolNames())
	provider := llm.NewOpenAIProvider(llm.ProviderConfig{
		APIKey:  os.Getenv("OPENAI_API_KEY"),
		BaseURL: os.Getenv("OPENAI_BASE_URL"),
		Model:   os.Getenv("CARE_LLM_MODEL"),
	}, logger)
	generator := llm.NewBudgetedGenerator(provider, budgetMgr, breakers.LLM, 0, logger)

	bus := buildBus(cfg, logger)

	engine := care.NewEngine(care.EngineConfig{
		StateWriteEnabled: cfg.Autonomy.StateWriteEnabled,
		ShadowMode:        cfg.Autonomy.ShadowMode,
	}, logger)

	cache := tenantcfg.NewCache(supa, cfg.CacheTTL(), cfg.Cache.MaxSize, logger)

	gate := suggest.NewGate(suggest.Deps{
		Store:    supa,
		Generate: generator,
		Bus:      bus,
		Audit:    suggest.NewSupabaseAuditEmitter(supa, logger),
		Limiter:  suggest.NewRateLimiter(suggest.RateLimitConfig{}),
		Registry: reg,
		Logger:   logger,
	})

	leases, cleanup := buildLeaseManager(cfg, logger)
	defer cleanup()

	client := webhook.NewClient(cfg.Webhook.MaxConcurrency, breakers.Webhook)

	worker := trigger.NewWorker(trigger.Config{
		Interval:        cfg.ScanInterval(),
		PoolSize:        cfg.Worker.PoolSize,
		BatchSize:       cfg.Worker.BatchSize,
		ScanDeadline:    cfg.ScanDeadline(),
		WebhookBaseURL:  cfg.Webhook.BaseURL,
		ShadowMode:      cfg.Autonomy.ShadowMode,
		TriggersEnabled: cfg.Autonomy.TriggersEnabled,
		StoreBreaker:    breakers.Store,
	}, supa, supa, cache, gate, engine, leases, client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Autonomy.Enabled {
		worker.Start(ctx)
		logger.Info("care worker started",
			"interval", cfg.ScanInterval().String(),
			"pool_size", cfg.Worker.PoolSize,
			"shadow_mode", cfg.Autonomy.ShadowMode)
	}

	srv := startOpsServer(cfg, supa, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")
	if cfg.Autonomy.Enabled {
		worker.Stop()
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("ops server shutdown error", "error", err)
	}

	if closer, ok := bus.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Error("bus close error", "error", err)
		}
	}

	logger.Info("care worker stopped")
}

// buildBus selects the event bus backend. Pub/Sub keeps per-tenant
// ordering across worker replicas; the in-memory bus is for single
// instance and local runs.
func buildBus(cfg *config.Config, logger *slog.Logger) webhook.Emitter {
	if cfg.Bus.Backend == "pubsub" && cfg.Bus.PubSubProject != "" {
		topic := cfg.Bus.PubSubTopic
		if topic == "" {
			topic = "care-events"
		}
		bus, err := webhook.NewPubSubBus(cfg.Bus.PubSubProject, topic)
		if err != nil {
			log.Fatalf("Failed to initialize Pub/Sub bus: %v", err)
		}
		logger.Info("event bus: pubsub", "project", cfg.Bus.PubSubProject, "topic", topic)
		return bus
	}
	logger.Info("event bus: in-memory")
	return webhook.NewBus()
}

// buildLeaseManager selects the scan lease backend. The returned cleanup
// closes the backing connection.
func buildLeaseManager(cfg *config.Config, logger *slog.Logger) (trigger.LeaseManager, func()) {
	switch cfg.Lease.Backend {
	case "postgres":
		if cfg.Store.PostgresDSN == "" {
			log.Fatal("lease backend postgres requires CARE_POSTGRES_DSN")
		}
		db, err := sql.Open("postgres", cfg.Store.PostgresDSN)
		if err != nil {
			log.Fatalf("Failed to open Postgres lease connection: %v", err)
		}
		logger.Info("lease backend: postgres advisory locks")
		return trigger.NewPostgresLeaseManager(db), func() { db.Close() }

	case "redis":
		if cfg.Lease.RedisAddr == "" {
			log.Fatal("lease backend redis requires CARE_REDIS_ADDR")
		}
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Lease.RedisAddr})
		logger.Info("lease backend: redis", "addr", cfg.Lease.RedisAddr)
		return trigger.NewRedisLeaseManager(rdb, uuid.NewString(), cfg.LeaseTTL()), func() { rdb.Close() }

	default:
		logger.Info("lease backend: in-memory (single instance only)")
		return trigger.NewMemoryLeaseManager(), func() {}
	}
}

// startOpsServer exposes /health and /metrics. Cloud Run requires a
// listening port even for worker services.
func startOpsServer(cfg *config.Config, supa *store.SupabaseClient, logger *slog.Logger) *http.Server {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		storeStatus := "connected"
		if _, err := supa.ListActiveTenants(ctx); err != nil {
			storeStatus = "error"
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":   "healthy",
			"service":  "care-worker",
			"store":    storeStatus,
			"autonomy": cfg.Autonomy.Enabled,
			"shadow":   cfg.Autonomy.ShadowMode,
		})
	}).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		logger.Info("ops server listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Ops server failed: %v", err)
		}
	}()

	return srv
}
