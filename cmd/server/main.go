package main

import (
	"context"
	"crypto/tls"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/pinnokio/backend/internal/api"
	"github.com/pinnokio/backend/internal/cache"
	"github.com/pinnokio/backend/internal/circuitbreaker"
	"github.com/pinnokio/backend/internal/config"
	"github.com/pinnokio/backend/internal/connections"
	"github.com/pinnokio/backend/internal/handlers"
	"github.com/pinnokio/backend/internal/hr"
	"github.com/pinnokio/backend/internal/jobber"
	"github.com/pinnokio/backend/internal/llm"
	"github.com/pinnokio/backend/internal/mandate"
	"github.com/pinnokio/backend/internal/middleware"
	"github.com/pinnokio/backend/internal/rpc"
	"github.com/pinnokio/backend/internal/secrets"
	"github.com/pinnokio/backend/internal/stream"
	"github.com/pinnokio/backend/internal/vector"
)

// prunePeriod is how often stale job correlation records are swept.
const prunePeriod = 10 * time.Minute

func main() {
	// Local development convenience; deployed environments set real env vars.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx := context.Background()

	// Secret store client. Everything downstream that needs a credential
	// goes through this.
	secretResolver, err := secrets.NewResolver(ctx, cfg.Google)
	if err != nil {
		log.Fatalf("Failed to initialize secret resolver: %v", err)
	}
	defer secretResolver.Close()

	// Firestore metadata store for mandate resolution.
	fsClient, err := firestore.NewClient(ctx, cfg.Google.ProjectID)
	if err != nil {
		log.Fatalf("Failed to initialize Firestore client: %v", err)
	}
	defer fsClient.Close()

	mandates := mandate.NewResolver(mandate.NewFirestoreStore(fsClient), secretResolver)

	// Redis-backed cache manager.
	redisOpts := &redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	if cfg.Redis.TLS {
		redisOpts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	cacheManager := cache.NewManager(rdb)

	// HR PostgreSQL pool. The connection string may live in a secret.
	dsn := cfg.Database.URL
	if dsn == "" && cfg.Database.SecretName != "" {
		dsn, err = secretResolver.Get(ctx, cfg.Database.SecretName)
		if err != nil {
			log.Fatalf("Failed to resolve database secret: %v", err)
		}
	}
	if dsn == "" {
		log.Fatalf("No database configured: set NEON_DATABASE_URL or NEON_SECRET_NAME")
	}
	pool, err := hr.NewPool(ctx, dsn)
	if err != nil {
		log.Fatalf("Failed to create database pool: %v", err)
	}
	defer pool.Close()
	hrStore := hr.NewStore(pool)

	// Downstream circuit breakers, Jobber client, callback routing.
	breakers := circuitbreaker.NewBackplaneBreakers()
	jobberClient := jobber.NewClient(
		cfg.Jobber.URL, cfg.Jobber.APIKey, cfg.Listeners.URL,
		time.Duration(cfg.Jobber.TimeoutSeconds)*time.Second, breakers.Jobber)

	hub := stream.NewHub(cfg.Server.Env, cfg.Server.AllowedOrigins)
	callbackRouter := jobber.NewCallbackRouter(hub)

	// ERP/Drive connection cache built over the mandate resolver.
	connCache := connections.NewCache(connections.NewBuilder(mandates), connections.DefaultTTL)
	defer connCache.Clear()

	// LLM vendor client; the API key comes from the secret store.
	llmKey, err := secretResolver.Get(ctx, cfg.LLM.APIKeySecret)
	if err != nil {
		log.Fatalf("Failed to resolve LLM API key: %v", err)
	}
	llmSessions := llm.NewSessionManager(llm.NewClient(llmKey, cfg.LLM.Model))

	chroma := vector.New(cfg.Vector.URL)

	// RPC namespaces.
	router := rpc.NewRouter()
	router.Register("HR", handlers.NewHRHandler(hrStore, cacheManager, jobberClient, callbackRouter, mandates).Methods())
	driveConnector := handlers.NewDriveConnector(connCache).WithBreaker(breakers.Drive)
	erpConnector := handlers.NewERPConnector(connCache).WithBreaker(breakers.ERP)
	router.Register("DRIVE_CACHE", handlers.NewDriveHandler(driveConnector, cacheManager).Methods())
	router.Register("ERP", handlers.NewERPHandler(erpConnector, cacheManager).Methods())
	router.Register("LLM", handlers.NewLLMHandler(llmSessions, hub).Methods())
	router.Register("VECTOR", handlers.NewVectorHandler(chroma).Methods())

	server := api.NewServer(api.Config{
		Port:           cfg.Server.Port,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		CallbackKey:    cfg.Listeners.CallbackKey,
	}, router, hub, callbackRouter, breakers, middleware.NewAPIKeyAuth(cfg.Auth))

	// Sweep correlation records the Jobber never answered.
	pruneDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(prunePeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				callbackRouter.PruneOlderThan(24 * time.Hour)
			case <-pruneDone:
				return
			}
		}
	}()

	// Graceful shutdown (Cloud Run sends SIGTERM).
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Received shutdown signal, shutting down gracefully...")
		close(pruneDone)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}
	}()

	slog.Info("Pinnokio backend starting", "port", cfg.Server.Port, "env", cfg.Server.Env)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed: %v", err)
	}
	slog.Info("Server stopped")
}
