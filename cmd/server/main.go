package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/ember/chat-app/internal/auth"
	"github.com/ember/chat-app/internal/bridge"
	"github.com/ember/chat-app/internal/bus"
	"github.com/ember/chat-app/internal/httpapi"
	"github.com/ember/chat-app/internal/llm"
	"github.com/ember/chat-app/internal/ratelimit"
	"github.com/ember/chat-app/internal/sse"
	"github.com/ember/chat-app/internal/store"
	"github.com/ember/chat-app/internal/stream"
	"github.com/ember/chat-app/internal/ws"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	listenAddr := envString("LISTEN_ADDR", ":8080")
	dbPath := envString("DB_PATH", "ember.db")
	userHeader := envString("USER_HEADER", "X-User-ID")
	redisAddr := os.Getenv("REDIS_ADDR")
	natsURL := os.Getenv("NATS_URL")
	registryKind := envString("REGISTRY", "memory")
	keepAlive := envDuration("SSE_KEEPALIVE", sse.DefaultKeepAlive)
	pingInterval := envDuration("WS_PING_INTERVAL", ws.DefaultPingInterval)
	sweepInterval := envDuration("SWEEP_INTERVAL", stream.DefaultSweepInterval)
	sessionMaxAge := envDuration("SESSION_MAX_AGE", stream.DefaultMaxAge)
	genTimeout := envDuration("GENERATION_TIMEOUT", httpapi.DefaultGenerationTimeout)

	serverName, _ := os.Hostname()
	if v := os.Getenv("SERVER_NAME"); v != "" {
		serverName = v
	}
	if serverName == "" {
		serverName = "ember-1"
	}

	llmConfig := llm.DefaultConfig()
	if v := os.Getenv("LLM_URL"); v != "" {
		llmConfig.BaseURL = v
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		llmConfig.APIKey = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		llmConfig.Model = v
	}
	llmConfig.Timeout = genTimeout

	log.Printf("Ember chat server starting")
	log.Printf("  listen_addr:     %s", listenAddr)
	log.Printf("  db_path:         %s", dbPath)
	log.Printf("  registry:        %s", registryKind)
	log.Printf("  redis_addr:      %s", orNone(redisAddr))
	log.Printf("  nats_url:        %s", orNone(natsURL))
	log.Printf("  server_name:     %s", serverName)
	log.Printf("  llm_url:         %s", llmConfig.BaseURL)

	// --- Redis (optional: rate limiting, shared registry) ---
	var redisClient *redis.Client
	if redisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: redisAddr})
	}

	// --- Persistence ---
	db, err := store.Open(dbPath)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer db.Close()

	// --- Event bus ---
	eventBus := bus.New()

	// Publishers emit through the bridge when NATS is configured so every
	// server instance's push connections see the event; otherwise the local
	// bus is the whole world.
	var events stream.Publisher = eventBus
	if natsURL != "" {
		natsConfig := bridge.DefaultConfig()
		natsConfig.URL = natsURL
		natsConfig.Origin = serverName
		br, err := bridge.New(natsConfig, eventBus)
		if err != nil {
			log.Fatalf("failed to connect event bridge: %v", err)
		}
		if err := br.Start(); err != nil {
			log.Fatalf("failed to start event bridge: %v", err)
		}
		defer br.Close()
		events = br
	}

	// --- Streaming session registry ---
	var registry stream.Registry
	switch registryKind {
	case "redis":
		if redisClient == nil {
			log.Fatalf("REGISTRY=redis requires REDIS_ADDR")
		}
		registry, err = stream.NewRedisRegistry(redisClient)
		if err != nil {
			log.Fatalf("failed to connect session registry: %v", err)
		}
	default:
		registry = stream.NewMemoryRegistry()
	}

	var limiter *ratelimit.Limiter
	if redisClient != nil {
		limiter = ratelimit.NewLimiter(redisClient)
	}

	relay := stream.NewRelay(events, registry)
	llmClient := llm.NewClient(llmConfig)

	resolveUser := auth.HeaderResolver(userHeader)
	wsConns := ws.NewConnectionManager()

	api := httpapi.New(httpapi.Config{
		Store:    db,
		Events:   events,
		Registry: registry,
		Relay:    relay,
		Limiter:  limiter,
		Complete: func(ctx context.Context, prompt string) (stream.Source, error) {
			return llmClient.Stream(ctx, prompt)
		},
		ResolveUser:       resolveUser,
		PushSSE:           sse.NewHandler(eventBus, resolveUser, keepAlive),
		PushWS:            ws.NewHandler(eventBus, wsConns, resolveUser, pingInterval),
		GenerationTimeout: genTimeout,
	})

	httpServer := &http.Server{
		Addr:    listenAddr,
		Handler: api.Router(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go stream.RunSweeper(ctx, registry, sweepInterval, sessionMaxAge)

	go func() {
		log.Printf("listening on %s", listenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	wsConns.CloseAll()

	log.Printf("shutdown complete")
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		log.Printf("invalid %s=%q, using %s", key, os.Getenv(key), fallback)
	}
	return fallback
}

func orNone(s string) string {
	if s == "" {
		return "(disabled)"
	}
	return s
}
