package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Hasbicom1/Tagent-sub007/internal/domain"
	"github.com/Hasbicom1/Tagent-sub007/internal/kafka"
	"github.com/Hasbicom1/Tagent-sub007/internal/postgres"
	"github.com/Hasbicom1/Tagent-sub007/internal/queue"
	redisstore "github.com/Hasbicom1/Tagent-sub007/internal/redis"
	"github.com/Hasbicom1/Tagent-sub007/internal/relay"
	"github.com/Hasbicom1/Tagent-sub007/internal/session"
	"github.com/Hasbicom1/Tagent-sub007/internal/token"
	"github.com/Hasbicom1/Tagent-sub007/pkg/telemetry"
	"github.com/Hasbicom1/Tagent-sub007/services/gateway/config"
	"github.com/Hasbicom1/Tagent-sub007/services/gateway/handler"
	"github.com/Hasbicom1/Tagent-sub007/services/gateway/middleware"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST and WebSocket servers",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("http-port", "8080", "HTTP server port")
	serveCmd.Flags().String("metrics-addr", ":9095", "Prometheus metrics server address")
	serveCmd.Flags().String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses")
	serveCmd.Flags().String("redis-addr", "localhost:6379", "Redis address (host:port)")
	serveCmd.Flags().String("jwt-secret", "changeme", "session token signing secret")
	serveCmd.Flags().String("instance-id", "", "unique instance id (default: random)")
	serveCmd.Flags().Int("ws-rate-limit", 60, "max WS messages per agent per minute")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	bindFlag("http_port", serveCmd.Flags(), "http-port")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("kafka_brokers", serveCmd.Flags(), "kafka-brokers")
	bindFlag("redis_addr", serveCmd.Flags(), "redis-addr")
	bindFlag("jwt_secret", serveCmd.Flags(), "jwt-secret")
	bindFlag("instance_id", serveCmd.Flags(), "instance-id")
	bindFlag("ws_rate_limit", serveCmd.Flags(), "ws-rate-limit")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	if cfg.InstanceID == "" {
		cfg.InstanceID = "gateway-" + uuid.New().String()[:8]
	}
	logger := buildLogger(cfg.LogLevel, "gateway").
		With(slog.String("instance_id", cfg.InstanceID))

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "gateway", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	tokens, err := token.NewManager(cfg.JWTSecret, "tagent")
	if err != nil {
		return fmt.Errorf("token manager: %w", err)
	}

	brokers := strings.Split(cfg.KafkaBrokers, ",")
	producer := kafka.NewProducer(brokers)
	defer func() { _ = producer.Close() }()

	redisClient := redisstore.NewClient(cfg.RedisAddr)
	defer func() { _ = redisClient.Close() }()
	cache := redisstore.NewCache(redisClient)
	limiter := redisstore.NewRateLimiter(redisClient, cfg.WSRateLimit, time.Minute)

	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pool, err := postgres.NewPool(initCtx, cfg.PostgresDSN)
	cancel()
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	sessionRepo := postgres.NewSessionRepository(pool)
	taskRepo := postgres.NewTaskRepository(pool)

	// The relay publishes to sessions/queue below, and the session store is
	// what the hub authenticates against; wire the hub first, sessions after.
	var sessions *session.Store
	hub := relay.NewHub(tokens, sessionGetter{&sessions}, relay.DefaultBatchWindow, logger)
	broadcast := relay.New(hub, producer, cfg.InstanceID, logger)
	sessions = session.NewStore(sessionRepo, cache, tokens, broadcast, logger, nil)
	q := queue.New(taskRepo, cache, broadcast, logger, queue.DefaultBackoffBase, nil)
	frames := relay.NewFrameRelay(logger)

	restHandler := handler.NewREST(sessions, q, logger)
	wsHandler := handler.NewWS(hub, frames, tokens, limiter, logger)

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.MaxBodySize(1 << 20)) // 1MB limit
	r.Get("/healthz", restHandler.Healthz)
	r.Get("/readyz", restHandler.Readyz)
	r.Get("/ws", wsHandler.HandleWS)
	r.Get("/ws/frames", wsHandler.HandleFrames)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/sessions", restHandler.CreateSession)
		r.Get("/sessions/{id}", restHandler.GetSession)
		r.Patch("/sessions/{id}", restHandler.UpdateSession)
		r.Post("/sessions/{id}/extend", restHandler.ExtendSession)
		r.Delete("/sessions/{id}", restHandler.RevokeSession)
		r.Get("/sessions/{id}/tasks", restHandler.ListSessionTasks)
		r.Post("/tasks", restHandler.CreateTask)
		r.Get("/tasks/{id}", restHandler.GetTask)
		r.Route("/worker", func(r chi.Router) {
			r.Post("/claim", restHandler.Claim)
			r.Post("/tasks/{id}/complete", restHandler.CompleteTask)
			r.Post("/tasks/{id}/fail", restHandler.FailTask)
			r.Post("/tasks/{id}/progress", restHandler.ReportProgress)
			r.Post("/tasks/{id}/logs", restHandler.ReportLogs)
		})
	})

	httpSrv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger)

	// Per-instance consumer group: every gateway sees every envelope and
	// delivers to its own connections.
	consumer := kafka.NewConsumer(brokers, kafka.TopicEvents, "relay-"+cfg.InstanceID, logger)
	defer func() { _ = consumer.Close() }()
	go func() {
		if err := broadcast.RunPeerSync(runCtx, consumer); err != nil {
			logger.Error("peer sync stopped", slog.String("error", err.Error()))
		}
	}()

	go func() {
		logger.Info("gateway HTTP starting", slog.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	<-quit
	logger.Info("shutting down...")
	runCancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("stopped")
	return nil
}

// sessionGetter defers the hub → session store reference: the store needs the
// relay (to publish), the relay needs the hub, and the hub authenticates
// against the store.
type sessionGetter struct {
	store **session.Store
}

func (g sessionGetter) Get(ctx context.Context, id string) (*domain.Session, error) {
	return (*g.store).Get(ctx, id)
}
