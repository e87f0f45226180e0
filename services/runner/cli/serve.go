package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Hasbicom1/Tagent-sub007/internal/domain"
	"github.com/Hasbicom1/Tagent-sub007/internal/handlers"
	"github.com/Hasbicom1/Tagent-sub007/internal/kafka"
	"github.com/Hasbicom1/Tagent-sub007/internal/postgres"
	"github.com/Hasbicom1/Tagent-sub007/internal/queue"
	redisstore "github.com/Hasbicom1/Tagent-sub007/internal/redis"
	"github.com/Hasbicom1/Tagent-sub007/internal/relay"
	"github.com/Hasbicom1/Tagent-sub007/pkg/telemetry"
	"github.com/Hasbicom1/Tagent-sub007/services/runner"
	"github.com/Hasbicom1/Tagent-sub007/services/runner/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the task runner",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("metrics-addr", ":9096", "Prometheus metrics server address")
	serveCmd.Flags().String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses")
	serveCmd.Flags().String("redis-addr", "localhost:6379", "Redis address (host:port)")
	serveCmd.Flags().String("engine-url", "http://localhost:3000", "automation engine base URL")
	serveCmd.Flags().Duration("engine-timeout", 2*time.Minute, "per-request engine timeout")
	serveCmd.Flags().String("worker-id", "", "unique worker id (default: random)")
	serveCmd.Flags().Duration("poll-interval", runner.DefaultPollInterval, "sleep between empty claims")
	serveCmd.Flags().Int("concurrency", 4, "max tasks executed at once")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("kafka_brokers", serveCmd.Flags(), "kafka-brokers")
	bindFlag("redis_addr", serveCmd.Flags(), "redis-addr")
	bindFlag("engine_url", serveCmd.Flags(), "engine-url")
	bindFlag("engine_timeout", serveCmd.Flags(), "engine-timeout")
	bindFlag("worker_id", serveCmd.Flags(), "worker-id")
	bindFlag("poll_interval", serveCmd.Flags(), "poll-interval")
	bindFlag("concurrency", serveCmd.Flags(), "concurrency")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
	_ = viper.BindEnv("engine_url", "ENGINE_URL")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	if cfg.WorkerID == "" {
		cfg.WorkerID = "runner-" + uuid.New().String()[:8]
	}
	logger := buildLogger(cfg.LogLevel, "runner").
		With(slog.String("worker_id", cfg.WorkerID))

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "runner", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	brokers := strings.Split(cfg.KafkaBrokers, ",")
	producer := kafka.NewProducer(brokers)
	defer func() { _ = producer.Close() }()

	redisClient := redisstore.NewClient(cfg.RedisAddr)
	defer func() { _ = redisClient.Close() }()
	cache := redisstore.NewCache(redisClient)

	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pool, err := postgres.NewPool(initCtx, cfg.PostgresDSN)
	cancel()
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	taskRepo := postgres.NewTaskRepository(pool)

	// No hub here: runner events reach subscribers through the broker, the
	// gateways deliver them.
	broadcast := relay.New(nil, producer, cfg.WorkerID, logger)
	q := queue.New(taskRepo, cache, broadcast, logger, queue.DefaultBackoffBase, nil)

	engine := handlers.NewEngineClient(cfg.EngineURL, cfg.EngineTimeout, logger)
	registry := handlers.NewRegistry()
	registry.Register(domain.TypeBrowserAutomation, handlers.NewAutomationHandler(engine, logger))
	registry.Register(domain.TypeSessionStart, handlers.NewSessionStartHandler(engine, logger))
	registry.Register(domain.TypeSessionEnd, handlers.NewSessionEndHandler(engine, logger))

	r := runner.New(q, registry, cfg.WorkerID, cfg.PollInterval, cfg.Concurrency, logger, nil)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-quit
		logger.Info("shutting down...")
		runCancel()
	}()

	r.Run(runCtx)
	logger.Info("stopped")
	return nil
}
