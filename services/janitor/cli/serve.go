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

	"github.com/Hasbicom1/Tagent-sub007/internal/kafka"
	"github.com/Hasbicom1/Tagent-sub007/internal/postgres"
	"github.com/Hasbicom1/Tagent-sub007/internal/queue"
	redisstore "github.com/Hasbicom1/Tagent-sub007/internal/redis"
	"github.com/Hasbicom1/Tagent-sub007/internal/relay"
	"github.com/Hasbicom1/Tagent-sub007/internal/session"
	"github.com/Hasbicom1/Tagent-sub007/internal/token"
	"github.com/Hasbicom1/Tagent-sub007/pkg/telemetry"
	"github.com/Hasbicom1/Tagent-sub007/services/janitor"
	"github.com/Hasbicom1/Tagent-sub007/services/janitor/config"
)

const leaderKey = "tagent:janitor:leader"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the maintenance sweeps",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("metrics-addr", ":9097", "Prometheus metrics server address")
	serveCmd.Flags().String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses")
	serveCmd.Flags().String("redis-addr", "localhost:6379", "Redis address (host:port)")
	serveCmd.Flags().String("jwt-secret", "changeme", "session token signing secret")
	serveCmd.Flags().String("instance-id", "", "unique instance id (default: random)")
	serveCmd.Flags().String("schedule", janitor.DefaultSchedule, "sweep cron schedule")
	serveCmd.Flags().Duration("task-lease", janitor.DefaultTaskLease, "PROCESSING lease before a task is reclaimed")
	serveCmd.Flags().Duration("leader-ttl", 90*time.Second, "leader lease TTL")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("kafka_brokers", serveCmd.Flags(), "kafka-brokers")
	bindFlag("redis_addr", serveCmd.Flags(), "redis-addr")
	bindFlag("jwt_secret", serveCmd.Flags(), "jwt-secret")
	bindFlag("instance_id", serveCmd.Flags(), "instance-id")
	bindFlag("schedule", serveCmd.Flags(), "schedule")
	bindFlag("task_lease", serveCmd.Flags(), "task-lease")
	bindFlag("leader_ttl", serveCmd.Flags(), "leader-ttl")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	if cfg.InstanceID == "" {
		cfg.InstanceID = "janitor-" + uuid.New().String()[:8]
	}
	logger := buildLogger(cfg.LogLevel, "janitor").
		With(slog.String("instance_id", cfg.InstanceID))

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "janitor", cfg.OTelEndpoint)
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
	leader := redisstore.NewLeader(redisClient, leaderKey, cfg.InstanceID, cfg.LeaderTTL)

	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pool, err := postgres.NewPool(initCtx, cfg.PostgresDSN)
	cancel()
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	sessionRepo := postgres.NewSessionRepository(pool)
	taskRepo := postgres.NewTaskRepository(pool)

	// No hub here: session and task events go to the broker, gateways deliver.
	broadcast := relay.New(nil, producer, cfg.InstanceID, logger)
	sessions := session.NewStore(sessionRepo, cache, tokens, broadcast, logger, nil)
	q := queue.New(taskRepo, cache, broadcast, logger, queue.DefaultBackoffBase, nil)

	j := janitor.New(sessions, q, leader, cfg.TaskLease, logger)

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

	if err := j.Run(runCtx, cfg.Schedule); err != nil {
		return err
	}

	releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer releaseCancel()
	if err := leader.Release(releaseCtx); err != nil {
		logger.Warn("leader release failed", slog.String("error", err.Error()))
	}
	logger.Info("stopped")
	return nil
}
