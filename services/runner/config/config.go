package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the runner service.
type Config struct {
	LogLevel      string
	MetricsAddr   string
	KafkaBrokers  string
	RedisAddr     string
	PostgresDSN   string
	EngineURL     string
	EngineTimeout time.Duration
	OTelEndpoint  string
	WorkerID      string
	PollInterval  time.Duration
	Concurrency   int
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:      v.GetString("log_level"),
		MetricsAddr:   v.GetString("metrics_addr"),
		KafkaBrokers:  v.GetString("kafka_brokers"),
		RedisAddr:     v.GetString("redis_addr"),
		PostgresDSN:   v.GetString("postgres_dsn"),
		EngineURL:     v.GetString("engine_url"),
		EngineTimeout: v.GetDuration("engine_timeout"),
		OTelEndpoint:  v.GetString("otel_endpoint"),
		WorkerID:      v.GetString("worker_id"),
		PollInterval:  v.GetDuration("poll_interval"),
		Concurrency:   v.GetInt("concurrency"),
	}
}
