package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the janitor service.
type Config struct {
	LogLevel     string
	MetricsAddr  string
	KafkaBrokers string
	RedisAddr    string
	PostgresDSN  string
	JWTSecret    string
	OTelEndpoint string
	InstanceID   string
	Schedule     string
	TaskLease    time.Duration
	LeaderTTL    time.Duration
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:     v.GetString("log_level"),
		MetricsAddr:  v.GetString("metrics_addr"),
		KafkaBrokers: v.GetString("kafka_brokers"),
		RedisAddr:    v.GetString("redis_addr"),
		PostgresDSN:  v.GetString("postgres_dsn"),
		JWTSecret:    v.GetString("jwt_secret"),
		OTelEndpoint: v.GetString("otel_endpoint"),
		InstanceID:   v.GetString("instance_id"),
		Schedule:     v.GetString("schedule"),
		TaskLease:    v.GetDuration("task_lease"),
		LeaderTTL:    v.GetDuration("leader_ttl"),
	}
}
