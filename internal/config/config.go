package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Postgres PostgresConfig
	Redis    RedisConfig
	AMQP     AMQPConfig
	Locks    LocksConfig
}

type ServerConfig struct {
	Host string
	Port int
	// CORSOrigins lists the storefront origins allowed to call the API;
	// empty means any origin.
	CORSOrigins []string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

type PostgresConfig struct {
	User     string
	Password string
	Name     string
	Host     string
	Port     int
	SSLMode  string
}

type AMQPConfig struct {
	// URL is optional; when empty the confirmation notifier is disabled.
	URL      string
	Exchange string
}

type LocksConfig struct {
	HoldTTL           time.Duration
	WorkerPoll        time.Duration
	ReconcileInterval time.Duration
}

func New() (*Config, error) {
	const op = "config.New"

	_ = godotenv.Load()

	serverHost := os.Getenv("SERVER_HOST")
	if serverHost == "" {
		serverHost = "localhost"
	}

	serverPort, err := envInt("SERVER_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	postgresHost := os.Getenv("POSTGRES_HOST")
	if postgresHost == "" {
		postgresHost = "localhost"
	}

	postgresPort, err := envInt("POSTGRES_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	postgresUser := os.Getenv("POSTGRES_USER")
	if postgresUser == "" {
		return nil, fmt.Errorf("%s: missing POSTGRES_USER", op)
	}

	postgresPassword := os.Getenv("POSTGRES_PASSWORD")
	if postgresPassword == "" {
		return nil, fmt.Errorf("%s: missing POSTGRES_PASSWORD", op)
	}

	postgresDB := os.Getenv("POSTGRES_DB")
	if postgresDB == "" {
		return nil, fmt.Errorf("%s: missing POSTGRES_DB", op)
	}

	postgresSSLMode := os.Getenv("POSTGRES_SSLMODE")
	if postgresSSLMode == "" {
		postgresSSLMode = "disable"
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	redisDB, err := envInt("REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	redisPoolSize, err := envInt("REDIS_POOL_SIZE", 0)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	var corsOrigins []string
	for _, origin := range strings.Split(os.Getenv("CORS_ORIGINS"), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			corsOrigins = append(corsOrigins, origin)
		}
	}

	amqpExchange := os.Getenv("AMQP_EXCHANGE")
	if amqpExchange == "" {
		amqpExchange = "seatlock.notifications"
	}

	holdTTLSec, err := envInt("HOLD_TTL_SECONDS", 600)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	workerPollMs, err := envInt("WORKER_POLL_MS", 1000)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	reconcileSec, err := envInt("RECONCILE_INTERVAL_SECONDS", 60)
	if err != nil {
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return &Config{
		Server: ServerConfig{
			Host:        serverHost,
			Port:        serverPort,
			CORSOrigins: corsOrigins,
		},
		Postgres: PostgresConfig{
			User:     postgresUser,
			Password: postgresPassword,
			Name:     postgresDB,
			Host:     postgresHost,
			Port:     postgresPort,
			SSLMode:  postgresSSLMode,
		},
		Redis: RedisConfig{
			Addr:     redisAddr,
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       redisDB,
			PoolSize: redisPoolSize,
		},
		AMQP: AMQPConfig{
			URL:      os.Getenv("AMQP_URL"),
			Exchange: amqpExchange,
		},
		Locks: LocksConfig{
			HoldTTL:           time.Duration(holdTTLSec) * time.Second,
			WorkerPoll:        time.Duration(workerPollMs) * time.Millisecond,
			ReconcileInterval: time.Duration(reconcileSec) * time.Second,
		},
	}, nil
}

func envInt(name string, def int) (int, error) {
	s := os.Getenv(name)
	if s == "" {
		return def, nil
	}

	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}

	return v, nil
}
