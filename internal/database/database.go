// Package database manages the PostgreSQL pool behind the postgres cache backend.
package database

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config holds database connection configuration. URL, when set, wins over
// the individual fields.
type Config struct {
	URL      string
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxConns        int
	MinConns        int
	ConnMaxLifetime time.Duration

	// ConnectTimeout bounds the initial connect, including retries while
	// the server is still starting.
	ConnectTimeout time.Duration
}

// ConfigFromEnv reads DATABASE_URL or the DB_* variables.
func ConfigFromEnv() Config {
	return Config{
		URL:             os.Getenv("DATABASE_URL"),
		Host:            getEnvOrDefault("DB_HOST", "localhost"),
		Port:            atoiOrDefault(os.Getenv("DB_PORT"), 5432),
		User:            getEnvOrDefault("DB_USER", "saferoute"),
		Password:        os.Getenv("DB_PASSWORD"),
		Database:        getEnvOrDefault("DB_NAME", "saferoute"),
		SSLMode:         getEnvOrDefault("DB_SSL_MODE", "disable"),
		MaxConns:        atoiOrDefault(os.Getenv("DB_MAX_OPEN_CONNS"), 10),
		MinConns:        atoiOrDefault(os.Getenv("DB_MAX_IDLE_CONNS"), 2),
		ConnMaxLifetime: durationOrDefault(os.Getenv("DB_CONN_MAX_LIFETIME"), 5*time.Minute),
		ConnectTimeout:  durationOrDefault(os.Getenv("DB_CONNECT_TIMEOUT"), 30*time.Second),
	}
}

// ConnectionString returns the PostgreSQL connection URL.
func (c Config) ConnectionString() string {
	if c.URL != "" {
		return c.URL
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:     "/" + c.Database,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	return u.String()
}

// Connect creates a pool and pings it, retrying with exponential backoff
// until ConnectTimeout elapses. Configuration errors are not retried.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns) //nolint:gosec // small configured value
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = int32(cfg.MinConns) //nolint:gosec // small configured value
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := backoff.Retry(func() error { return pool.Ping(ctx) }, connectBackOff(ctx, cfg.ConnectTimeout)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func connectBackOff(ctx context.Context, timeout time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = timeout
	if timeout <= 0 {
		return backoff.WithContext(&backoff.StopBackOff{}, ctx)
	}
	return backoff.WithContext(b, ctx)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func atoiOrDefault(raw string, def int) int {
	if v, err := strconv.Atoi(raw); err == nil {
		return v
	}
	return def
}

func durationOrDefault(raw string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return def
}
