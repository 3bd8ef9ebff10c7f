package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// TestConfig holds the addresses of optional integration infrastructure.
// Empty values mean the dependency is not available.
type TestConfig struct {
	PostgresURL  string   `env:"TEST_DATABASE_URL"`
	RedisAddr    string   `env:"TEST_REDIS_ADDR"`
	NATSURL      string   `env:"TEST_NATS_URL"`
	KafkaBrokers []string `env:"TEST_KAFKA_BROKERS" envSeparator:","`
}

// LoadConfig reads TestConfig from the environment.
func LoadConfig() (*TestConfig, error) {
	var cfg TestConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("testutil: parse env: %w", err)
	}
	return &cfg, nil
}

func requireConfig(t testing.TB) *TestConfig {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load test config: %v", err)
	}
	return cfg
}

// RequireRedis returns TEST_REDIS_ADDR or skips the test.
func RequireRedis(t testing.TB) string {
	t.Helper()
	cfg := requireConfig(t)
	if cfg.RedisAddr == "" {
		t.Skip("TEST_REDIS_ADDR not set, skipping integration test")
	}
	return cfg.RedisAddr
}

// RequireNATS returns TEST_NATS_URL or skips the test.
func RequireNATS(t testing.TB) string {
	t.Helper()
	cfg := requireConfig(t)
	if cfg.NATSURL == "" {
		t.Skip("TEST_NATS_URL not set, skipping integration test")
	}
	return cfg.NATSURL
}

// RequireKafka returns TEST_KAFKA_BROKERS or skips the test.
func RequireKafka(t testing.TB) []string {
	t.Helper()
	cfg := requireConfig(t)
	if len(cfg.KafkaBrokers) == 0 {
		t.Skip("TEST_KAFKA_BROKERS not set, skipping integration test")
	}
	return cfg.KafkaBrokers
}

// RequirePostgres creates a throwaway schema on TEST_DATABASE_URL and returns
// a connection string whose search_path points at it. The schema is dropped
// when the test ends. The test is skipped when no database is configured.
func RequirePostgres(t testing.TB) string {
	t.Helper()
	cfg := requireConfig(t)
	if cfg.PostgresURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := PostgresDB(ctx, cfg.PostgresURL)
	if err != nil {
		t.Skipf("PostgreSQL not available: %v", err)
	}

	schema := UniqueSchema("eventserver_test")
	if _, err := db.ExecContext(ctx, "CREATE SCHEMA "+QuoteIdentifier(schema)); err != nil {
		_ = db.Close()
		t.Fatalf("create schema %s: %v", schema, err)
	}
	t.Cleanup(func() {
		if err := CleanupSchema(context.Background(), db, schema); err != nil {
			t.Logf("Warning: failed to drop schema %s: %v", schema, err)
		}
		_ = db.Close()
	})

	connStr, err := WithSearchPath(cfg.PostgresURL, schema)
	if err != nil {
		t.Fatalf("scope connection string: %v", err)
	}
	return connStr
}

// WithSearchPath returns connStr with its search_path set to schema.
// Only URL-form connection strings are supported.
func WithSearchPath(connStr, schema string) (string, error) {
	u, err := url.Parse(connStr)
	if err != nil {
		return "", err
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return "", fmt.Errorf("testutil: not a postgres URL: %q", connStr)
	}
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// PostgresDB opens connStr and waits until the server answers a ping.
func PostgresDB(ctx context.Context, connStr string) (*sql.DB, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("testutil: open postgres: %w", err)
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err == nil {
			return db, nil
		}

		select {
		case <-ctx.Done():
			_ = db.Close()
			return nil, fmt.Errorf("testutil: postgres not ready: %w", err)
		case <-ticker.C:
		}
	}
}

// CleanupSchema drops a schema and all its objects.
func CleanupSchema(ctx context.Context, db *sql.DB, schema string) error {
	_, err := db.ExecContext(ctx, "DROP SCHEMA IF EXISTS "+QuoteIdentifier(schema)+" CASCADE")
	return err
}

// UniqueSchema generates a unique schema name for testing.
func UniqueSchema(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
}

// QuoteIdentifier quotes a PostgreSQL identifier.
func QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
