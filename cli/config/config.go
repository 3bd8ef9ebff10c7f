// Package config loads the eventserver CLI configuration from
// eventserver.yaml with environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the default config file name.
const ConfigFileName = "eventserver.yaml"

// EnvPrefix prefixes every environment override, e.g. EVENTSERVER_DATABASE_URL.
const EnvPrefix = "EVENTSERVER_"

// Supported storage drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Supported payload codecs.
const (
	SerializerJSON    = "json"
	SerializerMsgpack = "msgpack"
)

// Supported projection document stores. An empty store means the database.
const (
	ProjectionStoreDatabase = ""
	ProjectionStoreRedis    = "redis"
)

// Config represents the eventserver CLI configuration.
type Config struct {
	// Version of the config file format
	Version string `yaml:"version"`

	Project     ProjectConfig     `yaml:"project"`
	Database    DatabaseConfig    `yaml:"database" envPrefix:"DATABASE_"`
	Projections ProjectionsConfig `yaml:"projections" envPrefix:"PROJECTIONS_"`
	Outbox      OutboxConfig      `yaml:"outbox" envPrefix:"OUTBOX_"`
	Logging     LoggingConfig     `yaml:"logging" envPrefix:"LOG_"`
}

// ProjectConfig contains project-level settings.
type ProjectConfig struct {
	Name string `yaml:"name" env:"PROJECT_NAME"`
}

// DatabaseConfig selects the event log.
type DatabaseConfig struct {
	// Driver is memory, postgres or sqlite.
	Driver string `yaml:"driver" env:"DRIVER"`

	// URL is the postgres connection string. ${VAR} references are expanded.
	URL string `yaml:"url,omitempty" env:"URL"`

	// Path is the sqlite database file.
	Path string `yaml:"path,omitempty" env:"PATH"`

	// Serializer encodes event payloads: json (default) or msgpack.
	// Changing it on an existing log makes stored events unreadable.
	Serializer string `yaml:"serializer,omitempty" env:"SERIALIZER"`
}

// ProjectionsConfig selects where projection documents live.
type ProjectionsConfig struct {
	// Store is empty (same database as the event log) or redis.
	Store string `yaml:"store,omitempty" env:"STORE"`

	RedisAddr     string `yaml:"redis_addr,omitempty" env:"REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password,omitempty" env:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db,omitempty" env:"REDIS_DB"`
	KeyPrefix     string `yaml:"key_prefix,omitempty" env:"KEY_PREFIX"`
}

// OutboxConfig routes committed events to external systems.
type OutboxConfig struct {
	Routes []RouteConfig `yaml:"routes,omitempty"`

	KafkaBrokers  []string `yaml:"kafka_brokers,omitempty" env:"KAFKA_BROKERS" envSeparator:","`
	NATSURL       string   `yaml:"nats_url,omitempty" env:"NATS_URL"`
	WebhookSecret string   `yaml:"webhook_secret,omitempty" env:"WEBHOOK_SECRET"`
	MaxAttempts   int      `yaml:"max_attempts,omitempty" env:"MAX_ATTEMPTS"`
}

// RouteConfig is one outbox route.
type RouteConfig struct {
	// EventTypes limits the route; empty matches every event.
	EventTypes []string `yaml:"event_types,omitempty"`

	// Destination is "<publisher>:<target>", e.g. "kafka:partners".
	Destination string `yaml:"destination"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	// Mode is dev or prod.
	Mode string `yaml:"mode" env:"MODE"`

	// Level is a zap level name.
	Level string `yaml:"level" env:"LEVEL"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Version: "1",
		Project: ProjectConfig{
			Name: "eventserver",
		},
		Database: DatabaseConfig{
			Driver: DriverSQLite,
			Path:   "eventserver.db",
		},
		Projections: ProjectionsConfig{
			KeyPrefix: "eventserver",
		},
		Outbox: OutboxConfig{
			MaxAttempts: 5,
		},
		Logging: LoggingConfig{
			Mode:  "dev",
			Level: "warn",
		},
	}
}

// Load loads configuration from the specified directory.
func Load(dir string) (*Config, error) {
	return LoadFile(filepath.Join(dir, ConfigFileName))
}

// LoadFile loads configuration from path and applies environment overrides.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from EVENTSERVER_* variables that are set.
func (c *Config) ApplyEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	return nil
}

// Save saves the configuration to the specified directory.
func (c *Config) Save(dir string) error {
	return c.SaveFile(filepath.Join(dir, ConfigFileName))
}

// SaveFile saves the configuration to a specific file path.
func (c *Config) SaveFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Exists checks if a config file exists in the directory.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ConfigFileName))
	return err == nil
}

// FindConfig searches for a config file starting from dir and going up.
func FindConfig(dir string) (string, *Config, error) {
	current := dir
	for {
		configPath := filepath.Join(current, ConfigFileName)
		if _, err := os.Stat(configPath); err == nil {
			cfg, err := LoadFile(configPath)
			if err != nil {
				return "", nil, err
			}
			return current, cfg, nil
		}

		parent := filepath.Dir(current)
		if parent == current {
			return "", nil, os.ErrNotExist
		}
		current = parent
	}
}

// DatabaseURL returns the postgres URL with ${VAR} references expanded.
func (c *Config) DatabaseURL() string {
	return os.ExpandEnv(c.Database.URL)
}

// Validate returns every configuration problem found.
func (c *Config) Validate() []string {
	var problems []string

	if c.Project.Name == "" {
		problems = append(problems, "project.name is required")
	}

	switch c.Database.Driver {
	case "":
		problems = append(problems, "database.driver is required")
	case DriverMemory:
	case DriverPostgres:
		if c.DatabaseURL() == "" {
			problems = append(problems, "database.url is required for the postgres driver")
		}
	case DriverSQLite:
		if c.Database.Path == "" {
			problems = append(problems, "database.path is required for the sqlite driver")
		}
	default:
		problems = append(problems, fmt.Sprintf("database.driver %q must be one of memory, postgres, sqlite", c.Database.Driver))
	}

	switch c.Database.Serializer {
	case "", SerializerJSON, SerializerMsgpack:
	default:
		problems = append(problems, fmt.Sprintf("database.serializer %q must be json or msgpack", c.Database.Serializer))
	}

	switch c.Projections.Store {
	case ProjectionStoreDatabase:
	case ProjectionStoreRedis:
		if c.Projections.RedisAddr == "" {
			problems = append(problems, "projections.redis_addr is required for the redis store")
		}
	default:
		problems = append(problems, fmt.Sprintf("projections.store %q must be empty or redis", c.Projections.Store))
	}

	for i, r := range c.Outbox.Routes {
		prefix, target, ok := strings.Cut(r.Destination, ":")
		if !ok || target == "" {
			problems = append(problems, fmt.Sprintf("outbox.routes[%d].destination %q must be <publisher>:<target>", i, r.Destination))
			continue
		}
		if !slices.Contains([]string{"kafka", "nats", "webhook"}, prefix) {
			problems = append(problems, fmt.Sprintf("outbox.routes[%d] uses unsupported publisher %q", i, prefix))
		}
		if prefix == "kafka" && len(c.Outbox.KafkaBrokers) == 0 {
			problems = append(problems, "outbox.kafka_brokers is required for kafka routes")
		}
		if prefix == "nats" && c.Outbox.NATSURL == "" {
			problems = append(problems, "outbox.nats_url is required for nats routes")
		}
	}

	if !slices.Contains([]string{"dev", "prod", "production", "development"}, strings.ToLower(c.Logging.Mode)) {
		problems = append(problems, fmt.Sprintf("logging.mode %q must be dev or prod", c.Logging.Mode))
	}

	return problems
}

// GenerateYAML renders a commented config file for init.
func GenerateYAML(cfg *Config) string {
	var b strings.Builder
	b.WriteString("# eventserver configuration\n")
	b.WriteString("# Every value can be overridden with EVENTSERVER_* environment variables,\n")
	b.WriteString("# e.g. EVENTSERVER_DATABASE_URL or EVENTSERVER_PROJECTIONS_REDIS_ADDR.\n\n")
	b.WriteString("version: \"1\"\n\n")

	fmt.Fprintf(&b, "project:\n  name: %q\n\n", cfg.Project.Name)

	b.WriteString("# Event log: memory, postgres or sqlite\n")
	fmt.Fprintf(&b, "database:\n  driver: %q\n", cfg.Database.Driver)
	switch cfg.Database.Driver {
	case DriverPostgres:
		url := cfg.Database.URL
		if url == "" {
			url = "${DATABASE_URL}"
		}
		fmt.Fprintf(&b, "  url: %q\n", url)
	case DriverSQLite:
		fmt.Fprintf(&b, "  path: %q\n", cfg.Database.Path)
	}
	if cfg.Database.Serializer != "" {
		fmt.Fprintf(&b, "  serializer: %q\n", cfg.Database.Serializer)
	}

	b.WriteString("\n# Projection documents: leave store empty to keep them in the database\n")
	b.WriteString("projections:\n")
	if cfg.Projections.Store == ProjectionStoreRedis {
		fmt.Fprintf(&b, "  store: redis\n  redis_addr: %q\n", cfg.Projections.RedisAddr)
	}
	fmt.Fprintf(&b, "  key_prefix: %q\n", cfg.Projections.KeyPrefix)

	b.WriteString("\n# Outbox routes, e.g.\n")
	b.WriteString("#   routes:\n#     - event_types: [PaymentCaptured]\n#       destination: kafka:payments\n")
	fmt.Fprintf(&b, "outbox:\n  max_attempts: %d\n", cfg.Outbox.MaxAttempts)

	fmt.Fprintf(&b, "\nlogging:\n  mode: %q\n  level: %q\n", cfg.Logging.Mode, cfg.Logging.Level)
	return b.String()
}
