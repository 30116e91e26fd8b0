// Package config provides configuration loading and management for
// Foreman.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete Foreman configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Workers   WorkersConfig   `yaml:"workers"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	// ListenAddr is the HTTP listen address (default ":8700").
	ListenAddr string `yaml:"listen_addr"`
}

// DatabaseConfig configures the durable store.
type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver"`
	// DSN is the postgres DSN or the sqlite file path.
	DSN string `yaml:"dsn"`
}

// RedisConfig configures the stream queue.
type RedisConfig struct {
	// Addr is the Redis host:port.
	Addr string `yaml:"addr"`
	// Password is optional.
	Password string `yaml:"password"`
	// DB selects the Redis logical database.
	DB int `yaml:"db"`
}

// SchedulerConfig tunes the PM loops.
type SchedulerConfig struct {
	// Tick is the PM loop period.
	Tick time.Duration `yaml:"tick"`
	// MaxInFlightPerProject caps concurrently dispatched tasks per project.
	MaxInFlightPerProject int `yaml:"max_in_flight_per_project"`
	// MaxInFlightPerPhase caps concurrently dispatched tasks per phase.
	MaxInFlightPerPhase int `yaml:"max_in_flight_per_phase"`
	// IngesterConsumers is the size of the result-ingester pool.
	IngesterConsumers int `yaml:"ingester_consumers"`
}

// WorkersConfig tunes worker liveness.
type WorkersConfig struct {
	// HeartbeatInterval is the expected worker heartbeat cadence; workers
	// silent for twice this are classified offline.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8700",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "foreman.db",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Scheduler: SchedulerConfig{
			Tick:                  5 * time.Second,
			MaxInFlightPerProject: 4,
			MaxInFlightPerPhase:   1,
			IngesterConsumers:     2,
		},
		Workers: WorkersConfig{
			HeartbeatInterval: 30 * time.Second,
		},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	if c.Database.Driver != "sqlite" && c.Database.Driver != "postgres" {
		return fmt.Errorf("database.driver must be sqlite or postgres")
	}
	if c.Database.Driver == "postgres" && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for postgres")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.Scheduler.Tick <= 0 {
		return fmt.Errorf("scheduler.tick must be positive")
	}
	if c.Scheduler.IngesterConsumers < 1 {
		return fmt.Errorf("scheduler.ingester_consumers must be at least 1")
	}
	if c.Workers.HeartbeatInterval <= 0 {
		return fmt.Errorf("workers.heartbeat_interval must be positive")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file on top of the
// defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// Load resolves configuration: defaults, then the optional file, then
// environment overrides.
func Load(path string) (*Config, error) {
	config := DefaultConfig()
	if path != "" {
		loaded, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		config = loaded
	}
	config.applyEnv()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// applyEnv overlays FOREMAN_* environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("FOREMAN_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("FOREMAN_DB_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("FOREMAN_DB_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("FOREMAN_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("FOREMAN_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
}
