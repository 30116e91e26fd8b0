package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.ListenAddr != ":8700" {
		t.Errorf("ListenAddr = %q, want :8700", cfg.Server.ListenAddr)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("Driver = %q, want sqlite", cfg.Database.Driver)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("Redis.Addr = %q, want localhost:6379", cfg.Redis.Addr)
	}
	if cfg.Scheduler.Tick != 5*time.Second {
		t.Errorf("Tick = %v, want 5s", cfg.Scheduler.Tick)
	}
	if cfg.Workers.HeartbeatInterval != 30*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 30s", cfg.Workers.HeartbeatInterval)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate, got: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"missing listen addr", func(c *Config) { c.Server.ListenAddr = "" }, true},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, true},
		{"postgres without dsn", func(c *Config) { c.Database.Driver = "postgres"; c.Database.DSN = "" }, true},
		{"postgres with dsn", func(c *Config) { c.Database.Driver = "postgres"; c.Database.DSN = "host=db" }, false},
		{"missing redis addr", func(c *Config) { c.Redis.Addr = "" }, true},
		{"zero tick", func(c *Config) { c.Scheduler.Tick = 0 }, true},
		{"no ingesters", func(c *Config) { c.Scheduler.IngesterConsumers = 0 }, true},
		{"zero heartbeat", func(c *Config) { c.Workers.HeartbeatInterval = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "foreman.yaml")
	data := `
server:
  listen_addr: ":9000"
database:
  driver: postgres
  dsn: "host=db user=foreman"
scheduler:
  tick: 2s
  max_in_flight_per_project: 8
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Server.ListenAddr != ":9000" {
		t.Errorf("ListenAddr = %q, want :9000", cfg.Server.ListenAddr)
	}
	if cfg.Database.Driver != "postgres" {
		t.Errorf("Driver = %q, want postgres", cfg.Database.Driver)
	}
	if cfg.Scheduler.Tick != 2*time.Second {
		t.Errorf("Tick = %v, want 2s", cfg.Scheduler.Tick)
	}
	if cfg.Scheduler.MaxInFlightPerProject != 8 {
		t.Errorf("MaxInFlightPerProject = %d, want 8", cfg.Scheduler.MaxInFlightPerProject)
	}

	// Unset fields keep their defaults.
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("Redis.Addr = %q, want default", cfg.Redis.Addr)
	}
	if cfg.Scheduler.IngesterConsumers != 2 {
		t.Errorf("IngesterConsumers = %d, want default 2", cfg.Scheduler.IngesterConsumers)
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	if _, err := LoadFromFile("/nonexistent/foreman.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("FOREMAN_LISTEN_ADDR", ":7777")
	t.Setenv("FOREMAN_REDIS_ADDR", "redis.internal:6379")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.ListenAddr != ":7777" {
		t.Errorf("ListenAddr = %q, want :7777", cfg.Server.ListenAddr)
	}
	if cfg.Redis.Addr != "redis.internal:6379" {
		t.Errorf("Redis.Addr = %q, want redis.internal:6379", cfg.Redis.Addr)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("FOREMAN_DB_DRIVER", "oracle")
	if _, err := Load(""); err == nil {
		t.Error("expected validation error for unknown driver")
	}
}
