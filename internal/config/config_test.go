package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	if cfg.Server.Host == "" {
		t.Error("expected Server.Host to be set")
	}
	if cfg.Server.Port == 0 {
		t.Error("expected Server.Port to be non-zero")
	}
	if cfg.Database.Name == "" {
		t.Error("expected Database.Name to be set")
	}
	if cfg.Log.Level == "" {
		t.Error("expected Log.Level to be set")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestConfig_EngineDefaults(t *testing.T) {
	cfg := GetDefaultConfig()

	if cfg.SLA.MaxRecomputeRetries < 1 {
		t.Error("expected at least one recompute attempt")
	}
	if cfg.SLA.BreachTrigger != "sla.breached" {
		t.Errorf("unexpected breach trigger %q", cfg.SLA.BreachTrigger)
	}
	if cfg.Automation.ActionTimeout == 0 {
		t.Error("expected action timeout to be set")
	}
	if cfg.Automation.CircuitBreaker.MaxFailures == 0 {
		t.Error("expected circuit breaker max failures to be set")
	}
	if cfg.Events.Relay.BatchSize == 0 || cfg.Events.Relay.MaxAttempts == 0 {
		t.Error("expected relay batch size and max attempts to be set")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "unknown database driver",
			mutate:  func(c *Config) { c.Database.Driver = "oracle" },
			wantErr: "database.driver",
		},
		{
			name:    "amqp without url",
			mutate:  func(c *Config) { c.Events.Driver = "amqp" },
			wantErr: "events.amqp.url",
		},
		{
			name:    "nats without url",
			mutate:  func(c *Config) { c.Events.Driver = "nats" },
			wantErr: "events.nats.url",
		},
		{
			name:    "zero retries",
			mutate:  func(c *Config) { c.SLA.MaxRecomputeRetries = 0 },
			wantErr: "sla.max_recompute_retries",
		},
		{
			name:   "mysql is accepted",
			mutate: func(c *Config) { c.Database.Driver = "mysql" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestDatabaseConfig_ConnString(t *testing.T) {
	db := GetDefaultConfig().Database
	if got := db.ConnString(); !strings.Contains(got, "host=localhost") || !strings.Contains(got, "dbname=servicedesk") {
		t.Errorf("unexpected postgres dsn: %s", got)
	}

	db.Driver = "mysql"
	if got := db.ConnString(); !strings.HasPrefix(got, "postgres:password@tcp(localhost:5432)/servicedesk") {
		t.Errorf("unexpected mysql dsn: %s", got)
	}

	db.DSN = "explicit"
	if got := db.ConnString(); got != "explicit" {
		t.Errorf("explicit dsn should win, got %s", got)
	}
}

func TestLoad_OverlaysViperValues(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.Set("sla.max_recompute_retries", 7)
	viper.Set("automation.action_timeout", "3s")
	viper.Set("events.relay.batch_size", 10)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.SLA.MaxRecomputeRetries != 7 {
		t.Errorf("expected 7 retries, got %d", cfg.SLA.MaxRecomputeRetries)
	}
	if cfg.Automation.ActionTimeout != 3*time.Second {
		t.Errorf("expected 3s action timeout, got %s", cfg.Automation.ActionTimeout)
	}
	if cfg.Events.Relay.BatchSize != 10 {
		t.Errorf("expected batch size 10, got %d", cfg.Events.Relay.BatchSize)
	}
	// untouched values keep their defaults
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port, got %d", cfg.Server.Port)
	}
}

func TestLogOutput_File(t *testing.T) {
	lc := GetDefaultConfig().Log
	lc.Output = "file"
	lc.FilePath = filepath.Join(t.TempDir(), "logs", "app.log")

	w, err := logOutput(lc)
	if err != nil {
		t.Fatalf("logOutput failed: %v", err)
	}
	if w == nil {
		t.Fatal("expected writer")
	}
}
