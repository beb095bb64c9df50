package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	JWT        JWTConfig        `mapstructure:"jwt"`
	Log        LogConfig        `mapstructure:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Security   SecurityConfig   `mapstructure:"security"`
	Automation AutomationConfig `mapstructure:"automation"`
	SLA        SLAConfig        `mapstructure:"sla"`
	Events     EventsConfig     `mapstructure:"events"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	TimeZone        string        `mapstructure:"timezone"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type JWTConfig struct {
	Secret    string        `mapstructure:"secret"`
	ExpiresIn time.Duration `mapstructure:"expires_in"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json, text
	Output     string `mapstructure:"output"` // stdout, file, both
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`    // MB
	MaxAge     int    `mapstructure:"max_age"`     // days
	MaxBackups int    `mapstructure:"max_backups"` // number of backup files
	Compress   bool   `mapstructure:"compress"`
}

type MonitoringConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MetricsPath string        `mapstructure:"metrics_path"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

// TracingConfig OpenTelemetry 追踪配置
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`     // OTLP gRPC endpoint, e.g. http://otel-collector:4317
	Insecure    bool    `mapstructure:"insecure"`     // plaintext for local/dev collectors
	SampleRatio float64 `mapstructure:"sample_ratio"` // 0.0~1.0
	ServiceName string  `mapstructure:"service_name"`
}

type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
	RBAC         RBACConfig         `mapstructure:"rbac"`
}

type CORSConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
}

// RateLimitingConfig 限流配置；bucket 按租户划分，未认证请求退化为客户端 IP
type RateLimitingConfig struct {
	Enabled           bool     `mapstructure:"enabled"`
	RequestsPerMinute int      `mapstructure:"requests_per_minute"`
	Burst             int      `mapstructure:"burst"`
	WhitelistTenants  []string `mapstructure:"whitelist_tenants"`
}

// RBACConfig maps role names to permission patterns ("rules.read", "sla.*", "*").
type RBACConfig struct {
	Enabled bool                `mapstructure:"enabled"`
	Roles   map[string][]string `mapstructure:"roles"`
}

type AutomationConfig struct {
	ActionTimeout   time.Duration        `mapstructure:"action_timeout"`
	ExecutorRetries int                  `mapstructure:"executor_retries"`
	RetryDelay      time.Duration        `mapstructure:"retry_delay"`
	CircuitBreaker  CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Webhook         WebhookConfig        `mapstructure:"webhook"`
}

type CircuitBreakerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	MaxFailures     int           `mapstructure:"max_failures"`
	ResetTimeout    time.Duration `mapstructure:"reset_timeout"`
	HalfOpenMaxReqs int           `mapstructure:"half_open_max_requests"`
}

type WebhookConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type SLAConfig struct {
	MaxRecomputeRetries int           `mapstructure:"max_recompute_retries"`
	MonitorInterval     time.Duration `mapstructure:"monitor_interval"` // 0 disables the sweep
	BreachTrigger       string        `mapstructure:"breach_trigger"`
}

type EventsConfig struct {
	Driver string      `mapstructure:"driver"` // log, amqp, nats
	AMQP   AMQPConfig  `mapstructure:"amqp"`
	NATS   NATSConfig  `mapstructure:"nats"`
	Relay  RelayConfig `mapstructure:"relay"`
}

type AMQPConfig struct {
	URL         string `mapstructure:"url"`
	Exchange    string `mapstructure:"exchange"`
	AppID       string `mapstructure:"app_id"`
	DialTimeout int    `mapstructure:"dial_timeout_seconds"`
}

type NATSConfig struct {
	URL           string `mapstructure:"url"`
	Stream        string `mapstructure:"stream"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

type RelayConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Interval    time.Duration `mapstructure:"interval"`
	BatchSize   int           `mapstructure:"batch_size"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffCap  time.Duration `mapstructure:"backoff_cap"`
}

// Load overlays whatever viper has read (config file + env) on top of the defaults.
func Load() (*Config, error) {
	cfg := GetDefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects combinations the runtime cannot start with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "mysql":
	default:
		return fmt.Errorf("database.driver must be postgres or mysql, got %q", c.Database.Driver)
	}
	switch c.Events.Driver {
	case "log":
	case "amqp":
		if c.Events.AMQP.URL == "" {
			return fmt.Errorf("events.amqp.url is required when events.driver=amqp")
		}
	case "nats":
		if c.Events.NATS.URL == "" {
			return fmt.Errorf("events.nats.url is required when events.driver=nats")
		}
	default:
		return fmt.Errorf("events.driver must be one of log, amqp, nats, got %q", c.Events.Driver)
	}
	if c.SLA.MaxRecomputeRetries < 1 {
		return fmt.Errorf("sla.max_recompute_retries must be >= 1")
	}
	if c.Automation.ActionTimeout <= 0 {
		return fmt.Errorf("automation.action_timeout must be > 0")
	}
	return nil
}

// ConnString 根据驱动拼装连接串；显式 dsn 优先
func (d DatabaseConfig) ConnString() string {
	if d.DSN != "" {
		return d.DSN
	}
	switch d.Driver {
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC&clientFoundRows=true",
			d.User, d.Password, d.Host, d.Port, d.Name)
	default:
		return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=%s",
			d.Host, d.User, d.Password, d.Name, d.Port, d.SSLMode, d.TimeZone)
	}
}

// GetDefaultConfig 返回默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "password",
			Name:            "servicedesk",
			SSLMode:         "disable",
			TimeZone:        "UTC",
			MaxOpenConns:    100,
			MaxIdleConns:    10,
			ConnMaxLifetime: 3600 * time.Second,
			AutoMigrate:     true,
		},
		JWT: JWTConfig{
			Secret:    "default-secret-key",
			ExpiresIn: 24 * time.Hour,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePath:   "./logs/servicedesk.log",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 3,
			Compress:   true,
		},
		Monitoring: MonitoringConfig{
			Enabled:     true,
			MetricsPath: "/metrics",
			Tracing: TracingConfig{
				Enabled:     false,
				Endpoint:    "http://localhost:4317",
				Insecure:    true,
				SampleRatio: 0.1,
				ServiceName: "servicedesk",
			},
		},
		Security: SecurityConfig{
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE"},
				AllowedHeaders: []string{"*"},
			},
			RateLimiting: RateLimitingConfig{
				Enabled:           true,
				RequestsPerMinute: 600,
				Burst:             100,
			},
		},
		Automation: AutomationConfig{
			ActionTimeout:   10 * time.Second,
			ExecutorRetries: 2,
			RetryDelay:      200 * time.Millisecond,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:         true,
				MaxFailures:     5,
				ResetTimeout:    60 * time.Second,
				HalfOpenMaxReqs: 3,
			},
			Webhook: WebhookConfig{
				Timeout: 5 * time.Second,
			},
		},
		SLA: SLAConfig{
			MaxRecomputeRetries: 3,
			MonitorInterval:     5 * time.Minute,
			BreachTrigger:       "sla.breached",
		},
		Events: EventsConfig{
			Driver: "log",
			AMQP: AMQPConfig{
				Exchange:    "servicedesk.events",
				AppID:       "servicedesk",
				DialTimeout: 30,
			},
			NATS: NATSConfig{
				Stream:        "SERVICEDESK_EVENTS",
				SubjectPrefix: "servicedesk",
			},
			Relay: RelayConfig{
				Enabled:     true,
				Interval:    2 * time.Second,
				BatchSize:   100,
				MaxAttempts: 10,
				BackoffBase: time.Second,
				BackoffCap:  5 * time.Minute,
			},
		},
	}
}
