package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const EnvProduction = "production"

type Config struct {
	Environment string          `yaml:"environment"`
	Server      ServerConfig    `yaml:"server"`
	Database    DatabaseConfig  `yaml:"database"`
	Redis       RedisConfig     `yaml:"redis"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Identity    IdentityConfig  `yaml:"identity"`
	Bypass      BypassConfig    `yaml:"bypass"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
	Events      EventsConfig    `yaml:"events"`
	Proxy       ProxyConfig     `yaml:"proxy"`
}

// IsProduction reports whether diagnostics and development fallbacks must be suppressed.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), EnvProduction)
}

type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Name            string        `yaml:"name"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

func (d DatabaseConfig) DSN() string {
	return "postgres://" + d.User + ":" + d.Password + "@" + d.Host + ":" + strconv.Itoa(d.Port) + "/" + d.Name + "?sslmode=disable"
}

type RedisConfig struct {
	Addresses []string `yaml:"addresses"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db"`
	PoolSize  int      `yaml:"pool_size"`
}

// Enabled is false when no address is configured; callers then use in-process state.
func (r RedisConfig) Enabled() bool {
	return len(r.Addresses) > 0 && strings.TrimSpace(r.Addresses[0]) != ""
}

type TelemetryConfig struct {
	LogLevel    string `yaml:"log_level"`
	MetricsPort int    `yaml:"metrics_port"`
}

type IdentityConfig struct {
	// DefaultTenantID is only used for requests on an OAuth callback path.
	DefaultTenantID       string   `yaml:"default_tenant_id"`
	OAuthCallbackPrefixes []string `yaml:"oauth_callback_prefixes"`
	// JWTSecret enables HMAC verification of bearer tokens; empty disables claim decoding.
	JWTSecret string `yaml:"jwt_secret"`
}

type BypassConfig struct {
	Expected      bool          `yaml:"expected"`
	Service       string        `yaml:"service"`
	TokenPath     string        `yaml:"token_path"`
	AdminEmail    string        `yaml:"admin_email"`
	AdminPassword string        `yaml:"admin_password"`
	TokenTTL      time.Duration `yaml:"token_ttl"`
	Timeout       time.Duration `yaml:"timeout"`
}

type RateLimitConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

// ProxyConfig tunes the downstream forwarder shared by all services.
type ProxyConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryInterval time.Duration `yaml:"recovery_interval"`
	MaxBodyBytes     int64         `yaml:"max_body_bytes"`
}

type EventsConfig struct {
	// Sinks lists the enabled event sinks: log, metrics, kafka, postgres.
	Sinks  []string    `yaml:"sinks"`
	Buffer int         `yaml:"buffer"`
	Kafka  KafkaConfig `yaml:"kafka"`
}

func (e EventsConfig) Has(sink string) bool {
	for _, s := range e.Sinks {
		if strings.EqualFold(strings.TrimSpace(s), sink) {
			return true
		}
	}
	return false
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

func DefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8080,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     60 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			Name:            "dealcycle",
			User:            "dealcycle",
			MaxOpenConns:    10,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			DB:       0,
			PoolSize: 20,
		},
		Telemetry: TelemetryConfig{
			LogLevel:    "info",
			MetricsPort: 9090,
		},
		Identity: IdentityConfig{
			OAuthCallbackPrefixes: []string{"/auth/google/callback", "/api/auth/google/callback"},
		},
		Bypass: BypassConfig{
			Service:   "auth",
			TokenPath: "/auth/login",
			TokenTTL:  15 * time.Minute,
			Timeout:   5 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled:  true,
			Requests: 100,
			Window:   time.Minute,
		},
		Events: EventsConfig{
			Sinks:  []string{"log", "metrics"},
			Buffer: 1024,
			Kafka: KafkaConfig{
				Topic: "dealcycle.session-events",
			},
		},
		Proxy: ProxyConfig{
			FailureThreshold: 5,
			RecoveryInterval: 10 * time.Second,
			MaxBodyBytes:     10 << 20,
		},
	}
}

// Validate checks cross-field constraints that YAML decoding cannot express.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, fmt.Errorf("server.port must be positive, got %d", c.Server.Port))
	}
	if c.Bypass.Expected {
		if c.Bypass.Service == "" {
			errs = append(errs, errors.New("bypass.service is required when bypass.expected is set"))
		}
		if c.Bypass.AdminEmail == "" || c.Bypass.AdminPassword == "" {
			errs = append(errs, errors.New("bypass.admin_email and bypass.admin_password are required when bypass.expected is set"))
		}
	}
	if c.Bypass.TokenTTL <= 0 {
		errs = append(errs, errors.New("bypass.token_ttl must be positive"))
	}
	if c.RateLimit.Enabled && (c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0) {
		errs = append(errs, errors.New("rate_limit.requests and rate_limit.window must be positive when enabled"))
	}
	if c.Events.Has("kafka") && len(c.Events.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("events.kafka.brokers is required when the kafka sink is enabled"))
	}
	if c.Proxy.FailureThreshold <= 0 {
		errs = append(errs, errors.New("proxy.failure_threshold must be positive"))
	}
	return errors.Join(errs...)
}
