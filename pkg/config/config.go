// Package config defines the runtime configuration structs, parsing
// helpers, and hot-reload wiring shared across the edge proxy.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/crypto/bcrypt"
)

// Config holds the full application configuration, loaded from TOML.
type Config struct {
	Server         ServerConfig           `toml:"server"`
	Cache          CacheConfig            `toml:"cache"`
	RateLimit      RateLimitConfig        `toml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig   `toml:"circuit_breaker"`
	TLS            TLSConfig              `toml:"tls"`
	Admin          AdminConfig            `toml:"admin"`
	Origins        map[string]OriginConfig `toml:"origins"`
	Edge           EdgeConfig             `toml:"edge"`
	Logging        LoggingConfig          `toml:"logging"`
	Telemetry      TelemetryConfig        `toml:"telemetry"`
}

// ServerConfig holds the proxy listener settings.
type ServerConfig struct {
	Host               string `toml:"host"`
	Port               int    `toml:"port"`
	Workers            int    `toml:"workers"`
	RequestTimeoutSecs int    `toml:"request_timeout_secs"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RequestTimeout returns the request deadline as a Duration.
func (s ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutSecs) * time.Second
}

// CacheTagsConfig controls the tag index bound.
type CacheTagsConfig struct {
	Enabled         bool `toml:"enabled"`
	MaxTagsPerEntry int  `toml:"max_tags_per_entry"`
}

// CacheHierarchyConfig controls optional L1/L2 tiering.
type CacheHierarchyConfig struct {
	Enabled            bool `toml:"enabled"`
	L1SizePercent      int  `toml:"l1_size_percent"`
	L2SizePercent      int  `toml:"l2_size_percent"`
	PromotionThreshold int  `toml:"promotion_threshold"`
}

// CacheConfig holds cache engine settings.
type CacheConfig struct {
	Enabled                  bool                 `toml:"enabled"`
	MaxSizeMB                int64                `toml:"max_size_mb"`
	MaxEntrySizeMB           int64                `toml:"max_entry_size_mb"`
	DefaultTTLSecs           int64                `toml:"default_ttl_secs"`
	MaxTTLSecs               int64                `toml:"max_ttl_secs"`
	StaleWhileRevalidateSecs int64                `toml:"stale_while_revalidate_secs"`
	RespectCacheControl      bool                 `toml:"respect_cache_control"`
	ShardCount               int                  `toml:"shard_count"`
	Tags                     CacheTagsConfig      `toml:"tags"`
	Hierarchy                CacheHierarchyConfig `toml:"hierarchy"`

	// Derived fields, populated by applyDefaults; not decoded from TOML.
	DefaultTTL           time.Duration `toml:"-"`
	MaxTTL               time.Duration `toml:"-"`
	StaleWhileRevalidate time.Duration `toml:"-"`
}

// RateLimitConfig holds token-bucket rate limiter settings.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerWindow float64 `toml:"requests_per_window"`
	WindowSecs        float64 `toml:"window_secs"`
	BurstSize         int     `toml:"burst_size"`
}

// Capacity returns the token bucket capacity derived from the window and
// burst settings.
func (r RateLimitConfig) Capacity() float64 {
	return r.RequestsPerWindow + float64(r.BurstSize)
}

// RefillRate returns tokens/sec.
func (r RateLimitConfig) RefillRate() float64 {
	if r.WindowSecs <= 0 {
		return r.RequestsPerWindow
	}
	return r.RequestsPerWindow / r.WindowSecs
}

// CircuitBreakerConfig holds the default per-origin circuit breaker
// parameters; origins may be extended to override these per-origin in
// the future, but today every origin shares one configuration.
type CircuitBreakerConfig struct {
	FailureThreshold  int `toml:"failure_threshold"`
	ResetTimeoutSecs  int `toml:"reset_timeout_secs"`
	SuccessThreshold  int `toml:"success_threshold"`
	HalfOpenMaxProbes int `toml:"half_open_max_probes"`
}

// TLSConfig holds TLS termination settings, consumed by the process
// entrypoint; the core pipeline has no TLS awareness.
type TLSConfig struct {
	CertPath string `toml:"cert_path"`
	KeyPath  string `toml:"key_path"`
}

// AdminConfig guards the admin HTTP surface.
type AdminConfig struct {
	AuthEnabled   bool     `toml:"auth_enabled"`
	AuthToken     string   `toml:"auth_token"`
	AuthTokenHash string   `toml:"auth_token_hash"`
	AllowedIPs    []string `toml:"allowed_ips"`
}

// OriginConfig describes one upstream origin.
type OriginConfig struct {
	URL                     string            `toml:"url"`
	HostHeader              string            `toml:"host_header"`
	TimeoutSecs             int               `toml:"timeout_secs"`
	MaxRetries              int               `toml:"max_retries"`
	Headers                 map[string]string `toml:"headers"`
	HealthCheckPath         string            `toml:"health_check_path"`
	HealthCheckIntervalSecs int               `toml:"health_check_interval_secs"`
	HealthCheckTimeoutSecs  int               `toml:"health_check_timeout_secs"`
}

func (o OriginConfig) Timeout() time.Duration {
	return time.Duration(o.TimeoutSecs) * time.Second
}

func (o OriginConfig) HealthCheckInterval() time.Duration {
	return time.Duration(o.HealthCheckIntervalSecs) * time.Second
}

func (o OriginConfig) HealthCheckTimeout() time.Duration {
	return time.Duration(o.HealthCheckTimeoutSecs) * time.Second
}

// RewriteRule is an ordered regex path rewrite, applied once per request.
type RewriteRule struct {
	Name    string `toml:"name"`
	Pattern string `toml:"pattern"`
	Replace string `toml:"replace"`
	Origin  string `toml:"origin"` // restrict to this origin; empty = all
}

// HeaderTransformAction is the kind of mutation applied to a header.
type HeaderTransformAction string

const (
	HeaderAdd     HeaderTransformAction = "add"
	HeaderRemove  HeaderTransformAction = "remove"
	HeaderReplace HeaderTransformAction = "replace"
)

// HeaderTransform adds, removes, or replaces a request or response header.
type HeaderTransform struct {
	Name     string                `toml:"header"`
	Action   HeaderTransformAction `toml:"action"`
	Value    string                `toml:"value"`
	Origin   string                `toml:"origin"`
	Response bool                  `toml:"response"` // apply to response instead of request
}

// RouteOverride conditionally swaps the target origin for matching
// requests, evaluated in priority order (highest first), first match
// wins.
type RouteOverride struct {
	Name     string `toml:"name"`
	Match    string `toml:"match"` // regex against the post-rewrite path
	Origin   string `toml:"origin"`
	Priority int    `toml:"priority"`
}

// EdgeConfig holds the edge rewrite/transform/route tables.
type EdgeConfig struct {
	Rewrites        []RewriteRule     `toml:"rewrites"`
	HeaderTransforms []HeaderTransform `toml:"header_transforms"`
	Routes          []RouteOverride   `toml:"routes"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level     string `toml:"level"`
	Format    string `toml:"format"`
	Output    string `toml:"output"`
	FilePath  string `toml:"file_path"`
	AddSource bool   `toml:"add_source"`
}

// TelemetryConfig holds OpenTelemetry/Prometheus settings.
type TelemetryConfig struct {
	ServiceName       string `toml:"service_name"`
	ServiceVersion    string `toml:"service_version"`
	Enabled           bool   `toml:"enabled"`
	PrometheusEnabled bool   `toml:"prometheus_enabled"`
}

// Load reads and parses the TOML config file at path.
func Load(path string) (*Config, error) {
	// #nosec G304 - path comes from CDN_CONFIG env var / --config flag, trusted operator input
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config toml: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults builds a Config with every default applied and no
// file backing it, useful for tests and --validate-config dry runs.
func LoadWithDefaults() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	return cfg
}

// Clone deep-copies the configuration via TOML round-trip.
func (c *Config) Clone() (*Config, error) {
	var buf strings.Builder
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return nil, fmt.Errorf("failed to marshal config for cloning: %w", err)
	}

	var clone Config
	if err := toml.Unmarshal([]byte(buf.String()), &clone); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config clone: %w", err)
	}

	clone.applyDefaults()
	return &clone, nil
}

// Save writes cfg back to path atomically (temp file + rename).
func Save(path string, cfg *Config) error {
	var buf strings.Builder
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, []byte(buf.String()), 0o600); err != nil {
		return fmt.Errorf("failed to write temp config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename config: %w", err)
	}
	return nil
}

// ConfigPathEnv is the environment variable selecting the config path.
const ConfigPathEnv = "CDN_CONFIG"

// DefaultConfigPath is used when ConfigPathEnv is unset.
const DefaultConfigPath = "config/cdn.toml"

// PathFromEnv resolves the config path from CDN_CONFIG, falling back to
// DefaultConfigPath.
func PathFromEnv() string {
	if p := strings.TrimSpace(os.Getenv(ConfigPathEnv)); p != "" {
		return p
	}
	return DefaultConfigPath
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Workers == 0 {
		c.Server.Workers = 0 // 0 = GOMAXPROCS
	}
	if c.Server.RequestTimeoutSecs == 0 {
		c.Server.RequestTimeoutSecs = 30
	}

	if c.Cache.MaxSizeMB == 0 {
		c.Cache.MaxSizeMB = 256
	}
	if c.Cache.MaxEntrySizeMB == 0 {
		c.Cache.MaxEntrySizeMB = 10
	}
	if c.Cache.DefaultTTLSecs == 0 {
		c.Cache.DefaultTTLSecs = 60
	}
	if c.Cache.MaxTTLSecs == 0 {
		c.Cache.MaxTTLSecs = 86400
	}
	if c.Cache.ShardCount == 0 {
		c.Cache.ShardCount = 32
	}
	if c.Cache.Tags.MaxTagsPerEntry == 0 {
		c.Cache.Tags.MaxTagsPerEntry = 10
	}
	if c.Cache.Hierarchy.L1SizePercent == 0 {
		c.Cache.Hierarchy.L1SizePercent = 20
	}
	if c.Cache.Hierarchy.L2SizePercent == 0 {
		c.Cache.Hierarchy.L2SizePercent = 80
	}
	if c.Cache.Hierarchy.PromotionThreshold == 0 {
		c.Cache.Hierarchy.PromotionThreshold = 3
	}
	c.Cache.DefaultTTL = time.Duration(c.Cache.DefaultTTLSecs) * time.Second
	c.Cache.MaxTTL = time.Duration(c.Cache.MaxTTLSecs) * time.Second
	c.Cache.StaleWhileRevalidate = time.Duration(c.Cache.StaleWhileRevalidateSecs) * time.Second

	if c.RateLimit.RequestsPerWindow == 0 {
		c.RateLimit.RequestsPerWindow = 100
	}
	if c.RateLimit.WindowSecs == 0 {
		c.RateLimit.WindowSecs = 60
	}

	if c.CircuitBreaker.FailureThreshold == 0 {
		c.CircuitBreaker.FailureThreshold = 5
	}
	if c.CircuitBreaker.ResetTimeoutSecs == 0 {
		c.CircuitBreaker.ResetTimeoutSecs = 30
	}
	if c.CircuitBreaker.SuccessThreshold == 0 {
		c.CircuitBreaker.SuccessThreshold = 3
	}
	if c.CircuitBreaker.HalfOpenMaxProbes == 0 {
		c.CircuitBreaker.HalfOpenMaxProbes = 1
	}

	for name, o := range c.Origins {
		if o.TimeoutSecs == 0 {
			o.TimeoutSecs = 10
		}
		if o.MaxRetries == 0 {
			o.MaxRetries = 2
		}
		if o.HealthCheckIntervalSecs == 0 {
			o.HealthCheckIntervalSecs = 10
		}
		if o.HealthCheckTimeoutSecs == 0 {
			o.HealthCheckTimeoutSecs = 2
		}
		c.Origins[name] = o
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "screaming-eagle"
	}
	if c.Telemetry.ServiceVersion == "" {
		c.Telemetry.ServiceVersion = "dev"
	}

	if c.Admin.AuthToken != "" && c.Admin.AuthTokenHash == "" {
		c.migrateAuthTokenToHash()
	}
}

// migrateAuthTokenToHash converts a plaintext admin token into its bcrypt
// hash on first load.
func (c *Config) migrateAuthTokenToHash() {
	hash, err := bcrypt.GenerateFromPassword([]byte(c.Admin.AuthToken), 12)
	if err != nil {
		return
	}
	c.Admin.AuthTokenHash = string(hash)
}

const (
	envLogLevel   = "LOG"
	envConfigPath = ConfigPathEnv
)

func (c *Config) applyEnvOverrides() {
	if level := strings.TrimSpace(os.Getenv(envLogLevel)); level != "" {
		c.Logging.Level = level
	}
}

// Validate checks the configuration for internally-inconsistent values.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid logging format: %s", c.Logging.Format)
	}
	validOutputs := map[string]bool{"stdout": true, "stderr": true, "file": true}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid logging output: %s", c.Logging.Output)
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		return fmt.Errorf("logging.file_path must be set when output is 'file'")
	}

	if c.Admin.AuthEnabled && c.Admin.AuthTokenHash == "" && c.Admin.AuthToken == "" {
		return fmt.Errorf("admin.auth_token must be set when admin.auth_enabled is true")
	}

	for name, o := range c.Origins {
		if strings.TrimSpace(o.URL) == "" {
			return fmt.Errorf("origins.%s.url cannot be empty", name)
		}
	}

	for _, r := range c.Edge.Rewrites {
		if strings.TrimSpace(r.Pattern) == "" {
			return fmt.Errorf("edge.rewrites entry %q missing pattern", r.Name)
		}
	}

	return nil
}
