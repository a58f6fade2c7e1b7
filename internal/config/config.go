// Package config loads the gateway configuration from YAML or JSON5 files.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/sessiongate/internal/auth"
	"github.com/haasonsaas/sessiongate/internal/buffer"
	"github.com/haasonsaas/sessiongate/internal/observability"
	"github.com/haasonsaas/sessiongate/internal/ratelimit"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server" json:"server"`
	Auth          AuthConfig          `yaml:"auth" json:"auth"`
	Gateway       GatewayConfig       `yaml:"gateway" json:"gateway"`
	Logging       LoggingConfig       `yaml:"logging" json:"logging"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// ServerConfig configures the HTTP listener shared by both transports.
type ServerConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`

	// WSPath is the WebSocket upgrade path.
	WSPath string `yaml:"ws_path" json:"ws_path"`

	// PathPrefix is prepended to every HTTP+SSE route.
	PathPrefix string `yaml:"path_prefix" json:"path_prefix"`

	// AllowedOrigins lists origins accepted for WebSocket upgrades and CORS.
	// Empty allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout" json:"handshake_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AuthConfig configures connection authentication.
type AuthConfig struct {
	JWTSecret      string         `yaml:"jwt_secret" json:"jwt_secret"`
	TokenExpiry    time.Duration  `yaml:"token_expiry" json:"token_expiry"`
	AllowAnonymous bool           `yaml:"allow_anonymous" json:"allow_anonymous"`
	APIKeys        []APIKeyConfig `yaml:"api_keys" json:"api_keys"`
}

// APIKeyConfig maps a static API key to a user.
type APIKeyConfig struct {
	Key    string   `yaml:"key" json:"key"`
	UserID string   `yaml:"user_id" json:"user_id"`
	Email  string   `yaml:"email" json:"email"`
	Name   string   `yaml:"name" json:"name"`
	Roles  []string `yaml:"roles" json:"roles"`
}

// GatewayConfig configures sessions, apps and outbound buffering.
type GatewayConfig struct {
	// DefaultApp receives session keys without a known app prefix.
	DefaultApp string      `yaml:"default_app" json:"default_app"`
	Apps       []AppConfig `yaml:"apps" json:"apps"`

	// MaxBuffer bounds each client's outbound queue.
	MaxBuffer int `yaml:"max_buffer" json:"max_buffer"`

	// OverflowPolicy is "drop-oldest" or "disconnect".
	OverflowPolicy string `yaml:"overflow_policy" json:"overflow_policy"`

	RateLimit ratelimit.Config `yaml:"rate_limit" json:"rate_limit"`
}

// AppConfig declares one engine app.
type AppConfig struct {
	ID string `yaml:"id" json:"id"`

	// Kind selects the engine implementation. Only "echo" is built in.
	Kind string `yaml:"kind" json:"kind"`

	ChunkSize int           `yaml:"chunk_size" json:"chunk_size"`
	Delay     time.Duration `yaml:"delay" json:"delay"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// ObservabilityConfig configures tracing export.
type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
}

// TracingConfig configures OTLP span export. An empty endpoint disables it.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint" json:"endpoint"`
	ServiceName  string  `yaml:"service_name" json:"service_name"`
	Environment  string  `yaml:"environment" json:"environment"`
	SamplingRate float64 `yaml:"sampling_rate" json:"sampling_rate"`
	Insecure     bool    `yaml:"insecure" json:"insecure"`
}

// AppKindEcho is the built-in engine that streams the input back.
const AppKindEcho = "echo"

// Load reads, merges and validates the configuration at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied and a single
// echo app.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.WSPath == "" {
		cfg.Server.WSPath = "/ws"
	}
	if cfg.Server.PathPrefix == "" {
		cfg.Server.PathPrefix = "/api"
	}
	cfg.Server.PathPrefix = "/" + strings.Trim(cfg.Server.PathPrefix, "/")
	if cfg.Server.HeartbeatInterval == 0 {
		cfg.Server.HeartbeatInterval = 30 * time.Second
	}
	if cfg.Server.HandshakeTimeout == 0 {
		cfg.Server.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 24 * time.Hour
	}

	if len(cfg.Gateway.Apps) == 0 {
		cfg.Gateway.Apps = []AppConfig{{ID: "assistant", Kind: AppKindEcho}}
	}
	for i := range cfg.Gateway.Apps {
		app := &cfg.Gateway.Apps[i]
		app.ID = strings.ToLower(strings.TrimSpace(app.ID))
		if app.Kind == "" {
			app.Kind = AppKindEcho
		}
	}
	if cfg.Gateway.DefaultApp == "" {
		cfg.Gateway.DefaultApp = cfg.Gateway.Apps[0].ID
	}
	cfg.Gateway.DefaultApp = strings.ToLower(strings.TrimSpace(cfg.Gateway.DefaultApp))
	if cfg.Gateway.MaxBuffer == 0 {
		cfg.Gateway.MaxBuffer = buffer.DefaultMaxBuffer
	}
	if cfg.Gateway.OverflowPolicy == "" {
		cfg.Gateway.OverflowPolicy = string(buffer.PolicyDropOldest)
	}
	if cfg.Gateway.RateLimit.RequestsPerSecond == 0 {
		cfg.Gateway.RateLimit.RequestsPerSecond = ratelimit.DefaultConfig().RequestsPerSecond
	}
	if cfg.Gateway.RateLimit.BurstSize == 0 {
		cfg.Gateway.RateLimit.BurstSize = ratelimit.DefaultConfig().BurstSize
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Observability.Tracing.ServiceName == "" {
		cfg.Observability.Tracing.ServiceName = "sessiongate"
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 0 and 65535"))
	}
	if !strings.HasPrefix(c.Server.WSPath, "/") {
		errs = append(errs, fmt.Errorf("server.ws_path must start with /"))
	}
	if c.Server.HeartbeatInterval < 0 {
		errs = append(errs, fmt.Errorf("server.heartbeat_interval must not be negative"))
	}

	if len(c.Auth.JWTSecret) > 0 && len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, fmt.Errorf("auth.jwt_secret must be at least 32 bytes"))
	}
	keys := map[string]bool{}
	for i, key := range c.Auth.APIKeys {
		if strings.TrimSpace(key.Key) == "" {
			errs = append(errs, fmt.Errorf("auth.api_keys[%d].key is required", i))
			continue
		}
		if keys[key.Key] {
			errs = append(errs, fmt.Errorf("auth.api_keys[%d].key is duplicated", i))
		}
		keys[key.Key] = true
	}

	apps := map[string]bool{}
	for i, app := range c.Gateway.Apps {
		switch {
		case app.ID == "":
			errs = append(errs, fmt.Errorf("gateway.apps[%d].id is required", i))
		case strings.Contains(app.ID, ":"):
			errs = append(errs, fmt.Errorf("gateway.apps[%d].id must not contain ':'", i))
		case apps[app.ID]:
			errs = append(errs, fmt.Errorf("gateway.apps[%d].id %q is duplicated", i, app.ID))
		}
		apps[app.ID] = true
		if app.Kind != AppKindEcho {
			errs = append(errs, fmt.Errorf("gateway.apps[%d].kind %q is not supported", i, app.Kind))
		}
		if app.ChunkSize < 0 {
			errs = append(errs, fmt.Errorf("gateway.apps[%d].chunk_size must not be negative", i))
		}
	}
	if !apps[c.Gateway.DefaultApp] {
		errs = append(errs, fmt.Errorf("gateway.default_app %q is not declared in gateway.apps", c.Gateway.DefaultApp))
	}
	if c.Gateway.MaxBuffer < 0 {
		errs = append(errs, fmt.Errorf("gateway.max_buffer must not be negative"))
	}
	if !buffer.Policy(c.Gateway.OverflowPolicy).Valid() {
		errs = append(errs, fmt.Errorf("gateway.overflow_policy must be %q or %q", buffer.PolicyDropOldest, buffer.PolicyDisconnect))
	}
	if c.Gateway.RateLimit.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("gateway.rate_limit.requests_per_second must not be negative"))
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or text"))
	}
	if rate := c.Observability.Tracing.SamplingRate; rate < 0 || rate > 1 {
		errs = append(errs, fmt.Errorf("observability.tracing.sampling_rate must be between 0 and 1"))
	}
	return errors.Join(errs...)
}

// AuthServiceConfig converts the auth section for auth.NewService.
func (c *Config) AuthServiceConfig() auth.Config {
	keys := make([]auth.APIKeyConfig, 0, len(c.Auth.APIKeys))
	for _, key := range c.Auth.APIKeys {
		keys = append(keys, auth.APIKeyConfig{
			Key:    key.Key,
			UserID: key.UserID,
			Email:  key.Email,
			Name:   key.Name,
			Roles:  key.Roles,
		})
	}
	return auth.Config{
		JWTSecret:      c.Auth.JWTSecret,
		TokenExpiry:    c.Auth.TokenExpiry,
		APIKeys:        keys,
		AllowAnonymous: c.Auth.AllowAnonymous,
	}
}

// BufferOptions returns the per-client buffer settings.
func (c *Config) BufferOptions() buffer.Options {
	return buffer.Options{
		MaxBuffer: c.Gateway.MaxBuffer,
		Policy:    buffer.Policy(c.Gateway.OverflowPolicy),
	}
}

// LogConfig returns the logger settings.
func (c *Config) LogConfig() observability.LogConfig {
	return observability.LogConfig{Level: c.Logging.Level, Format: c.Logging.Format}
}

// TraceConfig returns the tracer settings.
func (c *Config) TraceConfig(version string) observability.TraceConfig {
	t := c.Observability.Tracing
	return observability.TraceConfig{
		ServiceName:    t.ServiceName,
		ServiceVersion: version,
		Environment:    t.Environment,
		Endpoint:       t.Endpoint,
		SamplingRate:   t.SamplingRate,
		Insecure:       t.Insecure,
	}
}
