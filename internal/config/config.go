// Package config loads, validates, and exposes the slowhello configuration.
// Values come from defaults, an optional JSON or YAML file, environment
// variables and explicit overrides, in increasing order of precedence. The
// resulting *Config is passed explicitly to every component at startup.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mcncl/slowhello/internal/errors"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Log       LogConfig       `json:"log" yaml:"log"`
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
	Security  SecurityConfig  `json:"security" yaml:"security"`
	Events    EventsConfig    `json:"events" yaml:"events"`
}

// ServerConfig holds the listener, the hello route's delay and the watchdog timeout
type ServerConfig struct {
	Address string `json:"address" yaml:"address"`
	// HandlerDelay is how long the hello route sleeps before answering
	HandlerDelay time.Duration `json:"handler_delay" yaml:"handler_delay"`
	// RequestTimeout is the watchdog deadline raced against HandlerDelay
	RequestTimeout  time.Duration `json:"request_timeout" yaml:"request_timeout"`
	TimeoutStatus   int           `json:"timeout_status" yaml:"timeout_status"`
	TimeoutHeader   string        `json:"timeout_header" yaml:"timeout_header"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// TelemetryConfig holds OpenTelemetry tracing settings
type TelemetryConfig struct {
	EnableTracing bool    `json:"enable_tracing" yaml:"enable_tracing"`
	OTLPEndpoint  string  `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	ServiceName   string  `json:"service_name" yaml:"service_name"`
	Environment   string  `json:"environment" yaml:"environment"`
	SamplingRatio float64 `json:"sampling_ratio" yaml:"sampling_ratio"`
}

// SecurityConfig holds rate limiting and CORS settings
type SecurityConfig struct {
	// RateLimit and IPRateLimit are requests per minute; zero disables them
	RateLimit      int      `json:"rate_limit" yaml:"rate_limit"`
	IPRateLimit    int      `json:"ip_rate_limit" yaml:"ip_rate_limit"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`
	AllowedMethods []string `json:"allowed_methods" yaml:"allowed_methods"`
	AllowedHeaders []string `json:"allowed_headers" yaml:"allowed_headers"`

	// TrustForwardedFor keys the per-IP limit on X-Forwarded-For. Enable
	// only behind a proxy that sets the header.
	TrustForwardedFor bool `json:"trust_forwarded_for" yaml:"trust_forwarded_for"`
}

// EventsConfig holds the Pub/Sub outcome event sink settings
type EventsConfig struct {
	Enabled         bool   `json:"enabled" yaml:"enabled"`
	ProjectID       string `json:"project_id" yaml:"project_id"`
	TopicID         string `json:"topic_id" yaml:"topic_id"`
	CredentialsFile string `json:"credentials_file" yaml:"credentials_file"`
}

// DefaultConfig returns the configuration the server runs with when nothing
// else is supplied: a 2s handler raced against a 1s timeout on 0.0.0.0:9999.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         "0.0.0.0:9999",
			HandlerDelay:    2 * time.Second,
			RequestTimeout:  1 * time.Second,
			TimeoutStatus:   408,
			TimeoutHeader:   "X-Timeout",
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "debug",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:  "localhost:4317",
			ServiceName:   "slowhello",
			Environment:   "development",
			SamplingRatio: 1.0,
		},
		Security: SecurityConfig{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{
				"Accept",
				"Content-Type",
				"X-Request-ID",
			},
		},
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Server.Address); err != nil {
		return errors.NewValidationError("Server.Address must be host:port")
	}
	if c.Server.HandlerDelay < 0 {
		return errors.NewValidationError("Server.HandlerDelay cannot be negative")
	}
	if c.Server.RequestTimeout <= 0 {
		return errors.NewValidationError("Server.RequestTimeout must be positive")
	}
	if c.Server.TimeoutStatus < 400 || c.Server.TimeoutStatus > 599 {
		return errors.NewValidationError("Server.TimeoutStatus must be a 4xx or 5xx status")
	}
	if c.Server.WriteTimeout > 0 && c.Server.WriteTimeout <= c.Server.RequestTimeout {
		return errors.NewValidationError("Server.WriteTimeout must exceed Server.RequestTimeout")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		return errors.NewValidationError("Log.Level must be one of: debug, info, warn, error")
	}

	if c.Telemetry.EnableTracing && c.Telemetry.OTLPEndpoint == "" {
		return errors.NewValidationError("Telemetry.OTLPEndpoint is required when tracing is enabled")
	}
	if c.Telemetry.SamplingRatio < 0 || c.Telemetry.SamplingRatio > 1 {
		return errors.NewValidationError("Telemetry.SamplingRatio must be between 0 and 1")
	}

	if c.Security.RateLimit < 0 {
		return errors.NewValidationError("Security.RateLimit cannot be negative")
	}
	if c.Security.IPRateLimit < 0 {
		return errors.NewValidationError("Security.IPRateLimit cannot be negative")
	}

	if c.Events.Enabled && (c.Events.ProjectID == "" || c.Events.TopicID == "") {
		return errors.NewValidationError("Events.ProjectID and Events.TopicID are required when events are enabled")
	}

	return nil
}

// parseDuration accepts whole seconds ("2") or a Go duration ("1500ms")
func parseDuration(val string) (time.Duration, error) {
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(val)
}

// LoadFromEnv returns a Config holding only the values set in the environment
func LoadFromEnv() (*Config, error) {
	cfg := &Config{}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overwrites cfg with every variable that is set, including ones
// set to a zero value such as HANDLER_DELAY=0 or ENABLE_EVENTS=false
func applyEnv(cfg *Config) error {
	durations := []struct {
		env    string
		target *time.Duration
	}{
		{"HANDLER_DELAY", &cfg.Server.HandlerDelay},
		{"REQUEST_TIMEOUT", &cfg.Server.RequestTimeout},
		{"READ_TIMEOUT", &cfg.Server.ReadTimeout},
		{"WRITE_TIMEOUT", &cfg.Server.WriteTimeout},
		{"IDLE_TIMEOUT", &cfg.Server.IdleTimeout},
		{"SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout},
	}
	for _, d := range durations {
		val := os.Getenv(d.env)
		if val == "" {
			continue
		}
		parsed, err := parseDuration(val)
		if err != nil {
			return errors.WithDetails(
				errors.NewValidationError("invalid duration in "+d.env),
				map[string]interface{}{"value": val},
			)
		}
		*d.target = parsed
	}

	if val := os.Getenv("ADDRESS"); val != "" {
		cfg.Server.Address = val
	}
	if val := os.Getenv("TIMEOUT_STATUS"); val != "" {
		status, err := strconv.Atoi(val)
		if err != nil {
			return errors.NewValidationError("TIMEOUT_STATUS must be an integer")
		}
		cfg.Server.TimeoutStatus = status
	}
	if val := os.Getenv("TIMEOUT_HEADER"); val != "" {
		cfg.Server.TimeoutHeader = val
	}

	if val := os.Getenv("LOG_LEVEL"); val != "" {
		cfg.Log.Level = val
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		cfg.Log.Format = val
	}

	if val := os.Getenv("ENABLE_TRACING"); val != "" {
		cfg.Telemetry.EnableTracing = strings.ToLower(val) == "true" || val == "1"
	}
	if val := os.Getenv("OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("ENVIRONMENT"); val != "" {
		cfg.Telemetry.Environment = val
	}
	if val := os.Getenv("TRACE_SAMPLING_RATIO"); val != "" {
		if ratio, err := strconv.ParseFloat(val, 64); err == nil && ratio >= 0 && ratio <= 1 {
			cfg.Telemetry.SamplingRatio = ratio
		}
	}

	if val := os.Getenv("RATE_LIMIT"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil && limit >= 0 {
			cfg.Security.RateLimit = limit
		}
	}
	if val := os.Getenv("IP_RATE_LIMIT"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil && limit >= 0 {
			cfg.Security.IPRateLimit = limit
		}
	}
	if val := os.Getenv("TRUST_FORWARDED_FOR"); val != "" {
		cfg.Security.TrustForwardedFor = strings.ToLower(val) == "true" || val == "1"
	}
	if val := os.Getenv("ALLOWED_ORIGINS"); val != "" {
		cfg.Security.AllowedOrigins = strings.Split(val, ",")
	}

	if val := os.Getenv("ENABLE_EVENTS"); val != "" {
		cfg.Events.Enabled = strings.ToLower(val) == "true" || val == "1"
	}
	if val := os.Getenv("PROJECT_ID"); val != "" {
		cfg.Events.ProjectID = val
	}
	if val := os.Getenv("TOPIC_ID"); val != "" {
		cfg.Events.TopicID = val
	}
	if val := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); val != "" {
		cfg.Events.CredentialsFile = val
	}

	return nil
}

// LoadFromFile loads configuration from a JSON or YAML file. Durations in the
// file may be whole seconds or Go duration strings.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	if err := applyFile(cfg, path); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Mirror of ServerConfig with durations as strings
type fileServer struct {
	Address         string `json:"address" yaml:"address"`
	HandlerDelay    string `json:"handler_delay" yaml:"handler_delay"`
	RequestTimeout  string `json:"request_timeout" yaml:"request_timeout"`
	TimeoutStatus   int    `json:"timeout_status" yaml:"timeout_status"`
	TimeoutHeader   string `json:"timeout_header" yaml:"timeout_header"`
	ReadTimeout     string `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    string `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     string `json:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout string `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type fileConfig struct {
	Server    fileServer      `json:"server" yaml:"server"`
	Log       LogConfig       `json:"log" yaml:"log"`
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
	Security  SecurityConfig  `json:"security" yaml:"security"`
	Events    EventsConfig    `json:"events" yaml:"events"`
}

// applyFile decodes path on top of cfg. Keys absent from the file keep their
// current value; keys present replace it even when zero.
func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "failed to read config file")
	}

	fc := fileConfig{
		Server: fileServer{
			Address:         cfg.Server.Address,
			HandlerDelay:    formatDuration(cfg.Server.HandlerDelay),
			RequestTimeout:  formatDuration(cfg.Server.RequestTimeout),
			TimeoutStatus:   cfg.Server.TimeoutStatus,
			TimeoutHeader:   cfg.Server.TimeoutHeader,
			ReadTimeout:     formatDuration(cfg.Server.ReadTimeout),
			WriteTimeout:    formatDuration(cfg.Server.WriteTimeout),
			IdleTimeout:     formatDuration(cfg.Server.IdleTimeout),
			ShutdownTimeout: formatDuration(cfg.Server.ShutdownTimeout),
		},
		Log:       cfg.Log,
		Telemetry: cfg.Telemetry,
		Security:  cfg.Security,
		Events:    cfg.Events,
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, &fc); err != nil {
			return errors.Wrap(err, "failed to parse JSON config file")
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return errors.Wrap(err, "failed to parse YAML config file")
		}
	default:
		return errors.NewValidationError("unsupported config file format: " + ext)
	}

	next := *cfg
	next.Server.Address = fc.Server.Address
	next.Server.TimeoutStatus = fc.Server.TimeoutStatus
	next.Server.TimeoutHeader = fc.Server.TimeoutHeader
	next.Log = fc.Log
	next.Telemetry = fc.Telemetry
	next.Security = fc.Security
	next.Events = fc.Events

	durations := []struct {
		name   string
		val    string
		target *time.Duration
	}{
		{"handler_delay", fc.Server.HandlerDelay, &next.Server.HandlerDelay},
		{"request_timeout", fc.Server.RequestTimeout, &next.Server.RequestTimeout},
		{"read_timeout", fc.Server.ReadTimeout, &next.Server.ReadTimeout},
		{"write_timeout", fc.Server.WriteTimeout, &next.Server.WriteTimeout},
		{"idle_timeout", fc.Server.IdleTimeout, &next.Server.IdleTimeout},
		{"shutdown_timeout", fc.Server.ShutdownTimeout, &next.Server.ShutdownTimeout},
	}
	for _, d := range durations {
		if d.val == "" {
			*d.target = 0
			continue
		}
		parsed, err := parseDuration(d.val)
		if err != nil {
			return errors.WithDetails(
				errors.NewValidationError("invalid duration for server."+d.name),
				map[string]interface{}{"value": d.val, "file": path},
			)
		}
		*d.target = parsed
	}

	*cfg = next
	return nil
}

// formatDuration is the inverse of parseDuration, with zero as ""
func formatDuration(d time.Duration) string {
	if d == 0 {
		return ""
	}
	return d.String()
}

// MergeConfigs merges two configurations, with non-zero values in override
// taking precedence. It suits sparse overrides such as command line flags;
// zero values in override are treated as unset.
func MergeConfigs(base, override *Config) *Config {
	result := *base

	if override == nil {
		return &result
	}

	// Server config
	if override.Server.Address != "" {
		result.Server.Address = override.Server.Address
	}
	if override.Server.HandlerDelay != 0 {
		result.Server.HandlerDelay = override.Server.HandlerDelay
	}
	if override.Server.RequestTimeout != 0 {
		result.Server.RequestTimeout = override.Server.RequestTimeout
	}
	if override.Server.TimeoutStatus != 0 {
		result.Server.TimeoutStatus = override.Server.TimeoutStatus
	}
	if override.Server.TimeoutHeader != "" {
		result.Server.TimeoutHeader = override.Server.TimeoutHeader
	}
	if override.Server.ReadTimeout != 0 {
		result.Server.ReadTimeout = override.Server.ReadTimeout
	}
	if override.Server.WriteTimeout != 0 {
		result.Server.WriteTimeout = override.Server.WriteTimeout
	}
	if override.Server.IdleTimeout != 0 {
		result.Server.IdleTimeout = override.Server.IdleTimeout
	}
	if override.Server.ShutdownTimeout != 0 {
		result.Server.ShutdownTimeout = override.Server.ShutdownTimeout
	}

	// Log config
	if override.Log.Level != "" {
		result.Log.Level = override.Log.Level
	}
	if override.Log.Format != "" {
		result.Log.Format = override.Log.Format
	}

	// Telemetry config; booleans can only be switched on
	if override.Telemetry.EnableTracing {
		result.Telemetry.EnableTracing = true
	}
	if override.Telemetry.OTLPEndpoint != "" {
		result.Telemetry.OTLPEndpoint = override.Telemetry.OTLPEndpoint
	}
	if override.Telemetry.ServiceName != "" {
		result.Telemetry.ServiceName = override.Telemetry.ServiceName
	}
	if override.Telemetry.Environment != "" {
		result.Telemetry.Environment = override.Telemetry.Environment
	}
	if override.Telemetry.SamplingRatio != 0 {
		result.Telemetry.SamplingRatio = override.Telemetry.SamplingRatio
	}

	// Security config
	if override.Security.RateLimit != 0 {
		result.Security.RateLimit = override.Security.RateLimit
	}
	if override.Security.IPRateLimit != 0 {
		result.Security.IPRateLimit = override.Security.IPRateLimit
	}
	if override.Security.TrustForwardedFor {
		result.Security.TrustForwardedFor = true
	}
	if len(override.Security.AllowedOrigins) > 0 {
		result.Security.AllowedOrigins = override.Security.AllowedOrigins
	}
	if len(override.Security.AllowedMethods) > 0 {
		result.Security.AllowedMethods = override.Security.AllowedMethods
	}
	if len(override.Security.AllowedHeaders) > 0 {
		result.Security.AllowedHeaders = override.Security.AllowedHeaders
	}

	// Events config
	if override.Events.Enabled {
		result.Events.Enabled = true
	}
	if override.Events.ProjectID != "" {
		result.Events.ProjectID = override.Events.ProjectID
	}
	if override.Events.TopicID != "" {
		result.Events.TopicID = override.Events.TopicID
	}
	if override.Events.CredentialsFile != "" {
		result.Events.CredentialsFile = override.Events.CredentialsFile
	}

	return &result
}

// Load loads the configuration from multiple sources with the following precedence:
// 1. Override (highest precedence)
// 2. Environment variables
// 3. Config file
// 4. Default values (lowest precedence)
func Load(configFile string, override *Config) (*Config, error) {
	cfg := DefaultConfig()

	if configFile != "" {
		if err := applyFile(cfg, configFile); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if override != nil {
		cfg = MergeConfigs(cfg, override)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// String returns a JSON representation of the configuration with the
// credentials path masked
func (c *Config) String() string {
	masked := *c

	if masked.Events.CredentialsFile != "" {
		masked.Events.CredentialsFile = "********"
	}

	bytes, err := json.MarshalIndent(masked, "", "  ")
	if err != nil {
		return fmt.Sprintf("Error marshaling config: %v", err)
	}

	return string(bytes)
}
