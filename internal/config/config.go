package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Skills   SkillsConfig   `json:"skills"`
	Runtime  RuntimeConfig  `json:"runtime"`
}

type ServerConfig struct {
	Port        int    `json:"port"`
	LogLevel    string `json:"log_level"`
	Environment string `json:"environment"`
}

// IsProduction reports whether the server runs in production.
func (s ServerConfig) IsProduction() bool {
	return s.Environment == "production" || s.Environment == "prod"
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

// SkillsConfig switches the skill center and parser features.
type SkillsConfig struct {
	CenterEnabled         bool    `json:"center_enabled"`
	ParserEnabled         bool    `json:"parser_enabled"`
	DynamicActionsEnabled bool    `json:"dynamic_actions_enabled"`
	ExportDir             string  `json:"export_dir"`
	BuiltinDir            string  `json:"builtin_dir"`
	NLThreshold           float64 `json:"nl_threshold"`
	AmbiguityMargin       float64 `json:"ambiguity_margin"`
	ParseDebugAllowInProd bool    `json:"parse_debug_allow_in_prod"`
}

type RuntimeConfig struct {
	DefaultEngine string         `json:"default_engine"`
	LockBackend   string         `json:"lock_backend"`
	LockTTLMs     int            `json:"lock_ttl_ms"`
	OpenClaw      OpenClawConfig `json:"openclaw"`
}

// LockTTL returns the lock TTL as a duration.
func (r RuntimeConfig) LockTTL() time.Duration {
	return time.Duration(r.LockTTLMs) * time.Millisecond
}

// OpenClawConfig configures the remote runtime gateway.
type OpenClawConfig struct {
	SyncEnabled    bool   `json:"sync_enabled"`
	GatewayURL     string `json:"gateway_url"`
	GatewayToken   string `json:"gateway_token"`
	Protocol       string `json:"protocol"`
	TimeoutMs      int    `json:"timeout_ms"`
	MaxRetries     *int   `json:"max_retries"`
	RetryBackoffMs int    `json:"retry_backoff_ms"`
	Policy         string `json:"policy"`
}

func (o OpenClawConfig) Timeout() time.Duration {
	return time.Duration(o.TimeoutMs) * time.Millisecond
}

// Retries returns the configured retry count. An explicit 0 disables retries.
func (o OpenClawConfig) Retries() int {
	if o.MaxRetries == nil {
		return 0
	}
	return *o.MaxRetries
}

func (o OpenClawConfig) RetryBackoff() time.Duration {
	return time.Duration(o.RetryBackoffMs) * time.Millisecond
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable references
// and applies defaults. The result is not validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes raw JSON config with environment substitution.
func Parse(data []byte) (*Config, error) {
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 3210
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.Environment == "" {
		c.Server.Environment = "development"
	}
	if c.Skills.NLThreshold == 0 {
		c.Skills.NLThreshold = 0.78
	}
	if c.Skills.AmbiguityMargin == 0 {
		c.Skills.AmbiguityMargin = 0.1
	}
	if c.Runtime.DefaultEngine == "" {
		c.Runtime.DefaultEngine = "local"
	}
	if c.Runtime.LockBackend == "" {
		c.Runtime.LockBackend = "local"
	}
	if c.Runtime.LockTTLMs == 0 {
		c.Runtime.LockTTLMs = 60_000
	}
	oc := &c.Runtime.OpenClaw
	if oc.Protocol == "" {
		oc.Protocol = "v2"
	}
	if oc.TimeoutMs == 0 {
		oc.TimeoutMs = 5000
	}
	if oc.MaxRetries == nil {
		retries := 2
		oc.MaxRetries = &retries
	}
	if oc.RetryBackoffMs == 0 {
		oc.RetryBackoffMs = 500
	}
	if oc.Policy == "" {
		oc.Policy = "strict_openclaw"
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	oc := c.Runtime.OpenClaw

	switch c.Runtime.DefaultEngine {
	case "local", "openclaw":
	default:
		errs = append(errs, fmt.Errorf("runtime.default_engine: unknown engine %q", c.Runtime.DefaultEngine))
	}
	switch c.Runtime.LockBackend {
	case "local":
	case "redis":
		if c.Database.Redis.URL == "" {
			errs = append(errs, errors.New("runtime.lock_backend redis requires database.redis.url"))
		}
	default:
		errs = append(errs, fmt.Errorf("runtime.lock_backend: unknown backend %q", c.Runtime.LockBackend))
	}
	if c.Runtime.LockTTLMs < 0 {
		errs = append(errs, errors.New("runtime.lock_ttl_ms must not be negative"))
	}
	switch oc.Protocol {
	case "v1", "v2":
	default:
		errs = append(errs, fmt.Errorf("runtime.openclaw.protocol: unknown protocol %q", oc.Protocol))
	}
	switch oc.Policy {
	case "strict_openclaw", "fallback_local":
	default:
		errs = append(errs, fmt.Errorf("runtime.openclaw.policy: unknown policy %q", oc.Policy))
	}
	if oc.TimeoutMs < 0 || oc.Retries() < 0 || oc.RetryBackoffMs < 0 {
		errs = append(errs, errors.New("runtime.openclaw timeouts and retries must not be negative"))
	}
	if oc.SyncEnabled && oc.GatewayURL == "" {
		errs = append(errs, errors.New("runtime.openclaw.gateway_url is required when sync_enabled"))
	}
	if c.Skills.NLThreshold < 0 || c.Skills.NLThreshold > 1 {
		errs = append(errs, errors.New("skills.nl_threshold must be within [0,1]"))
	}
	return errors.Join(errs...)
}
