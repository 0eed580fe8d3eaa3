// Package config loads the envom YAML configuration.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aitachi/envom/internal/capability"
	"github.com/aitachi/envom/internal/requestpkg"
)

const (
	DefaultListen               = "127.0.0.1:8000"
	DefaultStepTimeoutSeconds   = 30
	DefaultOracleTimeoutSeconds = 30
	DefaultMaxIterations        = 15
	DefaultOracleAPI            = "openai-completions"
)

type Config struct {
	Server       ServerConfig                `yaml:"server"`
	Log          LogConfig                   `yaml:"log"`
	Oracle       OracleConfig                `yaml:"oracle"`
	Dispatch     DispatchConfig              `yaml:"dispatch"`
	Pipeline     PipelineConfig              `yaml:"pipeline"`
	Intent       IntentConfig                `yaml:"intent"`
	Artifacts    ArtifactsConfig             `yaml:"artifacts"`
	Capabilities map[string]CapabilityConfig `yaml:"capabilities"`
	// RequestPackagesDir holds extra request package files; bindings in
	// Capabilities win over packages of the same name.
	RequestPackagesDir string `yaml:"request_packages_dir"`
}

type ServerConfig struct {
	Listen      string `yaml:"listen"`
	AdminListen string `yaml:"admin_listen"` // empty disables the admin server
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or console
}

type OracleConfig struct {
	Endpoint       string   `yaml:"endpoint"` // empty: no oracle, fallbacks only
	API            string   `yaml:"api"`      // openai-completions or anthropic-messages
	APIKey         string   `yaml:"api_key"`
	Model          string   `yaml:"model"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Temperature    *float64 `yaml:"temperature"`
	MaxTokens      int      `yaml:"max_tokens"`
	SystemPrompt   string   `yaml:"system_prompt"`
	Rules          []string `yaml:"rules"` // appended to the built-in decision rules

	// Fallbacks are tried in order when the primary endpoint is rate
	// limited, rejects the key or is down. A failing endpoint is skipped
	// for CooldownSeconds, growing with repeated failures.
	Fallbacks       []OracleEndpoint `yaml:"fallbacks"`
	CooldownSeconds int              `yaml:"cooldown_seconds"`
}

// OracleEndpoint is an alternative oracle; empty API and Model inherit the
// primary's.
type OracleEndpoint struct {
	Endpoint string `yaml:"endpoint"`
	API      string `yaml:"api"`
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
}

func (o OracleConfig) Timeout() time.Duration {
	return time.Duration(o.TimeoutSeconds) * time.Second
}

type DispatchConfig struct {
	StepTimeoutSeconds int `yaml:"step_timeout_seconds"`
}

func (d DispatchConfig) StepTimeout() time.Duration {
	return time.Duration(d.StepTimeoutSeconds) * time.Second
}

type PipelineConfig struct {
	MaxIterations int `yaml:"max_iterations"`
}

type IntentConfig struct {
	DefaultCapability string `yaml:"default_capability"`
}

type ArtifactsConfig struct {
	Backend     string      `yaml:"backend"` // memory, redis, sqlite, postgres
	DataDir     string      `yaml:"data_dir"`
	PostgresDSN string      `yaml:"postgres_dsn"`
	Redis       RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr       string `yaml:"addr"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	Prefix     string `yaml:"prefix"`
	TTLSeconds int    `yaml:"ttl_seconds"`
}

// CapabilityConfig binds a backend to a capability. Descriptor fields are
// only needed for capabilities outside the built-in catalogue.
type CapabilityConfig struct {
	ServiceID   string                 `yaml:"service_id"`
	Description string                 `yaml:"description"`
	Keywords    []string               `yaml:"keywords"`
	Parameters  []capability.Parameter `yaml:"parameters"`

	Request *requestpkg.Package `yaml:"request"`
	Lua     string              `yaml:"lua"`
	Plugin  string              `yaml:"plugin"`

	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// Backend names the configured backend, or "" when none is set.
func (c CapabilityConfig) Backend() string {
	switch {
	case c.Request != nil:
		return "request"
	case c.Lua != "":
		return "lua"
	case c.Plugin != "":
		return "plugin"
	}
	return ""
}

func (c CapabilityConfig) backends() int {
	n := 0
	if c.Request != nil {
		n++
	}
	if c.Lua != "" {
		n++
	}
	if c.Plugin != "" {
		n++
	}
	return n
}

func (c CapabilityConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Descriptor returns the declared descriptor for an extra capability.
func (c CapabilityConfig) Descriptor(name string) capability.Descriptor {
	return capability.Descriptor{
		Name:        name,
		ServiceID:   c.ServiceID,
		Description: c.Description,
		Keywords:    c.Keywords,
		Parameters:  c.Parameters,
	}
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Oracle.API == "" {
		c.Oracle.API = DefaultOracleAPI
	}
	if c.Oracle.TimeoutSeconds == 0 {
		c.Oracle.TimeoutSeconds = DefaultOracleTimeoutSeconds
	}
	if c.Dispatch.StepTimeoutSeconds == 0 {
		c.Dispatch.StepTimeoutSeconds = DefaultStepTimeoutSeconds
	}
	if c.Pipeline.MaxIterations == 0 {
		c.Pipeline.MaxIterations = DefaultMaxIterations
	}
	if c.Intent.DefaultCapability == "" {
		c.Intent.DefaultCapability = capability.FullInspection
	}
	if c.Artifacts.Backend == "" {
		c.Artifacts.Backend = "memory"
	}
	if c.Artifacts.Redis.Prefix == "" {
		c.Artifacts.Redis.Prefix = "envom:"
	}
}

func supportedOracleAPI(api string) bool {
	return api == "openai-completions" || api == "anthropic-messages"
}

// Validate rejects values the server cannot run with.
func (c *Config) Validate() error {
	var errs []string
	if c.Pipeline.MaxIterations < 1 {
		errs = append(errs, fmt.Sprintf("pipeline.max_iterations must be at least 1, got %d", c.Pipeline.MaxIterations))
	}
	if c.Dispatch.StepTimeoutSeconds < 0 {
		errs = append(errs, "dispatch.step_timeout_seconds must not be negative")
	}
	if c.Oracle.TimeoutSeconds < 0 {
		errs = append(errs, "oracle.timeout_seconds must not be negative")
	}
	if c.Oracle.MaxTokens < 0 {
		errs = append(errs, "oracle.max_tokens must not be negative")
	}
	if !supportedOracleAPI(c.Oracle.API) {
		errs = append(errs, fmt.Sprintf("oracle.api %q is not supported", c.Oracle.API))
	}
	if c.Oracle.CooldownSeconds < 0 {
		errs = append(errs, "oracle.cooldown_seconds must not be negative")
	}
	for i, fb := range c.Oracle.Fallbacks {
		if fb.Endpoint == "" {
			errs = append(errs, fmt.Sprintf("oracle.fallbacks[%d].endpoint is required", i))
		}
		if fb.API != "" && !supportedOracleAPI(fb.API) {
			errs = append(errs, fmt.Sprintf("oracle.fallbacks[%d].api %q is not supported", i, fb.API))
		}
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q is not supported", c.Log.Format))
	}
	switch c.Artifacts.Backend {
	case "memory":
	case "redis":
		if c.Artifacts.Redis.Addr == "" {
			errs = append(errs, "artifacts.redis.addr is required for the redis backend")
		}
	case "sqlite":
		if c.Artifacts.DataDir == "" {
			errs = append(errs, "artifacts.data_dir is required for the sqlite backend")
		}
	case "postgres":
		if c.Artifacts.PostgresDSN == "" {
			errs = append(errs, "artifacts.postgres_dsn is required for the postgres backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("artifacts.backend %q is not supported", c.Artifacts.Backend))
	}
	for name, cc := range c.Capabilities {
		if cc.backends() > 1 {
			errs = append(errs, fmt.Sprintf("capabilities.%s: set only one of request, lua, plugin", name))
		}
		if cc.TimeoutSeconds < 0 {
			errs = append(errs, fmt.Sprintf("capabilities.%s.timeout_seconds must not be negative", name))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)}`)

// expandEnv replaces ${VAR} with its value. Unset variables are left as is.
func expandEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse expands ${VAR} references, decodes data and applies defaults. It
// does not validate.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(expandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Set applies one of the recognized options by its short name:
// oracleEndpoint, maxIterations, stepTimeoutSeconds, oracleTimeoutSeconds.
func (c *Config) Set(key, value string) error {
	num := func() (int, error) {
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return 0, fmt.Errorf("option %s: %q is not an integer", key, value)
		}
		return n, nil
	}
	switch key {
	case "oracleEndpoint":
		c.Oracle.Endpoint = value
	case "maxIterations":
		n, err := num()
		if err != nil {
			return err
		}
		c.Pipeline.MaxIterations = n
	case "stepTimeoutSeconds":
		n, err := num()
		if err != nil {
			return err
		}
		c.Dispatch.StepTimeoutSeconds = n
	case "oracleTimeoutSeconds":
		n, err := num()
		if err != nil {
			return err
		}
		c.Oracle.TimeoutSeconds = n
	default:
		return fmt.Errorf("unknown option %q", key)
	}
	return nil
}

// SetAll applies "key=value" pairs with Set.
func (c *Config) SetAll(pairs []string) error {
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		if !ok {
			return fmt.Errorf("option %q: expected key=value", p)
		}
		if err := c.Set(strings.TrimSpace(key), value); err != nil {
			return err
		}
	}
	return nil
}
