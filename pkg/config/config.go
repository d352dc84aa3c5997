// Package config provides configuration structures and loading logic for the gateway.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-coap/pkg/domain"
)

// Config holds the global configuration for the gateway.
type Config struct {
	// ListenAddr is the HTTP listen address (e.g. ":8080").
	ListenAddr string `yaml:"listen_addr"`
	// SocketTimeout is the idle timeout of inbound connections. The gateway
	// timeout is derived from it.
	SocketTimeout time.Duration `yaml:"socket_timeout"`
	// SocketBufferSize sets the read and write buffers of accepted connections.
	SocketBufferSize int    `yaml:"socket_buffer_size"`
	ServerName       string `yaml:"server_name"`
	// MaxBodyBytes caps inbound request bodies.
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Proxy     ProxyConfig     `yaml:"proxy"`
	Local     LocalConfig     `yaml:"local"`
	Policy    PolicyConfig    `yaml:"policy"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Log       LogConfig       `yaml:"log"`
}

// ProxyConfig controls forwarding to remote CoAP servers.
type ProxyConfig struct {
	DefaultPort    int      `yaml:"default_port"`
	AllowedSchemes []string `yaml:"allowed_schemes"`
}

// LocalConfig lists the resources served under the local route.
type LocalConfig struct {
	Resources []ResourceConfig `yaml:"resources"`
}

// ResourceConfig is one local CoAP resource.
type ResourceConfig struct {
	Path    string `yaml:"path"`
	Content string `yaml:"content"`
	// ContentFormat is the numeric CoAP content format.
	ContentFormat uint16 `yaml:"content_format"`
}

// PolicyConfig configures the OPA target policy.
type PolicyConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ModulePath string `yaml:"module_path"`
	Query      string `yaml:"query"`
	FailMode   string `yaml:"fail_mode"`
}

// RateLimitConfig configures per-route admission limits.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// MetricsConfig holds Prometheus endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		ListenAddr:       ":8080",
		SocketTimeout:    100 * time.Second,
		SocketBufferSize: 8 * 1024,
		ServerName:       "Polis CoAP Gateway",
		MaxBodyBytes:     1 << 20,
		ShutdownTimeout:  10 * time.Second,
		Proxy: ProxyConfig{
			DefaultPort:    5683,
			AllowedSchemes: []string{"coap"},
		},
		Policy: PolicyConfig{
			Query:    "coap/gateway/decision",
			FailMode: "fail-closed",
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			ServiceName: "polis-coap",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// GatewayTimeout is how long an exchange waits for its downstream result:
// three quarters of the socket timeout, so the reply is written before the
// connection itself would time out.
func (c *Config) GatewayTimeout() time.Duration {
	return c.SocketTimeout * 3 / 4
}

// Load reads configuration from a file on top of the defaults and applies
// environment variable overrides. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Parse decodes YAML into cfg after expanding ${VAR} references.
func Parse(data []byte, cfg *Config) error {
	expanded := os.ExpandEnv(string(data))
	return yaml.Unmarshal([]byte(expanded), cfg)
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("COAP_GATEWAY_LISTEN_ADDR"); val != "" {
		cfg.ListenAddr = val
	}
	if val := os.Getenv("COAP_GATEWAY_SOCKET_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.SocketTimeout = d
		}
	}
	if val := os.Getenv("COAP_GATEWAY_LOG_LEVEL"); val != "" {
		cfg.Log.Level = val
	}
	if val := os.Getenv("COAP_GATEWAY_OTLP_ENDPOINT"); val != "" {
		cfg.Tracing.Endpoint = val
		cfg.Tracing.Enabled = true
	}
	if val := os.Getenv("COAP_GATEWAY_OTLP_INSECURE"); val == "true" {
		cfg.Tracing.Insecure = true
	}
	if val := os.Getenv("COAP_GATEWAY_POLICY_PATH"); val != "" {
		cfg.Policy.ModulePath = val
		cfg.Policy.Enabled = true
	}
}

// Validate performs validation of the entire configuration and normalises
// values that have a canonical form.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.ListenAddr) == "" {
		errs = append(errs, errors.New("listen_addr cannot be empty"))
	} else if _, port, err := net.SplitHostPort(c.ListenAddr); err != nil {
		errs = append(errs, fmt.Errorf("listen_addr %q: %w", c.ListenAddr, err))
	} else if n, err := strconv.Atoi(port); err != nil || n < 0 || n > 65535 {
		errs = append(errs, fmt.Errorf("listen_addr %q has invalid port", c.ListenAddr))
	}

	if c.SocketTimeout <= 0 {
		errs = append(errs, errors.New("socket_timeout must be positive"))
	} else if c.GatewayTimeout() <= 0 {
		errs = append(errs, errors.New("socket_timeout too small to derive a gateway timeout"))
	}
	if c.SocketBufferSize < 0 {
		errs = append(errs, errors.New("socket_buffer_size cannot be negative"))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("max_body_bytes must be positive"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown_timeout must be positive"))
	}

	if err := c.Proxy.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("proxy: %w", err))
	}
	if err := c.Local.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("local: %w", err))
	}
	if err := c.Policy.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("policy: %w", err))
	}
	if err := c.RateLimit.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("rate_limit: %w", err))
	}
	if err := c.Metrics.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("metrics: %w", err))
	}
	if err := c.Tracing.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("tracing: %w", err))
	}
	if err := c.Log.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("log: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", domain.ErrConfigInvalid, errors.Join(errs...))
	}
	return nil
}

// Validate performs validation of proxy configuration.
func (c *ProxyConfig) Validate() error {
	if c.DefaultPort == 0 {
		c.DefaultPort = 5683
	}
	if c.DefaultPort < 1 || c.DefaultPort > 65535 {
		return fmt.Errorf("default_port %d out of range", c.DefaultPort)
	}
	if len(c.AllowedSchemes) == 0 {
		c.AllowedSchemes = []string{"coap"}
	}
	for i, s := range c.AllowedSchemes {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			return fmt.Errorf("allowed_schemes[%d] is empty", i)
		}
		c.AllowedSchemes[i] = s
	}
	return nil
}

// Validate performs validation of local resource configuration.
func (c *LocalConfig) Validate() error {
	seen := make(map[string]struct{}, len(c.Resources))
	for i, res := range c.Resources {
		p := strings.Trim(strings.TrimSpace(res.Path), "/")
		if p == "" {
			return fmt.Errorf("resources[%d]: path cannot be empty", i)
		}
		if _, dup := seen[p]; dup {
			return fmt.Errorf("resources[%d]: duplicate path %q", i, res.Path)
		}
		seen[p] = struct{}{}
	}
	return nil
}

// Validate performs validation of policy configuration.
func (c *PolicyConfig) Validate() error {
	if strings.TrimSpace(c.Query) == "" {
		c.Query = "coap/gateway/decision"
	}
	mode := strings.ToLower(strings.TrimSpace(c.FailMode))
	switch mode {
	case "":
		c.FailMode = "fail-closed"
	case "fail-closed", "fail-open":
		c.FailMode = mode
	default:
		return fmt.Errorf("fail_mode %q must be fail-closed or fail-open", c.FailMode)
	}
	if c.Enabled && strings.TrimSpace(c.ModulePath) == "" {
		return errors.New("module_path cannot be empty when policy is enabled")
	}
	return nil
}

// Validate performs validation of rate limit configuration.
func (c *RateLimitConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.RequestsPerSecond <= 0 {
		return errors.New("requests_per_second must be positive")
	}
	if c.Burst < 0 {
		return errors.New("burst cannot be negative")
	}
	return nil
}

// Validate performs validation of metrics configuration.
func (c *MetricsConfig) Validate() error {
	if c.Path == "" {
		c.Path = "/metrics"
	}
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("path %q must start with /", c.Path)
	}
	switch c.Path {
	case "/proxy", "/local", "/health":
		return fmt.Errorf("path %q collides with a gateway route", c.Path)
	}
	return nil
}

// Validate performs validation of tracing configuration.
func (c *TracingConfig) Validate() error {
	if c.ServiceName == "" {
		c.ServiceName = "polis-coap"
	}
	if c.Enabled && strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint cannot be empty when tracing is enabled")
	}
	return nil
}

// Validate performs validation of logging configuration.
func (c *LogConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
		return nil
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}
}
