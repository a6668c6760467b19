// ABOUTME: Configuration loading and parsing for tabpilot
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete tabpilot configuration
type Config struct {
	Relay     RelayConfig     `yaml:"relay" toml:"relay"`
	Agent     AgentConfig     `yaml:"agent" toml:"agent"`
	Execution ExecutionConfig `yaml:"execution" toml:"execution"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Daemons   []DaemonConfig  `yaml:"daemons" toml:"daemons"`
	Capture   CaptureConfig   `yaml:"capture" toml:"capture"`
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// RelayConfig holds the websocket relay connection settings
type RelayConfig struct {
	URL               string        `yaml:"url" toml:"url"`
	HandshakeTimeout  time.Duration `yaml:"-" toml:"-"`
	ReconnectDelay    time.Duration `yaml:"-" toml:"-"`
	ReconnectMaxDelay time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	HandshakeTimeoutRaw  string `yaml:"handshake_timeout" toml:"handshake_timeout"`
	ReconnectDelayRaw    string `yaml:"reconnect_delay" toml:"reconnect_delay"`
	ReconnectMaxDelayRaw string `yaml:"reconnect_max_delay" toml:"reconnect_max_delay"`
}

// AgentConfig is the identity announced to the relay
type AgentConfig struct {
	ID           string   `yaml:"id" toml:"id"`
	Name         string   `yaml:"name" toml:"name"`
	Type         string   `yaml:"type" toml:"type"`
	Capabilities []string `yaml:"capabilities" toml:"capabilities"`
}

// ExecutionConfig holds correlator timing
type ExecutionConfig struct {
	DefaultDeadline time.Duration `yaml:"-" toml:"-"`
	ExpiredTTL      time.Duration `yaml:"-" toml:"-"`

	DefaultDeadlineRaw string `yaml:"default_deadline" toml:"default_deadline"`
	ExpiredTTLRaw      string `yaml:"expired_ttl" toml:"expired_ttl"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret" toml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"-" toml:"-"`

	TokenTTLRaw string `yaml:"token_ttl" toml:"token_ttl"`
}

// DaemonConfig describes one supervised process
type DaemonConfig struct {
	ID               string   `yaml:"id" toml:"id"`
	Kind             string   `yaml:"kind" toml:"kind"`
	Command          string   `yaml:"command" toml:"command"`
	Args             []string `yaml:"args" toml:"args"`
	Env              []string `yaml:"env" toml:"env"`
	TargetAddress    string   `yaml:"target_address" toml:"target_address"`
	Ports            []int    `yaml:"ports" toml:"ports"`
	DestinationDir   string   `yaml:"destination_dir" toml:"destination_dir"`
	FailureThreshold int      `yaml:"failure_threshold" toml:"failure_threshold"`
	MaxRestarts      int      `yaml:"max_restarts" toml:"max_restarts"`
	ProbeURL         string   `yaml:"probe_url" toml:"probe_url"`

	HealthInterval time.Duration `yaml:"-" toml:"-"`
	HealthTimeout  time.Duration `yaml:"-" toml:"-"`
	RestartWindow  time.Duration `yaml:"-" toml:"-"`
	StartGrace     time.Duration `yaml:"-" toml:"-"`
	ReadyTimeout   time.Duration `yaml:"-" toml:"-"`
	StopTimeout    time.Duration `yaml:"-" toml:"-"`

	HealthIntervalRaw string `yaml:"health_interval" toml:"health_interval"`
	HealthTimeoutRaw  string `yaml:"health_timeout" toml:"health_timeout"`
	RestartWindowRaw  string `yaml:"restart_window" toml:"restart_window"`
	StartGraceRaw     string `yaml:"start_grace" toml:"start_grace"`
	ReadyTimeoutRaw   string `yaml:"ready_timeout" toml:"ready_timeout"`
	StopTimeoutRaw    string `yaml:"stop_timeout" toml:"stop_timeout"`
}

// CaptureConfig holds screenshot defaults
type CaptureConfig struct {
	DefaultFormat  string        `yaml:"default_format" toml:"default_format"`
	DefaultQuality int           `yaml:"default_quality" toml:"default_quality"`
	MinBytes       int           `yaml:"min_bytes" toml:"min_bytes"`
	Timeout        time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Defaults applied by Load when a value is unset.
const (
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultReconnectDelay    = time.Second
	DefaultReconnectMaxDelay = 30 * time.Second
	DefaultDeadline          = 30 * time.Second
	DefaultExpiredTTL        = 5 * time.Minute
	DefaultTokenTTL          = time.Hour
	DefaultCaptureTimeout    = 10 * time.Second
	DefaultHTTPAddr          = "127.0.0.1:8088"
	DefaultMetricsPath       = "/metrics"
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded first.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		format = "toml"
	}
	return Parse(data, format)
}

// Parse decodes, defaults and validates configuration bytes in the given
// format ("yaml" or "toml").
func Parse(data []byte, format string) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	switch format {
	case "toml":
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case "yaml", "yml", "":
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// applyEnvOverrides lets a few environment variables win over the file.
func (c *Config) applyEnvOverrides() {
	if p := os.Getenv("TABPILOT_DB_PATH"); p != "" {
		c.Database.Path = p
	}
	if s := os.Getenv("TABPILOT_JWT_SECRET"); s != "" {
		c.Auth.JWTSecret = s
	}
	if u := os.Getenv("TABPILOT_RELAY_URL"); u != "" {
		c.Relay.URL = u
	}
}

func (c *Config) applyDefaults() {
	setDuration(&c.Relay.HandshakeTimeout, DefaultHandshakeTimeout)
	setDuration(&c.Relay.ReconnectDelay, DefaultReconnectDelay)
	setDuration(&c.Relay.ReconnectMaxDelay, DefaultReconnectMaxDelay)
	setDuration(&c.Execution.DefaultDeadline, DefaultDeadline)
	setDuration(&c.Execution.ExpiredTTL, DefaultExpiredTTL)
	setDuration(&c.Auth.TokenTTL, DefaultTokenTTL)
	setDuration(&c.Capture.Timeout, DefaultCaptureTimeout)

	if c.Agent.Name == "" {
		c.Agent.Name = c.Agent.ID
	}
	if c.Agent.Type == "" {
		c.Agent.Type = "tabpilot"
	}
	if c.Capture.DefaultFormat == "" {
		c.Capture.DefaultFormat = "png"
	}
	if c.Capture.DefaultQuality == 0 {
		c.Capture.DefaultQuality = 80
	}
	if c.Capture.MinBytes == 0 {
		c.Capture.MinBytes = 64
	}
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Database.Path == "" {
		c.Database.Path = DefaultDatabasePath()
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	for i := range c.Daemons {
		if c.Daemons[i].Kind == "" {
			c.Daemons[i].Kind = "generic"
		}
	}
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Relay.URL == "" {
		return fmt.Errorf("relay.url is required")
	}
	u, err := url.Parse(c.Relay.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("relay.url must be a ws:// or wss:// URL, got %q", c.Relay.URL)
	}
	if c.Relay.ReconnectMaxDelay < c.Relay.ReconnectDelay {
		return fmt.Errorf("relay.reconnect_max_delay must not be less than relay.reconnect_delay")
	}

	if c.Agent.ID == "" {
		return fmt.Errorf("agent.id is required")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 16 {
		return fmt.Errorf("auth.jwt_secret must be at least 16 bytes")
	}

	seen := make(map[string]bool, len(c.Daemons))
	for i, d := range c.Daemons {
		if d.ID == "" {
			return fmt.Errorf("daemons[%d].id is required", i)
		}
		if seen[d.ID] {
			return fmt.Errorf("daemons[%d]: duplicate id %q", i, d.ID)
		}
		seen[d.ID] = true
		if d.Command == "" {
			return fmt.Errorf("daemons[%d] (%s): command is required", i, d.ID)
		}
		switch d.Kind {
		case "browser", "relay", "generic":
		default:
			return fmt.Errorf("daemons[%d] (%s): kind must be browser, relay or generic, got %q", i, d.ID, d.Kind)
		}
		for _, p := range d.Ports {
			if p <= 0 || p > 65535 {
				return fmt.Errorf("daemons[%d] (%s): port %d out of range", i, d.ID, p)
			}
		}
	}

	switch c.Capture.DefaultFormat {
	case "png", "jpeg", "webp":
	default:
		return fmt.Errorf("capture.default_format must be png, jpeg or webp, got %q", c.Capture.DefaultFormat)
	}
	if c.Capture.DefaultQuality < 0 || c.Capture.DefaultQuality > 100 {
		return fmt.Errorf("capture.default_quality must be between 0 and 100")
	}
	if c.Capture.MinBytes < 0 {
		return fmt.Errorf("capture.min_bytes must not be negative")
	}

	if _, err := c.Logging.SlogLevel(); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	return nil
}

// SlogLevel parses the configured level name.
func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("logging.level %q: %w", l.Level, err)
	}
	return level, nil
}

type rawDuration struct {
	name string
	raw  string
	dst  *time.Duration
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []rawDuration{
		{"relay.handshake_timeout", cfg.Relay.HandshakeTimeoutRaw, &cfg.Relay.HandshakeTimeout},
		{"relay.reconnect_delay", cfg.Relay.ReconnectDelayRaw, &cfg.Relay.ReconnectDelay},
		{"relay.reconnect_max_delay", cfg.Relay.ReconnectMaxDelayRaw, &cfg.Relay.ReconnectMaxDelay},
		{"execution.default_deadline", cfg.Execution.DefaultDeadlineRaw, &cfg.Execution.DefaultDeadline},
		{"execution.expired_ttl", cfg.Execution.ExpiredTTLRaw, &cfg.Execution.ExpiredTTL},
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"capture.timeout", cfg.Capture.TimeoutRaw, &cfg.Capture.Timeout},
	}
	for i := range cfg.Daemons {
		d := &cfg.Daemons[i]
		prefix := fmt.Sprintf("daemons[%d].", i)
		fields = append(fields,
			rawDuration{prefix + "health_interval", d.HealthIntervalRaw, &d.HealthInterval},
			rawDuration{prefix + "health_timeout", d.HealthTimeoutRaw, &d.HealthTimeout},
			rawDuration{prefix + "restart_window", d.RestartWindowRaw, &d.RestartWindow},
			rawDuration{prefix + "start_grace", d.StartGraceRaw, &d.StartGrace},
			rawDuration{prefix + "ready_timeout", d.ReadyTimeoutRaw, &d.ReadyTimeout},
			rawDuration{prefix + "stop_timeout", d.StopTimeoutRaw, &d.StopTimeout},
		)
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}
	return nil
}

// DefaultPath returns the config file location: TABPILOT_CONFIG if set,
// otherwise tabpilot.yaml under the XDG config directory.
func DefaultPath() string {
	if p := os.Getenv("TABPILOT_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), "tabpilot", "tabpilot.yaml")
}

// DefaultDatabasePath returns tabpilot.db under the XDG data directory.
func DefaultDatabasePath() string {
	return filepath.Join(xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share")), "tabpilot", "tabpilot.db")
}

func xdgDir(env, fallback string) string {
	if dir := os.Getenv(env); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return fallback
	}
	return filepath.Join(home, fallback)
}
