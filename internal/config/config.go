// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Browser() BrowserConfig
	CDP() CDPConfig
	Proxy() ProxyConfig
	Recorder() RecorderConfig

	// Browser Setters
	SetBrowserHeadless(bool)
	SetBrowserExecutablePath(string)

	// Proxy Setters
	SetProxyAddress(string)
	SetProxyBlockedResourceTypes([]string)

	// Recorder Setters
	SetRecorderSink(string)
	SetRecorderPath(string)
}

// Config holds the entire application configuration.
// It uses private fields to enforce access through the Interface's getter methods.
type Config struct {
	logger   LoggerConfig
	browser  BrowserConfig
	cdp      CDPConfig
	proxy    ProxyConfig
	recorder RecorderConfig
}

// fileConfig is the exported mirror of Config that viper decodes into.
type fileConfig struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Browser  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	CDP      CDPConfig      `mapstructure:"cdp" yaml:"cdp"`
	Proxy    ProxyConfig    `mapstructure:"proxy" yaml:"proxy"`
	Recorder RecorderConfig `mapstructure:"recorder" yaml:"recorder"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig     { return c.logger }
func (c *Config) Browser() BrowserConfig   { return c.browser }
func (c *Config) CDP() CDPConfig           { return c.cdp }
func (c *Config) Proxy() ProxyConfig       { return c.proxy }
func (c *Config) Recorder() RecorderConfig { return c.recorder }

// --- Interface Method Implementations (Setters) ---

// Browser Setters
func (c *Config) SetBrowserHeadless(b bool)         { c.browser.Headless = b }
func (c *Config) SetBrowserExecutablePath(p string) { c.browser.ExecutablePath = p }

// Proxy Setters
func (c *Config) SetProxyAddress(addr string) { c.proxy.Address = addr }
func (c *Config) SetProxyBlockedResourceTypes(types []string) {
	c.proxy.BlockedResourceTypes = types
}

// Recorder Setters
func (c *Config) SetRecorderSink(s string) { c.recorder.Sink = s }
func (c *Config) SetRecorderPath(p string) { c.recorder.Path = p }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig holds settings for the launched browser engine.
type BrowserConfig struct {
	ExecutablePath    string        `mapstructure:"executable_path" yaml:"executable_path"`
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors   bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	UserDataDir       string        `mapstructure:"user_data_dir" yaml:"user_data_dir"`
	Args              []string      `mapstructure:"args" yaml:"args"`
	LaunchTimeout     time.Duration `mapstructure:"launch_timeout" yaml:"launch_timeout"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	UserAgent         string        `mapstructure:"user_agent" yaml:"user_agent"`
	Platform          string        `mapstructure:"platform" yaml:"platform"`
	AcceptLanguage    string        `mapstructure:"accept_language" yaml:"accept_language"`
	HeaderProfile     string        `mapstructure:"header_profile" yaml:"header_profile"`
}

// CDPConfig tunes the debugging protocol connection.
type CDPConfig struct {
	// WebSocketURL connects to an already running engine instead of launching one.
	WebSocketURL   string        `mapstructure:"ws_url" yaml:"ws_url"`
	CommandTimeout time.Duration `mapstructure:"command_timeout" yaml:"command_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ReadLimit      int64         `mapstructure:"read_limit" yaml:"read_limit"`
	TraceMessages  bool          `mapstructure:"trace_messages" yaml:"trace_messages"`
}

// Unresolved session policies for the intercepting proxy.
const (
	UnresolvedSessionPass   = "pass"
	UnresolvedSessionReject = "reject"
)

// ProxyConfig defines the configuration for the intercepting proxy.
type ProxyConfig struct {
	Enabled                 bool     `mapstructure:"enabled" yaml:"enabled"`
	Address                 string   `mapstructure:"address" yaml:"address"`
	CACert                  string   `mapstructure:"ca_cert" yaml:"ca_cert"`
	CAKey                   string   `mapstructure:"ca_key" yaml:"ca_key"`
	UnresolvedSessionPolicy string   `mapstructure:"unresolved_session_policy" yaml:"unresolved_session_policy"`
	UpstreamProxy           string   `mapstructure:"upstream_proxy" yaml:"upstream_proxy"`
	InsecureSkipVerify      bool     `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`
	BlockedResourceTypes    []string `mapstructure:"blocked_resource_types" yaml:"blocked_resource_types"`
	BlockedURLs             []string `mapstructure:"blocked_urls" yaml:"blocked_urls"`
	// RequestsPerSecond throttles forwarding per session. Zero disables throttling.
	RequestsPerSecond float64       `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	DialTimeout       time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	MetricsAddress    string        `mapstructure:"metrics_address" yaml:"metrics_address"`
	RecordBodies      bool          `mapstructure:"record_bodies" yaml:"record_bodies"`
	MaxRecordedBody   int64         `mapstructure:"max_recorded_body" yaml:"max_recorded_body"`
}

// RecorderConfig selects where the record stream is written.
type RecorderConfig struct {
	Sink          string        `mapstructure:"sink" yaml:"sink"`
	Path          string        `mapstructure:"path" yaml:"path"`
	DatabaseURL   string        `mapstructure:"database_url" yaml:"database_url"`
	Table         string        `mapstructure:"table" yaml:"table"`
	BatchSize     int           `mapstructure:"batch_size" yaml:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval" yaml:"flush_interval"`
}

// Recorder sinks.
const (
	SinkNone     = "none"
	SinkJSONL    = "jsonl"
	SinkPostgres = "postgres"
)

func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	cfg, err := unmarshal(v)
	if err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "scalpel-puppet")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.launch_timeout", "30s")
	v.SetDefault("browser.navigation_timeout", "60s")
	v.SetDefault("browser.header_profile", "chrome")
	v.SetDefault("browser.accept_language", "en-US,en;q=0.9")

	// -- CDP --
	v.SetDefault("cdp.command_timeout", "30s")
	v.SetDefault("cdp.write_timeout", "10s")
	v.SetDefault("cdp.read_limit", 64<<20)
	v.SetDefault("cdp.trace_messages", false)

	// -- Proxy --
	v.SetDefault("proxy.enabled", true)
	v.SetDefault("proxy.address", "127.0.0.1:0")
	// TLS interception is on by default; clearing both paths tunnels HTTPS.
	v.SetDefault("proxy.ca_cert", "~/.scalpel-puppet/ca.pem")
	v.SetDefault("proxy.ca_key", "~/.scalpel-puppet/ca-key.pem")
	v.SetDefault("proxy.unresolved_session_policy", UnresolvedSessionPass)
	v.SetDefault("proxy.insecure_skip_verify", false)
	v.SetDefault("proxy.requests_per_second", 0)
	v.SetDefault("proxy.dial_timeout", "15s")
	v.SetDefault("proxy.record_bodies", false)
	v.SetDefault("proxy.max_recorded_body", 1<<20)

	// -- Recorder --
	v.SetDefault("recorder.sink", SinkNone)
	v.SetDefault("recorder.path", "~/.scalpel-puppet/records.jsonl")
	v.SetDefault("recorder.table", "puppet_records")
	v.SetDefault("recorder.batch_size", 256)
	v.SetDefault("recorder.flush_interval", "1s")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	// Bind environment variables for sensitive data
	_ = v.BindEnv("recorder.database_url", "PUPPET_DATABASE_URL")

	cfg, err := unmarshal(v)
	if err != nil {
		return nil, err
	}

	// Manually load the DSN if Unmarshal didn't pick it up
	if cfg.recorder.Sink == SinkPostgres && cfg.recorder.DatabaseURL == "" {
		cfg.recorder.DatabaseURL = os.Getenv("PUPPET_DATABASE_URL")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var fc fileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg := &Config{
		logger:   fc.Logger,
		browser:  fc.Browser,
		cdp:      fc.CDP,
		proxy:    fc.Proxy,
		recorder: fc.Recorder,
	}
	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandPaths resolves a leading "~" in every file system path.
func (c *Config) expandPaths() error {
	paths := []*string{
		&c.logger.LogFile,
		&c.browser.ExecutablePath,
		&c.browser.UserDataDir,
		&c.proxy.CACert,
		&c.proxy.CAKey,
		&c.recorder.Path,
	}
	for _, p := range paths {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("expanding path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.cdp.CommandTimeout <= 0 {
		return fmt.Errorf("cdp.command_timeout must be a positive duration")
	}
	if c.browser.NavigationTimeout <= 0 {
		return fmt.Errorf("browser.navigation_timeout must be a positive duration")
	}
	switch strings.ToLower(c.proxy.UnresolvedSessionPolicy) {
	case UnresolvedSessionPass, UnresolvedSessionReject:
	default:
		return fmt.Errorf("proxy.unresolved_session_policy must be %q or %q, got %q",
			UnresolvedSessionPass, UnresolvedSessionReject, c.proxy.UnresolvedSessionPolicy)
	}
	if (c.proxy.CACert == "") != (c.proxy.CAKey == "") {
		return fmt.Errorf("proxy.ca_cert and proxy.ca_key must be set together")
	}
	if c.proxy.RequestsPerSecond < 0 {
		return fmt.Errorf("proxy.requests_per_second must not be negative")
	}
	switch c.recorder.Sink {
	case SinkNone:
	case SinkJSONL:
		if c.recorder.Path == "" {
			return fmt.Errorf("recorder.path is required for the jsonl sink")
		}
	case SinkPostgres:
		if c.recorder.DatabaseURL == "" {
			return fmt.Errorf("recorder.database_url is required for the postgres sink")
		}
	default:
		return fmt.Errorf("recorder.sink %q is not supported", c.recorder.Sink)
	}
	if c.recorder.BatchSize <= 0 {
		return fmt.Errorf("recorder.batch_size must be a positive integer")
	}
	return nil
}
