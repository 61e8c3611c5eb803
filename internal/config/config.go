// Package config loads the settings shared by the command line tools and
// the browser test suite.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/thesyncim/browserfunc/pkg/harness"
	"github.com/thesyncim/browserfunc/pkg/peerconnection"
)

// EnvPrefix prefixes every environment override, e.g. BROWSERFUNC_LOGGER_LEVEL.
const EnvPrefix = "BROWSERFUNC"

// Config is the root configuration.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Harness   HarnessConfig   `mapstructure:"harness"`
	Signaling SignalingConfig `mapstructure:"signaling"`
}

// LoggerConfig configures the zap logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"` // console or json
	ServiceName string `mapstructure:"service_name"`
	AddSource   bool   `mapstructure:"add_source"`
}

// BrowserConfig holds the Chrome launch settings.
type BrowserConfig struct {
	Headless    bool     `mapstructure:"headless"`
	Bin         string   `mapstructure:"bin"`
	UserDataDir string   `mapstructure:"user_data_dir"`
	Flags       []string `mapstructure:"flags"`
}

// HarnessConfig holds the automation defaults.
type HarnessConfig struct {
	PageTimeout   time.Duration `mapstructure:"page_timeout"`
	WaitTimeout   time.Duration `mapstructure:"wait_timeout"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	ScriptTimeout time.Duration `mapstructure:"script_timeout"`
	DataDir       string        `mapstructure:"data_dir"`
	PrefsFile     string        `mapstructure:"prefs_file"`
}

// SignalingConfig describes the peerconnection server the WebRTC tests use.
type SignalingConfig struct {
	Addr string `mapstructure:"addr"`
	// Binary is a prebuilt peerconnection-server. Empty runs the server
	// in the test process.
	Binary         string        `mapstructure:"binary"`
	StartupTimeout time.Duration `mapstructure:"startup_timeout"`
	WaitTimeout    time.Duration `mapstructure:"wait_timeout"`
}

// SetDefaults registers every key with its default so environment
// overrides are seen by Unmarshal.
func SetDefaults(v *viper.Viper) {
	hc := harness.DefaultConfig()
	pc := peerconnection.DefaultConfig()

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "browserfunc")
	v.SetDefault("logger.add_source", false)

	v.SetDefault("browser.headless", hc.Headless)
	v.SetDefault("browser.bin", "")
	v.SetDefault("browser.user_data_dir", "")
	v.SetDefault("browser.flags", []string{})

	v.SetDefault("harness.page_timeout", hc.PageTimeout)
	v.SetDefault("harness.wait_timeout", hc.WaitTimeout)
	v.SetDefault("harness.poll_interval", hc.PollInterval)
	v.SetDefault("harness.script_timeout", hc.ScriptTimeout)
	v.SetDefault("harness.data_dir", "")
	v.SetDefault("harness.prefs_file", "")

	v.SetDefault("signaling.addr", pc.Addr)
	v.SetDefault("signaling.binary", "")
	v.SetDefault("signaling.startup_timeout", 10*time.Second)
	v.SetDefault("signaling.wait_timeout", pc.WaitTimeout)
}

// New returns a viper instance with defaults, the environment and, when
// present, the config file. configFile may be empty, in which case
// browserfunc.yaml is looked up in the working directory.
func New(configFile string) (*viper.Viper, error) {
	if err := LoadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("browserfunc")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return v, nil
}

// LoadDotEnv loads environment files without overriding variables that are
// already set. With no paths it reads .env. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load unmarshals and validates v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the values the tools cannot run without.
func (c *Config) Validate() error {
	switch c.Logger.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logger.format must be console or json, got %q", c.Logger.Format)
	}
	if c.Harness.WaitTimeout <= 0 {
		return errors.New("harness.wait_timeout must be positive")
	}
	if c.Harness.PollInterval <= 0 {
		return errors.New("harness.poll_interval must be positive")
	}
	if c.Harness.PollInterval > c.Harness.WaitTimeout {
		return errors.New("harness.poll_interval must not exceed harness.wait_timeout")
	}
	if c.Harness.ScriptTimeout <= 0 {
		return errors.New("harness.script_timeout must be positive")
	}
	if c.Signaling.Addr == "" {
		return errors.New("signaling.addr is required")
	}
	if c.Signaling.StartupTimeout <= 0 {
		return errors.New("signaling.startup_timeout must be positive")
	}
	return nil
}

// HarnessConfig converts the browser and harness sections.
func (c *Config) HarnessConfig() harness.Config {
	hc := harness.DefaultConfig()
	hc.Headless = c.Browser.Headless
	hc.Bin = c.Browser.Bin
	hc.UserDataDir = c.Browser.UserDataDir
	hc.Flags = append([]string(nil), c.Browser.Flags...)
	if c.Harness.PageTimeout > 0 {
		hc.PageTimeout = c.Harness.PageTimeout
	}
	hc.WaitTimeout = c.Harness.WaitTimeout
	hc.PollInterval = c.Harness.PollInterval
	hc.ScriptTimeout = c.Harness.ScriptTimeout
	hc.DataDir = c.Harness.DataDir
	hc.PrefsFile = c.Harness.PrefsFile
	return hc
}

// ServerConfig converts the signaling section.
func (c *Config) ServerConfig() peerconnection.Config {
	pc := peerconnection.DefaultConfig()
	pc.Addr = c.Signaling.Addr
	if c.Signaling.WaitTimeout > 0 {
		pc.WaitTimeout = c.Signaling.WaitTimeout
	}
	return pc
}
