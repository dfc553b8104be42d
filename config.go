package osgi

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/osgi/feeders"
)

// EnvPrefix prefixes every environment variable the framework reads.
const EnvPrefix = "OSGI"

// FrameworkConfig is the typed view of the launch properties.
type FrameworkConfig struct {
	Threading        bool          `prop:"framework.threading" env:"THREADING" yaml:"threading" toml:"threading" default:"true"`
	LogLevel         string        `prop:"framework.log.level" env:"LOG_LEVEL" yaml:"logLevel" toml:"log_level" default:"info"`
	UUID             string        `prop:"framework.uuid" env:"UUID" yaml:"uuid" toml:"uuid"`
	Storage          string        `prop:"framework.storage" env:"STORAGE" yaml:"storage" toml:"storage"`
	OperationTimeout time.Duration `prop:"framework.operation.timeout" env:"OPERATION_TIMEOUT" yaml:"operationTimeout" toml:"operation_timeout" default:"30s"`
	InstallBundles   []string      `prop:"framework.bundles.install" env:"BUNDLES_INSTALL" yaml:"install" toml:"install"`
	AutoStart        bool          `prop:"framework.bundles.autostart" env:"BUNDLES_AUTOSTART" yaml:"autostart" toml:"autostart" default:"true"`
	ConfigFile       string        `prop:"framework.config.file" env:"CONFIG_FILE" yaml:"-" toml:"-"`
}

// LoadFrameworkConfig layers defaults, an optional YAML or TOML file,
// OSGI_* environment variables and finally the launch properties.
func LoadFrameworkConfig(configuration map[string]any) (*FrameworkConfig, error) {
	cfg := &FrameworkConfig{}
	if err := (feeders.DefaultFeeder{}).Feed(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigInvalid, err)
	}

	if file := configFile(configuration); file != "" {
		f, err := feeders.ForFile(file)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfigInvalid, err)
		}
		if err := f.Feed(cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfigInvalid, err)
		}
		cfg.ConfigFile = file
	}

	err := feeders.FeedAll(cfg,
		feeders.NewAffixedEnvFeeder(EnvPrefix, ""),
		feeders.NewPropertyFeeder(configuration),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigInvalid, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.UUID == "" {
		cfg.UUID = uuid.NewString()
	}
	return cfg, nil
}

func configFile(configuration map[string]any) string {
	for k, v := range configuration {
		if strings.EqualFold(k, FrameworkConfigFile) {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return os.Getenv(EnvPrefix + "_CONFIG_FILE")
}

// Validate checks field ranges.
func (c *FrameworkConfig) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("%w: %s %q", ErrConfigInvalid, FrameworkLogLevel, c.LogLevel)
	}
	if c.OperationTimeout <= 0 {
		return fmt.Errorf("%w: %s must be positive", ErrConfigInvalid, FrameworkOperationTimeout)
	}
	if c.UUID != "" {
		if _, err := uuid.Parse(c.UUID); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrConfigInvalid, FrameworkUUID, err)
		}
	}
	return nil
}

// properties renders the configuration as framework properties, on top of
// any extra launch properties the caller supplied.
func (c *FrameworkConfig) properties(configuration map[string]any) map[string]any {
	out := make(map[string]any, len(configuration)+10)
	for k, v := range configuration {
		out[strings.ToLower(k)] = v
	}
	out[FrameworkVersion] = FrameworkVersionValue
	out[FrameworkVendor] = FrameworkVendorValue
	out[FrameworkUUID] = c.UUID
	out[FrameworkThreading] = c.Threading
	out[FrameworkLogLevel] = c.LogLevel
	out[FrameworkOperationTimeout] = c.OperationTimeout.String()
	out[FrameworkBundlesAutostart] = c.AutoStart
	if c.Storage != "" {
		out[FrameworkStorage] = c.Storage
	}
	if len(c.InstallBundles) > 0 {
		out[FrameworkBundlesInstall] = append([]string(nil), c.InstallBundles...)
	}
	if c.ConfigFile != "" {
		out[FrameworkConfigFile] = c.ConfigFile
	}
	return out
}
