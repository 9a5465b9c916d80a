package model

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

// AuthMode selects how an integration authenticates against its remote API.
type AuthMode string

const (
	AuthModeBasic  AuthMode = "basic"
	AuthModeBearer AuthMode = "bearer"
	AuthModeOAuth2 AuthMode = "oauth2"
)

// CredentialConfig holds the identity used by an integration.
type CredentialConfig struct {
	// Username is the account name or email for basic authentication.
	Username string `mapstructure:"username" yaml:"username"`

	// Secret is a reference to the password, API token, or access token:
	// "keyring:<key>", "env:<VAR>", or a literal value.
	Secret string `mapstructure:"secret" yaml:"secret"`

	// AuthMode is basic, bearer, or oauth2. Defaults to basic.
	AuthMode AuthMode `mapstructure:"auth_mode" yaml:"auth_mode"`
}

// IntegrationConfig holds the configuration for a single integration instance.
type IntegrationConfig struct {
	// ID is the unique identifier for this integration instance.
	ID string `mapstructure:"id" yaml:"id"`

	// Type identifies the integration kind ("jira" or "casb").
	Type string `mapstructure:"type" yaml:"type"`

	// Name is the user-defined label for this instance.
	Name string `mapstructure:"name" yaml:"name"`

	// BaseURL is the root URL of the remote service.
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`

	// Enabled controls whether the scheduler polls this instance.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Insecure disables TLS certificate verification.
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`

	// Schedule is the cron spec for fetch cycles.
	Schedule string `mapstructure:"schedule" yaml:"schedule"`

	// MirrorSchedule is the cron spec for incoming mirror cycles.
	MirrorSchedule string `mapstructure:"mirror_schedule" yaml:"mirror_schedule"`

	Credentials CredentialConfig `mapstructure:"credentials" yaml:"credentials"`

	// Settings holds integration-specific key-value settings
	// (e.g., fetch query, id offset, mirror tags).
	Settings map[string]string `mapstructure:"settings" yaml:"settings"`
}

// Setting returns a setting value or the empty string.
func (c IntegrationConfig) Setting(key string) string {
	if c.Settings == nil {
		return ""
	}
	return c.Settings[key]
}

// StoreConfig locates the local database and file store.
type StoreConfig struct {
	Path     string `mapstructure:"path" yaml:"path"`
	FilesDir string `mapstructure:"files_dir" yaml:"files_dir"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Store        StoreConfig         `mapstructure:"store" yaml:"store"`
	Log          LogConfig           `mapstructure:"log" yaml:"log"`
	Integrations []IntegrationConfig `mapstructure:"integrations" yaml:"integrations"`
}

// Integration returns the integration with the given ID.
func (c *AppConfig) Integration(id string) (IntegrationConfig, bool) {
	for _, ic := range c.Integrations {
		if ic.ID == id {
			return ic, true
		}
	}
	return IntegrationConfig{}, false
}

const (
	defaultSchedule       = "@every 1m"
	defaultMirrorSchedule = "@every 5m"
)

// ConfigDir returns ~/.config/incident-bridge.
func ConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "incident-bridge")
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/incident-bridge/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	return &AppConfig{
		Store: StoreConfig{
			Path:     filepath.Join(ConfigDir(), "bridge.db"),
			FilesDir: filepath.Join(ConfigDir(), "files"),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Integrations: []IntegrationConfig{},
	}
}

// NewViper returns a viper instance bound to path with all defaults set.
func NewViper(path string) *viper.Viper {
	def := defaultAppConfig()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("store.path", def.Store.Path)
	v.SetDefault("store.files_dir", def.Store.FilesDir)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.format", def.Log.Format)
	v.SetDefault("log.output", def.Log.Output)

	return v
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, it returns a default configuration.
func LoadConfig(path string) (*AppConfig, error) {
	v := NewViper(path)

	if err := v.ReadInConfig(); err != nil {
		var pathErr *os.PathError
		if errors.As(err, &pathErr) {
			return defaultAppConfig(), nil
		}
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return defaultAppConfig(), nil
		}
		return nil, errors.Wrapf(err, "reading config %s", path)
	}

	return DecodeConfig(v)
}

// DecodeConfig unmarshals an already-read viper instance and applies
// per-integration defaults.
func DecodeConfig(v *viper.Viper) (*AppConfig, error) {
	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config %s", v.ConfigFileUsed())
	}

	for i := range cfg.Integrations {
		ic := &cfg.Integrations[i]
		if ic.Schedule == "" {
			ic.Schedule = defaultSchedule
		}
		if ic.MirrorSchedule == "" {
			ic.MirrorSchedule = defaultMirrorSchedule
		}
		if ic.Credentials.AuthMode == "" {
			ic.Credentials.AuthMode = AuthModeBasic
		}
		if !ic.Enabled {
			// Viper unmarshals missing bools as false; treat unset as true.
			key := fmt.Sprintf("integrations.%d.enabled", i)
			if !v.IsSet(key) {
				ic.Enabled = true
			}
		}
	}

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating config directory %s", dir)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("store", cfg.Store)
	v.Set("log", cfg.Log)
	v.Set("integrations", cfg.Integrations)

	if err := v.WriteConfigAs(path); err != nil {
		return errors.Wrapf(err, "writing config to %s", path)
	}

	return nil
}
