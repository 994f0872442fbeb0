package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. SKIPPER_MODEL_NAME
const EnvPrefix = "SKIPPER"

// providerKeyEnv names the conventional API key variable of each provider
var providerKeyEnv = map[string]string{
	ProviderAnthropic: "ANTHROPIC_API_KEY",
	ProviderOpenAI:    "OPENAI_API_KEY",
}

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader. An empty path means ~/.skipper/skipper.json.
func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// Load reads the config file over the defaults and applies SKIPPER_* environment
// overrides. A missing file is not an error.
func (l *Loader) Load() (*Config, error) {
	configPath, err := l.path()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("json")

	defaults, err := json.Marshal(DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to encode defaults: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("turn.max_parallel", EnvPrefix+"_MAX_PARALLEL", EnvPrefix+"_TURN_MAX_PARALLEL"); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyPaths(cfg); err != nil {
		return nil, err
	}
	if cfg.Model.APIKey == "" {
		if name, ok := providerKeyEnv[cfg.Model.Provider]; ok {
			cfg.Model.APIKey = os.Getenv(name)
		}
	}
	return cfg, nil
}

// applyPaths fills every unset path from the data directory
func applyPaths(cfg *Config) error {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".skipper")
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "skipper.log")
	}
	if cfg.Session.Dir == "" {
		cfg.Session.Dir = filepath.Join(cfg.DataDir, "sessions")
	}
	if cfg.Session.DBPath == "" {
		cfg.Session.DBPath = filepath.Join(cfg.DataDir, "sessions.db")
	}
	if cfg.Auth.AllowlistPath == "" {
		cfg.Auth.AllowlistPath = filepath.Join(cfg.DataDir, "allowlist.json")
	}
	return nil
}

// Save writes cfg to the config file with owner-only permissions
func (l *Loader) Save(cfg *Config) error {
	configPath, err := l.path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("model", cfg.Model)
	v.Set("turn", cfg.Turn)
	v.Set("completion", cfg.Completion)
	v.Set("auth", cfg.Auth)
	v.Set("session", cfg.Session)
	v.Set("logging", cfg.Logging)
	v.Set("metrics", cfg.Metrics)
	v.Set("hooks", cfg.Hooks)
	v.Set("data_dir", cfg.DataDir)
	v.Set("workspace_path", cfg.WorkspacePath)

	if err := v.WriteConfig(); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to write config file: %w", err)
		}
		if err := v.SafeWriteConfig(); err != nil {
			return fmt.Errorf("failed to write config file: %w", err)
		}
	}
	return os.Chmod(configPath, 0600)
}

// GetConfigPath returns the config file path, empty when the home directory
// cannot be resolved
func (l *Loader) GetConfigPath() string {
	path, err := l.path()
	if err != nil {
		return ""
	}
	return path
}

func (l *Loader) path() (string, error) {
	if l.configPath != "" {
		return l.configPath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".skipper", "skipper.json"), nil
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
