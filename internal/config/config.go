package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Providers accepted in Model.Provider
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderScripted  = "scripted"
)

// Session backends
const (
	StoreJSONL  = "jsonl"
	StoreSQLite = "sqlite"
)

// Config represents the skipper configuration
type Config struct {
	Model      ModelConfig      `json:"model" mapstructure:"model"`
	Turn       TurnConfig       `json:"turn" mapstructure:"turn"`
	Completion CompletionConfig `json:"completion" mapstructure:"completion"`
	Auth       AuthConfig       `json:"auth" mapstructure:"auth"`
	Session    SessionConfig    `json:"session" mapstructure:"session"`
	Logging    LoggingConfig    `json:"logging" mapstructure:"logging"`
	Metrics    MetricsConfig    `json:"metrics" mapstructure:"metrics"`
	Hooks      []HookConfig     `json:"hooks" mapstructure:"hooks"`

	// Data directory, ~/.skipper when empty
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Workspace the tools operate in, the current directory when empty
	WorkspacePath string `json:"workspace_path" mapstructure:"workspace_path"`
}

// ModelConfig selects the model and its request parameters
type ModelConfig struct {
	Provider     string  `json:"provider" mapstructure:"provider"` // anthropic, openai, scripted
	Name         string  `json:"name" mapstructure:"name"`
	APIKey       string  `json:"api_key" mapstructure:"api_key"`
	BaseURL      string  `json:"base_url" mapstructure:"base_url"`
	SystemPrompt string  `json:"system_prompt" mapstructure:"system_prompt"`
	Temperature  float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens    int     `json:"max_tokens" mapstructure:"max_tokens"`
	MaxRetries   int     `json:"max_retries" mapstructure:"max_retries"`
	RetryDelayMs int     `json:"retry_delay_ms" mapstructure:"retry_delay_ms"`

	// Fallbacks are tried in priority order when the primary profile fails
	Fallbacks []ProfileConfig `json:"fallbacks" mapstructure:"fallbacks"`
}

// ProfileConfig is one additional provider credential
type ProfileConfig struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"`
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	BaseURL  string `json:"base_url" mapstructure:"base_url"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// TurnConfig bounds a single turn. Zero values fall back to the orchestrator defaults.
type TurnConfig struct {
	MaxIterations     int `json:"max_iterations" mapstructure:"max_iterations"`
	TimeoutSeconds    int `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	MaxParallel       int `json:"max_parallel" mapstructure:"max_parallel"`
	MaxEmptyRetries   int `json:"max_empty_retries" mapstructure:"max_empty_retries"`
	ReflectionEvery   int `json:"reflection_every" mapstructure:"reflection_every"` // negative disables
	ReflectionCap     int `json:"reflection_cap" mapstructure:"reflection_cap"`
	UnproductiveLimit int `json:"unproductive_limit" mapstructure:"unproductive_limit"`
}

// Timeout returns the turn timeout, zero for none
func (t TurnConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// CompletionConfig tunes completion detection
type CompletionConfig struct {
	Marker         string   `json:"marker" mapstructure:"marker"`
	PendingPhrases []string `json:"pending_phrases" mapstructure:"pending_phrases"`
	ActionEndings  []string `json:"action_endings" mapstructure:"action_endings"`
	MaxIteration   int      `json:"max_iteration" mapstructure:"max_iteration"`
}

// AuthConfig holds tool authorization settings
type AuthConfig struct {
	PlanMode               bool     `json:"plan_mode" mapstructure:"plan_mode"`
	Unrestricted           bool     `json:"unrestricted" mapstructure:"unrestricted"`
	IgnoreList             []string `json:"ignore_list" mapstructure:"ignore_list"`
	AllowlistPath          string   `json:"allowlist_path" mapstructure:"allowlist_path"`
	ApprovalTimeoutSeconds int      `json:"approval_timeout_seconds" mapstructure:"approval_timeout_seconds"`
}

// ApprovalTimeout returns how long an approval prompt waits
func (a AuthConfig) ApprovalTimeout() time.Duration {
	return time.Duration(a.ApprovalTimeoutSeconds) * time.Second
}

// SessionConfig selects the session store
type SessionConfig struct {
	Store       string `json:"store" mapstructure:"store"` // jsonl, sqlite
	Dir         string `json:"dir" mapstructure:"dir"`
	DBPath      string `json:"db_path" mapstructure:"db_path"`
	MaxMessages int    `json:"max_messages" mapstructure:"max_messages"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// MetricsConfig controls the prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Addr    string `json:"addr" mapstructure:"addr"`
}

// HookConfig is a shell command run on a turn lifecycle event
type HookConfig struct {
	ID             string `json:"id" mapstructure:"id"`
	Event          string `json:"event" mapstructure:"event"` // turn:start, turn:end, turn:failed
	Command        string `json:"command" mapstructure:"command"`
	TimeoutSeconds int    `json:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Model: ModelConfig{
			Provider:     ProviderAnthropic,
			Name:         "claude-sonnet-4-5",
			Temperature:  0.2,
			MaxTokens:    8192,
			MaxRetries:   3,
			RetryDelayMs: 1000,
		},
		Turn: TurnConfig{
			MaxIterations:     50,
			TimeoutSeconds:    600,
			MaxEmptyRetries:   2,
			ReflectionEvery:   5,
			ReflectionCap:     3,
			UnproductiveLimit: 3,
		},
		Completion: CompletionConfig{
			Marker:       "TASK COMPLETE:",
			MaxIteration: 1,
		},
		Auth: AuthConfig{
			ApprovalTimeoutSeconds: 300,
		},
		Session: SessionConfig{
			Store:       StoreJSONL,
			MaxMessages: 500,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			MaxSize:   50,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9464",
		},
	}
}

// String returns a JSON representation of the config with credentials masked
func (c *Config) String() string {
	masked := *c
	masked.Model.APIKey = maskKey(c.Model.APIKey)
	masked.Model.Fallbacks = make([]ProfileConfig, len(c.Model.Fallbacks))
	for i, p := range c.Model.Fallbacks {
		p.APIKey = maskKey(p.APIKey)
		masked.Model.Fallbacks[i] = p
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

func maskKey(key string) string {
	if len(key) <= 8 {
		if key == "" {
			return ""
		}
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}

// Validate checks required fields and value ranges
func (c *Config) Validate() error {
	if c.Model.Provider == "" {
		return fmt.Errorf("model provider is required")
	}
	if c.Model.Provider != ProviderScripted {
		if c.Model.Name == "" {
			return fmt.Errorf("model name is required")
		}
		if c.Model.APIKey == "" {
			return fmt.Errorf("no API key configured for provider %s", c.Model.Provider)
		}
	}
	for i, p := range c.Model.Fallbacks {
		if p.Provider == "" {
			return fmt.Errorf("fallback profile %d: provider is required", i)
		}
		if p.APIKey == "" && p.Provider != ProviderScripted {
			return fmt.Errorf("fallback profile %d: api_key is required", i)
		}
	}

	return errors.Join(NewValidator().ValidateConfig(c)...)
}
