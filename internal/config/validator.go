package config

import (
	"fmt"
	"slices"
	"strings"
)

var (
	validProviders = []string{ProviderAnthropic, ProviderOpenAI, ProviderScripted}
	validStores    = []string{StoreJSONL, StoreSQLite}
	validLogLevels = []string{"debug", "info", "warn", "error"}
	validEvents    = []string{"turn:start", "turn:end", "turn:failed"}
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateProvider checks the provider name
func (v *Validator) ValidateProvider(provider string) error {
	if !slices.Contains(validProviders, provider) {
		return fmt.Errorf("invalid provider: %s (must be one of: %s)", provider, strings.Join(validProviders, ", "))
	}
	return nil
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if provider == ProviderScripted {
		return nil
	}
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case ProviderAnthropic:
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case ProviderOpenAI:
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}
	return nil
}

// ValidateTemperature validates temperature for the provider. OpenAI accepts up to 2.
func (v *Validator) ValidateTemperature(temp float64, provider string) error {
	upper := 1.0
	if provider == ProviderOpenAI {
		upper = 2.0
	}
	if temp < 0 || temp > upper {
		return fmt.Errorf("temperature must be between 0 and %g, got %g", upper, temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	if !slices.Contains(validLogLevels, level) {
		return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLogLevels, ", "))
	}
	return nil
}

// ValidateSessionStore validates the session backend name
func (v *Validator) ValidateSessionStore(store string) error {
	if store == "" {
		return nil
	}
	if !slices.Contains(validStores, store) {
		return fmt.Errorf("invalid session store: %s (must be one of: %s)", store, strings.Join(validStores, ", "))
	}
	return nil
}

// ValidateConfig reports every invalid value in cfg
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	add(v.ValidateProvider(cfg.Model.Provider))
	if cfg.Model.APIKey != "" {
		add(v.ValidateAPIKey(cfg.Model.APIKey, cfg.Model.Provider))
	}
	add(v.ValidateTemperature(cfg.Model.Temperature, cfg.Model.Provider))
	if cfg.Model.MaxTokens != 0 {
		add(v.ValidateMaxTokens(cfg.Model.MaxTokens))
	}
	if cfg.Model.MaxRetries < 0 {
		add(fmt.Errorf("model.max_retries must be >= 0"))
	}
	for i, p := range cfg.Model.Fallbacks {
		if err := v.ValidateProvider(p.Provider); err != nil {
			add(fmt.Errorf("fallback profile %d: %w", i, err))
		}
	}

	turn := map[string]int{
		"turn.max_iterations":     cfg.Turn.MaxIterations,
		"turn.timeout_seconds":    cfg.Turn.TimeoutSeconds,
		"turn.max_parallel":       cfg.Turn.MaxParallel,
		"turn.max_empty_retries":  cfg.Turn.MaxEmptyRetries,
		"turn.reflection_cap":     cfg.Turn.ReflectionCap,
		"turn.unproductive_limit": cfg.Turn.UnproductiveLimit,
	}
	keys := make([]string, 0, len(turn))
	for k := range turn {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if turn[k] < 0 {
			add(fmt.Errorf("%s must be >= 0", k))
		}
	}

	if cfg.Completion.MaxIteration < 0 {
		add(fmt.Errorf("completion.max_iteration must be >= 0"))
	}
	if cfg.Auth.ApprovalTimeoutSeconds < 0 {
		add(fmt.Errorf("auth.approval_timeout_seconds must be >= 0"))
	}
	if cfg.Auth.PlanMode && cfg.Auth.Unrestricted {
		add(fmt.Errorf("auth.plan_mode and auth.unrestricted cannot both be set"))
	}

	add(v.ValidateSessionStore(cfg.Session.Store))
	if cfg.Session.MaxMessages < 0 {
		add(fmt.Errorf("session.max_messages must be >= 0"))
	}
	add(v.ValidateLogLevel(cfg.Logging.Level))
	for i, h := range cfg.Hooks {
		if !slices.Contains(validEvents, h.Event) {
			add(fmt.Errorf("hooks[%d]: invalid event %q (must be one of: %s)", i, h.Event, strings.Join(validEvents, ", ")))
		}
		if strings.TrimSpace(h.Command) == "" {
			add(fmt.Errorf("hooks[%d]: command is required", i))
		}
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		add(fmt.Errorf("metrics.addr is required when metrics are enabled"))
	}

	return errs
}
