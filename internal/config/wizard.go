package config

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Wizard walks the user through the settings needed for a first run
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a wizard reading answers from in and prompting on out
func NewWizard(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{reader: bufio.NewReader(in), out: out}
}

// Run asks for the provider, its key, the model and the session store, starting
// from base. A nil base starts from DefaultConfig.
func (w *Wizard) Run(base *Config) (*Config, error) {
	cfg := DefaultConfig()
	if base != nil {
		copied := *base
		cfg = &copied
	}
	validator := NewValidator()

	fmt.Fprintln(w.out, "=== skipper configuration ===")

	provider, err := w.ask(fmt.Sprintf("Provider (%s)", strings.Join(validProviders, "/")), cfg.Model.Provider, validator.ValidateProvider)
	if err != nil {
		return nil, err
	}
	if provider != cfg.Model.Provider {
		cfg.Model.APIKey = ""
		cfg.Model.Name = defaultModelFor(provider)
	}
	cfg.Model.Provider = provider

	if provider != ProviderScripted {
		key, err := w.ask("API key", cfg.Model.APIKey, func(key string) error {
			return validator.ValidateAPIKey(key, provider)
		})
		if err != nil {
			return nil, err
		}
		cfg.Model.APIKey = key

		name, err := w.ask("Model", cfg.Model.Name, nil)
		if err != nil {
			return nil, err
		}
		cfg.Model.Name = name
	}

	store, err := w.ask("Session store (jsonl/sqlite)", cfg.Session.Store, validator.ValidateSessionStore)
	if err != nil {
		return nil, err
	}
	cfg.Session.Store = store

	level, err := w.ask("Log level (debug/info/warn/error)", cfg.Logging.Level, validator.ValidateLogLevel)
	if err != nil {
		return nil, err
	}
	cfg.Logging.Level = level

	fmt.Fprintln(w.out, "Configuration complete.")
	return cfg, nil
}

// ask prompts until validate accepts the answer. An empty answer keeps def.
func (w *Wizard) ask(prompt, def string, validate func(string) error) (string, error) {
	for {
		if def != "" && !strings.Contains(strings.ToLower(prompt), "key") {
			fmt.Fprintf(w.out, "%s [%s]: ", prompt, def)
		} else {
			fmt.Fprintf(w.out, "%s: ", prompt)
		}

		answer, err := w.readLine()
		if err != nil {
			return "", err
		}
		if answer == "" {
			answer = def
		}
		if validate != nil {
			if err := validate(answer); err != nil {
				fmt.Fprintf(w.out, "Error: %v\n", err)
				continue
			}
		} else if answer == "" {
			fmt.Fprintln(w.out, "Error: a value is required")
			continue
		}
		return answer, nil
	}
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", fmt.Errorf("failed to read answer: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func defaultModelFor(provider string) string {
	switch provider {
	case ProviderOpenAI:
		return "gpt-4.1"
	case ProviderAnthropic:
		return DefaultConfig().Model.Name
	default:
		return ""
	}
}
