package config

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWizardRun(t *testing.T) {
	tests := []struct {
		name      string
		answers   string
		wantModel ModelConfig
		wantStore string
		wantLevel string
	}{
		{
			name:    "defaults with key",
			answers: "\nsk-ant-abc\n\n\n\n",
			wantModel: ModelConfig{
				Provider: ProviderAnthropic,
				Name:     DefaultConfig().Model.Name,
				APIKey:   "sk-ant-abc",
			},
			wantStore: StoreJSONL,
			wantLevel: "info",
		},
		{
			name:    "openai retries invalid answers",
			answers: "gemini\nopenai\nbad-key\nsk-proj-1\n\nsqlite\nloud\ndebug\n",
			wantModel: ModelConfig{
				Provider: ProviderOpenAI,
				Name:     "gpt-4.1",
				APIKey:   "sk-proj-1",
			},
			wantStore: StoreSQLite,
			wantLevel: "debug",
		},
		{
			name:      "scripted skips key and model",
			answers:   "scripted\n\n\n",
			wantModel: ModelConfig{Provider: ProviderScripted},
			wantStore: StoreJSONL,
			wantLevel: "info",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			cfg, err := NewWizard(strings.NewReader(tt.answers), &out).Run(nil)
			require.NoError(t, err)

			assert.Equal(t, tt.wantModel.Provider, cfg.Model.Provider)
			assert.Equal(t, tt.wantModel.Name, cfg.Model.Name)
			assert.Equal(t, tt.wantModel.APIKey, cfg.Model.APIKey)
			assert.Equal(t, tt.wantStore, cfg.Session.Store)
			assert.Equal(t, tt.wantLevel, cfg.Logging.Level)
			assert.Contains(t, out.String(), "Configuration complete.")
		})
	}
}

func TestWizardRun_EOF(t *testing.T) {
	_, err := NewWizard(strings.NewReader(""), &bytes.Buffer{}).Run(nil)
	assert.ErrorContains(t, err, "failed to read answer")
}
