package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name      string
		cfg       Config
		wantLevel zerolog.Level
	}{
		{"console", Config{Level: "warn", Console: true}, zerolog.WarnLevel},
		{"pretty console", Config{Level: "debug", Console: true, Pretty: true}, zerolog.DebugLevel},
		{"no outputs", Config{}, zerolog.InfoLevel},
		{"bad level", Config{Level: "loud"}, zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(tt.cfg)
			require.NoError(t, err)
			defer l.Close()

			assert.Equal(t, tt.wantLevel, l.Zerolog().GetLevel())
			assert.Nil(t, l.Redactor())
		})
	}
}

func TestNew_FileWithRedaction(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "logs", "skipper.log")

	l, err := New(Config{Level: "debug", File: logFile, Redaction: true})
	require.NoError(t, err)
	require.NotNil(t, l.Redactor())

	log := l.Component("orchestrator")
	log.Info().Str("api_key", "sk-ant-REDACTED").Msg("calling model")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"orchestrator"`)
	assert.Contains(t, string(data), "calling model")
	assert.NotContains(t, string(data), "abcdefghijklmnopqrstuvwxyz")
	assert.Contains(t, string(data), "[REDACTED]")
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Level)
	assert.True(t, cfg.Console)
	assert.True(t, cfg.Redaction)
	assert.Equal(t, 50, cfg.MaxSizeMB)
	assert.Equal(t, 7, cfg.MaxAge)
}
