package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoaderLoad(t *testing.T) {
	t.Run("defaults when file is missing", func(t *testing.T) {
		home := t.TempDir()
		t.Setenv("HOME", home)
		t.Setenv("ANTHROPIC_API_KEY", "")

		cfg, err := NewLoader(filepath.Join(home, "missing.json")).Load()
		require.NoError(t, err)

		assert.Equal(t, ProviderAnthropic, cfg.Model.Provider)
		assert.Equal(t, DefaultConfig().Model.Name, cfg.Model.Name)
		assert.Equal(t, 8192, cfg.Model.MaxTokens)
		assert.Empty(t, cfg.Model.APIKey)
		assert.Equal(t, filepath.Join(home, ".skipper"), cfg.DataDir)
		assert.Equal(t, filepath.Join(home, ".skipper", "skipper.log"), cfg.Logging.File)
		assert.Equal(t, filepath.Join(home, ".skipper", "sessions"), cfg.Session.Dir)
		assert.Equal(t, filepath.Join(home, ".skipper", "sessions.db"), cfg.Session.DBPath)
		assert.Equal(t, filepath.Join(home, ".skipper", "allowlist.json"), cfg.Auth.AllowlistPath)
	})

	t.Run("file overrides defaults", func(t *testing.T) {
		dir := t.TempDir()
		configPath := filepath.Join(dir, "skipper.json")
		require.NoError(t, os.WriteFile(configPath, []byte(`{
			"model": {"provider": "openai", "name": "gpt-4.1", "api_key": "sk-file"},
			"turn": {"max_iterations": 12},
			"auth": {"ignore_list": ["bash"]},
			"session": {"store": "sqlite"},
			"data_dir": "`+filepath.ToSlash(dir)+`"
		}`), 0644))

		cfg, err := NewLoader(configPath).Load()
		require.NoError(t, err)

		assert.Equal(t, ProviderOpenAI, cfg.Model.Provider)
		assert.Equal(t, "gpt-4.1", cfg.Model.Name)
		assert.Equal(t, "sk-file", cfg.Model.APIKey)
		assert.Equal(t, 3, cfg.Model.MaxRetries)
		assert.Equal(t, 12, cfg.Turn.MaxIterations)
		assert.Equal(t, 600, cfg.Turn.TimeoutSeconds)
		assert.Equal(t, []string{"bash"}, cfg.Auth.IgnoreList)
		assert.Equal(t, StoreSQLite, cfg.Session.Store)
		assert.Equal(t, filepath.Join(dir, "sessions.db"), cfg.Session.DBPath)
	})

	t.Run("environment overrides", func(t *testing.T) {
		dir := t.TempDir()
		t.Setenv("SKIPPER_MODEL_NAME", "claude-opus-4-1")
		t.Setenv("SKIPPER_MAX_PARALLEL", "3")
		t.Setenv("SKIPPER_DATA_DIR", dir)
		t.Setenv("ANTHROPIC_API_KEY", "sk-ant-from-env")

		cfg, err := NewLoader(filepath.Join(dir, "missing.json")).Load()
		require.NoError(t, err)

		assert.Equal(t, "claude-opus-4-1", cfg.Model.Name)
		assert.Equal(t, 3, cfg.Turn.MaxParallel)
		assert.Equal(t, dir, cfg.DataDir)
		assert.Equal(t, "sk-ant-from-env", cfg.Model.APIKey)
	})

	t.Run("invalid file", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "skipper.json")
		require.NoError(t, os.WriteFile(configPath, []byte(`{not json`), 0644))

		_, err := NewLoader(configPath).Load()
		assert.ErrorContains(t, err, "failed to read config file")
	})
}

func TestLoaderSave(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "nested", "skipper.json")
	loader := NewLoader(configPath)

	cfg := validConfig()
	cfg.DataDir = dir
	cfg.Turn.MaxIterations = 7
	cfg.Auth.IgnoreList = []string{"bash", "write_file"}
	require.NoError(t, loader.Save(cfg))

	info, err := os.Stat(configPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, cfg.Model.APIKey, loaded.Model.APIKey)
	assert.Equal(t, 7, loaded.Turn.MaxIterations)
	assert.Equal(t, []string{"bash", "write_file"}, loaded.Auth.IgnoreList)
	assert.Equal(t, configPath, loader.GetConfigPath())
}
