package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scriptedFactory(models map[string]*ScriptedModel) ModelFactory {
	return func(profile AuthProfile) (Model, error) {
		m, ok := models[profile.ID]
		if !ok {
			return nil, errors.New("no model for " + profile.ID)
		}
		return m, nil
	}
}

func TestSortProfilesByPriority(t *testing.T) {
	profiles := []AuthProfile{
		{ID: "low", Priority: 3},
		{ID: "high", Priority: 1},
		{ID: "medium", Priority: 2},
	}

	sortProfilesByPriority(profiles)

	assert.Equal(t, "high", profiles[0].ID)
	assert.Equal(t, "medium", profiles[1].ID)
	assert.Equal(t, "low", profiles[2].ID)
}

func TestFailoverModel_FallsBackOnRetryableError(t *testing.T) {
	primary := NewScriptedModel(ErrorStep(errors.New("529 overloaded")))
	backup := NewScriptedModel(TextStep("from backup"))

	f, err := NewFailoverModel([]AuthProfile{
		{ID: "backup", Provider: "openai", Priority: 2},
		{ID: "primary", Provider: "anthropic", Priority: 1},
	}, scriptedFactory(map[string]*ScriptedModel{"primary": primary, "backup": backup}), zerolog.Nop())
	require.NoError(t, err)

	node, err := f.Call(context.Background(), ModelRequest{})
	require.NoError(t, err)
	assert.Equal(t, "from backup", node.Text)
	assert.Equal(t, "anthropic|openai", f.Provider())

	profiles := f.Profiles()
	assert.Equal(t, 1, profiles[0].FailureCount)
	require.NotNil(t, profiles[0].CooldownUntil)
	assert.Nil(t, profiles[1].CooldownUntil)
}

func TestFailoverModel_SkipsProfilesInCooldown(t *testing.T) {
	primary := NewScriptedModel(ErrorStep(errors.New("503")), TextStep("primary again"))
	backup := NewScriptedModel(TextStep("b1"), TextStep("b2"))

	f, err := NewFailoverModel([]AuthProfile{
		{ID: "primary", Provider: "anthropic", Priority: 1},
		{ID: "backup", Provider: "openai", Priority: 2},
	}, scriptedFactory(map[string]*ScriptedModel{"primary": primary, "backup": backup}), zerolog.Nop())
	require.NoError(t, err)

	_, err = f.Call(context.Background(), ModelRequest{})
	require.NoError(t, err)

	node, err := f.Call(context.Background(), ModelRequest{})
	require.NoError(t, err)
	assert.Equal(t, "b2", node.Text)
	assert.Len(t, primary.Requests(), 1)

	// after the cooldown expires the primary is tried again
	f.now = func() time.Time { return time.Now().Add(2 * baseCooldown) }
	node, err = f.Call(context.Background(), ModelRequest{})
	require.NoError(t, err)
	assert.Equal(t, "primary again", node.Text)
	assert.Nil(t, f.Profiles()[0].CooldownUntil)
}

func TestFailoverModel_PermanentErrorStops(t *testing.T) {
	primary := NewScriptedModel(ErrorStep(errors.New("invalid api key")))
	backup := NewScriptedModel(TextStep("unused"))

	f, err := NewFailoverModel([]AuthProfile{
		{ID: "primary", Provider: "anthropic", Priority: 1},
		{ID: "backup", Provider: "openai", Priority: 2},
	}, scriptedFactory(map[string]*ScriptedModel{"primary": primary, "backup": backup}), zerolog.Nop())
	require.NoError(t, err)

	_, err = f.Call(context.Background(), ModelRequest{})
	assert.EqualError(t, err, "invalid api key")
	assert.Empty(t, backup.Requests())
}

func TestNewModelFromProfiles(t *testing.T) {
	_, err := NewModelFromProfiles(nil, zerolog.Nop())
	assert.Error(t, err)

	m, err := NewModelFromProfiles([]AuthProfile{{Provider: ProviderScripted}}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, ProviderScripted, m.Provider())

	m, err = NewModelFromProfiles([]AuthProfile{{Provider: ProviderAnthropic, APIKey: "k"}, {Provider: ProviderOpenAI, APIKey: "k"}}, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &FailoverModel{}, m)

	_, err = NewModel(AuthProfile{Provider: "gemini"})
	assert.Error(t, err)
}
