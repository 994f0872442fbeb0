package agent

import (
	"fmt"

	"github.com/rs/zerolog"
)

// NewModel creates a model for one auth profile
func NewModel(profile AuthProfile) (Model, error) {
	switch profile.Provider {
	case ProviderAnthropic:
		return NewAnthropicModel(profile.APIKey, profile.BaseURL), nil
	case ProviderOpenAI:
		return NewOpenAIModel(profile.APIKey, profile.BaseURL), nil
	case ProviderScripted:
		return NewDryRunModel(), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
}

// NewModelFromProfiles returns the single profile's model, or a FailoverModel when
// several profiles are configured.
func NewModelFromProfiles(profiles []AuthProfile, logger zerolog.Logger) (Model, error) {
	switch len(profiles) {
	case 0:
		return nil, fmt.Errorf("at least one auth profile is required")
	case 1:
		return NewModel(profiles[0])
	default:
		return NewFailoverModel(profiles, nil, logger)
	}
}
