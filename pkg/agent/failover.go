package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/skipper/internal/observability"
	"github.com/rs/zerolog"
)

// baseCooldown is multiplied by the failure count of a profile
const baseCooldown = 60 * time.Second

// ModelFactory creates a model from an auth profile
type ModelFactory func(profile AuthProfile) (Model, error)

// FailoverModel tries auth profiles in priority order. A profile that fails with a
// retryable error is put in cooldown and the next one is tried.
type FailoverModel struct {
	factory ModelFactory
	logger  zerolog.Logger
	now     func() time.Time

	mu       sync.RWMutex
	profiles []AuthProfile
	models   map[string]Model
}

// NewFailoverModel creates a failover model. A nil factory uses NewModel.
func NewFailoverModel(profiles []AuthProfile, factory ModelFactory, logger zerolog.Logger) (*FailoverModel, error) {
	if len(profiles) == 0 {
		return nil, fmt.Errorf("at least one auth profile is required")
	}
	if factory == nil {
		factory = NewModel
	}

	sorted := make([]AuthProfile, len(profiles))
	copy(sorted, profiles)
	for i := range sorted {
		if sorted[i].ID == "" {
			sorted[i].ID = fmt.Sprintf("%s-%d", sorted[i].Provider, i)
		}
	}
	sortProfilesByPriority(sorted)

	return &FailoverModel{
		factory:  factory,
		logger:   logger.With().Str("component", "model_failover").Logger(),
		now:      time.Now,
		profiles: sorted,
		models:   make(map[string]Model),
	}, nil
}

// Provider returns the provider names joined in priority order
func (f *FailoverModel) Provider() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.profiles))
	for _, p := range f.profiles {
		names = append(names, p.Provider)
	}
	return strings.Join(names, "|")
}

// Call tries each available profile until one succeeds
func (f *FailoverModel) Call(ctx context.Context, req ModelRequest) (*Node, error) {
	return f.do(ctx, func(m Model) (*Node, error) { return m.Call(ctx, req) })
}

// Stream streams from the first available profile, falling back to Call for
// models that do not stream.
func (f *FailoverModel) Stream(ctx context.Context, req ModelRequest, onDelta func(string)) (*Node, error) {
	return f.do(ctx, func(m Model) (*Node, error) {
		if sm, ok := m.(StreamingModel); ok {
			return sm.Stream(ctx, req, onDelta)
		}
		return m.Call(ctx, req)
	})
}

func (f *FailoverModel) do(ctx context.Context, call func(Model) (*Node, error)) (*Node, error) {
	f.mu.RLock()
	profiles := make([]AuthProfile, len(f.profiles))
	copy(profiles, f.profiles)
	f.mu.RUnlock()

	var lastErr error
	for _, profile := range profiles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// Skip profiles in cooldown
		if profile.CooldownUntil != nil && f.now().UnixMilli() < *profile.CooldownUntil {
			observability.SetProviderCooldown(profile.Provider, true)
			f.logger.Debug().Str("profile_id", profile.ID).Msg("Skipping profile in cooldown")
			continue
		}

		model, err := f.modelFor(profile)
		if err != nil {
			lastErr = err
			f.logger.Warn().Str("profile_id", profile.ID).Err(err).Msg("Failed to create model")
			continue
		}

		node, err := call(model)
		if err == nil {
			f.updateProfileSuccess(profile.ID)
			return node, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		// Don't fail over on permanent errors
		if !IsRetryableError(err) {
			return nil, err
		}

		f.logger.Warn().Str("profile_id", profile.ID).Err(err).Msg("Auth profile failed")
		f.updateProfileFailure(profile.ID)
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("all profiles are in cooldown")
	}
	return nil, fmt.Errorf("all auth profiles failed: %w", lastErr)
}

func (f *FailoverModel) modelFor(profile AuthProfile) (Model, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if m, ok := f.models[profile.ID]; ok {
		return m, nil
	}
	m, err := f.factory(profile)
	if err != nil {
		return nil, err
	}
	f.models[profile.ID] = m
	return m, nil
}

// Profiles returns a snapshot of the profiles with their cooldown state
func (f *FailoverModel) Profiles() []AuthProfile {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]AuthProfile, len(f.profiles))
	copy(out, f.profiles)
	return out
}

// updateProfileSuccess resets failure count for a profile
func (f *FailoverModel) updateProfileSuccess(profileID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range f.profiles {
		if f.profiles[i].ID == profileID {
			f.profiles[i].FailureCount = 0
			f.profiles[i].CooldownUntil = nil
			observability.SetProviderCooldown(f.profiles[i].Provider, false)
			break
		}
	}
}

// updateProfileFailure marks a profile as failed
func (f *FailoverModel) updateProfileFailure(profileID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range f.profiles {
		if f.profiles[i].ID == profileID {
			f.profiles[i].FailureCount++
			until := f.now().Add(baseCooldown * time.Duration(f.profiles[i].FailureCount)).UnixMilli()
			f.profiles[i].CooldownUntil = &until
			observability.SetProviderCooldown(f.profiles[i].Provider, true)
			break
		}
	}
}

// sortProfilesByPriority sorts profiles by priority (lower = higher priority)
func sortProfilesByPriority(profiles []AuthProfile) {
	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].Priority < profiles[j].Priority
	})
}
