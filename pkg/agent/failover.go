package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/lumen/internal/observability"
	"github.com/harun/lumen/internal/tracing"
	"github.com/rs/zerolog"
)

const defaultCooldownStep = time.Minute

// ErrNoProfiles is returned by NewFailoverProvider when no profile is given.
var ErrNoProfiles = errors.New("at least one auth profile is required")

// ProviderCreator creates LLM providers from auth profiles.
type ProviderCreator interface {
	NewProvider(profile AuthProfile) (LLMProvider, error)
}

type profileState struct {
	profile       AuthProfile
	provider      LLMProvider
	failureCount  int
	cooldownUntil time.Time
}

// FailoverProvider tries auth profiles in priority order (lower first).
// A failing profile is put in cooldown for one minute per consecutive
// failure. Non-retryable errors are returned without trying other profiles.
type FailoverProvider struct {
	factory      ProviderCreator
	logger       zerolog.Logger
	cooldownStep time.Duration
	now          func() time.Time

	mu       sync.Mutex
	profiles []*profileState
}

// FailoverOption configures a FailoverProvider.
type FailoverOption func(*FailoverProvider)

// WithProviderFactory overrides how providers are built from profiles.
func WithProviderFactory(factory ProviderCreator) FailoverOption {
	return func(f *FailoverProvider) {
		if factory != nil {
			f.factory = factory
		}
	}
}

// WithCooldownStep sets the cooldown added per consecutive failure.
func WithCooldownStep(d time.Duration) FailoverOption {
	return func(f *FailoverProvider) {
		if d > 0 {
			f.cooldownStep = d
		}
	}
}

// WithFailoverLogger sets the logger.
func WithFailoverLogger(logger zerolog.Logger) FailoverOption {
	return func(f *FailoverProvider) {
		f.logger = logger
	}
}

// NewFailoverProvider builds a provider over the given profiles.
func NewFailoverProvider(profiles []AuthProfile, opts ...FailoverOption) (*FailoverProvider, error) {
	if len(profiles) == 0 {
		return nil, ErrNoProfiles
	}
	observability.EnsureRegistered()

	f := &FailoverProvider{
		factory:      &ProviderFactory{},
		logger:       zerolog.Nop(),
		cooldownStep: defaultCooldownStep,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}

	sorted := make([]AuthProfile, len(profiles))
	copy(sorted, profiles)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })
	for i, p := range sorted {
		if p.ID == "" {
			p.ID = fmt.Sprintf("%s-%d", p.Provider, i)
		}
		f.profiles = append(f.profiles, &profileState{profile: p})
	}
	return f, nil
}

// Provider returns the provider name
func (f *FailoverProvider) Provider() string {
	return "failover"
}

// Call tries each usable profile in turn. When every profile is cooling
// down they are all tried anyway, in priority order.
func (f *FailoverProvider) Call(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	logger := tracing.LoggerFromContext(ctx, f.logger)

	var lastErr error
	for _, state := range f.candidates() {
		provider, err := f.providerFor(state)
		if err != nil {
			lastErr = err
			logger.Warn().Str("profileId", state.profile.ID).Err(err).Msg("Failed to create provider")
			continue
		}

		resp, err := provider.Call(ctx, request)
		if err == nil {
			f.markSuccess(state)
			return resp, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, err
		}
		if !IsRetryableError(err) {
			return nil, err
		}

		f.markFailure(state)
		logger.Warn().
			Str("profileId", state.profile.ID).
			Str("provider", state.profile.Provider).
			Err(err).
			Msg("Auth profile failed")
	}

	if lastErr != nil {
		logger.Error().Err(lastErr).Msg("All auth profiles failed")
	}
	return nil, fmt.Errorf("all auth profiles failed: %w", lastErr)
}

func (f *FailoverProvider) candidates() []*profileState {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	ready := make([]*profileState, 0, len(f.profiles))
	for _, state := range f.profiles {
		if now.Before(state.cooldownUntil) {
			continue
		}
		ready = append(ready, state)
	}
	if len(ready) == 0 {
		return append([]*profileState(nil), f.profiles...)
	}
	return ready
}

func (f *FailoverProvider) providerFor(state *profileState) (LLMProvider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if state.provider != nil {
		return state.provider, nil
	}
	provider, err := f.factory.NewProvider(state.profile)
	if err != nil {
		return nil, err
	}
	state.provider = provider
	return provider, nil
}

func (f *FailoverProvider) markSuccess(state *profileState) {
	f.mu.Lock()
	defer f.mu.Unlock()

	state.failureCount = 0
	state.cooldownUntil = time.Time{}
	observability.SetProviderCooldown(state.profile.Provider, false)
}

func (f *FailoverProvider) markFailure(state *profileState) {
	f.mu.Lock()
	defer f.mu.Unlock()

	state.failureCount++
	state.cooldownUntil = f.now().Add(time.Duration(state.failureCount) * f.cooldownStep)
	observability.SetProviderCooldown(state.profile.Provider, true)
}

// InCooldown reports whether the profile with the given ID is cooling down.
func (f *FailoverProvider) InCooldown(profileID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	for _, state := range f.profiles {
		if state.profile.ID == profileID {
			return now.Before(state.cooldownUntil)
		}
	}
	return false
}
