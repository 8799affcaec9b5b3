package agent

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/turnstile/internal/observability"
)

// AuthProfile represents authentication credentials for LLM providers
type AuthProfile struct {
	ID            string `json:"id"`
	Provider      string `json:"provider"` // "anthropic", "openai"
	APIKey        string `json:"api_key"`
	CooldownUntil *int64 `json:"cooldown_until,omitempty"`
	FailureCount  int    `json:"failure_count"`
	Priority      int    `json:"priority"`
}

// ProfilePool tracks failover state for the configured auth profiles. It is
// shared by every agent instance so a failing key cools down process-wide.
type ProfilePool struct {
	mu       sync.RWMutex
	profiles []AuthProfile
	now      func() time.Time
}

// NewProfilePool copies profiles into a new pool.
func NewProfilePool(profiles []AuthProfile) *ProfilePool {
	cp := make([]AuthProfile, len(profiles))
	copy(cp, profiles)
	return &ProfilePool{profiles: cp, now: time.Now}
}

// Candidates returns the profiles to try, in order. Per-request credentials
// come first; a "provider" preference moves matching profiles ahead of the rest.
func (p *ProfilePool) Candidates(credentials, preferences map[string]string) []AuthProfile {
	p.mu.RLock()
	profiles := make([]AuthProfile, len(p.profiles))
	copy(profiles, p.profiles)
	p.mu.RUnlock()

	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].Priority < profiles[j].Priority
	})

	var out []AuthProfile
	for _, provider := range []string{"anthropic", "openai"} {
		if key := strings.TrimSpace(credentials[provider]); key != "" {
			out = append(out, AuthProfile{ID: "user:" + provider, Provider: provider, APIKey: key, Priority: -1})
		}
	}
	out = append(out, profiles...)

	if preferred := preferences["provider"]; preferred != "" {
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].Provider == preferred && out[j].Provider != preferred
		})
	}
	return out
}

// InCooldown reports whether the profile should be skipped right now.
func (p *ProfilePool) InCooldown(profile AuthProfile) bool {
	return profile.CooldownUntil != nil && p.now().UnixMilli() < *profile.CooldownUntil
}

// MarkSuccess resets failure count for a profile
func (p *ProfilePool) MarkSuccess(profileID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.profiles {
		if p.profiles[i].ID == profileID {
			p.profiles[i].FailureCount = 0
			p.profiles[i].CooldownUntil = nil
			observability.SetProviderCooldown(p.profiles[i].Provider, false)
			return
		}
	}
}

// MarkFailure puts a profile into a cooldown that grows by a minute per consecutive failure.
func (p *ProfilePool) MarkFailure(profileID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.profiles {
		if p.profiles[i].ID == profileID {
			p.profiles[i].FailureCount++
			until := p.now().UnixMilli() + int64(60000*p.profiles[i].FailureCount)
			p.profiles[i].CooldownUntil = &until
			observability.SetProviderCooldown(p.profiles[i].Provider, true)
			return
		}
	}
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"econnreset", "etimedout", "429", "rate limit", "overloaded", "500", "502", "503", "504"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
