package llm

import (
	"sync"
	"time"

	"github.com/pocketmind/pocketmind/internal/config"
)

// Cooldown constants per error category (seconds).
var categoryCooldowns = map[ErrorCategory]time.Duration{
	CategoryAuth:       60 * time.Second,
	CategoryQuota:      20 * time.Second,
	CategoryStructural: 10 * time.Second,
	CategoryTransient:  5 * time.Second,
}

const defaultCooldown = 30 * time.Second

// progressiveSteps escalates repeated transient/unknown failures. The last
// step is the extended cooldown that survives process restarts.
var progressiveSteps = []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 60 * time.Second}

// Provider owns one endpoint's health state, backend client, and rate
// limiter. Health transitions are internally synchronized; all other fields
// are immutable after construction.
type Provider struct {
	cfg     config.EndpointConfig
	backend Backend
	limiter *rateLimiter
	now     func() time.Time

	mu                   sync.Mutex
	healthy              bool
	lastError            string
	category             ErrorCategory
	cooldownUntil        time.Time
	consecutiveCooldowns int
	extended             bool
}

// newProvider builds a provider around a backend. The now function is
// injectable for tests.
func newProvider(cfg config.EndpointConfig, backend Backend, now func() time.Time) *Provider {
	if now == nil {
		now = time.Now
	}
	p := &Provider{
		cfg:     cfg,
		backend: backend,
		now:     now,
		healthy: true,
	}
	if cfg.RPMLimit > 0 {
		p.limiter = newRateLimiter(cfg.RPMLimit, now)
	}
	return p
}

// Name returns the endpoint name.
func (p *Provider) Name() string { return p.cfg.Name }

// Config returns the endpoint configuration.
func (p *Provider) Config() config.EndpointConfig { return p.cfg }

// Healthy reports current health, auto-recovering once the cooldown has
// elapsed.
func (p *Provider) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.healthy {
		return true
	}
	if !p.cooldownUntil.IsZero() && !p.now().Before(p.cooldownUntil) {
		p.healthy = true
		return true
	}
	return false
}

// CooldownRemaining returns how long until the endpoint recovers; zero when
// healthy.
func (p *Provider) CooldownRemaining() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.healthy || p.cooldownUntil.IsZero() {
		return 0
	}
	remaining := p.cooldownUntil.Sub(p.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// MarkUnhealthy records a failure and starts a cooldown. Transient and
// unknown failures escalate along the progressive schedule when they repeat
// without an intervening success; structural failures never escalate, and
// local endpoints are exempt from escalation.
func (p *Provider) MarkUnhealthy(err error, cat ErrorCategory) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.healthy = false
	p.category = cat
	if err != nil {
		p.lastError = err.Error()
	}
	p.consecutiveCooldowns++

	var dur time.Duration
	escalates := (cat == CategoryTransient || cat == CategoryUnknown) && !p.cfg.IsLocal()
	if escalates {
		step := p.consecutiveCooldowns - 1
		if step >= len(progressiveSteps) {
			step = len(progressiveSteps) - 1
		}
		dur = progressiveSteps[step]
		p.extended = dur == progressiveSteps[len(progressiveSteps)-1]
	} else {
		if d, ok := categoryCooldowns[cat]; ok {
			dur = d
		} else {
			dur = defaultCooldown
		}
		p.extended = false
	}
	p.cooldownUntil = p.now().Add(dur)
}

// RecordSuccess clears cooldown state, even mid-cooldown.
func (p *Provider) RecordSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthy = true
	p.lastError = ""
	p.category = ""
	p.cooldownUntil = time.Time{}
	p.consecutiveCooldowns = 0
	p.extended = false
}

// ShortenCooldown clamps the current cooldown, used by global failure
// detection when a host-side network glitch is suspected.
func (p *Provider) ShortenCooldown(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.healthy || p.cooldownUntil.IsZero() {
		return
	}
	candidate := p.now().Add(d)
	if candidate.Before(p.cooldownUntil) {
		p.cooldownUntil = candidate
		p.extended = false
	}
}

// snapshot exports the state persisted for extended cooldowns.
func (p *Provider) snapshot() (persistedCooldown, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.extended || p.healthy {
		return persistedCooldown{}, false
	}
	return persistedCooldown{
		CooldownUntil:        p.cooldownUntil.Unix(),
		ConsecutiveCooldowns: p.consecutiveCooldowns,
		IsExtended:           true,
		ErrorCategory:        string(p.category),
	}, true
}

// restore applies persisted extended-cooldown state at construction.
func (p *Provider) restore(state persistedCooldown) {
	until := time.Unix(state.CooldownUntil, 0)
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.now().Before(until) {
		return // already expired
	}
	p.healthy = false
	p.cooldownUntil = until
	p.consecutiveCooldowns = state.ConsecutiveCooldowns
	p.extended = state.IsExtended
	p.category = ErrorCategory(state.ErrorCategory)
}

// ConsecutiveCooldowns reports the current escalation counter.
func (p *Provider) ConsecutiveCooldowns() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.consecutiveCooldowns
}

// LastError returns the most recent failure message.
func (p *Provider) LastError() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastError
}
