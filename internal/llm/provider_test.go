package llm

import (
	"errors"
	"testing"
	"time"

	"github.com/pocketmind/pocketmind/internal/config"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time            { return c.t }
func (c *fakeClock) advance(d time.Duration)   { c.t = c.t.Add(d) }

func newTestProvider(t *testing.T, cfg config.EndpointConfig, clock *fakeClock) *Provider {
	t.Helper()
	return newProvider(cfg, nil, clock.now)
}

func remoteEndpoint(name string) config.EndpointConfig {
	return config.EndpointConfig{
		Name:         name,
		APIType:      config.APIOpenAI,
		BaseURL:      "https://api.example.com/v1",
		Model:        "test-model",
		Capabilities: []config.Capability{config.CapText, config.CapTools},
	}
}

func TestCategoryCooldowns(t *testing.T) {
	cases := []struct {
		cat  ErrorCategory
		want time.Duration
	}{
		{CategoryAuth, 60 * time.Second},
		{CategoryQuota, 20 * time.Second},
		{CategoryStructural, 10 * time.Second},
	}
	for _, tc := range cases {
		clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
		p := newTestProvider(t, remoteEndpoint("ep"), clock)
		p.MarkUnhealthy(errors.New("boom"), tc.cat)
		if got := p.CooldownRemaining(); got != tc.want {
			t.Errorf("%s: cooldown = %v, want %v", tc.cat, got, tc.want)
		}
	}
}

func TestProgressiveEscalation(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	p := newTestProvider(t, remoteEndpoint("ep"), clock)

	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 60 * time.Second, 60 * time.Second}
	for i, w := range want {
		p.MarkUnhealthy(errors.New("timeout"), CategoryTransient)
		if got := p.CooldownRemaining(); got != w {
			t.Errorf("failure %d: cooldown = %v, want %v", i+1, got, w)
		}
		clock.advance(w)
		if !p.Healthy() {
			t.Errorf("failure %d: not recovered after cooldown", i+1)
		}
	}
}

func TestStructuralNeverEscalates(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	p := newTestProvider(t, remoteEndpoint("ep"), clock)

	for i := 0; i < 5; i++ {
		p.MarkUnhealthy(errors.New("invalid request"), CategoryStructural)
		if got := p.CooldownRemaining(); got != 10*time.Second {
			t.Fatalf("failure %d: cooldown = %v, want fixed 10s", i+1, got)
		}
		clock.advance(10 * time.Second)
	}
}

func TestLocalEndpointNeverEscalates(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	cfg := remoteEndpoint("local")
	cfg.BaseURL = "http://localhost:11434/v1"
	p := newTestProvider(t, cfg, clock)

	for i := 0; i < 4; i++ {
		p.MarkUnhealthy(errors.New("connection refused"), CategoryTransient)
		if got := p.CooldownRemaining(); got != 5*time.Second {
			t.Fatalf("failure %d: cooldown = %v, want fixed 5s for local", i+1, got)
		}
		clock.advance(5 * time.Second)
	}
}

func TestRecordSuccessResetsEverything(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	p := newTestProvider(t, remoteEndpoint("ep"), clock)

	p.MarkUnhealthy(errors.New("timeout"), CategoryTransient)
	p.MarkUnhealthy(errors.New("timeout"), CategoryTransient)
	if p.ConsecutiveCooldowns() != 2 {
		t.Fatalf("consecutive = %d, want 2", p.ConsecutiveCooldowns())
	}

	// Success mid-cooldown still clears.
	p.RecordSuccess()
	if !p.Healthy() {
		t.Error("not healthy after success")
	}
	if p.ConsecutiveCooldowns() != 0 {
		t.Errorf("consecutive = %d after success", p.ConsecutiveCooldowns())
	}
	if p.LastError() != "" {
		t.Errorf("lastError = %q after success", p.LastError())
	}

	// The schedule restarts from the first step.
	p.MarkUnhealthy(errors.New("timeout"), CategoryTransient)
	if got := p.CooldownRemaining(); got != 5*time.Second {
		t.Errorf("cooldown after reset = %v, want 5s", got)
	}
}

func TestUnknownCategoryUsesDefaultThenEscalates(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	p := newTestProvider(t, remoteEndpoint("ep"), clock)

	// Unknown escalates along the same schedule as transient.
	p.MarkUnhealthy(errors.New("weird"), CategoryUnknown)
	if got := p.CooldownRemaining(); got != 5*time.Second {
		t.Errorf("first unknown cooldown = %v, want 5s", got)
	}
	clock.advance(5 * time.Second)
	p.MarkUnhealthy(errors.New("weird"), CategoryUnknown)
	if got := p.CooldownRemaining(); got != 10*time.Second {
		t.Errorf("second unknown cooldown = %v, want 10s", got)
	}
}

func TestShortenCooldown(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	p := newTestProvider(t, remoteEndpoint("ep"), clock)

	p.MarkUnhealthy(errors.New("timeout"), CategoryTransient)
	p.MarkUnhealthy(errors.New("timeout"), CategoryTransient) // 10s step
	p.ShortenCooldown(3 * time.Second)
	if got := p.CooldownRemaining(); got != 3*time.Second {
		t.Errorf("cooldown = %v, want clamped 3s", got)
	}

	// Shorten never extends.
	p.ShortenCooldown(30 * time.Second)
	if got := p.CooldownRemaining(); got != 3*time.Second {
		t.Errorf("cooldown = %v, extend must not happen", got)
	}
}

func TestSnapshotOnlyExtended(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	p := newTestProvider(t, remoteEndpoint("ep"), clock)

	p.MarkUnhealthy(errors.New("timeout"), CategoryTransient)
	if _, ok := p.snapshot(); ok {
		t.Error("short cooldown must not be persisted")
	}

	for i := 0; i < 3; i++ {
		clock.advance(time.Minute)
		p.MarkUnhealthy(errors.New("timeout"), CategoryTransient)
	}
	entry, ok := p.snapshot()
	if !ok {
		t.Fatal("extended cooldown must be persisted")
	}
	if entry.ConsecutiveCooldowns != 4 || !entry.IsExtended {
		t.Errorf("snapshot = %+v", entry)
	}
}

func TestRestoreSkipsExpired(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	p := newTestProvider(t, remoteEndpoint("ep"), clock)

	p.restore(persistedCooldown{
		CooldownUntil:        clock.t.Add(-time.Minute).Unix(),
		ConsecutiveCooldowns: 4,
		IsExtended:           true,
	})
	if !p.Healthy() {
		t.Error("expired persisted cooldown must not apply")
	}

	p.restore(persistedCooldown{
		CooldownUntil:        clock.t.Add(45 * time.Second).Unix(),
		ConsecutiveCooldowns: 4,
		IsExtended:           true,
		ErrorCategory:        "transient",
	})
	if p.Healthy() {
		t.Error("active persisted cooldown must apply")
	}
	if got := p.CooldownRemaining(); got != 45*time.Second {
		t.Errorf("remaining = %v, want 45s", got)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorCategory
	}{
		{errors.New("401 unauthorized"), CategoryAuth},
		{errors.New("invalid api key provided"), CategoryAuth},
		{errors.New("429 rate limit exceeded"), CategoryQuota},
		{errors.New("400 invalid request: messages must be followed by tool_result"), CategoryStructural},
		{errors.New("connection reset by peer"), CategoryTransient},
		{errors.New("502 bad gateway"), CategoryTransient},
		{errors.New("something odd"), CategoryUnknown},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Errorf("Classify(%q) = %s, want %s", tc.err, got, tc.want)
		}
	}
}
