package llm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pocketmind/pocketmind/internal/config"
)

const (
	// cooldownWaitThreshold bounds how long a cooldown may be before Chat
	// gives up waiting and overrides health instead.
	cooldownWaitThreshold = 15 * time.Second

	// cooldownWaitCap caps the in-call sleep while waiting out a blip.
	cooldownWaitCap = 12 * time.Second

	// glitchCooldown replaces affected cooldowns when global failure
	// detection fires.
	glitchCooldown = 3 * time.Second
)

// Client is the endpoint pool. It owns provider health, routing, and
// failover; callers see only ChatResponse, AllEndpointsFailedError, or
// ErrUnsupportedMedia.
type Client struct {
	logger         *slog.Logger
	settings       config.Settings
	overrides      *overrideTable
	stateFile      *cooldownStateFile
	backendFactory BackendFactory
	observe        Observer
	now            func() time.Time
	sleep          func(ctx context.Context, d time.Duration) error

	mu        sync.RWMutex
	providers []*Provider
	affinity  map[string]string // conversation id -> endpoint name
}

// Option configures the client.
type Option func(*Client)

// WithLogger configures the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// WithSleep overrides the in-call sleep for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// WithBackendFactory overrides backend construction (tests use stub
// backends).
func WithBackendFactory(factory BackendFactory) Option {
	return func(c *Client) {
		if factory != nil {
			c.backendFactory = factory
		}
	}
}

// WithStatePath persists extended cooldowns at the given path.
func WithStatePath(path string) Option {
	return func(c *Client) {
		c.stateFile = newCooldownStateFile(path, c.now)
	}
}

// Observer is called after every provider attempt.
type Observer func(endpoint string, duration time.Duration, err error)

// WithObserver installs a per-attempt hook, used for metrics.
func WithObserver(observe Observer) Option {
	return func(c *Client) {
		c.observe = observe
	}
}

// New builds the pool from a parsed endpoints file.
func New(file *config.EndpointsFile, opts ...Option) (*Client, error) {
	c := &Client{
		logger:         slog.Default().With("component", "llm"),
		settings:       file.Settings,
		now:            time.Now,
		sleep:          sleepCtx,
		backendFactory: NewBackend,
		affinity:       make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.overrides = newOverrideTable(c.now)
	if c.stateFile == nil {
		c.stateFile = newCooldownStateFile("", c.now)
	}

	providers, err := c.buildProviders(file.Endpoints)
	if err != nil {
		return nil, err
	}
	c.providers = providers

	if state, err := c.stateFile.load(); err != nil {
		c.logger.Warn("cooldown state load failed", "error", err)
	} else {
		for _, p := range c.providers {
			if entry, ok := state[p.Name()]; ok {
				p.restore(entry)
			}
		}
	}
	return c, nil
}

func (c *Client) buildProviders(endpoints []config.EndpointConfig) ([]*Provider, error) {
	providers := make([]*Provider, 0, len(endpoints))
	for _, cfg := range endpoints {
		backend, err := c.backendFactory(cfg)
		if err != nil {
			return nil, fmt.Errorf("endpoint %q: %w", cfg.Name, err)
		}
		providers = append(providers, newProvider(cfg, backend, c.now))
	}
	return providers, nil
}

// Reload swaps in a new endpoints file, carrying runtime health state over
// by endpoint name.
func (c *Client) Reload(file *config.EndpointsFile) error {
	providers, err := c.buildProviders(file.Endpoints)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	old := make(map[string]*Provider, len(c.providers))
	for _, p := range c.providers {
		old[p.Name()] = p
	}
	for _, p := range providers {
		if prev, ok := old[p.Name()]; ok {
			p.adoptState(prev)
		}
	}
	c.providers = providers
	c.settings = file.Settings
	return nil
}

// adoptState copies runtime health from a previous provider instance.
func (p *Provider) adoptState(prev *Provider) {
	prev.mu.Lock()
	healthy, lastErr, cat := prev.healthy, prev.lastError, prev.category
	until, consec, ext := prev.cooldownUntil, prev.consecutiveCooldowns, prev.extended
	prev.mu.Unlock()

	p.mu.Lock()
	p.healthy, p.lastError, p.category = healthy, lastErr, cat
	p.cooldownUntil, p.consecutiveCooldowns, p.extended = until, consec, ext
	p.mu.Unlock()
}

// Providers returns a snapshot of the pool, in priority order.
func (c *Client) Providers() []*Provider {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Provider, len(c.providers))
	copy(out, c.providers)
	return out
}

// EndpointByName finds a provider by endpoint name.
func (c *Client) EndpointByName(name string) (*Provider, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.providers {
		if p.Name() == name {
			return p, true
		}
	}
	return nil, false
}

// SetGlobalOverride pins all routing to an endpoint.
func (c *Client) SetGlobalOverride(endpoint string, ttl time.Duration, reason string) error {
	if _, ok := c.EndpointByName(endpoint); !ok {
		return fmt.Errorf("unknown endpoint %q", endpoint)
	}
	c.overrides.setGlobal(endpoint, ttl, reason)
	return nil
}

// SetConversationOverride pins one conversation to an endpoint.
func (c *Client) SetConversationOverride(convID, endpoint string, ttl time.Duration, reason string) error {
	if _, ok := c.EndpointByName(endpoint); !ok {
		return fmt.Errorf("unknown endpoint %q", endpoint)
	}
	c.overrides.setConversation(convID, endpoint, ttl, reason)
	return nil
}

// ClearConversationOverride removes a conversation pin.
func (c *Client) ClearConversationOverride(convID string) {
	c.overrides.clearConversation(convID)
}

// ClearGlobalOverride removes the process-wide pin.
func (c *Client) ClearGlobalOverride() {
	c.overrides.clearGlobal()
}

// CurrentModel reports the effective model for a conversation: the active
// override when present, else the highest-priority healthy endpoint.
func (c *Client) CurrentModel(convID string) (endpoint, model string) {
	if o := c.overrides.lookup(convID); o != nil {
		if p, ok := c.EndpointByName(o.Endpoint); ok {
			return p.Name(), p.Config().Model
		}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.providers {
		if p.Healthy() {
			return p.Name(), p.Config().Model
		}
	}
	if len(c.providers) > 0 {
		return c.providers[0].Name(), c.providers[0].Config().Model
	}
	return "", ""
}

type attemptFailure struct {
	provider *Provider
	category ErrorCategory
}

// Chat selects a qualified endpoint, calls it with the pool's failover
// policy, and returns the normalized response.
func (c *Client) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	required := req.RequiredCapabilities()
	candidates, err := c.selectCandidates(ctx, req, required)
	if err != nil {
		return nil, err
	}

	toolCtx := req.HasToolContext()
	var failures []attemptFailure
	var resp *ChatResponse

	switch {
	case toolCtx && !c.settings.AllowFailoverWithToolContext:
		resp, failures, err = c.chatPinned(ctx, candidates[0], req)
	case toolCtx:
		// Failover allowed, but only among endpoints sharing the pinned
		// endpoint's protocol family: tool-calling formats are not
		// portable across families.
		family := candidates[0].Config().APIType
		var same []*Provider
		for _, p := range candidates {
			if p.Config().APIType == family {
				same = append(same, p)
			}
		}
		resp, failures, err = c.chatSequential(ctx, same, req)
	default:
		resp, failures, err = c.chatSequential(ctx, candidates, req)
	}

	c.detectGlobalFailure(failures)
	c.persistCooldowns()

	if err != nil {
		return nil, err
	}
	if req.ConversationID != "" {
		c.mu.Lock()
		c.affinity[req.ConversationID] = resp.Endpoint
		c.mu.Unlock()
	}
	return resp, nil
}

// selectCandidates orders capability-matched endpoints for this request:
// override pin first, then conversation affinity, then ascending priority.
// Health is resolved per the waiting policy.
func (c *Client) selectCandidates(ctx context.Context, req *ChatRequest, required []config.Capability) ([]*Provider, error) {
	ordered := c.orderedMatches(req, required)
	if len(ordered) == 0 {
		for _, cap := range required {
			if cap == config.CapVideo {
				return nil, ErrUnsupportedMedia
			}
		}
		c.mu.RLock()
		primary := c.providers
		c.mu.RUnlock()
		if len(primary) == 0 {
			return nil, &AllEndpointsFailedError{Last: fmt.Errorf("no endpoints configured")}
		}
		c.logger.Warn("no endpoint matches required capabilities, falling back to primary",
			"capabilities", required)
		return primary[:1], nil
	}

	eligible := healthyOf(ordered)
	if len(eligible) > 0 {
		return eligible, nil
	}

	// Everything capability-matched is cooling down. A short cooldown is
	// usually a network blip: wait it out once, then re-filter.
	shortest := ordered[0].CooldownRemaining()
	for _, p := range ordered[1:] {
		if r := p.CooldownRemaining(); r < shortest {
			shortest = r
		}
	}
	if shortest <= cooldownWaitThreshold {
		wait := shortest + time.Second
		if wait > cooldownWaitCap {
			wait = cooldownWaitCap
		}
		c.logger.Info("all matching endpoints cooling down, waiting", "wait", wait)
		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}
		if eligible = healthyOf(ordered); len(eligible) > 0 {
			return eligible, nil
		}
	}
	// Override health: a cooled-down endpoint beats no endpoint.
	return ordered, nil
}

// orderedMatches returns capability-matched providers in routing order.
func (c *Client) orderedMatches(req *ChatRequest, required []config.Capability) []*Provider {
	c.mu.RLock()
	providers := make([]*Provider, len(c.providers))
	copy(providers, c.providers)
	affinityName := c.affinity[req.ConversationID]
	c.mu.RUnlock()

	var matched []*Provider
	for _, p := range providers {
		cfg := p.Config()
		if cfg.HasAllCapabilities(required) {
			matched = append(matched, p)
		}
	}
	if len(matched) == 0 {
		return nil
	}

	var pinName string
	if o := c.overrides.lookup(req.ConversationID); o != nil {
		pinName = o.Endpoint
	}

	// Stable reorder: pin first, then the affinity endpoint when tool
	// context is present, then the existing priority order.
	ordered := make([]*Provider, 0, len(matched))
	appendByName := func(name string) {
		if name == "" {
			return
		}
		for _, p := range matched {
			if p.Name() == name && !containsProvider(ordered, p) {
				ordered = append(ordered, p)
			}
		}
	}
	appendByName(pinName)
	if req.HasToolContext() {
		appendByName(affinityName)
	}
	for _, p := range matched {
		if !containsProvider(ordered, p) {
			ordered = append(ordered, p)
		}
	}
	return ordered
}

func containsProvider(list []*Provider, p *Provider) bool {
	for _, have := range list {
		if have == p {
			return true
		}
	}
	return false
}

func healthyOf(providers []*Provider) []*Provider {
	var out []*Provider
	for _, p := range providers {
		if p.Healthy() {
			out = append(out, p)
		}
	}
	return out
}

// chatPinned retries a single endpoint without failover. Structural errors
// skip the remaining retries: retrying an invalid request changes nothing.
func (c *Client) chatPinned(ctx context.Context, p *Provider, req *ChatRequest) (*ChatResponse, []attemptFailure, error) {
	attempts := c.settings.RetryCount + 1
	delay := time.Duration(c.settings.RetryDelaySeconds) * time.Second
	var failures []attemptFailure
	var lastErr error
	var lastCat ErrorCategory

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 && delay > 0 {
			if err := c.sleep(ctx, delay); err != nil {
				return nil, failures, err
			}
		}
		resp, err := c.callOnce(ctx, p, req)
		if err == nil {
			return resp, failures, nil
		}
		lastCat = Classify(err)
		lastErr = &EndpointError{Endpoint: p.Name(), Category: lastCat, Err: err}
		failures = append(failures, attemptFailure{provider: p, category: lastCat})
		p.MarkUnhealthy(err, lastCat)
		c.logger.Warn("endpoint call failed", "endpoint", p.Name(), "category", lastCat,
			"attempt", attempt+1, "error", err)
		if !retryable(lastCat) {
			break
		}
	}
	return nil, failures, &AllEndpointsFailedError{
		Structural: lastCat == CategoryStructural,
		Attempts:   len(failures),
		Last:       lastErr,
	}
}

// chatSequential tries each candidate once in order, switching on any
// error.
func (c *Client) chatSequential(ctx context.Context, candidates []*Provider, req *ChatRequest) (*ChatResponse, []attemptFailure, error) {
	var failures []attemptFailure
	var lastErr error
	var lastCat ErrorCategory

	for _, p := range candidates {
		resp, err := c.callOnce(ctx, p, req)
		if err == nil {
			return resp, failures, nil
		}
		if ctx.Err() != nil {
			return nil, failures, ctx.Err()
		}
		lastCat = Classify(err)
		lastErr = &EndpointError{Endpoint: p.Name(), Category: lastCat, Err: err}
		failures = append(failures, attemptFailure{provider: p, category: lastCat})
		p.MarkUnhealthy(err, lastCat)
		c.logger.Warn("endpoint call failed, failing over", "endpoint", p.Name(),
			"category", lastCat, "error", err)
	}
	return nil, failures, &AllEndpointsFailedError{
		Structural: lastCat == CategoryStructural,
		Attempts:   len(failures),
		Last:       lastErr,
	}
}

// callOnce performs a single provider call with the endpoint's timeout and
// rate limit.
func (c *Client) callOnce(ctx context.Context, p *Provider, req *ChatRequest) (*ChatResponse, error) {
	if p.limiter != nil {
		if err := p.limiter.acquire(ctx); err != nil {
			return nil, err
		}
	}
	cfg := p.Config()
	callCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(cfg.Timeout)*time.Second)
		defer cancel()
	}
	start := c.now()
	resp, err := p.backend.Chat(callCtx, req)
	if c.observe != nil {
		c.observe(p.Name(), c.now().Sub(start), err)
	}
	if err != nil {
		return nil, err
	}
	p.RecordSuccess()
	resp.Endpoint = p.Name()
	if resp.Model == "" {
		resp.Model = cfg.Model
	}
	return resp, nil
}

// detectGlobalFailure shortens cooldowns when one Chat call saw multiple
// endpoints fail mostly transiently, which points at the host's own
// network rather than the providers.
func (c *Client) detectGlobalFailure(failures []attemptFailure) {
	if len(failures) == 0 {
		return
	}
	endpoints := make(map[*Provider]bool)
	transient := 0
	for _, f := range failures {
		endpoints[f.provider] = true
		if f.category == CategoryTransient {
			transient++
		}
	}
	ratio := c.settings.TransientFailureRatio
	if ratio <= 0 {
		ratio = 0.5
	}
	if len(endpoints) >= 2 && float64(transient) >= ratio*float64(len(failures)) {
		c.logger.Info("multiple transient endpoint failures, assuming local network glitch",
			"endpoints", len(endpoints), "transient", transient)
		for p := range endpoints {
			p.ShortenCooldown(glitchCooldown)
		}
	}
}

// persistCooldowns writes the current extended-cooldown set to disk.
func (c *Client) persistCooldowns() {
	c.mu.RLock()
	providers := c.providers
	c.mu.RUnlock()
	state := make(map[string]persistedCooldown)
	for _, p := range providers {
		if entry, ok := p.snapshot(); ok {
			state[p.Name()] = entry
		}
	}
	if err := c.stateFile.save(state); err != nil {
		c.logger.Warn("cooldown state save failed", "error", err)
	}
}
