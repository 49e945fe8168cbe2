package llm

import (
	"sync"
	"time"
)

// Override pins routing to a single endpoint, either process-wide or for
// one conversation. Expired overrides are dropped lazily on lookup.
type Override struct {
	Endpoint  string    `json:"endpoint"`
	ExpiresAt time.Time `json:"expires_at"`
	Reason    string    `json:"reason,omitempty"`
}

func (o *Override) expired(now time.Time) bool {
	return !o.ExpiresAt.IsZero() && !now.Before(o.ExpiresAt)
}

type overrideTable struct {
	mu       sync.Mutex
	global   *Override
	byConv   map[string]*Override
	now      func() time.Time
}

func newOverrideTable(now func() time.Time) *overrideTable {
	if now == nil {
		now = time.Now
	}
	return &overrideTable{byConv: make(map[string]*Override), now: now}
}

// setGlobal pins all routing to an endpoint for the given duration.
func (t *overrideTable) setGlobal(endpoint string, ttl time.Duration, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.global = &Override{Endpoint: endpoint, ExpiresAt: t.now().Add(ttl), Reason: reason}
}

// setConversation pins one conversation to an endpoint.
func (t *overrideTable) setConversation(convID, endpoint string, ttl time.Duration, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byConv[convID] = &Override{Endpoint: endpoint, ExpiresAt: t.now().Add(ttl), Reason: reason}
}

// clearGlobal removes the process-wide pin.
func (t *overrideTable) clearGlobal() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.global = nil
}

// clearConversation removes a conversation pin.
func (t *overrideTable) clearConversation(convID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byConv, convID)
}

// lookup resolves the effective override for a conversation: the
// conversation pin wins over the global pin. Expired entries are dropped.
func (t *overrideTable) lookup(convID string) *Override {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if convID != "" {
		if o, ok := t.byConv[convID]; ok {
			if o.expired(now) {
				delete(t.byConv, convID)
			} else {
				return o
			}
		}
	}
	if t.global != nil {
		if t.global.expired(now) {
			t.global = nil
		} else {
			return t.global
		}
	}
	return nil
}
