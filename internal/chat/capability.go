package chat

import (
	"sync"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/logging"
)

// Capability is the cached verdict on whether a provider endpoint
// honors tool-use requests.
type Capability string

const (
	// CapabilitySupported means a tool call has actually executed.
	CapabilitySupported Capability = "supported"
	// CapabilityNotSupported means the adapter reported a vendor
	// rejection of the tools field.
	CapabilityNotSupported Capability = "not_supported"
	// CapabilityNotObserved means the model keeps answering without
	// touching the offered tools. Tools stay offered; the first real
	// execution promotes the entry back to supported.
	CapabilityNotObserved Capability = "not_observed"
	// CapabilityUnknown is the initial state.
	CapabilityUnknown Capability = "unknown"
)

// noToolCallThreshold is how many consecutive tool-call-free end_turn
// completions demote an endpoint to not_observed.
const noToolCallThreshold = 2

type capEntry struct {
	state       Capability
	quietStreak int // consecutive completions that ignored the tools
}

// CapabilityCache tracks tool-use support per (provider, model, baseURL).
// It is process-wide state shared by every chat turn.
type CapabilityCache struct {
	mu      sync.Mutex
	entries map[string]*capEntry
}

// NewCapabilityCache creates an empty cache.
func NewCapabilityCache() *CapabilityCache {
	return &CapabilityCache{entries: make(map[string]*capEntry)}
}

// CapabilityKey builds the cache key for a provider endpoint.
func CapabilityKey(providerName, model, baseURL string) string {
	return providerName + "|" + model + "|" + baseURL
}

// State returns the cached verdict for a key.
func (c *CapabilityCache) State(key string) Capability {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		return e.state
	}
	return CapabilityUnknown
}

// MarkSupported records a successful tool execution. Recovering from
// not_observed resets the quiet streak.
func (c *CapabilityCache) MarkSupported(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(key)
	if e.state != CapabilitySupported {
		logging.Chat("Tool capability confirmed for %s", key)
	}
	e.state = CapabilitySupported
	e.quietStreak = 0
}

// MarkNotSupported records a vendor rejection of tool-use requests.
func (c *CapabilityCache) MarkNotSupported(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(key)
	e.state = CapabilityNotSupported
	e.quietStreak = 0
	logging.ChatWarn("Provider rejected tool use, caching not_supported for %s", key)
}

// ObserveNoToolCalls records an end_turn completion that ignored the
// offered tools. Two in a row demote the endpoint to not_observed.
func (c *CapabilityCache) ObserveNoToolCalls(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(key)
	if e.state == CapabilityNotSupported {
		return
	}
	e.quietStreak++
	if e.quietStreak >= noToolCallThreshold {
		if e.state != CapabilityNotObserved {
			logging.ChatDebug("No tool calls observed twice for %s, demoting", key)
		}
		e.state = CapabilityNotObserved
	}
}

func (c *CapabilityCache) entry(key string) *capEntry {
	e, ok := c.entries[key]
	if !ok {
		e = &capEntry{state: CapabilityUnknown}
		c.entries[key] = e
	}
	return e
}
