package ircsession

import (
	"sort"
	"sync"
	"time"
)

// Presence cache: remembers the last known online state of contacts from
// ISON replies, JOIN/PART presence blobs and is-online acks, so callers
// can ask without a round trip.

// PresenceConfig holds configuration for the presence cache.
type PresenceConfig struct {
	// EntryTTL is how long an observation stays valid.
	// Default: 5 minutes
	EntryTTL time.Duration `yaml:"entry_ttl"`

	// Enabled controls whether observations are cached.
	// Default: true
	Enabled bool `yaml:"enabled"`
}

// DefaultPresenceConfig returns the default presence configuration.
func DefaultPresenceConfig() PresenceConfig {
	return PresenceConfig{
		EntryTTL: 5 * time.Minute,
		Enabled:  true,
	}
}

// presenceEntry holds one observation.
type presenceEntry struct {
	online     bool
	lastUpdate time.Time
	// source names what produced the observation (ison, join, part, ack)
	source string
}

// presenceCache is keyed by the wire form of the nick.
// Thread-safe: read by API callers, written by the session context.
type presenceCache struct {
	config  PresenceConfig
	entries map[string]*presenceEntry
	mu      sync.RWMutex
	now     func() time.Time
}

func newPresenceCache(config PresenceConfig) *presenceCache {
	return &presenceCache{
		config:  config,
		entries: make(map[string]*presenceEntry),
		now:     time.Now,
	}
}

// Update records an observation and reports whether the state changed.
func (c *presenceCache) Update(nick string, online bool, source string) bool {
	if !c.config.Enabled || nick == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	e, ok := c.entries[nick]
	changed := !ok || e.online != online || c.expiredLocked(e, now)
	c.entries[nick] = &presenceEntry{online: online, lastUpdate: now, source: source}
	return changed
}

// Get returns the cached state. ok is false for unknown or stale entries.
func (c *presenceCache) Get(nick string) (online bool, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, found := c.entries[nick]
	if !found || c.expiredLocked(e, c.now()) {
		return false, false
	}
	return e.online, true
}

// Online returns every nick currently believed online, sorted.
func (c *presenceCache) Online() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := c.now()
	var out []string
	for nick, e := range c.entries {
		if e.online && !c.expiredLocked(e, now) {
			out = append(out, nick)
		}
	}
	sort.Strings(out)
	return out
}

func (c *presenceCache) expiredLocked(e *presenceEntry, now time.Time) bool {
	return c.config.EntryTTL > 0 && now.Sub(e.lastUpdate) > c.config.EntryTTL
}

// CleanupExpired removes stale entries and returns how many were removed.
func (c *presenceCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for nick, e := range c.entries {
		if c.expiredLocked(e, now) {
			delete(c.entries, nick)
			removed++
		}
	}
	return removed
}

// Size returns the number of entries, stale ones included.
func (c *presenceCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Clear drops everything.
func (c *presenceCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*presenceEntry)
	c.mu.Unlock()
}
