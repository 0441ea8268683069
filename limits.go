package ircsession

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// RateLimitConfig bounds how many packets peers may push at this device.
// All limit values of 0 mean disabled.
type RateLimitConfig struct {
	// Per-sender limits, keyed by nick name so all devices of a user share them.
	MaxPacketsPerMinute int `yaml:"max_packets_per_minute"`
	MaxPacketsPerHour   int `yaml:"max_packets_per_hour"`

	// Limits across all senders combined.
	MaxTotalPerMinute int `yaml:"max_total_per_minute"`

	// DisableRejectLogging disables warnings when packets are dropped.
	DisableRejectLogging bool `yaml:"disable_reject_logging"`
}

// DefaultRateLimitConfig returns the default (unlimited) configuration.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{}
}

func (c RateLimitConfig) enabled() bool {
	return c.MaxPacketsPerMinute > 0 || c.MaxPacketsPerHour > 0 || c.MaxTotalPerMinute > 0
}

// senderLimiter tracks packet arrival times per sender within sliding windows.
type senderLimiter struct {
	config RateLimitConfig
	mu     sync.Mutex

	// sender name -> arrival timestamps
	senders map[string]*arrivalHistory
	total   arrivalHistory
	now     func() time.Time
}

// arrivalHistory holds timestamps newer than one hour.
type arrivalHistory struct {
	timestamps []time.Time
}

func newSenderLimiter(config RateLimitConfig) *senderLimiter {
	return &senderLimiter{
		config:  config,
		senders: make(map[string]*arrivalHistory),
		now:     time.Now,
	}
}

// Allow checks whether another packet from sender fits the limits and
// records it if so.
func (sl *senderLimiter) Allow(sender Nick) error {
	if !sl.config.enabled() {
		return nil
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()

	now := sl.now()
	sl.total.prune(now)
	if max := sl.config.MaxTotalPerMinute; max > 0 && sl.total.countSince(now.Add(-time.Minute)) >= max {
		return sl.reject(sender, fmt.Sprintf("total packets per minute exceeded (%d)", max))
	}

	key := normalizeSender(sender.Name)
	h, ok := sl.senders[key]
	if !ok {
		h = &arrivalHistory{}
		sl.senders[key] = h
	}
	h.prune(now)
	if max := sl.config.MaxPacketsPerMinute; max > 0 && h.countSince(now.Add(-time.Minute)) >= max {
		return sl.reject(sender, fmt.Sprintf("packets per minute from sender exceeded (%d)", max))
	}
	if max := sl.config.MaxPacketsPerHour; max > 0 && h.countSince(now.Add(-time.Hour)) >= max {
		return sl.reject(sender, fmt.Sprintf("packets per hour from sender exceeded (%d)", max))
	}

	h.timestamps = append(h.timestamps, now)
	sl.total.timestamps = append(sl.total.timestamps, now)
	return nil
}

func (sl *senderLimiter) reject(sender Nick, reason string) error {
	if !sl.config.DisableRejectLogging {
		log.Warn().
			Str("sender", sender.String()).
			Str("reason", reason).
			Msg("inbound packet dropped by rate limit")
	}
	return &AccessDeniedError{Sender: sender.String(), Reason: reason}
}

// CleanupStale forgets senders with no arrivals in the last hour.
func (sl *senderLimiter) CleanupStale() int {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	now := sl.now()
	removed := 0
	for key, h := range sl.senders {
		h.prune(now)
		if len(h.timestamps) == 0 {
			delete(sl.senders, key)
			removed++
		}
	}
	return removed
}

// Senders returns the number of tracked senders.
func (sl *senderLimiter) Senders() int {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return len(sl.senders)
}

func (h *arrivalHistory) prune(now time.Time) {
	cutoff := now.Add(-time.Hour)
	kept := h.timestamps[:0]
	for _, ts := range h.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	h.timestamps = kept
}

func (h *arrivalHistory) countSince(since time.Time) int {
	count := 0
	for _, ts := range h.timestamps {
		if ts.After(since) {
			count++
		}
	}
	return count
}
