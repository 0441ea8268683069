package ircsession

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// AccessListMode specifies how the sender access list is used.
type AccessListMode int

const (
	// AccessListModeDisabled means no sender filtering (default)
	AccessListModeDisabled AccessListMode = iota
	// AccessListModeAllowlist accepts packets only from listed senders
	AccessListModeAllowlist
	// AccessListModeBlocklist drops packets from listed senders
	AccessListModeBlocklist
)

func (m AccessListMode) String() string {
	switch m {
	case AccessListModeDisabled:
		return "disabled"
	case AccessListModeAllowlist:
		return "allowlist"
	case AccessListModeBlocklist:
		return "blocklist"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// UnmarshalText parses the YAML form of the mode.
func (m *AccessListMode) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "", "disabled":
		*m = AccessListModeDisabled
	case "allowlist":
		*m = AccessListModeAllowlist
	case "blocklist":
		*m = AccessListModeBlocklist
	default:
		return fmt.Errorf("unknown access list mode %q", text)
	}
	return nil
}

// MarshalText renders the mode for YAML.
func (m AccessListMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// AccessListConfig configures sender filtering of inbound application packets.
type AccessListConfig struct {
	// Mode specifies how the access list is used
	Mode AccessListMode `yaml:"mode"`

	// Senders lists usernames (matching every device) or name:deviceId nicks.
	Senders []string `yaml:"senders"`

	// DisableRejectLogging disables log warnings when packets are dropped
	DisableRejectLogging bool `yaml:"disable_reject_logging"`
}

// DefaultAccessListConfig returns the default (disabled) configuration.
func DefaultAccessListConfig() AccessListConfig {
	return AccessListConfig{Mode: AccessListModeDisabled}
}

// accessFilter decides whether packets from a sender are processed.
type accessFilter struct {
	config AccessListConfig
	mu     sync.RWMutex

	// entries holds normalized usernames and nicks
	entries map[string]struct{}
}

func newAccessFilter(config AccessListConfig) *accessFilter {
	af := &accessFilter{config: config}
	af.rebuild()
	return af
}

// rebuild refreshes the entry set. Must be called with af.mu held or before
// the filter is shared.
func (af *accessFilter) rebuild() {
	af.entries = make(map[string]struct{}, len(af.config.Senders))
	for _, s := range af.config.Senders {
		if n := normalizeSender(s); n != "" {
			af.entries[n] = struct{}{}
		}
	}
}

func normalizeSender(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// IsAllowed reports whether packets from nick should be processed.
func (af *accessFilter) IsAllowed(nick Nick) bool {
	af.mu.RLock()
	defer af.mu.RUnlock()

	if af.config.Mode == AccessListModeDisabled {
		return true
	}
	_, byNick := af.entries[normalizeSender(nick.String())]
	_, byName := af.entries[normalizeSender(nick.Name)]
	listed := byNick || byName

	switch af.config.Mode {
	case AccessListModeAllowlist:
		return listed
	case AccessListModeBlocklist:
		return !listed
	default:
		return true
	}
}

// Check returns an *AccessDeniedError for filtered senders.
func (af *accessFilter) Check(nick Nick) error {
	if af.IsAllowed(nick) {
		return nil
	}
	af.mu.RLock()
	mode, quiet := af.config.Mode, af.config.DisableRejectLogging
	af.mu.RUnlock()

	reason := "sender in blocklist"
	if mode == AccessListModeAllowlist {
		reason = "sender not in allowlist"
	}
	if !quiet {
		log.Warn().
			Str("sender", nick.String()).
			Str("reason", reason).
			Msg("inbound packet rejected by access list")
	}
	return &AccessDeniedError{Sender: nick.String(), Reason: reason}
}

// AccessDeniedError is returned when a sender is filtered.
type AccessDeniedError struct {
	Sender string
	Reason string
}

func (e *AccessDeniedError) Error() string {
	return "access denied for " + e.Sender + ": " + e.Reason
}

// Add lists a sender.
func (af *accessFilter) Add(sender string) {
	n := normalizeSender(sender)
	if n == "" {
		return
	}
	af.mu.Lock()
	defer af.mu.Unlock()
	if _, ok := af.entries[n]; ok {
		return
	}
	af.config.Senders = append(af.config.Senders, sender)
	af.entries[n] = struct{}{}
}

// Remove unlists a sender.
func (af *accessFilter) Remove(sender string) {
	n := normalizeSender(sender)
	af.mu.Lock()
	defer af.mu.Unlock()
	delete(af.entries, n)
	kept := af.config.Senders[:0]
	for _, s := range af.config.Senders {
		if normalizeSender(s) != n {
			kept = append(kept, s)
		}
	}
	af.config.Senders = kept
}

// Count returns the number of listed senders.
func (af *accessFilter) Count() int {
	af.mu.RLock()
	defer af.mu.RUnlock()
	return len(af.entries)
}

// ParseSenderList parses a comma or space separated list of senders.
func ParseSenderList(list string) []string {
	return strings.Fields(strings.ReplaceAll(list, ",", " "))
}
