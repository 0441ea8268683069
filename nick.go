package ircsession

import (
	"strings"
	"unicode"
)

const (
	maxNameLength    = 64
	maxDeviceLength  = 64
	maxChannelLength = 50
)

// Nick is a device-qualified identity. On the wire it is written as
// name:deviceId.
type Nick struct {
	Name     string
	DeviceID string
}

// String returns the wire form.
func (n Nick) String() string {
	return n.Name + ":" + n.DeviceID
}

// IsZero reports whether n is unset.
func (n Nick) IsZero() bool {
	return n.Name == "" && n.DeviceID == ""
}

// ParseNick splits a name:deviceId token and validates both halves.
func ParseNick(s string) (Nick, error) {
	i := strings.IndexByte(s, ':')
	if i <= 0 || i == len(s)-1 {
		return Nick{}, parseErr(ParseInvalidNick, "", "%q is not name:deviceId", s)
	}
	n := Nick{Name: s[:i], DeviceID: s[i+1:]}
	if err := n.Validate(); err != nil {
		return Nick{}, err
	}
	return n, nil
}

// MustParseNick is ParseNick for constants and tests.
func MustParseNick(s string) Nick {
	n, err := ParseNick(s)
	if err != nil {
		panic(err)
	}
	return n
}

// Validate checks both halves of the nick.
func (n Nick) Validate() error {
	if !validNickPart(n.Name, maxNameLength) {
		return parseErr(ParseInvalidNick, "", "invalid name %q", n.Name)
	}
	if n.Name[0] == '#' || n.Name[0] == '&' {
		return parseErr(ParseInvalidNick, "", "name %q looks like a channel", n.Name)
	}
	if !validNickPart(n.DeviceID, maxDeviceLength) {
		return parseErr(ParseInvalidNick, "", "invalid device id %q", n.DeviceID)
	}
	return nil
}

func validNickPart(s string, max int) bool {
	if s == "" || len(s) > max {
		return false
	}
	for _, r := range s {
		switch {
		case r == ':' || r == ',' || r == '!' || r == '@' || r == '*' || r == '?':
			return false
		case unicode.IsSpace(r) || unicode.IsControl(r):
			return false
		}
	}
	return true
}

// IsChannel reports whether s has a channel prefix.
func IsChannel(s string) bool {
	return s != "" && (s[0] == '#' || s[0] == '&')
}

// ValidateChannel checks a channel name.
func ValidateChannel(s string) error {
	if !IsChannel(s) || len(s) < 2 || len(s) > maxChannelLength {
		return parseErr(ParseInvalidChannel, "", "invalid channel %q", s)
	}
	for _, r := range s[1:] {
		if r == ',' || r == ' ' || r == 0x07 || unicode.IsControl(r) {
			return parseErr(ParseInvalidChannel, "", "channel %q contains %q", s, r)
		}
	}
	return nil
}

// validateRecipient accepts a nick or a channel.
func validateRecipient(command, s string) error {
	if IsChannel(s) {
		if err := ValidateChannel(s); err != nil {
			return parseErr(ParseInvalidTarget, command, "%v", err)
		}
		return nil
	}
	if _, err := ParseNick(s); err != nil {
		return parseErr(ParseInvalidTarget, command, "recipient %q is neither nick nor channel", s)
	}
	return nil
}

// splitList splits a comma separated list, dropping empty elements.
func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
