package ircsession

import (
	"strings"

	"github.com/ergochat/irc-go/ircmsg"
)

func validTagKey(k string) bool {
	if k == "" {
		return false
	}
	for i := 0; i < len(k); i++ {
		c := k[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-' || c == '.' || c == '/' || c == '+':
		default:
			return false
		}
	}
	return true
}

// encodeTags renders the tag block without the leading '@'. Values are
// escaped with ircmsg; the block keeps tag order and repeated keys.
func encodeTags(tags []Tag) (string, error) {
	parts := make([]string, 0, len(tags))
	for _, t := range tags {
		if !validTagKey(t.Key) {
			return "", parseErr(ParseInvalidTag, "", "invalid tag key %q", t.Key)
		}
		if t.Value == "" {
			parts = append(parts, t.Key)
			continue
		}
		parts = append(parts, t.Key+"="+ircmsg.EscapeTagValue(t.Value))
	}
	return strings.Join(parts, ";"), nil
}

// decodeTags parses a tag block without the leading '@'.
func decodeTags(block string) ([]Tag, error) {
	if block == "" {
		return nil, parseErr(ParseInvalidTag, "", "empty tag block")
	}
	raw := strings.Split(block, ";")
	tags := make([]Tag, 0, len(raw))
	for _, item := range raw {
		if item == "" {
			continue
		}
		key, value, _ := strings.Cut(item, "=")
		if !validTagKey(key) {
			return nil, parseErr(ParseInvalidTag, "", "invalid tag key %q", key)
		}
		tags = append(tags, Tag{Key: key, Value: ircmsg.UnescapeTagValue(value)})
	}
	if len(tags) == 0 {
		return nil, nil
	}
	return tags, nil
}
