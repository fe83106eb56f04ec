package events

import "strings"

// MatchTopic reports whether topic satisfies pattern. A pattern is either an
// exact topic, "*", or a prefix ending in "*" ("run.*"). The separators "."
// and "/" are interchangeable, so "resource.*" matches "resource/rate_limited".
func MatchTopic(pattern, topic string) bool {
	if pattern == "*" {
		return true
	}
	p := normalizeTopic(pattern)
	t := normalizeTopic(topic)
	if prefix, ok := strings.CutSuffix(p, "*"); ok {
		return strings.HasPrefix(t, prefix)
	}
	return p == t
}

// ValidPattern reports whether pattern is usable for subscriptions.
// Wildcards are only allowed as the final character.
func ValidPattern(pattern string) bool {
	if pattern == "" {
		return false
	}
	idx := strings.IndexByte(pattern, '*')
	return idx == -1 || idx == len(pattern)-1
}

func normalizeTopic(s string) string {
	return strings.ReplaceAll(s, "/", ".")
}
