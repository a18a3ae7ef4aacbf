package crossbar

import "strings"

// IsWildcardPattern reports whether name is a wildcard pattern (contains
// ">" or "*") rather than a concrete channel name.
func IsWildcardPattern(name string) bool {
	return strings.ContainsAny(name, ">*")
}

// matchWildcard implements the definitive matching rule from the
// pattern matcher design: if the pattern contains ">", it matches any
// channel name with the literal prefix preceding the first ">" as a
// byte-for-byte prefix. Otherwise both pattern and channel name are
// split on "." (discarding empty segments) and matched segment-by-segment,
// where a pattern segment of "*" matches any single channel segment.
func matchWildcard(pattern, channelName string) bool {
	if idx := strings.IndexByte(pattern, '>'); idx >= 0 {
		prefix := pattern[:idx]
		return strings.HasPrefix(channelName, prefix)
	}

	patternSegs := splitSegments(pattern)
	nameSegs := splitSegments(channelName)
	if len(patternSegs) != len(nameSegs) {
		return false
	}
	for i, seg := range patternSegs {
		if seg == "*" {
			continue
		}
		if seg != nameSegs[i] {
			return false
		}
	}
	return true
}

func splitSegments(s string) []string {
	raw := strings.Split(s, ".")
	segs := make([]string, 0, len(raw))
	for _, r := range raw {
		if r != "" {
			segs = append(segs, r)
		}
	}
	return segs
}

// validatePattern rejects non-recursive patterns whose segment count
// cannot possibly match anything sensible (empty pattern) and is used
// at Subscribe time before a wildcard subscription is registered.
func validatePattern(pattern string) error {
	if pattern == "" {
		return &InvalidSubscriptionError{NameOrPattern: pattern, Reason: "empty pattern"}
	}
	return nil
}
