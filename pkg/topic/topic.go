// Package topic implements hierarchical topic parsing and pattern matching
// for the AMCP event broker.
//
// Topics are dotted paths of non-empty identifier segments
// ("orchestration.request.q1"). Subscription patterns extend topics with
// two wildcards:
//
//   - "*" matches exactly one segment
//   - "**" matches zero or more segments and is permitted only as the
//     terminal segment
//
// Matching is literal and case-sensitive. A pattern equal to "**" matches
// every well-formed topic. Wildcards are never valid in an event's topic,
// only in subscription patterns.
package topic

import (
	"strings"

	amcperr "github.com/xaviercallens/amcp-go/pkg/errors"
)

const (
	// Separator joins topic segments.
	Separator = "."

	// WildcardOne matches exactly one segment in a pattern.
	WildcardOne = "*"

	// WildcardMany matches zero or more trailing segments in a pattern.
	WildcardMany = "**"
)

// validSegment reports whether s is a non-empty run of [A-Za-z0-9_-].
func validSegment(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}

// Validate checks that t is a well-formed event topic: one or more
// dot-separated segments of [A-Za-z0-9_-]+, with no wildcards. Returns a
// CodeInvalidTopic error describing the first violation.
func Validate(t string) error {
	if t == "" {
		return amcperr.InvalidTopic(t, "topic must not be empty")
	}
	for _, seg := range strings.Split(t, Separator) {
		if seg == WildcardOne || seg == WildcardMany {
			return amcperr.InvalidTopic(t, "wildcards are not allowed in event topics")
		}
		if !validSegment(seg) {
			return amcperr.InvalidTopic(t, "segments must be non-empty runs of [A-Za-z0-9_-]")
		}
	}
	return nil
}

// ValidatePattern checks that p is a well-formed subscription pattern:
// dot-separated segments that are identifiers, "*", or a terminal "**".
// An intermediate "**" is rejected. Returns a CodeInvalidPattern error
// describing the first violation.
func ValidatePattern(p string) error {
	if p == "" {
		return amcperr.InvalidPattern(p, "pattern must not be empty")
	}
	segs := strings.Split(p, Separator)
	for i, seg := range segs {
		switch seg {
		case WildcardOne:
		case WildcardMany:
			if i != len(segs)-1 {
				return amcperr.InvalidPattern(p, `"**" is permitted only as the terminal segment`)
			}
		default:
			if !validSegment(seg) {
				return amcperr.InvalidPattern(p, "segments must be non-empty runs of [A-Za-z0-9_-]")
			}
		}
	}
	return nil
}

// Matches reports whether the event topic t matches the subscription
// pattern p. It is total over well-formed inputs; malformed inputs return
// an InvalidTopic or InvalidPattern error. Matches(t, "**") is true for
// every well-formed topic t.
func Matches(t, p string) (bool, error) {
	if err := Validate(t); err != nil {
		return false, err
	}
	if err := ValidatePattern(p); err != nil {
		return false, err
	}
	return matchSegments(strings.Split(t, Separator), strings.Split(p, Separator)), nil
}

// matchSegments walks topic and pattern segments in lockstep. Since "**"
// may only appear terminally, no backtracking is needed.
func matchSegments(topic, pattern []string) bool {
	for i, pseg := range pattern {
		if pseg == WildcardMany {
			// Terminal: matches the (possibly empty) remainder.
			return true
		}
		if i >= len(topic) {
			return false
		}
		if pseg != WildcardOne && pseg != topic[i] {
			return false
		}
	}
	return len(topic) == len(pattern)
}
