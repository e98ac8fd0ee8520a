package bus

import (
	"path"
	"strings"
)

// MatchPattern matches a dot-delimited topic against a glob pattern.
// A `*` segment matches exactly one topic segment, `**` matches any
// remainder, a bare `*` pattern matches everything, and glob syntax
// applies within a segment (`test_*` matches `test_result`).
func MatchPattern(pattern, topic string) bool {
	if pattern == "" {
		return false
	}
	if pattern == "*" || pattern == "**" {
		return true
	}

	pSegs := strings.Split(pattern, ".")
	tSegs := strings.Split(topic, ".")
	return matchSegments(pSegs, tSegs)
}

func matchSegments(pattern, topic []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "**":
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(topic); i++ {
				if matchSegments(pattern[1:], topic[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(topic) == 0 {
				return false
			}
		default:
			if len(topic) == 0 {
				return false
			}
			if ok, err := path.Match(pattern[0], topic[0]); err != nil || !ok {
				return false
			}
		}
		pattern = pattern[1:]
		topic = topic[1:]
	}
	return len(topic) == 0
}
