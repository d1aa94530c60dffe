package family

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// InferKey matches a repo name against the configured family glob patterns
// and returns the pattern's literal stem as the family key. Migration aid
// only: a stored family key always wins over inference, and callers must tag
// the result as an inferred family, never a configured one.
//
// A pattern like "ai-worker-*" groups ai-worker-3001, ai-worker-3002 under
// the key "ai-worker".
func InferKey(name string, patterns []string) (string, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", false
	}
	for _, pattern := range patterns {
		ok, err := doublestar.Match(pattern, name)
		if err != nil || !ok {
			continue
		}
		return patternStem(pattern), true
	}
	return "", false
}

// patternStem strips everything from the first glob metacharacter and trims
// trailing separators, leaving the stable prefix as the key.
func patternStem(pattern string) string {
	cut := len(pattern)
	for i, r := range pattern {
		switch r {
		case '*', '?', '[', '{':
			cut = i
		}
		if cut == i {
			break
		}
	}
	stem := strings.TrimRight(pattern[:cut], "-_./")
	if stem == "" {
		return pattern
	}
	return stem
}
