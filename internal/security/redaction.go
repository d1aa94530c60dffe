// Package security scrubs credentials from values that pass through the
// store: remote URLs can embed tokens, and upstream error strings can quote
// connection strings verbatim.
package security

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	secretKeyExpr      = `(?:password|passwd|secret|api[_-]?key|[a-z0-9._-]*token[a-z0-9._-]*)`
	kvSecretPattern    = regexp.MustCompile(`(?i)(` + secretKeyExpr + `)\s*[:=]\s*(?:"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|[^\s"']+)`)
	bearerTokenPattern = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`)
	urlUserinfoPattern = regexp.MustCompile(`(?i)\b(https?://|ssh://)[^\s/@]+(?::[^\s/@]*)?@`)
)

// RedactSecrets scrubs key=value secrets, bearer tokens, and URL-embedded
// credentials from free-form text such as upstream error messages.
func RedactSecrets(input string) string {
	if input == "" {
		return ""
	}
	out := kvSecretPattern.ReplaceAllStringFunc(input, func(match string) string {
		idx := strings.IndexAny(match, ":=")
		if idx < 0 {
			return "[REDACTED]"
		}
		return match[:idx+1] + " [REDACTED]"
	})
	out = bearerTokenPattern.ReplaceAllString(out, "Bearer [REDACTED]")
	out = urlUserinfoPattern.ReplaceAllString(out, `${1}[REDACTED]@`)
	return out
}

// StripURLCredentials removes the userinfo section from a remote URL so a
// token pasted into a registry entry never reaches the database. Unparseable
// values fall back to the regex scrub.
func StripURLCredentials(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" {
		return RedactSecrets(trimmed)
	}
	if u.User != nil {
		u.User = nil
	}
	return u.String()
}
