package logging

import (
	"net/url"
	"regexp"
	"strings"
)

// Sensitive field names that should be redacted.
var sensitiveFields = []string{
	"password",
	"secret",
	"token",
	"api_key",
	"apikey",
	"authorization",
	"auth",
	"credential",
	"session",
	"jwt",
}

// Patterns for secrets that should be redacted.
var secretPatterns = []*regexp.Regexp{
	// Bearer tokens
	regexp.MustCompile(`(?i)bearer\s+([a-zA-Z0-9._-]{20,})`),

	// JWTs outside of a bearer header
	regexp.MustCompile(`eyJ[a-zA-Z0-9_-]{8,}\.[a-zA-Z0-9_-]{8,}\.[a-zA-Z0-9_-]{8,}`),

	// Generic long strings that look like secrets
	regexp.MustCompile(`(?i)(key|token|secret|password|auth)[=:]["']?([a-zA-Z0-9+/=_-]{32,})["']?`),
}

// RedactedValue is the replacement for sensitive values.
const RedactedValue = "[REDACTED]"

// Redact replaces sensitive information in a string.
func Redact(s string) string {
	result := s
	for _, pattern := range secretPatterns {
		result = pattern.ReplaceAllString(result, RedactedValue)
	}
	return result
}

// RedactURL scrubs credentials from a push or history endpoint before it is logged:
// userinfo passwords and any query parameter with a sensitive name.
func RedactURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return Redact(raw)
	}
	if parsed.User != nil {
		if _, ok := parsed.User.Password(); ok {
			parsed.User = url.UserPassword(parsed.User.Username(), RedactedValue)
		}
	}
	query := parsed.Query()
	changed := false
	for key := range query {
		if IsSensitiveField(key) {
			query.Set(key, RedactedValue)
			changed = true
		}
	}
	if changed {
		parsed.RawQuery = query.Encode()
	}
	out, _ := url.PathUnescape(parsed.String())
	return Redact(out)
}

// IsSensitiveField checks if a field name is considered sensitive.
func IsSensitiveField(name string) bool {
	lowerName := strings.ToLower(name)
	for _, field := range sensitiveFields {
		if strings.Contains(lowerName, field) {
			return true
		}
	}
	return false
}
