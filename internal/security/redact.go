package security

import (
	"regexp"
	"strings"
)

// redactionPattern is one regexp/replacement pair applied by Redact.
type redactionPattern struct {
	name    string
	pattern *regexp.Regexp
	mask    string
}

// Candidate Settings and remote manifest fetch URLs routinely carry
// tokens or credentials; these patterns keep them out of log lines and
// error details. Order matters: more specific patterns run first.
//
// Grounded on infrastructure/security/sanitize.go's SensitivePattern
// table.
var redactionPatterns = []redactionPattern{
	{"jwt", regexp.MustCompile(`eyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}`), "[REDACTED_JWT]"},
	{"private_key", regexp.MustCompile(`-----BEGIN\s+(RSA\s+)?PRIVATE\s+KEY-----[\s\S]*?-----END\s+(RSA\s+)?PRIVATE\s+KEY-----`), "[REDACTED_PRIVATE_KEY]"},
	{"bearer", regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9_\-.]{20,}`), "Bearer [REDACTED_TOKEN]"},
	{"api_key", regexp.MustCompile(`(?i)(api[_-]?key|apikey|access[_-]?key)\s*[:=]\s*['"]?([A-Za-z0-9_\-]{20,})['"]?`), "$1=[REDACTED_API_KEY]"},
	{"token", regexp.MustCompile(`(?i)(token)\s*[:=]\s*['"]?([A-Za-z0-9_\-.]{16,})['"]?`), "$1=[REDACTED_TOKEN]"},
	{"password", regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*['"]?([^'"\s]{6,})['"]?`), "$1=[REDACTED_PASSWORD]"},
	{"secret", regexp.MustCompile(`(?i)(secret|client_secret)\s*[:=]\s*['"]?([A-Za-z0-9_\-]{16,})['"]?`), "$1=[REDACTED_SECRET]"},
	{"userinfo_url", regexp.MustCompile(`://([^:/@\s]+):([^@/\s]+)@`), "://[REDACTED_USERINFO]@"},
}

var sensitiveKeywords = []string{
	"password", "passwd", "pwd", "secret", "token", "key", "auth",
	"authorization", "credential", "private", "api_key", "apikey",
}

// Redact masks tokens, passwords, private keys, and embedded URL
// userinfo in a string, for safe inclusion in log lines and API error
// details.
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, p := range redactionPatterns {
		result = p.pattern.ReplaceAllString(result, p.mask)
	}
	return result
}

// IsSensitiveKey reports whether a field name (e.g. a candidate
// Settings key) looks like it holds a secret.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// RedactMap returns a shallow copy of data with sensitive keys replaced
// wholesale and string values run through Redact, suitable for logging
// a candidate's Settings or a manifest entry's fields.
func RedactMap(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		if IsSensitiveKey(k) {
			out[k] = "[REDACTED]"
			continue
		}
		if s, ok := v.(string); ok {
			out[k] = Redact(s)
			continue
		}
		out[k] = v
	}
	return out
}
