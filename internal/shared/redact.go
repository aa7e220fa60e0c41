package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|password)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{8,})"?`),
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// Telegram bot tokens: <digits>:<35 chars>.
	regexp.MustCompile(`\b\d{6,12}:[A-Za-z0-9_\-]{30,}\b`),
	regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`),
	regexp.MustCompile(`sk-(?:ant-)?[A-Za-z0-9_\-]{20,}`),
}

// Redact replaces secret-looking substrings with [REDACTED]. Prefixes such as
// "Bearer " or "api_key=" are kept so the redacted text stays readable.
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			sub := pat.FindStringSubmatch(match)
			if len(sub) >= 3 {
				if strings.HasSuffix(sub[1], " ") {
					return sub[1] + redactedPlaceholder
				}
				return sub[1] + "=" + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// IsSecretKey reports whether an attribute or env key names a credential.
func IsSecretKey(key string) bool {
	k := strings.ToLower(key)
	for _, s := range []string{"api_key", "apikey", "secret", "token", "password", "credential", "authorization"} {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// RedactValue hides value entirely when key names a credential.
func RedactValue(key, value string) string {
	if IsSecretKey(key) {
		return redactedPlaceholder
	}
	return Redact(value)
}
