package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the canonical placeholder for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

// sensitiveKeys lists log keys whose values must never reach a log sink:
// node key material, request signatures and API tokens.
var sensitiveKeys = map[string]struct{}{
	"public_key": {},
	"publickey":  {},
	"signature":  {},
	"auth_data":  {},
	"token":      {},
	"secret":     {},
}

// IsSensitive reports whether the key carries material that must be masked.
func IsSensitive(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	_, ok := sensitiveKeys[normalized]
	return ok
}

// MaskField returns a slog.Attr with the value redacted when the key is
// sensitive. Empty values pass through unchanged to avoid log noise.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || !IsSensitive(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
