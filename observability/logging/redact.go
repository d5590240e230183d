package logging

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

var redactionAllowlist = map[string]struct{}{
	"service":   {},
	"env":       {},
	"message":   {},
	"severity":  {},
	"timestamp": {},
	"error":     {},
	"reason":    {},
	"component": {},
}

// hostProtocols name the multiaddr components whose value locates a host.
var hostProtocols = map[string]struct{}{
	"ip4":     {},
	"ip6":     {},
	"ip6zone": {},
	"dns":     {},
	"dns4":    {},
	"dns6":    {},
	"dnsaddr": {},
}

// IsAllowlisted reports whether the provided key is exempt from automatic redaction.
func IsAllowlisted(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	_, ok := redactionAllowlist[normalized]
	return ok
}

// RedactionAllowlist returns a sorted copy of the log keys that are allowed to be emitted
// without redaction. Tests use this to ensure sensitive keys remain masked.
func RedactionAllowlist() []string {
	keys := make([]string, 0, len(redactionAllowlist))
	for key := range redactionAllowlist {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskValue returns the canonical redacted placeholder for non-empty values. Empty values
// are returned unchanged to avoid introducing noise in logs.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField returns a slog.Attr that redacts the supplied value unless the key is
// explicitly allowlisted. The original key casing is preserved for readability.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// MaskAddress keeps the shape of a network address while hiding the host, so
// "/ip4/10.0.0.1/tcp/9000" logs as "/ip4/[REDACTED]/tcp/9000" and
// "10.0.0.1:9000" as "[REDACTED]:9000".
func MaskAddress(key string, value fmt.Stringer) slog.Attr {
	if value == nil {
		return slog.String(key, "")
	}
	addr := strings.TrimSpace(value.String())
	if addr == "" || IsAllowlisted(key) {
		return slog.String(key, addr)
	}
	if !strings.HasPrefix(addr, "/") {
		if i := strings.LastIndex(addr, ":"); i > 0 {
			return slog.String(key, RedactedValue+addr[i:])
		}
		return slog.String(key, RedactedValue)
	}
	parts := strings.Split(addr, "/")
	for i := 1; i+1 < len(parts); i++ {
		if _, ok := hostProtocols[parts[i]]; ok {
			parts[i+1] = RedactedValue
			i++
		}
	}
	return slog.String(key, strings.Join(parts, "/"))
}
