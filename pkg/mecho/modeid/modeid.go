// Package modeid sanitizes and validates the mode-id namespace key shared by
// the Memory Store, HTTP API, and orchestrator ("Mode").
package modeid

import (
	"strings"
)

// Sanitize trims, lowercases, and strips any character not in [a-z0-9_-].
// An empty result means the input was rejected.
func Sanitize(raw string) (string, bool) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	var b strings.Builder
	b.Grow(len(trimmed))
	for _, r := range trimmed {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		}
	}
	out := b.String()
	return out, out != ""
}
