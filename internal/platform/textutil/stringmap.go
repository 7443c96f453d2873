// Package textutil has small string helpers shared by the API surface.
package textutil

import "strings"

// NormalizeStringMap trims every key and value and drops entries whose key
// trims to empty. It returns nil when nothing survives, so callers can
// treat "no metadata" and "only junk metadata" the same way.
func NormalizeStringMap(values map[string]string) map[string]string {
	out := make(map[string]string, len(values))
	for key, value := range values {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
