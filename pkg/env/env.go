// Package env reads process settings that must be known before config.Load
// runs, such as the log format and the instance identity.
package env

import (
	"os"
	"strings"
)

// First returns the first of keys holding a non-blank value, trimmed, or
// fallback when none does.
func First(fallback string, keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return fallback
}

// Get is First with a single key.
func Get(key, fallback string) string {
	return First(fallback, key)
}
