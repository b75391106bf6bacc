// ABOUTME: Environment listing with secret-looking values masked.

package metrics

import (
	"os"
	"sort"
	"strings"
)

var sensitiveMarkers = []string{"KEY", "SECRET", "TOKEN", "PASSWORD", "PASSWD", "CREDENTIAL", "AUTH"}

// Environment returns the process environment sorted by name, masking values
// whose names look like credentials.
func Environment() []EnvEntry {
	return maskEnvironment(os.Environ())
}

func maskEnvironment(environ []string) []EnvEntry {
	entries := make([]EnvEntry, 0, len(environ))
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			continue
		}
		if isSensitive(name) {
			value = "***"
		}
		entries = append(entries, EnvEntry{Name: name, Value: value})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

func isSensitive(name string) bool {
	upper := strings.ToUpper(name)
	for _, marker := range sensitiveMarkers {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}
