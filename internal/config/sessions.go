package config

import "strings"

// ParseSessions splits a comma-separated session list, trimming spaces and
// dropping blanks and duplicates. Order is preserved.
func ParseSessions(list string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, s := range strings.Split(list, ",") {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
