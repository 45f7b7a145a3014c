package rag

import "regexp"

// keyPattern matches ticket keys such as HBASE-12345 or SPR-456.
var keyPattern = regexp.MustCompile(`\b[A-Z]{2,}-\d+\b`)

// FirstKey returns the first ticket key in text, or the empty string.
func FirstKey(text string) string {
	return keyPattern.FindString(text)
}

// ExtractKeys returns the distinct ticket keys in text, in order of first
// appearance.
func ExtractKeys(text string) []string {
	matches := keyPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}
	keys := make([]string, 0, len(matches))
	seen := make(map[string]bool, len(matches))
	for _, m := range matches {
		if seen[m] {
			continue
		}
		seen[m] = true
		keys = append(keys, m)
	}
	return keys
}
