package formula

import (
	"regexp"
	"sort"
	"strings"
)

var getReference = regexp.MustCompile(`\bget\s*\(\s*(?:"([^"]*)"|'([^']*)')\s*\)`)

// NormalizeKey is the canonical form of an entity key: trimmed, uppercase.
func NormalizeKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

// ExtractKeys returns the normalized, deduplicated keys referenced by
// get("KEY") or get('KEY') in text, sorted for stable iteration.
func ExtractKeys(text string) []string {
	seen := make(map[string]bool)
	var keys []string
	for _, m := range getReference.FindAllStringSubmatch(text, -1) {
		raw := m[1]
		if raw == "" {
			raw = m[2]
		}
		key := NormalizeKey(raw)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// References reports whether text depends on key through get().
func References(text, key string) bool {
	key = NormalizeKey(key)
	if key == "" {
		return false
	}
	for _, k := range ExtractKeys(text) {
		if k == key {
			return true
		}
	}
	return false
}
