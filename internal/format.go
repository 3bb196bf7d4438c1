package internal

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// ExpiryNote returns an annotation like " (42 days)" or " (expired 3 days ago)"
// for an RFC 3339 timestamp, or an empty string if it does not parse.
func ExpiryNote(notAfter string, now time.Time) string {
	t, err := time.Parse(time.RFC3339, notAfter)
	if err != nil {
		return ""
	}
	days := int(math.Floor(t.Sub(now).Hours() / 24))
	if days < 0 {
		return fmt.Sprintf(" (expired %d days ago)", -days)
	}
	return fmt.Sprintf(" (%d days)", days)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
