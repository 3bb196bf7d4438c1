package internal

import (
	"testing"
	"time"
)

func TestExpiryNote(t *testing.T) {
	// WHY: The verify summary shows remaining validity in whole days; past
	// dates must read as expired rather than as a negative count.
	t.Parallel()

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		notAfter string
		want     string
	}{
		{"future", "2025-04-11T12:00:00Z", " (41 days)"},
		{"partial day rounds down", "2025-03-02T11:00:00Z", " (0 days)"},
		{"past", "2025-02-26T12:00:00Z", " (expired 3 days ago)"},
		{"unparsable", "soon", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := ExpiryNote(tt.notAfter, now); got != tt.want {
				t.Errorf("ExpiryNote(%q) = %q, want %q", tt.notAfter, got, tt.want)
			}
		})
	}
}

func TestSortedKeys(t *testing.T) {
	t.Parallel()
	got := sortedKeys(map[string]string{"pass.json": "a", "icon.png": "b", "logo.png": "c"})
	want := []string{"icon.png", "logo.png", "pass.json"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sortedKeys = %v, want %v", got, want)
		}
	}
}
