package ui

import "testing"

func TestStatusFallsBackToMuted(t *testing.T) {
	// With NO_COLOR set, styles must pass text through unchanged.
	t.Setenv("NO_COLOR", "1")

	for _, s := range []string{"pending", "failed", "synced", "weird"} {
		if got := Status(s); got != s {
			t.Errorf("Status(%q) = %q, want passthrough", s, got)
		}
	}
	if got := Header("Sync status"); got != "Sync status" {
		t.Errorf("Header() = %q, want passthrough", got)
	}
}
