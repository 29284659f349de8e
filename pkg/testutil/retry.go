// Package testutil holds small helpers shared across this module's test
// files, kept separate from production code so it is never linked into a
// release build.
package testutil

import "testing"

// Retry calls fn up to maxAttempts times, returning on the first attempt
// that succeeds (fn returns nil) and failing the test only if every
// attempt returns an error. It exists for end-to-end tests that talk to a
// real Tor circuit and can fail transiently for reasons outside this
// module's control; it is distinct from, and sits above, the client's own
// internal send-retry loop.
func Retry(t *testing.T, maxAttempts int, fn func() error) {
	t.Helper()
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return
		}
		lastErr = err
		t.Logf("retry: attempt %d/%d failed: %v", attempt, maxAttempts, err)
	}
	t.Fatalf("retry: all %d attempts failed, last error: %v", maxAttempts, lastErr)
}
