package ratelimit

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain uses goleak to verify tests in this package do not leak
// goroutines.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
