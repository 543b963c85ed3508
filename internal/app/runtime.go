package app

import (
	"os"
	"sync/atomic"
)

const testModeEnv = "SALESOPS_TEST_MODE"

// testMode caches SALESOPS_TEST_MODE: 0 unread, 1 off, 2 on.
var testMode atomic.Int32

// InTestMode reports whether the binary runs under go test, in which case
// main skips network listeners and connections.
func InTestMode() bool {
	if testMode.Load() == 0 {
		RefreshTestMode()
	}
	return testMode.Load() == 2
}

// RefreshTestMode rereads the environment.
func RefreshTestMode() {
	if os.Getenv(testModeEnv) == "1" {
		testMode.Store(2)
		return
	}
	testMode.Store(1)
}
