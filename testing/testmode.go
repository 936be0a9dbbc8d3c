// Package testing switches the binaries and the runtime into test mode. Test
// files import it for its side effects.
package testing

import (
	"os"
	"sync"
)

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv("FAMILYHUB_TEST_MODE", "1")
		setDefault("STORE_DRIVER", "memory")
		setDefault("CACHE_L2_ENABLED", "false")
	})
}

func setDefault(key, value string) {
	if os.Getenv(key) == "" {
		_ = os.Setenv(key, value)
	}
}

func init() {
	ensureTestMode()
}
