package app

import (
	"os"
	"strconv"
	"sync"
	"sync/atomic"
)

// TestModeEnv switches the binaries into test mode. Any value accepted by
// strconv.ParseBool as true enables it.
const TestModeEnv = "BILLPAY_TEST_MODE"

// testModeDefaults fill the variables LoadConfig requires, so a test binary
// never needs a database or real processor credentials.
var testModeDefaults = map[string]string{
	TestModeEnv:             "1",
	"STORE_DRIVER":          StoreMemory,
	"PAYMENT_MODE":          "test",
	"STRIPE_SECRET_KEY":     "sk_test_placeholder",
	"STRIPE_WEBHOOK_SECRET": "whsec_placeholder",
}

var (
	testMode   atomic.Bool
	detectOnce sync.Once
)

// InTestMode reports whether the binaries should skip connecting to the
// store, redis and the payment processor.
func InTestMode() bool {
	detectOnce.Do(RefreshTestMode)
	return testMode.Load()
}

// RefreshTestMode re-reads TestModeEnv after the environment changed.
func RefreshTestMode() {
	on, err := strconv.ParseBool(os.Getenv(TestModeEnv))
	testMode.Store(err == nil && on)
}

// EnterTestMode sets every test default that is not already set and turns
// test mode on. Explicit values, such as a DSN for integration runs, win.
func EnterTestMode() {
	for key, value := range testModeDefaults {
		if key == TestModeEnv || os.Getenv(key) == "" {
			_ = os.Setenv(key, value)
		}
	}
	RefreshTestMode()
}
