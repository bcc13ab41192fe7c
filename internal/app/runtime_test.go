package app

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefreshTestModeParsesBooleans(t *testing.T) {
	t.Cleanup(RefreshTestMode)
	cases := map[string]bool{"1": true, "true": true, "TRUE": true, "0": false, "false": false, "yes": false, "": false}
	for raw, want := range cases {
		t.Setenv(TestModeEnv, raw)
		RefreshTestMode()
		assert.Equal(t, want, InTestMode(), "value %q", raw)
	}
}

func TestEnterTestModeKeepsExplicitValues(t *testing.T) {
	t.Cleanup(RefreshTestMode)
	for _, key := range []string{TestModeEnv, "STORE_DRIVER", "PAYMENT_MODE", "STRIPE_WEBHOOK_SECRET"} {
		t.Setenv(key, "")
	}
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_mine")

	EnterTestMode()

	assert.True(t, InTestMode())
	assert.Equal(t, StoreMemory, os.Getenv("STORE_DRIVER"))
	assert.Equal(t, "sk_test_mine", os.Getenv("STRIPE_SECRET_KEY"))

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, StoreMemory, cfg.StoreDriver)
	assert.Equal(t, "whsec_placeholder", cfg.StripeWebhookSecret)
}
