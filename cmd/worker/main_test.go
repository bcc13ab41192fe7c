package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/billpay/internal/app"
	_ "github.com/odyssey-erp/billpay/testing"
)

func TestMainSkipsStartupInTestMode(t *testing.T) {
	require.True(t, app.InTestMode())
	main()
}
