// Package testing puts the process into test mode when blank-imported by a
// test binary, so wiring code never dials real services.
package testing

import (
	"os"
	stdtesting "testing"

	"github.com/odyssey-erp/billpay/internal/app"
)

func init() {
	app.EnterTestMode()
}

func TestMain(m *stdtesting.M) {
	app.EnterTestMode()
	os.Exit(m.Run())
}
