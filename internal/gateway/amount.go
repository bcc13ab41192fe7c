package gateway

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// MinorUnits converts amount into the integer minor units the processor
// expects for the currency (cents for EUR, yen for JPY). Amounts that carry
// more precision than the currency allows are rejected rather than rounded.
func MinorUnits(amount decimal.Decimal, code string) (int64, error) {
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return 0, fmt.Errorf("unknown currency %q", code)
	}
	if amount.Sign() <= 0 {
		return 0, fmt.Errorf("amount %s must be positive", amount)
	}
	scale, _ := currency.Standard.Rounding(unit)
	minor := amount.Shift(int32(scale))
	if !minor.IsInteger() {
		return 0, fmt.Errorf("amount %s has more than %d decimal places for %s", amount, scale, unit)
	}
	if !minor.BigInt().IsInt64() {
		return 0, fmt.Errorf("amount %s overflows %s minor units", amount, unit)
	}
	return minor.IntPart(), nil
}
