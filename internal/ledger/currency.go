package ledger

import (
	"strings"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// defaultFraction is used for amounts whose currency is not in the ISO table.
// Such entries never pass validation, but the hash engine must still be total.
const defaultFraction = 2

// MaxIntegerDigits bounds the integer part of an entry amount. It matches the
// amount column's NUMERIC(20, 6).
const MaxIntegerDigits = 14

// IntegerDigits returns the number of digits before the decimal point of
// amount. The exponent is never expanded, so "1e2000000" is cheap to reject.
func IntegerDigits(amount decimal.Decimal) int {
	if amount.IsZero() {
		return 0
	}
	digits := len(amount.Coefficient().String())
	if amount.IsNegative() {
		digits--
	}
	if n := digits + int(amount.Exponent()); n > 0 {
		return n
	}
	return 0
}

// KnownCurrency reports whether code is an upper-case ISO 4217 currency code.
func KnownCurrency(code string) bool {
	if len(code) != 3 || strings.ToUpper(code) != code {
		return false
	}
	return money.GetCurrency(code) != nil
}

// CurrencyFraction returns the number of minor-unit digits of code.
func CurrencyFraction(code string) int {
	if c := money.GetCurrency(code); c != nil {
		return c.Fraction
	}
	return defaultFraction
}

// FormatAmount renders amount with the currency's minor-unit digits, or more
// when the value carries extra significant digits. Trailing zeros beyond the
// currency fraction are dropped, so 120, 120.00 and 120.000000 all render as
// "120.00" for MXN while 120.001 stays distinct.
func FormatAmount(amount decimal.Decimal, currency string) string {
	places := int32(CurrencyFraction(currency))
	s := amount.String()
	if i := strings.IndexByte(s, '.'); i >= 0 {
		if n := int32(len(s) - i - 1); n > places {
			places = n
		}
	}
	return amount.StringFixed(places)
}
