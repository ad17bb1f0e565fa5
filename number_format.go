package scopesim

import (
	"fmt"
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

// siPrefixes maps the exponent of each sub-unit SI prefix to its letter.
var siPrefixes = map[int]string{-15: "f", -12: "p", -9: "n", -6: "u", -3: "m"}

// MultiplierLetter splits v into a signed mantissa, the decimal exponent
// floor(log10|v|) and the SI prefix letter, such that mantissa times
// 10^(exponent of the prefix) equals v. Values with |v| >= 1 get no prefix.
// Anything smaller than 1 pico lands in the femto bucket. Zero maps to (0, 0, "").
func MultiplierLetter(v decimal.Decimal) (mantissa float64, exponent int, letter string) {
	if v.IsZero() {
		return 0, 0, ""
	}
	exponent = decimalExponent(v)
	if exponent >= 0 {
		return v.InexactFloat64(), exponent, ""
	}
	p := prefixExponent(exponent)
	return v.Shift(int32(-p)).InexactFloat64(), exponent, siPrefixes[p]
}

// MultiplierLetterFloat is MultiplierLetter for a float64 value. NaN and
// infinities are returned unchanged, with no prefix.
func MultiplierLetterFloat(v float64) (float64, int, string) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v, 0, ""
	}
	return MultiplierLetter(decimal.NewFromFloat(v))
}

// decimalExponent returns floor(log10|v|) for nonzero v, exactly.
func decimalExponent(v decimal.Decimal) int {
	coef := new(big.Int).Abs(v.Coefficient())
	return int(v.Exponent()) + len(coef.String()) - 1
}

// prefixExponent returns the exponent of the prefix used for a value whose
// decimal exponent is e < 0: the next multiple of 3 at or below e, never below -15.
func prefixExponent(e int) int {
	p := 3 * int(math.Floor(float64(e)/3))
	if p < -15 {
		p = -15
	}
	return p
}

// ExponentFromLetter returns the exponent of a prefix letter.
func ExponentFromLetter(letter string) (int, bool) {
	for e, l := range siPrefixes {
		if l == letter {
			return e, true
		}
	}
	return 0, false
}

// LetterFromExponent returns the prefix letter of an exponent.
func LetterFromExponent(exponent int) (string, bool) {
	l, ok := siPrefixes[exponent]
	return l, ok
}

// FormatTimebaseLabel gives the screen label of a timebase, like "5 us/".
func FormatTimebaseLabel(timebase decimal.Decimal) string {
	mantissa, _, letter := MultiplierLetter(timebase)
	return fmt.Sprintf("%d %ss/", int(mantissa), letter)
}

// FormatDelayLabel gives the screen label of a trigger delay, with 4
// significant digits for mantissas under 1000.
func FormatDelayLabel(delay decimal.Decimal) string {
	mantissa, _, letter := MultiplierLetter(delay)
	var number string
	switch a := math.Abs(mantissa); {
	case a < 10:
		number = fmt.Sprintf("%.3f", mantissa)
	case a < 100:
		number = fmt.Sprintf("%.2f", mantissa)
	case a < 1000:
		number = fmt.Sprintf("%.1f", mantissa)
	default:
		number = fmt.Sprintf("%.0f", mantissa)
	}
	return fmt.Sprintf("Delay: %s %ss", number, letter)
}
