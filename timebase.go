package scopesim

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// TimebaseSpec holds the horizontal settings of the instrument, as exact decimals
// so that repeated knob turns never accumulate rounding error.
// Invariant: |TriggerDelay| <= SecondsPerDivision*Divisions/2.
type TimebaseSpec struct {
	SecondsPerDivision decimal.Decimal
	Divisions          int
	TriggerDelay       decimal.Decimal
}

// NewTimebaseSpec returns a TimebaseSpec with the delay clamped into the window.
func NewTimebaseSpec(secondsPerDivision decimal.Decimal, divisions int, delay decimal.Decimal) TimebaseSpec {
	tb := TimebaseSpec{SecondsPerDivision: secondsPerDivision, Divisions: divisions, TriggerDelay: delay}
	return tb.Clamped()
}

// Validate checks that the timebase describes a usable window.
func (tb TimebaseSpec) Validate() error {
	if !tb.SecondsPerDivision.IsPositive() {
		return fmt.Errorf("timebase %s s/div must be positive", tb.SecondsPerDivision)
	}
	if tb.Divisions < 1 {
		return fmt.Errorf("timebase has %d divisions, must be positive", tb.Divisions)
	}
	return nil
}

// Window is the time span shown across all divisions.
func (tb TimebaseSpec) Window() decimal.Decimal {
	return tb.SecondsPerDivision.Mul(decimal.NewFromInt(int64(tb.Divisions)))
}

// HalfWindow is the largest allowed |TriggerDelay|.
func (tb TimebaseSpec) HalfWindow() decimal.Decimal {
	return tb.Window().Div(decimal.NewFromInt(2))
}

// ClampDelay limits delay to the visible window of the timebase.
func (tb TimebaseSpec) ClampDelay(delay decimal.Decimal) decimal.Decimal {
	half := tb.HalfWindow()
	switch {
	case delay.GreaterThan(half):
		return half
	case delay.LessThan(half.Neg()):
		return half.Neg()
	}
	return delay
}

// Clamped returns a copy whose delay satisfies the window invariant.
func (tb TimebaseSpec) Clamped() TimebaseSpec {
	tb.TriggerDelay = tb.ClampDelay(tb.TriggerDelay)
	return tb
}

// WithTimebase changes the seconds per division, keeping the old delay but
// re-clamping it into the new window.
func (tb TimebaseSpec) WithTimebase(secondsPerDivision decimal.Decimal) TimebaseSpec {
	tb.SecondsPerDivision = secondsPerDivision
	return tb.Clamped()
}

// WithDelay changes the trigger delay, clamped into the window.
func (tb TimebaseSpec) WithDelay(delay decimal.Decimal) TimebaseSpec {
	tb.TriggerDelay = delay
	return tb.Clamped()
}

// VisibleRange returns the time limits of the screen: the window centred on
// minus the trigger delay.
func (tb TimebaseSpec) VisibleRange() (lo, hi float64) {
	half := tb.HalfWindow()
	return half.Neg().Sub(tb.TriggerDelay).InexactFloat64(), half.Sub(tb.TriggerDelay).InexactFloat64()
}

// Equal reports whether two specs describe the same settings.
func (tb TimebaseSpec) Equal(other TimebaseSpec) bool {
	return tb.Divisions == other.Divisions &&
		tb.SecondsPerDivision.Equal(other.SecondsPerDivision) &&
		tb.TriggerDelay.Equal(other.TriggerDelay)
}

func (tb TimebaseSpec) String() string {
	return fmt.Sprintf("%s (%s)", FormatTimebaseLabel(tb.SecondsPerDivision), FormatDelayLabel(tb.TriggerDelay))
}

// StandardTimebases lists the knob positions of the horizontal scale, in the
// 1-2-5 sequence from 1 ns/div to 100 s/div.
var StandardTimebases = makeStandardTimebases()

func makeStandardTimebases() []decimal.Decimal {
	var ladder []decimal.Decimal
	for exp := -9; exp <= 2; exp++ {
		for _, base := range []int64{1, 2, 5} {
			ladder = append(ladder, decimal.New(base, int32(exp)))
			if exp == 2 {
				break
			}
		}
	}
	return ladder
}

// NearestTimebase returns the standard timebase closest to v and its index
// in StandardTimebases.
func NearestTimebase(v decimal.Decimal) (decimal.Decimal, int) {
	best := 0
	bestDist := v.Sub(StandardTimebases[0]).Abs()
	for i, tb := range StandardTimebases[1:] {
		if d := v.Sub(tb).Abs(); d.LessThan(bestDist) {
			best, bestDist = i+1, d
		}
	}
	return StandardTimebases[best], best
}
