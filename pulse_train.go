package scopesim

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/floats"
)

// PulseTrainPlan describes one pulse-train synthesis. It is derived from the
// parameters and timebase at every recomputation and never cached.
type PulseTrainPlan struct {
	NumPulses      int            // always odd, so one pulse sits at t=0
	WindowSamples  int            // the pulse shape spans +/- WindowSamples samples
	SampleInterval float64        // seconds between grid samples
	PulseWidth     float64        // seconds
	RepetitionRate float64        // pulses per second
	Method         PulseAlgorithm // PulseDirect or PulseConvolution
}

// PulseCount returns ceil(window x rate), bumped to the next odd number.
func PulseCount(tb TimebaseSpec, repetitionRate float64) int {
	n := tb.Window().Mul(decimal.NewFromFloat(repetitionRate)).Ceil().IntPart()
	if n%2 == 0 {
		n++
	}
	return int(n)
}

// NewPulseTrainPlan plans a pulse train over npoints samples of the timebase window.
// With PulseAuto, trains of more than threshold pulses use convolution.
func NewPulseTrainPlan(tb TimebaseSpec, npoints int, p ChannelParameters, threshold int) PulseTrainPlan {
	pl := PulseTrainPlan{
		NumPulses:      PulseCount(tb, p.RepetitionRate),
		PulseWidth:     p.PulseWidth,
		RepetitionRate: p.RepetitionRate,
		Method:         p.PulseAlgorithm,
	}
	if npoints > 0 {
		pl.SampleInterval = tb.Window().InexactFloat64() / float64(npoints)
		pl.WindowSamples = int(math.Ceil(5 * p.PulseWidth / pl.SampleInterval))
	}
	if pl.Method == PulseAuto {
		if pl.NumPulses > threshold {
			pl.Method = PulseConvolution
		} else {
			pl.Method = PulseDirect
		}
	}
	return pl
}

// Center returns the time of pulse j. Pulses are spaced 1/rate apart,
// symmetric about zero.
func (pl *PulseTrainPlan) Center(j int) float64 {
	return (float64(j) - float64(pl.NumPulses-1)/2) / pl.RepetitionRate
}

// centersAtOrBefore counts the pulses centered at or before time x.
func (pl *PulseTrainPlan) centersAtOrBefore(x float64) int {
	k := math.Floor(x*pl.RepetitionRate+float64(pl.NumPulses-1)/2) + 1
	switch {
	case k < 0:
		return 0
	case k > float64(pl.NumPulses):
		return pl.NumPulses
	}
	return int(k)
}

// pulseRange returns the first and last pulse indices centered in [lo, hi],
// widened by one on each side.
func (pl *PulseTrainPlan) pulseRange(lo, hi float64) (int, int) {
	half := float64(pl.NumPulses-1) / 2
	jlo := int(math.Ceil(lo*pl.RepetitionRate+half)) - 1
	jhi := int(math.Floor(hi*pl.RepetitionRate+half)) + 1
	return max(jlo, 0), min(jhi, pl.NumPulses-1)
}

// ShapeAt is the pulse shape k samples from its center: a Gaussian envelope
// skewed by an error-function edge, so it rises faster than it falls.
func (pl *PulseTrainPlan) ShapeAt(k int) float64 {
	x := float64(k) * pl.SampleInterval
	w := pl.PulseWidth
	return math.Exp(-x*x/(2*w*w)) * (1 + math.Erf(4.5*x/(math.Sqrt2*w)))
}

// Shape fills dst with the 2*WindowSamples+1 samples of one pulse, reusing
// dst when it is large enough.
func (pl *PulseTrainPlan) Shape(dst []float64) []float64 {
	n := 2*pl.WindowSamples + 1
	dst = resizeFloat64(dst, n)
	for i := range dst {
		dst[i] = pl.ShapeAt(i - pl.WindowSamples)
	}
	return dst
}

// RiseTime measures the 10%-90% rise time of one pulse shape, in seconds.
func (pl *PulseTrainPlan) RiseTime() (float64, bool) {
	return RiseTime(pl.Shape(nil), pl.SampleInterval)
}

// RiseTime returns the 10%-90% rise time, in seconds, of the leading edge of
// the largest peak in y, sampled every dt seconds. The crossings are
// linearly interpolated. It fails if y has no positive peak or the edge
// does not fall below 10% before the start of y.
func RiseTime(y []float64, dt float64) (float64, bool) {
	if len(y) < 2 {
		return 0, false
	}
	ipeak := floats.MaxIdx(y)
	peak := y[ipeak]
	if peak <= 0 {
		return 0, false
	}
	t90, ok90 := crossingBefore(y, ipeak, 0.9*peak)
	t10, ok10 := crossingBefore(y, ipeak, 0.1*peak)
	if !ok90 || !ok10 {
		return 0, false
	}
	return (t90 - t10) * dt, true
}

// crossingBefore walks back from index start and returns the fractional index
// at which y last rose through level.
func crossingBefore(y []float64, start int, level float64) (float64, bool) {
	for i := start; i > 0; i-- {
		if y[i-1] < level && y[i] >= level {
			return float64(i-1) + (level-y[i-1])/(y[i]-y[i-1]), true
		}
	}
	return 0, false
}

// centerIndex is the sample index at which a pulse centered at time c is
// placed: the first grid index whose time is >= c. Outside the grid the
// grid is extended with uniform spacing dt, so the result may be negative or
// at least len(t).
func centerIndex(t []float32, c, dt float64) int {
	n := len(t)
	first, last := float64(t[0]), float64(t[n-1])
	switch {
	case c <= first:
		return int(math.Ceil((c - first) / dt))
	case c > last:
		return n - 1 + int(math.Ceil((c-last)/dt))
	}
	return sort.Search(n, func(i int) bool { return float64(t[i]) >= c })
}

// gridTime is the time of sample i on the grid t, extended uniformly beyond its ends.
func gridTime(t []float32, i int, dt float64) float64 {
	n := len(t)
	switch {
	case i < 0:
		return float64(t[0]) + float64(i)*dt
	case i >= n:
		return float64(t[n-1]) + float64(i-n+1)*dt
	}
	return float64(t[i])
}

// convolutionRoundoff is the relative level below which convolved samples are zeroed.
const convolutionRoundoff = 1e-12

// pulseTrainScratch holds the reusable working space of pulse-train synthesis.
type pulseTrainScratch struct {
	acc   []float64
	shape []float64
	conv  overlapAdd
}

// render writes the pulse train planned by pl over grid t into wfm,
// normalized to a peak absolute amplitude of exactly 1. A train with no
// pulse inside the window leaves wfm all zero.
func (ps *pulseTrainScratch) render(wfm, t []float32, pl *PulseTrainPlan) {
	n := len(t)
	if n == 0 {
		return
	}
	ps.acc = resizeFloat64(ps.acc, n)
	clear(ps.acc)
	ps.shape = pl.Shape(ps.shape)

	if pl.Method == PulseConvolution {
		ps.conv.pulses(ps.acc, ps.shape, t, pl)
		// Transform round-off is not signal; it must not survive normalization.
		cutoff := convolutionRoundoff * floats.Max(ps.shape)
		for i, v := range ps.acc {
			if math.Abs(v) < cutoff {
				ps.acc[i] = 0
			}
		}
	} else {
		superposePulses(ps.acc, ps.shape, t, pl)
	}

	peak := floats.Norm(ps.acc, math.Inf(1))
	if peak == 0 {
		clear(wfm)
		return
	}
	// Divide rather than multiply by 1/peak: the peak sample must come out exactly 1.
	for i, v := range ps.acc {
		wfm[i] = float32(v / peak)
	}
}

// superposePulses adds the shape into acc once per pulse, centered at the
// pulse's grid index and clipped at the ends of the buffer. Pulses that
// cannot reach the buffer are skipped.
func superposePulses(acc, shape []float64, t []float32, pl *PulseTrainPlan) {
	n := len(t)
	wn := pl.WindowSamples
	dt := pl.SampleInterval
	reach := float64(wn+1) * dt
	jlo, jhi := pl.pulseRange(float64(t[0])-reach, float64(t[n-1])+reach)
	for j := jlo; j <= jhi; j++ {
		c := centerIndex(t, pl.Center(j), dt)
		lo, hi := c-wn, c+wn+1
		if hi <= 0 || lo >= n {
			continue
		}
		vlo, vhi := max(lo, 0), min(hi, n)
		floats.Add(acc[vlo:vhi], shape[vlo-lo:vhi-lo])
	}
}

func resizeFloat64(s []float64, n int) []float64 {
	if cap(s) < n {
		return make([]float64, n)
	}
	return s[:n]
}
