package scopesim

import (
	"github.com/shopspring/decimal"
)

// PointsPerChannel returns the number of samples each of the active channels
// gets out of the shared memory depth. Zero or negative counts fall back to
// the full depth, with a warning.
func PointsPerChannel(memoryDepth, activeChannels int) int {
	if activeChannels <= 0 {
		ProblemLogger.Printf("No active channels (%d requested). Using full memory depth %d.",
			activeChannels, memoryDepth)
		return memoryDepth
	}
	return memoryDepth / activeChannels
}

// BasePoints fills dst with len(dst) evenly spaced times covering the
// half-open interval [-window/2, window/2). It allocates only when dst is nil.
func BasePoints(dst []float32, window float64) []float32 {
	n := len(dst)
	if n == 0 {
		return dst
	}
	start := -window / 2
	step := window / float64(n)
	for i := range dst {
		dst[i] = float32(start + float64(i)*step)
	}
	return dst
}

// DelayedPoints writes baseline-delay into dst, element by element. The shift
// is always applied to the baseline, so repeated delay changes never drift.
// dst is reallocated only if its length differs from the baseline's.
func DelayedPoints(dst, baseline []float32, delay float64) []float32 {
	if len(dst) != len(baseline) {
		dst = make([]float32, len(baseline))
	}
	for i, b := range baseline {
		dst[i] = float32(float64(b) - delay)
	}
	return dst
}

// TimeGrid caches the baseline time grid of one generator. The baseline is
// rebuilt only when the window or the number of active channels changes.
type TimeGrid struct {
	memoryDepth int
	window      decimal.Decimal
	active      int
	baseline    []float32
	version     uint64
}

// NewTimeGrid returns an empty TimeGrid for the given total memory depth.
func NewTimeGrid(memoryDepth int) *TimeGrid {
	return &TimeGrid{memoryDepth: memoryDepth}
}

// Baseline returns the cached baseline for the window and active channel
// count, rebuilding it if either changed since the last call.
func (g *TimeGrid) Baseline(window decimal.Decimal, activeChannels int) []float32 {
	if g.baseline != nil && g.active == activeChannels && g.window.Equal(window) {
		return g.baseline
	}
	n := PointsPerChannel(g.memoryDepth, activeChannels)
	if len(g.baseline) != n {
		g.baseline = make([]float32, n)
	}
	BasePoints(g.baseline, window.InexactFloat64())
	g.window = window
	g.active = activeChannels
	g.version++
	return g.baseline
}

// Version counts the baseline rebuilds. It changes exactly when the baseline does.
func (g *TimeGrid) Version() uint64 {
	return g.version
}

// Len is the number of points in the current baseline.
func (g *TimeGrid) Len() int {
	return len(g.baseline)
}

// SampleInterval is the spacing of the current baseline, in seconds.
func (g *TimeGrid) SampleInterval() float64 {
	if len(g.baseline) == 0 {
		return 0
	}
	return g.window.InexactFloat64() / float64(len(g.baseline))
}
