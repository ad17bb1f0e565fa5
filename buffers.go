package scopesim

import (
	"sync/atomic"
)

// Frame is one generated buffer pair handed to the display. Its slices are
// borrowed: the generator will not write them again until Release is called,
// so the display may read them for as long as it needs, then must release.
type Frame struct {
	Channel          int
	Seq              uint64
	Time             []float32
	Waveform         []float32
	Timebase         TimebaseSpec
	SampleRate       float64 // samples per second
	ProbeAttenuation float64
	Recomputed       bool // false when only the noise was refreshed

	set      *FrameSet
	released atomic.Bool
}

// Release returns the frame's buffers to their generator. Extra calls are ignored.
func (f *Frame) Release() {
	if f == nil || f.set == nil {
		return
	}
	if f.released.CompareAndSwap(false, true) {
		f.set.pool.free <- f.set
	}
}

// FrameSet is one time/waveform buffer pair owned by a GenerationBuffers.
type FrameSet struct {
	Time     []float32
	Waveform []float32
	stamp    uint64 // which time grid Time holds; 0 for none
	frame    Frame
	pool     *framePool
}

// framePool circulates the frame sets of one buffer size.
type framePool struct {
	free chan *FrameSet
}

func newFramePool(slots, n int) *framePool {
	p := &framePool{free: make(chan *FrameSet, slots)}
	for range slots {
		p.free <- &FrameSet{
			Time:     make([]float32, n),
			Waveform: make([]float32, n),
			pool:     p,
		}
	}
	return p
}

// GenerationBuffers owns the reusable buffers of one generator: a private
// noise buffer and a pool of frame sets used alternately, so the generator
// writes one set while the display reads another.
type GenerationBuffers struct {
	slots       int
	n           int
	noise       []float32
	pool        *framePool
	last        *FrameSet
	allocations int
}

// NewGenerationBuffers returns an empty buffer set with the given number of
// frame slots. Nothing is allocated until the first Resize.
func NewGenerationBuffers(slots int) *GenerationBuffers {
	if slots < 1 {
		slots = 1
	}
	return &GenerationBuffers{slots: slots}
}

// Resize makes every buffer n samples long. It reallocates, and reports
// true, exactly when n differs from the current length. Frames still
// borrowed at that point go back to the retired pool when released.
func (b *GenerationBuffers) Resize(n int) bool {
	if b.pool != nil && n == b.n {
		return false
	}
	b.n = n
	b.noise = make([]float32, n)
	b.pool = newFramePool(b.slots, n)
	b.last = nil
	b.allocations++
	return true
}

// Len is the length of every buffer.
func (b *GenerationBuffers) Len() int {
	return b.n
}

// Noise is the private noise buffer: the noise currently contained in the
// most recent waveform.
func (b *GenerationBuffers) Noise() []float32 {
	return b.noise
}

// Allocations counts the calls to Resize that reallocated.
func (b *GenerationBuffers) Allocations() int {
	return b.allocations
}

// Acquire takes a free frame set, blocking while every set is borrowed. It
// returns false if abort is closed first.
func (b *GenerationBuffers) Acquire(abort <-chan struct{}) (*FrameSet, bool) {
	select {
	case s := <-b.pool.free:
		return s, true
	case <-abort:
		return nil, false
	}
}

// Put returns an acquired set that was never handed out.
func (b *GenerationBuffers) Put(s *FrameSet) {
	s.pool.free <- s
}

// Last is the set holding the most recent waveform, or nil before the first
// successful recompute at the current size.
func (b *GenerationBuffers) Last() *FrameSet {
	return b.last
}

// lend marks s as the most recent set and wraps it in a Frame for the display.
func (b *GenerationBuffers) lend(s *FrameSet) *Frame {
	b.last = s
	f := &s.frame
	f.set = s
	f.Time = s.Time
	f.Waveform = s.Waveform
	f.released.Store(false)
	return f
}

// syncTime makes dst hold the same time grid as src, copying only if it is stale.
func syncTime(dst, src *FrameSet) {
	if dst == src || dst.stamp == src.stamp {
		return
	}
	copy(dst.Time, src.Time)
	dst.stamp = src.stamp
}
