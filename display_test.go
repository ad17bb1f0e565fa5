package scopesim

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testFrame lends a frame of the given waveform, on the time grid 0, 1, 2...
func testFrame(t *testing.T, b *GenerationBuffers, channel int, values ...float32) *Frame {
	t.Helper()
	b.Resize(len(values))
	s, ok := b.Acquire(nil)
	require.True(t, ok)
	for i := range s.Time {
		s.Time[i] = float32(i)
	}
	copy(s.Waveform, values)
	f := b.lend(s)
	f.Channel = channel
	f.Seq = 3
	f.SampleRate = 1e9
	f.ProbeAttenuation = 10
	f.Recomputed = true
	return f
}

func TestDecimationStride(t *testing.T) {
	tests := []struct {
		n, points, want int
	}{
		{100, 1000, 1},
		{1000, 100, 10},
		{1050, 100, 10},
		{1000, 0, 1},
		{14_000_000, 1400, 10000},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DecimationStride(tt.n, tt.points), "DecimationStride(%d, %d)", tt.n, tt.points)
	}
}

func TestDecimate(t *testing.T) {
	b := NewGenerationBuffers(2)
	f := testFrame(t, b, 2, 1, 9, -3, 9, 1, 9, 1, 9, 1)
	tr := Decimate(f, 4)
	assert.Equal(t, 2, tr.Channel)
	assert.Equal(t, uint64(3), tr.Seq)
	assert.Equal(t, 2, tr.Stride)
	assert.Equal(t, 5e8, tr.SampleRate)
	assert.Equal(t, 10.0, tr.ProbeAttenuation)
	assert.True(t, tr.Recomputed)
	assert.Equal(t, []float32{0, 2, 4, 6, 8}, tr.Time)
	assert.Equal(t, []float32{1, -3, 1, 1, 1}, tr.Values)
	assert.InDelta(t, 0.2, tr.Mean, 1e-12)
	assert.InDelta(t, math.Sqrt(13.0/5), tr.RMS, 1e-12)
	assert.Equal(t, 3.0, tr.Peak)

	// The trace is a copy.
	f.Waveform[0] = 100
	assert.Equal(t, float32(1), tr.Values[0])
}

func TestTraceStore(t *testing.T) {
	b := NewGenerationBuffers(1)
	ts := NewTraceStore(100)
	_, ok := ts.Latest(1)
	assert.False(t, ok)

	sub := ts.Subscribe(1)
	ts.BufferReady(testFrame(t, b, 1, 1, 2, 3))
	// BufferReady released the frame, so the only set is free again.
	ts.BufferReady(testFrame(t, b, 1, 4, 5, 6))

	tr, ok := ts.Latest(1)
	require.True(t, ok)
	assert.Equal(t, []float32{4, 5, 6}, tr.Values)
	received, dropped := ts.Counts()
	assert.Equal(t, uint64(2), received)
	assert.Equal(t, uint64(1), dropped, "subscriber of depth 1 missed the second trace")

	first := <-sub
	assert.Equal(t, []float32{1, 2, 3}, first.Values)
	ts.Unsubscribe(sub)
	_, open := <-sub
	assert.False(t, open)

	ts.Forget(1)
	_, ok = ts.Latest(1)
	assert.False(t, ok)
}

func TestDisplayFunc(t *testing.T) {
	var got *Frame
	var d Display = DisplayFunc(func(f *Frame) { got = f })
	b := NewGenerationBuffers(1)
	f := testFrame(t, b, 1, 0)
	d.BufferReady(f)
	assert.Same(t, f, got)
}
