package scopesim

import (
	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
)

// overlapAdd convolves long sequences with a short kernel, one FFT block at a
// time. Blocks of input that are all zero cost nothing. The transform and its
// buffers are kept between calls and rebuilt only when the kernel length
// needs a different transform size.
type overlapAdd struct {
	fft      *fourier.FFT
	size     int
	klen     int
	kernel   []complex128
	spectrum []complex128
	block    []float64
	out      []float64
	input    []float64
}

// setKernel prepares the transform of kernel.
func (oa *overlapAdd) setKernel(kernel []float64) {
	size := 256
	for size < 4*len(kernel) {
		size *= 2
	}
	if oa.fft == nil || oa.size != size {
		oa.fft = fourier.NewFFT(size)
		oa.size = size
		oa.kernel = make([]complex128, size/2+1)
		oa.spectrum = make([]complex128, size/2+1)
		oa.block = make([]float64, size)
		oa.out = make([]float64, size)
	}
	oa.klen = len(kernel)
	clear(oa.block)
	copy(oa.block, kernel)
	oa.kernel = oa.fft.Coefficients(oa.kernel, oa.block)
}

// blockLen is the number of input samples consumed per transform.
func (oa *overlapAdd) blockLen() int {
	return oa.size - oa.klen + 1
}

// convolveBlock returns the full linear convolution of in (at most blockLen
// samples) with the kernel. The result aliases internal storage and is valid
// until the next call.
func (oa *overlapAdd) convolveBlock(in []float64) []float64 {
	clear(oa.block)
	copy(oa.block, in)
	oa.spectrum = oa.fft.Coefficients(oa.spectrum, oa.block)
	for i, k := range oa.kernel {
		oa.spectrum[i] *= k
	}
	oa.out = oa.fft.Sequence(oa.out, oa.spectrum)
	m := len(in) + oa.klen - 1
	floats.Scale(1/float64(oa.size), oa.out[:m])
	return oa.out[:m]
}

// convolveFull returns the full linear convolution of x with kernel,
// of length len(x)+len(kernel)-1.
func (oa *overlapAdd) convolveFull(x, kernel []float64) []float64 {
	if len(x) == 0 || len(kernel) == 0 {
		return nil
	}
	oa.setKernel(kernel)
	result := make([]float64, len(x)+len(kernel)-1)
	b := oa.blockLen()
	for start := 0; start < len(x); start += b {
		end := min(start+b, len(x))
		y := oa.convolveBlock(x[start:end])
		floats.Add(result[start:start+len(y)], y)
	}
	return result
}

// pulses adds into acc the convolution of the pulse shape with an impulse
// train holding, at each grid index, the number of pulses placed there. The
// impulse train is extended by the shape half-width on both sides of the
// grid, so that pulses centered just outside still contribute their tails.
// Work is proportional to the grid length, however many pulses there are.
func (oa *overlapAdd) pulses(acc, shape []float64, t []float32, pl *PulseTrainPlan) {
	n := len(t)
	wn := pl.WindowSamples
	dt := pl.SampleInterval
	oa.setKernel(shape)
	b := oa.blockLen()
	oa.input = resizeFloat64(oa.input, b)

	// Impulse m sits at grid index m-wn and counts the centers in (t[i-1], t[i]].
	countTo := func(m int) int {
		return pl.centersAtOrBefore(gridTime(t, m-wn, dt))
	}
	total := n + 2*wn
	for start := 0; start < total; start += b {
		end := min(start+b, total)
		before := countTo(start - 1)
		if countTo(end-1) == before {
			continue
		}
		in := oa.input[:end-start]
		prev := before
		for m := start; m < end; m++ {
			cur := countTo(m)
			in[m-start] = float64(cur - prev)
			prev = cur
		}
		y := oa.convolveBlock(in)

		// Full-convolution index start+q lands on output sample start+q-2*wn.
		qlo := max(0, 2*wn-start)
		qhi := min(len(y), n+2*wn-start)
		if qlo < qhi {
			floats.Add(acc[start+qlo-2*wn:start+qhi-2*wn], y[qlo:qhi])
		}
	}
}
