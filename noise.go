package scopesim

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// NoiseSource draws Gaussian noise from its own random stream. Each generator
// owns one, so no two goroutines share a source.
type NoiseSource struct {
	src  *rand.PCG
	dist distuv.Normal
}

// NewNoiseSource returns a unit-variance noise source seeded with seed.
func NewNoiseSource(seed uint64) *NoiseSource {
	src := rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
	return &NoiseSource{src: src, dist: distuv.Normal{Mu: 0, Sigma: 1, Src: src}}
}

// Fill writes fresh samples of N(0, sigma^2) into dst. A zero sigma gives zeros.
func (ns *NoiseSource) Fill(dst []float32, sigma float64) {
	if sigma == 0 {
		clear(dst)
		return
	}
	ns.dist.Sigma = sigma
	for i := range dst {
		dst[i] = float32(ns.dist.Rand())
	}
}

// Refresh swaps the noise contained in a waveform for a new draw:
// dst = src - noise + fresh, after which noise holds fresh. dst may alias src.
// All three slices must have the same length.
func (ns *NoiseSource) Refresh(dst, src, noise []float32, sigma float64) {
	if sigma == 0 {
		for i, old := range noise {
			dst[i] = src[i] - old
		}
		clear(noise)
		return
	}
	ns.dist.Sigma = sigma
	for i, old := range noise {
		fresh := float32(ns.dist.Rand())
		dst[i] = src[i] - old + fresh
		noise[i] = fresh
	}
}
