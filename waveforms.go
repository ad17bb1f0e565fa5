package scopesim

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrUnsupportedWaveform is returned when asked to synthesize an unknown waveform kind.
var ErrUnsupportedWaveform = errors.New("unsupported waveform kind")

// WaveformKind names a family of synthesized signals.
type WaveformKind int

// Names for the possible values of WaveformKind
const (
	Sine WaveformKind = iota
	Square
	Triangle
	Sawtooth
	PulseTrain
)

var waveformNames = []string{"sine", "square", "triangle", "sawtooth", "pulse_train"}

func (k WaveformKind) String() string {
	if k < 0 || int(k) >= len(waveformNames) {
		return fmt.Sprintf("WaveformKind(%d)", int(k))
	}
	return waveformNames[k]
}

// ParseWaveformKind converts a waveform name (case-insensitive) to its kind.
func ParseWaveformKind(name string) (WaveformKind, error) {
	lname := strings.ToLower(strings.TrimSpace(name))
	for i, n := range waveformNames {
		if n == lname {
			return WaveformKind(i), nil
		}
	}
	return 0, fmt.Errorf("waveform %q: %w", name, ErrUnsupportedWaveform)
}

// MarshalText encodes the kind by name, for JSON and config files.
func (k WaveformKind) MarshalText() ([]byte, error) {
	if k < 0 || int(k) >= len(waveformNames) {
		return nil, fmt.Errorf("waveform %d: %w", int(k), ErrUnsupportedWaveform)
	}
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind from its name.
func (k *WaveformKind) UnmarshalText(text []byte) error {
	kind, err := ParseWaveformKind(string(text))
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

// PulseAlgorithm selects how pulse trains are synthesized.
type PulseAlgorithm int

// Names for the possible values of PulseAlgorithm
const (
	PulseAuto        PulseAlgorithm = iota // direct below the pulse-count threshold, else convolution
	PulseDirect                            // always superpose pulses one by one
	PulseConvolution                       // always convolve an impulse train with the pulse shape
)

var pulseAlgorithmNames = []string{"auto", "direct", "convolution"}

func (a PulseAlgorithm) String() string {
	if a < 0 || int(a) >= len(pulseAlgorithmNames) {
		return fmt.Sprintf("PulseAlgorithm(%d)", int(a))
	}
	return pulseAlgorithmNames[a]
}

// MarshalText encodes the algorithm by name.
func (a PulseAlgorithm) MarshalText() ([]byte, error) {
	if a < 0 || int(a) >= len(pulseAlgorithmNames) {
		return nil, fmt.Errorf("unknown pulse algorithm %d", int(a))
	}
	return []byte(a.String()), nil
}

// UnmarshalText decodes an algorithm from its name.
func (a *PulseAlgorithm) UnmarshalText(text []byte) error {
	lname := strings.ToLower(strings.TrimSpace(string(text)))
	for i, n := range pulseAlgorithmNames {
		if n == lname {
			*a = PulseAlgorithm(i)
			return nil
		}
	}
	return fmt.Errorf("unknown pulse algorithm %q", string(text))
}

// ChannelParameters hold the waveform settings of one channel.
type ChannelParameters struct {
	Channel          int
	Waveform         WaveformKind
	Frequency        float64 // Hz
	Phase            float64 // radians
	NoiseStdDev      float64
	ConnectorPlugged bool
	ProbeAttenuation float64
	PulseWidth       float64 // seconds
	RepetitionRate   float64 // pulses per second
	SawtoothWidth    float64 // fraction of the period spent rising, in [0,1]
	PulseAlgorithm   PulseAlgorithm
}

// DefaultChannelParameters returns the power-on settings of a channel: a
// 50 MHz sine, with channel 2 a quarter period behind channel 1.
func DefaultChannelParameters(channel int) ChannelParameters {
	p := ChannelParameters{
		Channel:          channel,
		Waveform:         Sine,
		Frequency:        50e6,
		NoiseStdDev:      0.01,
		ConnectorPlugged: true,
		ProbeAttenuation: 1,
		PulseWidth:       1e-9,
		RepetitionRate:   88e6,
		SawtoothWidth:    1,
		PulseAlgorithm:   PulseAuto,
	}
	if channel == 2 {
		p.Phase = math.Pi / 2
	}
	return p
}

// Validate checks the parameters for values no waveform can use.
func (p ChannelParameters) Validate() error {
	if p.Waveform < Sine || p.Waveform > PulseTrain {
		return fmt.Errorf("channel %d waveform %d: %w", p.Channel, int(p.Waveform), ErrUnsupportedWaveform)
	}
	if p.NoiseStdDev < 0 || math.IsNaN(p.NoiseStdDev) {
		return fmt.Errorf("noise standard deviation %v must be non-negative", p.NoiseStdDev)
	}
	if p.SawtoothWidth < 0 || p.SawtoothWidth > 1 {
		return fmt.Errorf("sawtooth width %v must be in [0,1]", p.SawtoothWidth)
	}
	if p.Waveform == PulseTrain {
		if p.PulseWidth <= 0 {
			return fmt.Errorf("pulse width %v must be positive", p.PulseWidth)
		}
		if p.RepetitionRate <= 0 {
			return fmt.Errorf("repetition rate %v must be positive", p.RepetitionRate)
		}
	}
	return nil
}

// Snapshot is everything a recomputation reads. Generators receive whole
// snapshots, so a recompute never sees a half-applied change.
type Snapshot struct {
	Params         ChannelParameters
	Timebase       TimebaseSpec
	ActiveChannels int
}

// SineWave fills dst with sin(2 pi f t + phase).
func SineWave(dst, t []float32, freq, phase float64) {
	w := 2 * math.Pi * freq
	for i, ti := range t {
		dst[i] = float32(math.Sin(w*float64(ti) + phase))
	}
}

// SquareWave fills dst with a 50% duty-cycle square wave: +1 over the first
// half of each period of (2 pi f t + phase), -1 over the second.
func SquareWave(dst, t []float32, freq, phase float64) {
	w := 2 * math.Pi * freq
	for i, ti := range t {
		if phaseMod(w*float64(ti)+phase) < math.Pi {
			dst[i] = 1
		} else {
			dst[i] = -1
		}
	}
}

// SawtoothWave fills dst with a sawtooth that rises from -1 to +1 over the
// fraction width of each period and falls back over the rest. Width 1 is a
// rising ramp, width 0 a falling one and width 0.5 a triangle.
func SawtoothWave(dst, t []float32, freq, phase, width float64) {
	w := 2 * math.Pi * freq
	for i, ti := range t {
		x := phaseMod(w*float64(ti) + phase)
		if x < 2*math.Pi*width {
			dst[i] = float32(x/(math.Pi*width) - 1)
		} else {
			dst[i] = float32((math.Pi*(width+1) - x) / (math.Pi * (1 - width)))
		}
	}
}

// TriangleWave is the symmetric sawtooth.
func TriangleWave(dst, t []float32, freq, phase float64) {
	SawtoothWave(dst, t, freq, phase, 0.5)
}

// phaseMod reduces x into [0, 2 pi).
func phaseMod(x float64) float64 {
	m := math.Mod(x, 2*math.Pi)
	if m < 0 {
		m += 2 * math.Pi
	}
	return m
}

// Synthesizer computes waveforms into caller-owned buffers. It holds the
// noise stream and pulse-train scratch space of one generator and must not be
// shared between goroutines.
type Synthesizer struct {
	cfg    EngineConfig
	noise  *NoiseSource
	pulses pulseTrainScratch
}

// NewSynthesizer returns a Synthesizer with its own noise stream.
func NewSynthesizer(cfg EngineConfig, seed uint64) *Synthesizer {
	return &Synthesizer{cfg: cfg, noise: NewNoiseSource(seed)}
}

// Noise returns the noise stream, for in-place refreshes.
func (s *Synthesizer) Noise() *NoiseSource {
	return s.noise
}

// Generate fills noise with a fresh draw and wfm with signal+noise over the
// time grid t. With the connector unplugged the signal is the noise alone.
// For pulse trains the plan that was used is returned. Unsupported kinds
// return ErrUnsupportedWaveform and leave both buffers untouched.
func (s *Synthesizer) Generate(wfm, noise, t []float32, snap Snapshot) (*PulseTrainPlan, error) {
	p := snap.Params
	if p.Waveform < Sine || p.Waveform > PulseTrain {
		return nil, fmt.Errorf("channel %d waveform %d: %w", p.Channel, int(p.Waveform), ErrUnsupportedWaveform)
	}
	if len(wfm) != len(t) || len(noise) != len(t) {
		return nil, fmt.Errorf("buffer lengths (wfm %d, noise %d) do not match time grid (%d)",
			len(wfm), len(noise), len(t))
	}

	s.noise.Fill(noise, p.NoiseStdDev)
	if !p.ConnectorPlugged {
		copy(wfm, noise)
		return nil, nil
	}

	var plan *PulseTrainPlan
	switch p.Waveform {
	case Sine:
		SineWave(wfm, t, p.Frequency, p.Phase)
	case Square:
		SquareWave(wfm, t, p.Frequency, p.Phase)
	case Triangle:
		TriangleWave(wfm, t, p.Frequency, p.Phase)
	case Sawtooth:
		SawtoothWave(wfm, t, p.Frequency, p.Phase, p.SawtoothWidth)
	case PulseTrain:
		pl := NewPulseTrainPlan(snap.Timebase, len(t), p, s.cfg.PulseCountThreshold)
		s.pulses.render(wfm, t, &pl)
		plan = &pl
	}
	for i, n := range noise {
		wfm[i] += n
	}
	return plan, nil
}
