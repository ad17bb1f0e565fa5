package scopesim

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// EngineConfig holds the process-wide constants of the waveform engine. It is
// built once at startup and passed by value; nothing mutates it afterwards.
type EngineConfig struct {
	MemoryDepth         int           // total sample points shared by the active channels
	HorizontalDivisions int           // divisions across the screen
	VerticalDivisions   int           // divisions up the screen
	DebounceInterval    time.Duration // quiescence required before a recompute
	PulseCountThreshold int           // above this many pulses, convolve instead of superposing
	MaxFrameRate        float64       // loop iterations per second, per channel
	StopTimeout         time.Duration // longest a Stop will wait for a worker
	FrameSlots          int           // frame buffer sets per generator (double buffering = 2)
	DisplayPoints       int           // approximate points per decimated trace
}

// DefaultEngineConfig returns the configuration of the reference instrument:
// 14 Mpts of memory, 10x10 divisions, 100 ms debounce.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MemoryDepth:         14_000_000,
		HorizontalDivisions: 10,
		VerticalDivisions:   10,
		DebounceInterval:    100 * time.Millisecond,
		PulseCountThreshold: 400_000,
		MaxFrameRate:        100,
		StopTimeout:         2 * time.Second,
		FrameSlots:          2,
		DisplayPoints:       1400,
	}
}

// Validate checks that the configuration can drive an engine.
func (c EngineConfig) Validate() error {
	if c.MemoryDepth < 2 {
		return fmt.Errorf("MemoryDepth=%d, must be at least 2", c.MemoryDepth)
	}
	if c.HorizontalDivisions < 1 || c.VerticalDivisions < 1 {
		return fmt.Errorf("divisions (%d horizontal, %d vertical) must be positive",
			c.HorizontalDivisions, c.VerticalDivisions)
	}
	if c.DebounceInterval < 0 {
		return fmt.Errorf("DebounceInterval=%v, must not be negative", c.DebounceInterval)
	}
	if c.PulseCountThreshold < 1 {
		return fmt.Errorf("PulseCountThreshold=%d, must be positive", c.PulseCountThreshold)
	}
	if c.MaxFrameRate <= 0 {
		return fmt.Errorf("MaxFrameRate=%f, must be positive", c.MaxFrameRate)
	}
	if c.FrameSlots < 1 {
		return fmt.Errorf("FrameSlots=%d, must be at least 1", c.FrameSlots)
	}
	if c.DisplayPoints < 1 {
		return fmt.Errorf("DisplayPoints=%d, must be positive", c.DisplayPoints)
	}
	return nil
}

// framePeriod is the minimum time between two loop iterations.
func (c EngineConfig) framePeriod() time.Duration {
	return time.Duration(float64(time.Second) / c.MaxFrameRate)
}

// SetViperDefaults registers the default engine, panel and transport settings
// with viper, so that keys absent from the config file still have values.
func SetViperDefaults() {
	d := DefaultEngineConfig()
	viper.SetDefault("verbose", false)
	viper.SetDefault("engine.memorydepth", d.MemoryDepth)
	viper.SetDefault("engine.horizontaldivisions", d.HorizontalDivisions)
	viper.SetDefault("engine.verticaldivisions", d.VerticalDivisions)
	viper.SetDefault("engine.debounceinterval", d.DebounceInterval)
	viper.SetDefault("engine.pulsecountthreshold", d.PulseCountThreshold)
	viper.SetDefault("engine.maxframerate", d.MaxFrameRate)
	viper.SetDefault("engine.stoptimeout", d.StopTimeout)
	viper.SetDefault("engine.frameslots", d.FrameSlots)
	viper.SetDefault("engine.displaypoints", d.DisplayPoints)

	viper.SetDefault("panel.timebase", "1e-6")
	viper.SetDefault("panel.delay", "0")
	for ch := 1; ch <= NumChannels; ch++ {
		p := DefaultChannelParameters(ch)
		key := fmt.Sprintf("channel%d.", ch)
		viper.SetDefault(key+"enabled", ch == 1)
		viper.SetDefault(key+"plugged", p.ConnectorPlugged)
		viper.SetDefault(key+"waveform", p.Waveform.String())
		viper.SetDefault(key+"frequency", p.Frequency)
		viper.SetDefault(key+"phase", p.Phase)
		viper.SetDefault(key+"noisestddev", p.NoiseStdDev)
		viper.SetDefault(key+"probeattenuation", p.ProbeAttenuation)
		viper.SetDefault(key+"pulsewidth", p.PulseWidth)
		viper.SetDefault(key+"repetitionrate", p.RepetitionRate)
		viper.SetDefault(key+"sawtoothwidth", p.SawtoothWidth)
		viper.SetDefault(key+"pulsealgorithm", p.PulseAlgorithm.String())
	}

	viper.SetDefault("ports.base", 5600)
	viper.SetDefault("nats.url", "")
	viper.SetDefault("nats.subject", "scope.panel")
	viper.SetDefault("clickhouse.addr", "")
	viper.SetDefault("capture.directory", "$HOME/.scopesim/captures")
	viper.SetDefault("capture.wavsamplerate", 48000)
	viper.SetDefault("statsview.port", 5610)
}

// LoadEngineConfig reads the "engine" section of the viper configuration and
// returns the validated result. Missing keys keep their default values.
func LoadEngineConfig() (EngineConfig, error) {
	cfg := DefaultEngineConfig()
	if err := viper.UnmarshalKey("engine", &cfg); err != nil {
		return cfg, fmt.Errorf("could not read engine configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid engine configuration: %w", err)
	}
	return cfg, nil
}

// channelConfig is the "channelN" section of the configuration file.
type channelConfig struct {
	Enabled          bool
	Plugged          bool
	Waveform         string
	Frequency        float64
	Phase            float64
	NoiseStdDev      float64
	ProbeAttenuation float64
	PulseWidth       float64
	RepetitionRate   float64
	SawtoothWidth    float64
	PulseAlgorithm   string
}

// LoadChannelParameters reads the power-on settings of a channel, and
// whether the channel is switched on at startup.
func LoadChannelParameters(channel int) (ChannelParameters, bool, error) {
	p := DefaultChannelParameters(channel)
	// Keys missing from the section keep their defaults.
	cc := channelConfig{
		Enabled:          channel == 1,
		Plugged:          p.ConnectorPlugged,
		Waveform:         p.Waveform.String(),
		Frequency:        p.Frequency,
		Phase:            p.Phase,
		NoiseStdDev:      p.NoiseStdDev,
		ProbeAttenuation: p.ProbeAttenuation,
		PulseWidth:       p.PulseWidth,
		RepetitionRate:   p.RepetitionRate,
		SawtoothWidth:    p.SawtoothWidth,
		PulseAlgorithm:   p.PulseAlgorithm.String(),
	}
	if err := viper.UnmarshalKey(fmt.Sprintf("channel%d", channel), &cc); err != nil {
		return p, false, fmt.Errorf("could not read channel %d configuration: %w", channel, err)
	}
	kind, err := ParseWaveformKind(cc.Waveform)
	if err != nil {
		return p, false, err
	}
	var algo PulseAlgorithm
	if err := algo.UnmarshalText([]byte(cc.PulseAlgorithm)); err != nil {
		return p, false, err
	}
	p.Waveform = kind
	p.PulseAlgorithm = algo
	p.ConnectorPlugged = cc.Plugged
	p.Frequency = cc.Frequency
	p.Phase = cc.Phase
	p.NoiseStdDev = cc.NoiseStdDev
	p.ProbeAttenuation = cc.ProbeAttenuation
	p.PulseWidth = cc.PulseWidth
	p.RepetitionRate = cc.RepetitionRate
	p.SawtoothWidth = cc.SawtoothWidth
	if err := p.Validate(); err != nil {
		return p, false, err
	}
	return p, cc.Enabled, nil
}

// LoadTimebase reads the power-on timebase and delay of the panel.
func LoadTimebase(cfg EngineConfig) (TimebaseSpec, error) {
	spd, err := decimal.NewFromString(viper.GetString("panel.timebase"))
	if err != nil {
		return TimebaseSpec{}, fmt.Errorf("panel.timebase: %w", err)
	}
	delay, err := decimal.NewFromString(viper.GetString("panel.delay"))
	if err != nil {
		return TimebaseSpec{}, fmt.Errorf("panel.delay: %w", err)
	}
	tb := NewTimebaseSpec(spd, cfg.HorizontalDivisions, delay)
	return tb, tb.Validate()
}
