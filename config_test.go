package scopesim

import (
	"math"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	SetViperDefaults()
	t.Cleanup(viper.Reset)
}

func TestEngineConfigValidate(t *testing.T) {
	require.NoError(t, DefaultEngineConfig().Validate())
	require.NoError(t, testConfig().Validate())

	tests := map[string]func(*EngineConfig){
		"memory":     func(c *EngineConfig) { c.MemoryDepth = 1 },
		"divisions":  func(c *EngineConfig) { c.HorizontalDivisions = 0 },
		"debounce":   func(c *EngineConfig) { c.DebounceInterval = -time.Second },
		"threshold":  func(c *EngineConfig) { c.PulseCountThreshold = 0 },
		"frame rate": func(c *EngineConfig) { c.MaxFrameRate = 0 },
		"slots":      func(c *EngineConfig) { c.FrameSlots = 0 },
	}
	for name, breakIt := range tests {
		cfg := DefaultEngineConfig()
		breakIt(&cfg)
		assert.Error(t, cfg.Validate(), name)
	}
	assert.Equal(t, 10*time.Millisecond, DefaultEngineConfig().framePeriod())
}

func TestLoadEngineConfig(t *testing.T) {
	resetViper(t)
	cfg, err := LoadEngineConfig()
	require.NoError(t, err)
	assert.Equal(t, DefaultEngineConfig(), cfg)

	viper.Set("engine.memorydepth", 1000)
	viper.Set("engine.debounceinterval", "30ms")
	cfg, err = LoadEngineConfig()
	require.NoError(t, err)
	assert.Equal(t, 1000, cfg.MemoryDepth)
	assert.Equal(t, 30*time.Millisecond, cfg.DebounceInterval)

	viper.Set("engine.memorydepth", 0)
	_, err = LoadEngineConfig()
	assert.Error(t, err)
}

func TestLoadChannelParameters(t *testing.T) {
	resetViper(t)
	p, enabled, err := LoadChannelParameters(1)
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.Equal(t, DefaultChannelParameters(1), p)
	p, enabled, err = LoadChannelParameters(2)
	require.NoError(t, err)
	assert.False(t, enabled)
	assert.Equal(t, math.Pi/2, p.Phase)

	viper.Set("channel2.waveform", "pulse_train")
	viper.Set("channel2.pulsealgorithm", "convolution")
	viper.Set("channel2.plugged", false)
	p, _, err = LoadChannelParameters(2)
	require.NoError(t, err)
	assert.Equal(t, PulseTrain, p.Waveform)
	assert.Equal(t, PulseConvolution, p.PulseAlgorithm)
	assert.False(t, p.ConnectorPlugged)

	viper.Set("channel2.waveform", "chirp")
	_, _, err = LoadChannelParameters(2)
	assert.Error(t, err)
	viper.Set("channel2.waveform", "sine")
	viper.Set("channel2.pulsealgorithm", "guess")
	_, _, err = LoadChannelParameters(2)
	assert.Error(t, err)
	viper.Set("channel2.pulsealgorithm", "auto")
	viper.Set("channel2.noisestddev", -1.0)
	_, _, err = LoadChannelParameters(2)
	assert.Error(t, err)
}

func TestLoadTimebase(t *testing.T) {
	resetViper(t)
	cfg := DefaultEngineConfig()
	tb, err := LoadTimebase(cfg)
	require.NoError(t, err)
	assert.True(t, tb.Equal(NewTimebaseSpec(dec("1e-6"), 10, dec("0"))), "got %v", tb)

	viper.Set("panel.delay", "9e-6")
	tb, err = LoadTimebase(cfg)
	require.NoError(t, err)
	assert.True(t, tb.TriggerDelay.Equal(dec("5e-6")))

	viper.Set("panel.timebase", "fast")
	_, err = LoadTimebase(cfg)
	assert.Error(t, err)
	viper.Set("panel.timebase", "0")
	_, err = LoadTimebase(cfg)
	assert.Error(t, err)
	viper.Set("panel.timebase", "1e-6")
	viper.Set("panel.delay", "soon")
	_, err = LoadTimebase(cfg)
	assert.Error(t, err)
}
