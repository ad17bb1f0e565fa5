package scopesim

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSupervisor(t *testing.T, d Display) *GeneratorSupervisor {
	t.Helper()
	s := NewGeneratorSupervisor(testConfig(), NewTimebaseSpec(dec("1e-6"), 10, decimal.Zero), d)
	t.Cleanup(func() { s.StopAll() })
	return s
}

func TestSupervisorDefaults(t *testing.T) {
	tb := TimebaseSpec{SecondsPerDivision: dec("1e-6"), Divisions: 4, TriggerDelay: dec("1")}
	s := NewGeneratorSupervisor(testConfig(), tb, nil)
	assert.Equal(t, 10, s.Timebase().Divisions, "divisions come from the engine configuration")
	assert.True(t, s.Timebase().TriggerDelay.Equal(dec("5e-6")))
	p, err := s.Parameters(2)
	require.NoError(t, err)
	assert.Equal(t, DefaultChannelParameters(2), p)
	assert.Equal(t, 0, s.ActiveChannels())
	assert.Nil(t, s.Generator(1))
	assert.Equal(t, testConfig(), s.Config())
}

func TestSupervisorInvalidChannel(t *testing.T) {
	s := newTestSupervisor(t, nil)
	assert.ErrorIs(t, s.Start(3, true), ErrInvalidChannel)
	assert.ErrorIs(t, s.Stop(0), ErrInvalidChannel)
	_, err := s.Parameters(-1)
	assert.ErrorIs(t, err, ErrInvalidChannel)
	assert.ErrorIs(t, s.OnConnectorStateChanged(3, false), ErrInvalidChannel)
	assert.ErrorIs(t, s.OnParametersChanged(0, quietSine(1)), ErrInvalidChannel)
	assert.Nil(t, s.Generator(7))
}

// Starting a channel twice leaves one live generator; the first is stopped
// before the second starts, so no frame comes from both.
func TestSupervisorStartTwice(t *testing.T) {
	d := new(recordingDisplay)
	s := newTestSupervisor(t, d)
	require.NoError(t, s.Start(1, true))
	g1 := s.Generator(1)
	require.Eventually(t, func() bool { return g1.Stats().Emitted > 2 }, time.Second, time.Millisecond)

	require.NoError(t, s.Start(1, true))
	g2 := s.Generator(1)
	assert.NotSame(t, g1, g2)
	assert.Equal(t, Stopped, g1.State())
	assert.Equal(t, Running, g2.State())
	assert.Equal(t, 1, s.ActiveChannels())
	emitted := g1.Stats().Emitted

	require.Eventually(t, func() bool { return g2.Stats().Emitted > 2 }, time.Second, time.Millisecond)
	assert.Equal(t, emitted, g1.Stats().Emitted, "stopped generator emitted again")
	require.NoError(t, s.StopAll())
	assert.Len(t, d.seen(), int(g1.Stats().Emitted+g2.Stats().Emitted))
	assert.Equal(t, 0, s.ActiveChannels())
}

func TestSupervisorActiveChannels(t *testing.T) {
	s := newTestSupervisor(t, nil)
	require.NoError(t, s.Start(1, true))
	g1 := s.Generator(1)
	assert.Equal(t, 1, g1.Snapshot().ActiveChannels)

	require.NoError(t, s.Start(2, false))
	g2 := s.Generator(2)
	assert.Equal(t, 2, s.ActiveChannels())
	assert.Equal(t, 2, g1.Snapshot().ActiveChannels)
	assert.Equal(t, 2, g2.Snapshot().ActiveChannels)
	assert.False(t, g2.Snapshot().Params.ConnectorPlugged)

	require.NoError(t, s.Stop(2))
	assert.Nil(t, s.Generator(2))
	assert.Equal(t, 1, g1.Snapshot().ActiveChannels)
	require.NoError(t, s.Stop(2), "stopping a stopped channel")
}

// Five quick timebase changes cost one recomputation, at the last timebase.
func TestSupervisorTimebaseBurst(t *testing.T) {
	d := new(recordingDisplay)
	s := newTestSupervisor(t, d)
	require.NoError(t, s.Start(1, true))
	g := s.Generator(1)
	require.Eventually(t, func() bool { return g.Stats().Recomputes == 1 }, time.Second, time.Millisecond)

	for _, tb := range []string{"2e-6", "5e-6", "1e-5", "2e-5", "5e-5"} {
		require.NoError(t, s.OnTimebaseChanged(dec(tb)))
	}
	require.Eventually(t, func() bool { return g.Stats().Recomputes == 2 }, time.Second, time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, uint64(2), g.Stats().Recomputes)
	rec := d.recomputed()
	require.Len(t, rec, 2)
	assert.True(t, rec[1].Timebase.SecondsPerDivision.Equal(dec("5e-5")))
	assert.True(t, s.Timebase().SecondsPerDivision.Equal(dec("5e-5")))
}

func TestSupervisorTimebase(t *testing.T) {
	s := newTestSupervisor(t, nil)
	assert.Error(t, s.OnTimebaseChanged(decimal.Zero))
	assert.Error(t, s.OnTimebaseChanged(dec("-1e-6")))

	s.OnTriggerDelayChanged(dec("4e-6"))
	assert.True(t, s.Timebase().TriggerDelay.Equal(dec("4e-6")))
	require.NoError(t, s.OnTimebaseChanged(dec("5e-7")))
	assert.True(t, s.Timebase().TriggerDelay.Equal(dec("2.5e-6")), "delay re-clamped into the narrower window")
	s.OnTriggerDelayChanged(dec("-1"))
	assert.True(t, s.Timebase().TriggerDelay.Equal(dec("-2.5e-6")))

	require.NoError(t, s.Start(1, true))
	s.OnTriggerDelayChanged(dec("1e-6"))
	assert.True(t, s.Generator(1).Snapshot().Timebase.TriggerDelay.Equal(dec("1e-6")))
}

func TestSupervisorParameters(t *testing.T) {
	updates := make(chan ClientUpdate, 100)
	s := newTestSupervisor(t, nil)
	s.SetClientUpdates(updates)
	require.NoError(t, s.OnConnectorStateChanged(1, false))

	bad := quietSine(1)
	bad.SawtoothWidth = 2
	assert.Error(t, s.OnParametersChanged(1, bad))
	p, _ := s.Parameters(1)
	assert.Equal(t, DefaultChannelParameters(1).Frequency, p.Frequency, "rejected parameters are not kept")

	good := quietSine(2) // channel number is overridden
	good.ConnectorPlugged = true
	require.NoError(t, s.OnParametersChanged(1, good))
	p, _ = s.Parameters(1)
	assert.Equal(t, 1, p.Channel)
	assert.Equal(t, 1e6, p.Frequency)
	assert.False(t, p.ConnectorPlugged, "parameters do not replug the connector")

	msg := <-updates
	assert.Equal(t, TagChannel, msg.Tag)
	cs, ok := msg.State.(ChannelStatus)
	require.True(t, ok)
	assert.Equal(t, 1, cs.Channel)
	assert.False(t, cs.Running)
	assert.Equal(t, "Stopped", cs.State)
}

func TestSupervisorStatus(t *testing.T) {
	updates := make(chan ClientUpdate, 100)
	s := newTestSupervisor(t, nil)
	s.SetClientUpdates(updates)
	pulses := DefaultChannelParameters(2)
	pulses.Waveform = PulseTrain
	pulses.RepetitionRate = 1.2e6
	pulses.PulseWidth = 2e-8
	require.NoError(t, s.OnParametersChanged(2, pulses))
	require.NoError(t, s.Start(2, true))
	g := s.Generator(2)
	require.Eventually(t, func() bool { return g.PulsePlan() != nil }, time.Second, time.Millisecond)

	st := s.Status()
	assert.Equal(t, 1, st.ActiveChannels)
	assert.Equal(t, "1 us/", st.TimebaseLabel)
	require.Len(t, st.Channels, 2)
	assert.False(t, st.Channels[0].Running)
	ch2 := st.Channels[1]
	assert.True(t, ch2.Running)
	assert.Equal(t, "Running", ch2.State)
	assert.Equal(t, g.ID().String(), ch2.SessionID)
	assert.Equal(t, 13, ch2.NumPulses)
	assert.Equal(t, "direct", ch2.PulseMethod)
	assert.Greater(t, ch2.RiseTimeNs, 0.0)

	var tags []string
	for len(updates) > 0 {
		tags = append(tags, (<-updates).Tag)
	}
	assert.Equal(t, []string{TagChannel, TagChannel}, tags)
}
