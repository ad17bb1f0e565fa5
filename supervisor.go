package scopesim

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/usnistgov/scopesim/internal/scopedb"
)

// ErrInvalidChannel is returned for channel numbers other than 1 and 2.
var ErrInvalidChannel = errors.New("invalid channel number; accepts 1 and 2 only")

// NumChannels is the number of input channels of the instrument.
const NumChannels = 2

func channelIndex(channel int) (int, error) {
	if channel < 1 || channel > NumChannels {
		ProblemLogger.Printf("Invalid channel number %d. Accepts 1 and 2 only.", channel)
		return 0, fmt.Errorf("channel %d: %w", channel, ErrInvalidChannel)
	}
	return channel - 1, nil
}

// GeneratorSupervisor keeps at most one ChannelGenerator per channel and
// relays front-panel changes to the live ones. It holds the engine-side copy
// of the panel state, from which new generators start.
type GeneratorSupervisor struct {
	cfg     EngineConfig
	display Display
	updates chan<- ClientUpdate
	db      *scopedb.Connection

	lock       sync.Mutex
	timebase   TimebaseSpec
	params     [NumChannels]ChannelParameters
	generators [NumChannels]*ChannelGenerator
	sessions   [NumChannels]*scopedb.SessionMessage
}

// NewGeneratorSupervisor returns a supervisor with no running channels and
// the default parameters on every channel.
func NewGeneratorSupervisor(cfg EngineConfig, timebase TimebaseSpec, display Display) *GeneratorSupervisor {
	timebase.Divisions = cfg.HorizontalDivisions
	s := &GeneratorSupervisor{
		cfg:      cfg,
		display:  display,
		timebase: timebase.Clamped(),
	}
	for i := range s.params {
		s.params[i] = DefaultChannelParameters(i + 1)
	}
	return s
}

// SetClientUpdates makes the supervisor publish channel changes to updates.
func (s *GeneratorSupervisor) SetClientUpdates(updates chan<- ClientUpdate) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.updates = updates
}

// SetDatabase makes the supervisor record generator sessions in db.
func (s *GeneratorSupervisor) SetDatabase(db *scopedb.Connection) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.db = db
}

// Config returns the engine configuration.
func (s *GeneratorSupervisor) Config() EngineConfig {
	return s.cfg
}

// Timebase returns the current timebase and delay.
func (s *GeneratorSupervisor) Timebase() TimebaseSpec {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.timebase
}

// Parameters returns the current settings of a channel.
func (s *GeneratorSupervisor) Parameters(channel int) (ChannelParameters, error) {
	i, err := channelIndex(channel)
	if err != nil {
		return ChannelParameters{}, err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.params[i], nil
}

// Generator returns the live generator of a channel, or nil.
func (s *GeneratorSupervisor) Generator(channel int) *ChannelGenerator {
	i, err := channelIndex(channel)
	if err != nil {
		return nil
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.generators[i]
}

// ActiveChannels counts the channels with a live generator.
func (s *GeneratorSupervisor) ActiveChannels() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.activeLocked()
}

func (s *GeneratorSupervisor) activeLocked() int {
	n := 0
	for _, g := range s.generators {
		if g != nil {
			n++
		}
	}
	return n
}

// Start replaces any generator of the channel with a new one, started from
// the current panel state, then tells every generator the new number of
// active channels. The old generator is stopped and joined first.
func (s *GeneratorSupervisor) Start(channel int, plugged bool) error {
	i, err := channelIndex(channel)
	if err != nil {
		return err
	}
	s.lock.Lock()
	defer s.lock.Unlock()

	var stopErr error
	if s.generators[i] != nil {
		stopErr = s.stopLocked(i)
	}

	s.params[i].ConnectorPlugged = plugged
	active := s.activeLocked() + 1
	snap := Snapshot{Params: s.params[i], Timebase: s.timebase, ActiveChannels: active}
	g := NewChannelGenerator(s.cfg, snap, s.display)
	if err := g.Start(); err != nil {
		return err
	}
	s.generators[i] = g
	s.notifyActiveLocked(i, active)

	s.sessions[i] = &scopedb.SessionMessage{
		ID:        g.ID().String(),
		Channel:   channel,
		Waveform:  snap.Params.Waveform.String(),
		Timebase:  snap.Timebase.SecondsPerDivision.InexactFloat64(),
		NSamples:  PointsPerChannel(s.cfg.MemoryDepth, active),
		Plugged:   plugged,
		StartTime: g.startTime(),
	}
	s.db.RecordSession(s.sessions[i])
	sendUpdate(s.updates, TagChannel, s.channelStatusLocked(i))
	return stopErr
}

// Stop stops the channel's generator, if any, and waits for it to exit.
func (s *GeneratorSupervisor) Stop(channel int) error {
	i, err := channelIndex(channel)
	if err != nil {
		return err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.generators[i] == nil {
		return nil
	}
	err = s.stopLocked(i)
	s.notifyActiveLocked(-1, s.activeLocked())
	sendUpdate(s.updates, TagChannel, s.channelStatusLocked(i))
	return err
}

// StopAll stops every generator. It is used on shutdown.
func (s *GeneratorSupervisor) StopAll() error {
	var errs []error
	for ch := 1; ch <= NumChannels; ch++ {
		if err := s.Stop(ch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// stopLocked stops and forgets generator i. A generator that does not stop
// within the configured timeout is abandoned, and the error says so.
func (s *GeneratorSupervisor) stopLocked(i int) error {
	g := s.generators[i]
	s.generators[i] = nil
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StopTimeout)
	defer cancel()
	err := g.Stop(ctx)
	if session := s.sessions[i]; session != nil {
		stats := g.Stats()
		session.Frames = stats.Emitted
		session.Recomputes = stats.Recomputes
		s.db.FinishSession(session)
		s.sessions[i] = nil
	}
	return err
}

// notifyActiveLocked tells every live generator except index skip how many
// channels are active.
func (s *GeneratorSupervisor) notifyActiveLocked(skip, active int) {
	for j, g := range s.generators {
		if g != nil && j != skip {
			g.UpdateActiveChannels(active)
		}
	}
}

// OnTimebaseChanged applies a new seconds-per-division value. The trigger
// delay is re-clamped into the new window.
func (s *GeneratorSupervisor) OnTimebaseChanged(secondsPerDivision decimal.Decimal) error {
	tb := TimebaseSpec{SecondsPerDivision: secondsPerDivision, Divisions: s.cfg.HorizontalDivisions}
	if err := tb.Validate(); err != nil {
		ProblemLogger.Print(err)
		return err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	s.timebase = s.timebase.WithTimebase(secondsPerDivision)
	for _, g := range s.generators {
		if g != nil {
			g.UpdateTimebase(secondsPerDivision)
		}
	}
	return nil
}

// OnTriggerDelayChanged applies a new trigger delay, clamped into the window.
func (s *GeneratorSupervisor) OnTriggerDelayChanged(delay decimal.Decimal) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.timebase = s.timebase.WithDelay(delay)
	for _, g := range s.generators {
		if g != nil {
			g.UpdateTriggerDelay(s.timebase.TriggerDelay)
		}
	}
}

// OnConnectorStateChanged plugs or unplugs a channel's input.
func (s *GeneratorSupervisor) OnConnectorStateChanged(channel int, plugged bool) error {
	i, err := channelIndex(channel)
	if err != nil {
		return err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	s.params[i].ConnectorPlugged = plugged
	if g := s.generators[i]; g != nil {
		g.UpdateConnectorState(plugged)
	}
	return nil
}

// OnParametersChanged replaces a channel's waveform settings. The connector
// state is not changed by this call.
func (s *GeneratorSupervisor) OnParametersChanged(channel int, p ChannelParameters) error {
	i, err := channelIndex(channel)
	if err != nil {
		return err
	}
	p.Channel = channel
	if err := p.Validate(); err != nil {
		ProblemLogger.Printf("Channel %d parameters rejected: %v", channel, err)
		return err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	p.ConnectorPlugged = s.params[i].ConnectorPlugged
	s.params[i] = p
	if g := s.generators[i]; g != nil {
		g.UpdateParameters(p)
	}
	sendUpdate(s.updates, TagChannel, s.channelStatusLocked(i))
	return nil
}

// maxRiseTimeWindow bounds the pulse shape that Status will sample to measure rise time.
const maxRiseTimeWindow = 1 << 20

// ChannelStatus reports the state of one channel.
type ChannelStatus struct {
	Channel     int
	Running     bool
	State       string
	SessionID   string
	Params      ChannelParameters
	Stats       GeneratorStats
	NumPulses   int     `json:",omitempty"`
	PulseMethod string  `json:",omitempty"`
	RiseTimeNs  float64 `json:",omitempty"`
}

// SupervisorStatus reports the state of the whole engine.
type SupervisorStatus struct {
	Timebase       TimebaseSpec
	TimebaseLabel  string
	DelayLabel     string
	ActiveChannels int
	Channels       []ChannelStatus
}

// Status returns a report of every channel.
func (s *GeneratorSupervisor) Status() SupervisorStatus {
	s.lock.Lock()
	defer s.lock.Unlock()
	st := SupervisorStatus{
		Timebase:       s.timebase,
		TimebaseLabel:  FormatTimebaseLabel(s.timebase.SecondsPerDivision),
		DelayLabel:     FormatDelayLabel(s.timebase.TriggerDelay),
		ActiveChannels: s.activeLocked(),
	}
	for i := range s.generators {
		st.Channels = append(st.Channels, s.channelStatusLocked(i))
	}
	return st
}

func (s *GeneratorSupervisor) channelStatusLocked(i int) ChannelStatus {
	cs := ChannelStatus{Channel: i + 1, Params: s.params[i], State: Stopped.String()}
	g := s.generators[i]
	if g == nil {
		return cs
	}
	cs.Running = true
	cs.State = g.State().String()
	cs.SessionID = g.ID().String()
	cs.Stats = g.Stats()
	if plan := g.PulsePlan(); plan != nil {
		cs.NumPulses = plan.NumPulses
		cs.PulseMethod = plan.Method.String()
		if plan.WindowSamples <= maxRiseTimeWindow {
			if rt, ok := plan.RiseTime(); ok {
				cs.RiseTimeNs = rt * 1e9
			}
		}
	}
	return cs
}
