package scopesim

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// TimebaseState is the message body published under TagTimebase.
type TimebaseState struct {
	SecondsPerDivision decimal.Decimal
	TriggerDelay       decimal.Decimal
	TimebaseLabel      string
	DelayLabel         string
	VisibleLo          float64 // seconds at the left edge of the screen
	VisibleHi          float64 // seconds at the right edge of the screen
}

func newTimebaseState(tb TimebaseSpec) TimebaseState {
	lo, hi := tb.VisibleRange()
	return TimebaseState{
		SecondsPerDivision: tb.SecondsPerDivision,
		TriggerDelay:       tb.TriggerDelay,
		TimebaseLabel:      FormatTimebaseLabel(tb.SecondsPerDivision),
		DelayLabel:         FormatDelayLabel(tb.TriggerDelay),
		VisibleLo:          lo,
		VisibleHi:          hi,
	}
}

// Panel is the front panel of the instrument: the timebase and delay knobs,
// the connectors and the channel buttons. It serialises the user's changes,
// snaps and clamps them, and then notifies the supervisor.
type Panel struct {
	sup     *GeneratorSupervisor
	updates chan<- ClientUpdate

	lock     sync.Mutex
	tbIndex  int // position of the timebase knob in StandardTimebases
	plugged  [NumChannels]bool
	channels [NumChannels]bool // which channel buttons are lit
}

// NewPanel returns a panel driving sup. The knob starts at the standard
// timebase nearest to the supervisor's, and every connector starts plugged.
func NewPanel(sup *GeneratorSupervisor, updates chan<- ClientUpdate) *Panel {
	p := &Panel{sup: sup, updates: updates}
	tb := sup.Timebase()
	nearest, idx := NearestTimebase(tb.SecondsPerDivision)
	p.tbIndex = idx
	if !nearest.Equal(tb.SecondsPerDivision) {
		sup.OnTimebaseChanged(nearest)
	}
	for i := range p.plugged {
		p.plugged[i] = true
	}
	return p
}

// Timebase returns the current timebase and delay.
func (p *Panel) Timebase() TimebaseSpec {
	return p.sup.Timebase()
}

// SetTimebase turns the timebase knob to the standard value nearest
// secondsPerDivision. The delay is re-clamped into the new window.
func (p *Panel) SetTimebase(secondsPerDivision decimal.Decimal) (TimebaseSpec, error) {
	if !secondsPerDivision.IsPositive() {
		err := fmt.Errorf("timebase %s s/div must be positive", secondsPerDivision)
		ProblemLogger.Print(err)
		return p.Timebase(), err
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	_, idx := NearestTimebase(secondsPerDivision)
	return p.turnKnobLocked(idx)
}

// StepTimebase turns the timebase knob by steps clicks (negative is faster).
// The knob stops at either end of the range.
func (p *Panel) StepTimebase(steps int) (TimebaseSpec, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	idx := min(max(p.tbIndex+steps, 0), len(StandardTimebases)-1)
	return p.turnKnobLocked(idx)
}

func (p *Panel) turnKnobLocked(idx int) (TimebaseSpec, error) {
	p.tbIndex = idx
	if err := p.sup.OnTimebaseChanged(StandardTimebases[idx]); err != nil {
		return p.sup.Timebase(), err
	}
	tb := p.sup.Timebase()
	sendUpdate(p.updates, TagTimebase, newTimebaseState(tb))
	return tb, nil
}

// SetTriggerDelay sets the trigger delay, clamped into the visible window,
// and returns the value actually applied.
func (p *Panel) SetTriggerDelay(delay decimal.Decimal) TimebaseSpec {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.sup.OnTriggerDelayChanged(delay)
	tb := p.sup.Timebase()
	if !tb.TriggerDelay.Equal(delay) {
		UpdateLogger.Printf("Trigger delay %s s clamped to %s s", delay, tb.TriggerDelay)
	}
	sendUpdate(p.updates, TagTimebase, newTimebaseState(tb))
	return tb
}

// SetConnector plugs or unplugs the probe of a channel.
func (p *Panel) SetConnector(channel int, plugged bool) error {
	i, err := channelIndex(channel)
	if err != nil {
		return err
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	p.plugged[i] = plugged
	return p.sup.OnConnectorStateChanged(channel, plugged)
}

// SetParameters changes the waveform settings of a channel.
func (p *Panel) SetParameters(channel int, params ChannelParameters) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.sup.OnParametersChanged(channel, params)
}

// EnableChannel switches a channel on or off. Switching on a channel that
// is already on restarts its generator.
func (p *Panel) EnableChannel(channel int, on bool) error {
	i, err := channelIndex(channel)
	if err != nil {
		return err
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	p.channels[i] = on
	if on {
		return p.sup.Start(channel, p.plugged[i])
	}
	return p.sup.Stop(channel)
}

// ChannelEnabled tells whether a channel's button is lit.
func (p *Panel) ChannelEnabled(channel int) bool {
	i, err := channelIndex(channel)
	if err != nil {
		return false
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.channels[i]
}

// BroadcastStatus publishes the full engine status and the timebase.
func (p *Panel) BroadcastStatus() {
	st := p.sup.Status()
	sendUpdate(p.updates, TagStatus, st)
	sendUpdate(p.updates, TagTimebase, newTimebaseState(st.Timebase))
}
