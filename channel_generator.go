package scopesim

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

// Errors returned by the generator lifecycle.
var (
	ErrNotIdle     = errors.New("generator is not idle")
	ErrStopTimeout = errors.New("timed out waiting for generator to stop")
)

// GeneratorState is the lifecycle state of a ChannelGenerator.
type GeneratorState int32

// Names for the possible values of GeneratorState. A generator only moves
// forward through these; a Stopped generator is never restarted.
const (
	Idle     GeneratorState = iota // Created, not yet started
	Running                        // Generation loop is active
	Stopping                       // Stop requested, loop not yet exited
	Stopped                        // Loop has exited
)

func (s GeneratorState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Running:
		return "Running"
	case Stopping:
		return "Stopping"
	case Stopped:
		return "Stopped"
	}
	return fmt.Sprintf("GeneratorState(%d)", int32(s))
}

// GeneratorStats counts what a generator has done since it started.
type GeneratorStats struct {
	Recomputes       uint64 // full waveform computations
	NoiseRefreshes   uint64 // noise-only updates
	Emitted          uint64 // frames handed to the display
	CollapsedChanges uint64 // parameter changes absorbed by a later one before recomputing
	Rejected         uint64 // recomputations refused for bad parameters
}

// ChannelGenerator synthesizes the waveform of one channel in its own
// goroutine. Parameter changes from any goroutine go through a single-slot
// mailbox holding the latest Snapshot; the loop recomputes only after the
// changes have been quiet for the debounce interval, and otherwise refreshes
// the noise of the last waveform. Each loop iteration emits one Frame.
type ChannelGenerator struct {
	channel int
	id      ulid.ULID
	cfg     EngineConfig
	display Display

	stateLock sync.Mutex
	state     GeneratorState
	started   time.Time
	abortSelf chan struct{}
	done      chan struct{}

	snapshot   atomic.Pointer[Snapshot]
	pending    atomic.Int64
	lastChange atomic.Int64 // UnixNano of the latest change

	// Used only by the loop goroutine.
	grid     *TimeGrid
	buffers  *GenerationBuffers
	synth    *Synthesizer
	seq      uint64
	stamp    uint64
	shown    *Snapshot // snapshot behind the most recent frame
	rejected *Snapshot // snapshot last refused, not retried until replaced

	plan           atomic.Pointer[PulseTrainPlan]
	recomputes     atomic.Uint64
	noiseRefreshes atomic.Uint64
	emitted        atomic.Uint64
	collapsed      atomic.Uint64
	rejections     atomic.Uint64
}

// NewChannelGenerator returns an Idle generator for the channel named in
// initial.Params, which will hand its frames to display.
func NewChannelGenerator(cfg EngineConfig, initial Snapshot, display Display) *ChannelGenerator {
	id := ulid.Make()
	g := &ChannelGenerator{
		channel:   initial.Params.Channel,
		id:        id,
		cfg:       cfg,
		display:   display,
		abortSelf: make(chan struct{}),
		done:      make(chan struct{}),
		grid:      NewTimeGrid(cfg.MemoryDepth),
		buffers:   NewGenerationBuffers(cfg.FrameSlots),
		synth:     NewSynthesizer(cfg, binary.BigEndian.Uint64(id[8:])),
	}
	snap := initial
	g.snapshot.Store(&snap)
	return g
}

// Channel is the channel number this generator produces.
func (g *ChannelGenerator) Channel() int {
	return g.channel
}

// ID identifies this generator's session in logs and the activity database.
func (g *ChannelGenerator) ID() ulid.ULID {
	return g.id
}

// State returns the lifecycle state.
func (g *ChannelGenerator) State() GeneratorState {
	g.stateLock.Lock()
	defer g.stateLock.Unlock()
	return g.state
}

// Snapshot returns a copy of the latest parameters, including changes not
// yet applied to the waveform.
func (g *ChannelGenerator) Snapshot() Snapshot {
	return *g.snapshot.Load()
}

// Stats returns the activity counters.
func (g *ChannelGenerator) Stats() GeneratorStats {
	return GeneratorStats{
		Recomputes:       g.recomputes.Load(),
		NoiseRefreshes:   g.noiseRefreshes.Load(),
		Emitted:          g.emitted.Load(),
		CollapsedChanges: g.collapsed.Load(),
		Rejected:         g.rejections.Load(),
	}
}

// PulsePlan returns the plan of the latest pulse-train recomputation, or nil
// if the current waveform is not a pulse train.
func (g *ChannelGenerator) PulsePlan() *PulseTrainPlan {
	return g.plan.Load()
}

func (g *ChannelGenerator) startTime() time.Time {
	g.stateLock.Lock()
	defer g.stateLock.Unlock()
	return g.started
}

// Start launches the generation loop. Only an Idle generator can start.
func (g *ChannelGenerator) Start() error {
	g.stateLock.Lock()
	defer g.stateLock.Unlock()
	if g.state != Idle {
		return fmt.Errorf("channel %d generator is %s: %w", g.channel, g.state, ErrNotIdle)
	}
	g.state = Running
	g.started = time.Now()
	UpdateLogger.Printf("Channel %d generator %s starting", g.channel, g.id)
	go g.run()
	return nil
}

// Stop asks the loop to exit after its current iteration and waits for it.
// If ctx ends first the worker is abandoned, still stopping, and
// ErrStopTimeout is returned. Stopping an Idle generator retires it at once.
func (g *ChannelGenerator) Stop(ctx context.Context) error {
	g.stateLock.Lock()
	switch g.state {
	case Idle:
		g.state = Stopped
		closeIfOpen(g.abortSelf)
		close(g.done)
		g.stateLock.Unlock()
		return nil
	case Stopped:
		g.stateLock.Unlock()
		return nil
	case Running:
		g.state = Stopping
		closeIfOpen(g.abortSelf)
	case Stopping:
		// Another caller already asked; wait like it does.
	}
	g.stateLock.Unlock()

	select {
	case <-g.done:
		return nil
	case <-ctx.Done():
		ProblemLogger.Printf("Channel %d generator %s did not stop in time; abandoning it: %v",
			g.channel, g.id, ctx.Err())
		return fmt.Errorf("channel %d: %w", g.channel, ErrStopTimeout)
	}
}

// closeIfOpen closes a channel if it isn't already closed.
func closeIfOpen(c chan struct{}) {
	select {
	case <-c:
	default:
		close(c)
	}
}

// update applies change to a copy of the latest snapshot and publishes it,
// then marks a change as pending.
func (g *ChannelGenerator) update(change func(*Snapshot)) {
	for {
		old := g.snapshot.Load()
		next := *old
		change(&next)
		if g.snapshot.CompareAndSwap(old, &next) {
			break
		}
	}
	g.lastChange.Store(time.Now().UnixNano())
	g.pending.Add(1)
}

// UpdateTimebase sets the seconds per division, re-clamping the delay.
func (g *ChannelGenerator) UpdateTimebase(secondsPerDivision decimal.Decimal) {
	g.update(func(s *Snapshot) { s.Timebase = s.Timebase.WithTimebase(secondsPerDivision) })
}

// UpdateTriggerDelay sets the trigger delay, clamped into the window.
func (g *ChannelGenerator) UpdateTriggerDelay(delay decimal.Decimal) {
	g.update(func(s *Snapshot) { s.Timebase = s.Timebase.WithDelay(delay) })
}

// UpdateConnectorState plugs or unplugs the channel's input.
func (g *ChannelGenerator) UpdateConnectorState(plugged bool) {
	g.update(func(s *Snapshot) { s.Params.ConnectorPlugged = plugged })
}

// UpdateActiveChannels sets how many channels share the memory depth.
func (g *ChannelGenerator) UpdateActiveChannels(n int) {
	g.update(func(s *Snapshot) { s.ActiveChannels = n })
}

// UpdateParameters replaces the waveform settings. The channel number and
// connector state are kept.
func (g *ChannelGenerator) UpdateParameters(p ChannelParameters) {
	g.update(func(s *Snapshot) {
		p.Channel = s.Params.Channel
		p.ConnectorPlugged = s.Params.ConnectorPlugged
		s.Params = p
	})
}

// promote reports whether pending changes have been quiet long enough to
// recompute, and if so drains them.
func (g *ChannelGenerator) promote(now time.Time) bool {
	if g.pending.Load() == 0 {
		return false
	}
	if now.Sub(time.Unix(0, g.lastChange.Load())) < g.cfg.DebounceInterval {
		return false
	}
	g.drain()
	return true
}

// drain clears the pending changes, counting all but one as collapsed.
func (g *ChannelGenerator) drain() {
	if n := g.pending.Swap(0); n > 1 {
		g.collapsed.Add(uint64(n - 1))
	}
}

// run is the generation loop.
func (g *ChannelGenerator) run() {
	defer func() {
		g.stateLock.Lock()
		g.state = Stopped
		g.stateLock.Unlock()
		close(g.done)
		UpdateLogger.Printf("Channel %d generator %s stopped after %d frames", g.channel, g.id, g.emitted.Load())
	}()

	ticker := time.NewTicker(g.cfg.framePeriod())
	defer ticker.Stop()
	for {
		select {
		case <-g.abortSelf:
			return
		default:
		}

		frame, ok := g.iterate(time.Now())
		if !ok {
			return
		}
		if frame != nil {
			g.emitted.Add(1)
			if g.display != nil {
				g.display.BufferReady(frame)
			} else {
				frame.Release()
			}
		}

		select {
		case <-g.abortSelf:
			return
		case <-ticker.C:
		}
	}
}

// iterate performs one loop step: a full recompute when changes were
// promoted or nothing has been computed yet, else a noise refresh. It
// returns the frame to emit, which is nil when there is nothing to show,
// and false if the generator was stopped while waiting for a buffer.
func (g *ChannelGenerator) iterate(now time.Time) (*Frame, bool) {
	// Drain before loading: every drained change is then visible in snap.
	promoted := g.promote(now)
	initial := !promoted && g.buffers.Last() == nil
	if initial {
		g.drain()
	}
	snap := g.snapshot.Load()
	if promoted || initial && snap != g.rejected {
		frame, err := g.recompute(snap)
		if err == nil || frame == nil && errors.Is(err, errAborted) {
			return frame, err == nil
		}
		g.rejected = snap
		g.rejections.Add(1)
		ProblemLogger.Printf("Channel %d: recompute rejected: %v\n%s", g.channel, err, spew.Sdump(*snap))
	}
	return g.refresh()
}

var errAborted = errors.New("generator stopped while waiting for a free buffer")

// recompute synthesizes the full waveform of snap into a fresh frame set.
// Bad parameters are refused before any buffer is touched.
func (g *ChannelGenerator) recompute(snap *Snapshot) (*Frame, error) {
	if err := snap.Params.Validate(); err != nil {
		return nil, err
	}
	if err := snap.Timebase.Validate(); err != nil {
		return nil, err
	}
	tb := snap.Timebase
	baseline := g.grid.Baseline(tb.Window(), snap.ActiveChannels)
	g.buffers.Resize(len(baseline))
	dst, ok := g.buffers.Acquire(g.abortSelf)
	if !ok {
		return nil, errAborted
	}

	DelayedPoints(dst.Time, baseline, tb.TriggerDelay.InexactFloat64())
	plan, err := g.synth.Generate(dst.Waveform, g.buffers.Noise(), dst.Time, *snap)
	if err != nil {
		g.buffers.Put(dst)
		return nil, err
	}
	g.stamp++
	dst.stamp = g.stamp
	g.plan.Store(plan)
	g.shown = snap
	g.rejected = nil
	g.recomputes.Add(1)
	return g.frame(dst, true), nil
}

// refresh draws new noise into a copy of the latest waveform. With nothing
// computed yet it emits nothing.
func (g *ChannelGenerator) refresh() (*Frame, bool) {
	src := g.buffers.Last()
	if src == nil {
		return nil, true
	}
	dst, ok := g.buffers.Acquire(g.abortSelf)
	if !ok {
		return nil, false
	}
	syncTime(dst, src)
	g.synth.Noise().Refresh(dst.Waveform, src.Waveform, g.buffers.Noise(), g.shown.Params.NoiseStdDev)
	g.noiseRefreshes.Add(1)
	return g.frame(dst, false), true
}

// frame lends dst to the display, stamped with the shown snapshot.
func (g *ChannelGenerator) frame(dst *FrameSet, recomputed bool) *Frame {
	g.seq++
	f := g.buffers.lend(dst)
	f.Channel = g.channel
	f.Seq = g.seq
	f.Timebase = g.shown.Timebase
	f.SampleRate = float64(len(dst.Time)) / g.shown.Timebase.Window().InexactFloat64()
	f.ProbeAttenuation = g.shown.Params.ProbeAttenuation
	f.Recomputed = recomputed
	return f
}
