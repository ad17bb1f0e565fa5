package scopesim

import (
	"math"
	"sync"
	"sync/atomic"

	"gonum.org/v1/gonum/floats"
)

// Display receives the frames a generator produces. BufferReady is called
// from the generator's goroutine. The frame's buffers are borrowed, and
// the display must call Release once it is done with them. A display that
// never releases stalls its generator.
type Display interface {
	BufferReady(*Frame)
}

// DisplayFunc adapts a plain function to the Display interface.
type DisplayFunc func(*Frame)

// BufferReady calls f(frame).
func (f DisplayFunc) BufferReady(frame *Frame) {
	f(frame)
}

// Trace is a decimated copy of a Frame, safe to keep and share.
type Trace struct {
	Channel          int
	Seq              uint64
	Stride           int     // frame samples per trace sample
	SampleRate       float64 // trace samples per second
	ProbeAttenuation float64
	Timebase         TimebaseSpec
	Recomputed       bool
	Time             []float32
	Values           []float32
	Mean             float64
	RMS              float64
	Peak             float64 // largest |value|
}

// DecimationStride is the stride that reduces n samples to about points.
func DecimationStride(n, points int) int {
	if points <= 0 || n <= points {
		return 1
	}
	return n / points
}

// Decimate copies every stride-th sample of the frame into a new Trace,
// keeping about points samples.
func Decimate(f *Frame, points int) *Trace {
	stride := DecimationStride(len(f.Waveform), points)
	m := (len(f.Waveform) + stride - 1) / stride
	tr := &Trace{
		Channel:          f.Channel,
		Seq:              f.Seq,
		Stride:           stride,
		SampleRate:       f.SampleRate / float64(stride),
		ProbeAttenuation: f.ProbeAttenuation,
		Timebase:         f.Timebase,
		Recomputed:       f.Recomputed,
		Time:             make([]float32, m),
		Values:           make([]float32, m),
	}
	v64 := make([]float64, m)
	for i := range m {
		tr.Time[i] = f.Time[i*stride]
		tr.Values[i] = f.Waveform[i*stride]
		v64[i] = float64(tr.Values[i])
	}
	if m > 0 {
		tr.Mean = floats.Sum(v64) / float64(m)
		tr.RMS = math.Sqrt(floats.Dot(v64, v64) / float64(m))
		tr.Peak = floats.Norm(v64, math.Inf(1))
	}
	return tr
}

// TraceStore is a Display that decimates every frame it receives, keeps the
// latest trace of each channel, and forwards traces to its subscribers.
// Frames are released before BufferReady returns.
type TraceStore struct {
	points int

	lock        sync.RWMutex
	latest      map[int]*Trace
	subscribers []chan *Trace

	received atomic.Uint64
	dropped  atomic.Uint64
}

// NewTraceStore returns a store that decimates frames to about points samples.
func NewTraceStore(points int) *TraceStore {
	return &TraceStore{points: points, latest: make(map[int]*Trace)}
}

// BufferReady decimates and stores the frame, then releases it.
func (ts *TraceStore) BufferReady(f *Frame) {
	tr := Decimate(f, ts.points)
	f.Release()
	ts.received.Add(1)

	ts.lock.Lock()
	defer ts.lock.Unlock()
	ts.latest[tr.Channel] = tr
	for _, sub := range ts.subscribers {
		select {
		case sub <- tr:
		default:
			ts.dropped.Add(1)
		}
	}
}

// Latest returns the most recent trace of a channel.
func (ts *TraceStore) Latest(channel int) (*Trace, bool) {
	ts.lock.RLock()
	defer ts.lock.RUnlock()
	tr, ok := ts.latest[channel]
	return tr, ok
}

// Forget drops the stored trace of a channel, as when it is switched off.
func (ts *TraceStore) Forget(channel int) {
	ts.lock.Lock()
	defer ts.lock.Unlock()
	delete(ts.latest, channel)
}

// Subscribe returns a channel receiving every new trace. Traces are dropped,
// not queued, when the subscriber falls more than depth traces behind.
func (ts *TraceStore) Subscribe(depth int) <-chan *Trace {
	ch := make(chan *Trace, depth)
	ts.lock.Lock()
	defer ts.lock.Unlock()
	ts.subscribers = append(ts.subscribers, ch)
	return ch
}

// Unsubscribe stops delivery to a channel returned by Subscribe and closes it.
func (ts *TraceStore) Unsubscribe(sub <-chan *Trace) {
	ts.lock.Lock()
	defer ts.lock.Unlock()
	kept := make([]chan *Trace, 0, len(ts.subscribers))
	for _, ch := range ts.subscribers {
		if ch == sub {
			close(ch)
			continue
		}
		kept = append(kept, ch)
	}
	ts.subscribers = kept
}

// Counts returns the number of frames received and traces dropped for slow subscribers.
func (ts *TraceStore) Counts() (received, dropped uint64) {
	return ts.received.Load(), ts.dropped.Load()
}
