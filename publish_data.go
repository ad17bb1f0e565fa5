package scopesim

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/pebbe/zmq4"
	"github.com/usnistgov/scopesim/internal/getbytes"
)

// traceHeaderVersion identifies the layout written by packTraceHeader.
const traceHeaderVersion = 1

// TraceHeader is the fixed-size first frame of every published trace
// message. It starts with the channel number, so that a ZMQ subscriber can
// filter channels by prefix.
type TraceHeader struct {
	Channel          uint16
	Version          uint8
	BytesPerSample   uint8
	Stride           uint32
	Seq              uint64
	SampleRate       float64
	SecondsPerDiv    float64
	TriggerDelay     float64
	ProbeAttenuation float64
	NPoints          uint32
	Recomputed       uint8
}

func packTraceHeader(tr *Trace) []byte {
	h := TraceHeader{
		Channel:          uint16(tr.Channel),
		Version:          traceHeaderVersion,
		BytesPerSample:   4,
		Stride:           uint32(tr.Stride),
		Seq:              tr.Seq,
		SampleRate:       tr.SampleRate,
		SecondsPerDiv:    tr.Timebase.SecondsPerDivision.InexactFloat64(),
		TriggerDelay:     tr.Timebase.TriggerDelay.InexactFloat64(),
		ProbeAttenuation: tr.ProbeAttenuation,
		NPoints:          uint32(len(tr.Values)),
	}
	if tr.Recomputed {
		h.Recomputed = 1
	}
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, &h)
	return buf.Bytes()
}

// UnpackTraceHeader decodes the first frame of a trace message.
func UnpackTraceHeader(b []byte) (TraceHeader, error) {
	var h TraceHeader
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, &h); err != nil {
		return h, fmt.Errorf("could not decode trace header of %d bytes: %w", len(b), err)
	}
	if h.Version != traceHeaderVersion {
		return h, fmt.Errorf("trace header version %d, want %d", h.Version, traceHeaderVersion)
	}
	return h, nil
}

// PublishTraces publishes each trace received on its input to a ZMQ PUB
// socket as a 3-frame message: header, times, values (little-endian
// float32). It returns when abort is closed or traces is closed.
func PublishTraces(traces <-chan *Trace, abort <-chan struct{}, portnum int) error {
	hostname := fmt.Sprintf("tcp://*:%d", portnum)
	pubSocket, err := zmq4.NewSocket(zmq4.PUB)
	if err != nil {
		return err
	}
	defer pubSocket.Close()
	pubSocket.SetLinger(0)
	pubSocket.SetSndhwm(100)
	if err = pubSocket.Bind(hostname); err != nil {
		return fmt.Errorf("could not bind trace publisher to %s: %w", hostname, err)
	}

	warned := false
	for {
		select {
		case <-abort:
			return nil
		case tr, ok := <-traces:
			if !ok {
				return nil
			}
			if !warned {
				warned = true
				if err := checkSocketBuffer(8 * len(tr.Values)); err != nil {
					ProblemLogger.Print(err)
				}
			}
			header := packTraceHeader(tr)
			if _, err := pubSocket.SendMessage(header, getbytes.FromSliceFloat32(tr.Time),
				getbytes.FromSliceFloat32(tr.Values)); err != nil {
				ProblemLogger.Printf("Could not publish channel %d trace %d: %v", tr.Channel, tr.Seq, err)
			}
		}
	}
}
