package scopesim

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"testing"
	"time"

	"github.com/pebbe/zmq4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTrace(channel int, seq uint64) *Trace {
	return &Trace{
		Channel:          channel,
		Seq:              seq,
		Stride:           20,
		SampleRate:       1e8,
		ProbeAttenuation: 10,
		Timebase:         NewTimebaseSpec(dec("1e-6"), 10, dec("2e-6")),
		Recomputed:       true,
		Time:             []float32{-7e-6, -6e-6, -5e-6},
		Values:           []float32{0.5, -1, 0.25},
		Peak:             1,
	}
}

func TestTraceHeader(t *testing.T) {
	b := packTraceHeader(testTrace(2, 99))
	assert.Equal(t, []byte{2, 0}, b[:2], "channel prefix for subscription filters")
	h, err := UnpackTraceHeader(b)
	require.NoError(t, err)
	assert.Equal(t, TraceHeader{
		Channel:          2,
		Version:          traceHeaderVersion,
		BytesPerSample:   4,
		Stride:           20,
		Seq:              99,
		SampleRate:       1e8,
		SecondsPerDiv:    1e-6,
		TriggerDelay:     2e-6,
		ProbeAttenuation: 10,
		NPoints:          3,
		Recomputed:       1,
	}, h)

	_, err = UnpackTraceHeader(b[:10])
	assert.Error(t, err)
	bad := bytes.Clone(b)
	bad[2] = 7
	_, err = UnpackTraceHeader(bad)
	assert.Error(t, err)
}

func TestCheckSocketBuffer(t *testing.T) {
	assert.NoError(t, checkSocketBuffer(1))
	if limit, err := socketBufferLimit(); err == nil {
		assert.Error(t, checkSocketBuffer(limit+1))
	}
}

func TestPublishTraces(t *testing.T) {
	traces := make(chan *Trace)
	abort := make(chan struct{})
	errs := make(chan error, 1)
	go func() { errs <- PublishTraces(traces, abort, Ports.Traces) }()

	sub, err := zmq4.NewSocket(zmq4.SUB)
	require.NoError(t, err)
	defer sub.Close()
	require.NoError(t, sub.Connect(fmt.Sprintf("tcp://localhost:%d", Ports.Traces)))
	require.NoError(t, sub.SetSubscribe(string([]byte{2, 0})))
	require.NoError(t, sub.SetRcvtimeo(50*time.Millisecond))

	var msg [][]byte
	for seq := range uint64(40) {
		traces <- testTrace(1, seq)
		traces <- testTrace(2, seq)
		if msg, err = sub.RecvMessageBytes(0); err == nil {
			break
		}
	}
	require.NoError(t, err, "no channel 2 trace received")
	require.Len(t, msg, 3)
	h, err := UnpackTraceHeader(msg[0])
	require.NoError(t, err)
	assert.Equal(t, uint16(2), h.Channel, "subscription filter passed another channel")

	values := make([]float32, h.NPoints)
	require.NoError(t, binary.Read(bytes.NewReader(msg[2]), binary.LittleEndian, values))
	assert.Equal(t, []float32{0.5, -1, 0.25}, values)
	times := make([]float32, h.NPoints)
	require.NoError(t, binary.Read(bytes.NewReader(msg[1]), binary.LittleEndian, times))
	assert.Equal(t, float32(-7e-6), times[0])

	close(abort)
	assert.NoError(t, <-errs)
}
