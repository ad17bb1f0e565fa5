package scopesim

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestControl(t *testing.T) (*ScopeControl, *GeneratorSupervisor) {
	t.Helper()
	store := NewTraceStore(100)
	sup := NewGeneratorSupervisor(testConfig(), NewTimebaseSpec(dec("1e-6"), 10, decimal.Zero), store)
	t.Cleanup(func() { sup.StopAll() })
	panel := NewPanel(sup, nil)
	return NewScopeControl(panel, store, t.TempDir(), 48000), sup
}

type rawReply struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

func panelCommand(t *testing.T, control *ScopeControl, cmd string) rawReply {
	t.Helper()
	var reply rawReply
	require.NoError(t, json.Unmarshal(handlePanelCommand(control, []byte(cmd)), &reply))
	return reply
}

func TestHandlePanelCommand(t *testing.T) {
	control, sup := newTestControl(t)

	reply := panelCommand(t, control, `{"method": "SetTimebase", "params": {"SecondsPerDivision": "4.5e-6"}}`)
	require.Empty(t, reply.Error)
	var tb TimebaseState
	require.NoError(t, json.Unmarshal(reply.Result, &tb))
	assert.True(t, tb.SecondsPerDivision.Equal(dec("5e-6")))
	assert.True(t, sup.Timebase().SecondsPerDivision.Equal(dec("5e-6")))

	reply = panelCommand(t, control, `{"method": "SetTriggerDelay", "params": {"Delay": 1e-5}}`)
	require.Empty(t, reply.Error)
	assert.True(t, sup.Timebase().TriggerDelay.Equal(dec("1e-5")))

	reply = panelCommand(t, control, `{"method": "SetParameters", "params": {"Channel": 2, "Waveform": "triangle", "Frequency": 2e6, "ProbeAttenuation": 1, "SawtoothWidth": 1}}`)
	require.Empty(t, reply.Error)
	p, _ := sup.Parameters(2)
	assert.Equal(t, Triangle, p.Waveform)
	assert.Equal(t, 2e6, p.Frequency)

	reply = panelCommand(t, control, `{"method": "StartChannel", "params": {"Channel": 2}}`)
	require.Empty(t, reply.Error)
	assert.Equal(t, "true", string(reply.Result))
	assert.NotNil(t, sup.Generator(2))

	reply = panelCommand(t, control, `{"method": "Status"}`)
	require.Empty(t, reply.Error)
	var st SupervisorStatus
	require.NoError(t, json.Unmarshal(reply.Result, &st))
	assert.Equal(t, 1, st.ActiveChannels)
	assert.Equal(t, "triangle", st.Channels[1].Params.Waveform.String())

	reply = panelCommand(t, control, `{"method": "StopChannel", "params": {"Channel": 2}}`)
	require.Empty(t, reply.Error)
	assert.Nil(t, sup.Generator(2))
}

func TestHandlePanelCommandErrors(t *testing.T) {
	control, _ := newTestControl(t)
	reply := panelCommand(t, control, `not json`)
	assert.Contains(t, reply.Error, "could not decode panel command")

	reply = panelCommand(t, control, `{"method": "Reboot"}`)
	assert.Contains(t, reply.Error, "unknown ScopeControl method")

	reply = panelCommand(t, control, `{"method": "StepTimebase", "params": {"Steps": "many"}}`)
	assert.Contains(t, reply.Error, "StepTimebase params")

	reply = panelCommand(t, control, `{"method": "StartChannel", "params": {"Channel": 9}}`)
	assert.Contains(t, reply.Error, ErrInvalidChannel.Error())

	reply = panelCommand(t, control, `{"method": "ExportWAV", "params": {"Channel": 1}}`)
	assert.Contains(t, reply.Error, "no trace")
}

func TestDispatch(t *testing.T) {
	control, _ := newTestControl(t)
	_, err := control.Dispatch("Reboot", nil)
	assert.ErrorIs(t, err, ErrUnknownMethod)

	result, err := control.Dispatch("StepTimebase", json.RawMessage(`{"Steps": 1}`))
	require.NoError(t, err)
	st, ok := result.(TimebaseState)
	require.True(t, ok)
	assert.True(t, st.SecondsPerDivision.Equal(dec("2e-6")))

	result, err = control.Dispatch("Parameters", json.RawMessage(`{"Channel": 2}`))
	require.NoError(t, err)
	assert.Equal(t, DefaultChannelParameters(2), result)

	result, err = control.Dispatch("SendAllStatus", nil)
	require.NoError(t, err)
	assert.Equal(t, true, result)

	result, err = control.Dispatch("StopRecording", nil)
	require.NoError(t, err)
	assert.Equal(t, RecordingSummary{}, result)
}

func TestRunNATSPanelNoServer(t *testing.T) {
	control, _ := newTestControl(t)
	abort := make(chan struct{})
	defer close(abort)
	err := RunNATSPanel(control, "nats://127.0.0.1:1", "scope.test", abort)
	assert.Error(t, err)
}
