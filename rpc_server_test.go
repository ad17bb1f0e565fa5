package scopesim

import (
	"fmt"
	"log"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Shared by the tests that talk to the servers started in TestMain.
var (
	testStore   *TraceStore
	testUpdates chan ClientUpdate
)

func simpleClient() (*rpc.Client, error) {
	serverAddress := fmt.Sprintf("localhost:%d", Ports.RPC)
	retries := 5
	wait := 10 * time.Millisecond
	tries := 1
	for {
		// One command to dial AND set up jsonrpc client:
		client, err := jsonrpc.Dial("tcp", serverAddress)
		tries++
		if err == nil || tries > retries {
			return client, err
		}
		time.Sleep(wait)
		wait = wait * 2
	}
}

func TestServer(t *testing.T) {
	client, err := simpleClient()
	require.NoError(t, err, "Could not connect simpleClient() to RPC server")
	defer client.Close()

	var dummy string
	var status SupervisorStatus
	require.NoError(t, client.Call("ScopeControl.Status", &dummy, &status))
	assert.Len(t, status.Channels, NumChannels)

	var tb TimebaseState
	err = client.Call("ScopeControl.SetTimebase", &TimebaseArgs{SecondsPerDivision: dec("2.1e-6")}, &tb)
	require.NoError(t, err)
	assert.True(t, tb.SecondsPerDivision.Equal(dec("2e-6")), "timebase %s", tb.SecondsPerDivision)
	require.NoError(t, client.Call("ScopeControl.StepTimebase", &StepArgs{Steps: -1}, &tb))
	assert.True(t, tb.SecondsPerDivision.Equal(dec("1e-6")))
	assert.Equal(t, "1 us/", tb.TimebaseLabel)
	err = client.Call("ScopeControl.SetTimebase", &TimebaseArgs{SecondsPerDivision: decimal.Zero}, &tb)
	assert.Error(t, err)

	require.NoError(t, client.Call("ScopeControl.SetTriggerDelay", &DelayArgs{Delay: dec("-1")}, &tb))
	assert.True(t, tb.TriggerDelay.Equal(dec("-5e-6")))
	require.NoError(t, client.Call("ScopeControl.SetTriggerDelay", &DelayArgs{Delay: decimal.Zero}, &tb))

	var okay bool
	err = client.Call("ScopeControl.StartChannel", &ChannelArgs{Channel: 3}, &okay)
	assert.Error(t, err, "channel 3 does not exist")
	var name string
	err = client.Call("ScopeControl.SaveSnapshot", &ChannelArgs{Channel: 1}, &name)
	assert.Error(t, err, "no trace before the channel runs")

	p := quietSine(1)
	p.Waveform = Square
	require.NoError(t, client.Call("ScopeControl.SetParameters", &p, &okay))
	assert.True(t, okay)
	var got ChannelParameters
	require.NoError(t, client.Call("ScopeControl.Parameters", &ChannelArgs{Channel: 1}, &got))
	assert.Equal(t, Square, got.Waveform)
	assert.Equal(t, 1e6, got.Frequency)

	require.NoError(t, client.Call("ScopeControl.StartChannel", &ChannelArgs{Channel: 1}, &okay))
	assert.True(t, okay)
	require.Eventually(t, func() bool {
		_, ok := testStore.Latest(1)
		return ok
	}, time.Second, time.Millisecond)

	require.NoError(t, client.Call("ScopeControl.SaveSnapshot", &ChannelArgs{Channel: 1}, &name))
	assert.FileExists(t, name)
	m, err := LoadSnapshot(name)
	require.NoError(t, err)
	rows, cols := m.Dims()
	assert.Equal(t, 2, rows)
	assert.Equal(t, 100, cols)
	require.NoError(t, client.Call("ScopeControl.ExportWAV", &ChannelArgs{Channel: 1}, &name))
	assert.FileExists(t, name)
	assert.Equal(t, ".wav", filepath.Ext(name))

	var dir string
	require.NoError(t, client.Call("ScopeControl.StartRecording", &dummy, &dir))
	assert.DirExists(t, dir)
	time.Sleep(50 * time.Millisecond)
	var summary RecordingSummary
	require.NoError(t, client.Call("ScopeControl.StopRecording", &dummy, &summary))
	assert.Equal(t, dir, summary.Directory)
	assert.Positive(t, summary.Records)
	assert.Len(t, summary.Files, 1)

	require.NoError(t, client.Call("ScopeControl.SetConnector", &ConnectorArgs{Channel: 1, Plugged: false}, &okay))
	require.NoError(t, client.Call("ScopeControl.Status", &dummy, &status))
	assert.True(t, status.Channels[0].Running)
	assert.False(t, status.Channels[0].Params.ConnectorPlugged)
	require.NoError(t, client.Call("ScopeControl.SendAllStatus", &dummy, &okay))
	assert.True(t, okay)

	require.NoError(t, client.Call("ScopeControl.StopChannel", &ChannelArgs{Channel: 1}, &okay))
	_, ok := testStore.Latest(1)
	assert.False(t, ok, "a stopped channel's trace is forgotten")
	require.NoError(t, client.Call("ScopeControl.SetConnector", &ConnectorArgs{Channel: 1, Plugged: true}, &okay))
}

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "scopesim_test")
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(filepath.Join(dir, "scopesimtestlogfile"))
	if err != nil {
		log.Fatalf("error opening file: %v", err)
	}
	ProblemLogger = log.New(f, "", log.LstdFlags)
	UpdateLogger = log.New(f, "", log.LstdFlags)

	SetPortnumbers(33300)
	abort := make(chan struct{})
	testUpdates = make(chan ClientUpdate, 100)
	go RunClientUpdater(testUpdates, Ports.Status, 20*time.Millisecond, abort)

	cfg := testConfig()
	testStore = NewTraceStore(cfg.DisplayPoints)
	sup := NewGeneratorSupervisor(cfg, NewTimebaseSpec(dec("1e-6"), 10, decimal.Zero), testStore)
	sup.SetClientUpdates(testUpdates)
	panel := NewPanel(sup, testUpdates)
	control := NewScopeControl(panel, testStore, filepath.Join(dir, "captures"), 48000)
	go RunRPCServer(control, Ports.RPC, abort)

	code := m.Run()
	close(abort)
	sup.StopAll()
	f.Close()
	os.RemoveAll(dir)
	os.Exit(code)
}
