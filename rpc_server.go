package scopesim

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ScopeControl is the RPC service that handles the front panel of the
// instrument and the captures of its traces.
type ScopeControl struct {
	panel    *Panel
	store    *TraceStore
	recorder *TraceRecorder

	captureDir    string
	wavSampleRate int

	lock        sync.Mutex // serialises captures
	snapshotDir string
}

// NewScopeControl returns the RPC service for panel. Captures of traces from
// store go under captureDir.
func NewScopeControl(panel *Panel, store *TraceStore, captureDir string, wavSampleRate int) *ScopeControl {
	return &ScopeControl{
		panel:         panel,
		store:         store,
		recorder:      NewTraceRecorder(store, captureDir),
		captureDir:    captureDir,
		wavSampleRate: wavSampleRate,
	}
}

// ChannelArgs selects a channel.
type ChannelArgs struct {
	Channel int
}

// ConnectorArgs plugs or unplugs a channel.
type ConnectorArgs struct {
	Channel int
	Plugged bool
}

// TimebaseArgs holds a requested timebase in seconds per division.
type TimebaseArgs struct {
	SecondsPerDivision decimal.Decimal
}

// StepArgs turns the timebase knob by Steps clicks.
type StepArgs struct {
	Steps int
}

// DelayArgs holds a requested trigger delay in seconds.
type DelayArgs struct {
	Delay decimal.Decimal
}

// StartChannel switches a channel on, restarting it if it is already on.
func (s *ScopeControl) StartChannel(args *ChannelArgs, reply *bool) error {
	UpdateLogger.Printf("StartChannel: %d", args.Channel)
	err := s.panel.EnableChannel(args.Channel, true)
	*reply = (err == nil)
	return err
}

// StopChannel switches a channel off.
func (s *ScopeControl) StopChannel(args *ChannelArgs, reply *bool) error {
	UpdateLogger.Printf("StopChannel: %d", args.Channel)
	err := s.panel.EnableChannel(args.Channel, false)
	if err == nil {
		s.store.Forget(args.Channel)
	}
	*reply = (err == nil)
	return err
}

// SetTimebase sets the timebase to the standard value nearest the request.
func (s *ScopeControl) SetTimebase(args *TimebaseArgs, reply *TimebaseState) error {
	tb, err := s.panel.SetTimebase(args.SecondsPerDivision)
	*reply = newTimebaseState(tb)
	return err
}

// StepTimebase turns the timebase knob.
func (s *ScopeControl) StepTimebase(args *StepArgs, reply *TimebaseState) error {
	tb, err := s.panel.StepTimebase(args.Steps)
	*reply = newTimebaseState(tb)
	return err
}

// SetTriggerDelay sets the trigger delay, clamped into the window.
func (s *ScopeControl) SetTriggerDelay(args *DelayArgs, reply *TimebaseState) error {
	*reply = newTimebaseState(s.panel.SetTriggerDelay(args.Delay))
	return nil
}

// SetConnector plugs or unplugs a channel's probe.
func (s *ScopeControl) SetConnector(args *ConnectorArgs, reply *bool) error {
	err := s.panel.SetConnector(args.Channel, args.Plugged)
	*reply = (err == nil)
	return err
}

// SetParameters replaces a channel's waveform settings.
func (s *ScopeControl) SetParameters(args *ChannelParameters, reply *bool) error {
	UpdateLogger.Printf("SetParameters: channel %d %s", args.Channel, args.Waveform)
	err := s.panel.SetParameters(args.Channel, *args)
	*reply = (err == nil)
	return err
}

// Parameters returns a channel's waveform settings.
func (s *ScopeControl) Parameters(args *ChannelArgs, reply *ChannelParameters) error {
	p, err := s.panel.sup.Parameters(args.Channel)
	*reply = p
	return err
}

// Status returns the state of the engine.
func (s *ScopeControl) Status(dummy *string, reply *SupervisorStatus) error {
	*reply = s.panel.sup.Status()
	return nil
}

// SendAllStatus causes a broadcast to clients containing all broadcastable status info.
func (s *ScopeControl) SendAllStatus(dummy *string, reply *bool) error {
	s.panel.BroadcastStatus()
	*reply = true
	return nil
}

// latestTrace returns the channel's newest trace.
func (s *ScopeControl) latestTrace(channel int) (*Trace, error) {
	if _, err := channelIndex(channel); err != nil {
		return nil, err
	}
	tr, ok := s.store.Latest(channel)
	if !ok {
		return nil, fmt.Errorf("channel %d has no trace to capture", channel)
	}
	return tr, nil
}

// captureDirLocked returns the directory for snapshots and WAV files,
// creating it on first use.
func (s *ScopeControl) captureDirLocked() (string, error) {
	if s.snapshotDir != "" {
		return s.snapshotDir, nil
	}
	dir, err := makeCaptureDirectory(s.captureDir)
	if err != nil {
		return "", err
	}
	s.snapshotDir = dir
	return dir, nil
}

// SaveSnapshot writes the latest trace of a channel to .npy files and
// replies with the name of the matrix file.
func (s *ScopeControl) SaveSnapshot(args *ChannelArgs, reply *string) error {
	tr, err := s.latestTrace(args.Channel)
	if err != nil {
		return err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	dir, err := s.captureDirLocked()
	if err != nil {
		return err
	}
	*reply, err = SaveSnapshot(dir, tr)
	return err
}

// ExportWAV writes the latest trace of a channel to a WAV file and replies
// with its name.
func (s *ScopeControl) ExportWAV(args *ChannelArgs, reply *string) error {
	tr, err := s.latestTrace(args.Channel)
	if err != nil {
		return err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	dir, err := s.captureDirLocked()
	if err != nil {
		return err
	}
	name := filepath.Join(dir, fmt.Sprintf("ch%d_%08d.wav", tr.Channel, tr.Seq))
	if err := ExportWAVFile(name, tr, s.wavSampleRate); err != nil {
		return err
	}
	*reply = name
	return nil
}

// StartRecording begins appending every trace to .npy files, and replies
// with the recording directory.
func (s *ScopeControl) StartRecording(dummy *string, reply *string) error {
	dir, err := s.recorder.Start()
	*reply = dir
	return err
}

// StopRecording ends the recording.
func (s *ScopeControl) StopRecording(dummy *string, reply *RecordingSummary) error {
	summary, err := s.recorder.Stop()
	*reply = summary
	return err
}

// ErrUnknownMethod is returned by Dispatch for names it does not serve.
var ErrUnknownMethod = errors.New("unknown ScopeControl method")

// Dispatch calls the method by name with JSON-encoded params, for transports
// other than net/rpc. It returns the method's reply.
func (s *ScopeControl) Dispatch(method string, params json.RawMessage) (any, error) {
	var dummy string
	decode := func(v any) error {
		if len(params) == 0 {
			return nil
		}
		if err := json.Unmarshal(params, v); err != nil {
			return fmt.Errorf("%s params: %w", method, err)
		}
		return nil
	}
	switch method {
	case "StartChannel", "StopChannel", "SaveSnapshot", "ExportWAV", "Parameters":
		var args ChannelArgs
		if err := decode(&args); err != nil {
			return nil, err
		}
		switch method {
		case "StartChannel":
			var ok bool
			err := s.StartChannel(&args, &ok)
			return ok, err
		case "StopChannel":
			var ok bool
			err := s.StopChannel(&args, &ok)
			return ok, err
		case "SaveSnapshot":
			var name string
			err := s.SaveSnapshot(&args, &name)
			return name, err
		case "ExportWAV":
			var name string
			err := s.ExportWAV(&args, &name)
			return name, err
		default:
			var p ChannelParameters
			err := s.Parameters(&args, &p)
			return p, err
		}
	case "SetTimebase":
		var args TimebaseArgs
		if err := decode(&args); err != nil {
			return nil, err
		}
		var st TimebaseState
		err := s.SetTimebase(&args, &st)
		return st, err
	case "StepTimebase":
		var args StepArgs
		if err := decode(&args); err != nil {
			return nil, err
		}
		var st TimebaseState
		err := s.StepTimebase(&args, &st)
		return st, err
	case "SetTriggerDelay":
		var args DelayArgs
		if err := decode(&args); err != nil {
			return nil, err
		}
		var st TimebaseState
		err := s.SetTriggerDelay(&args, &st)
		return st, err
	case "SetConnector":
		var args ConnectorArgs
		if err := decode(&args); err != nil {
			return nil, err
		}
		var ok bool
		err := s.SetConnector(&args, &ok)
		return ok, err
	case "SetParameters":
		var args ChannelParameters
		if err := decode(&args); err != nil {
			return nil, err
		}
		var ok bool
		err := s.SetParameters(&args, &ok)
		return ok, err
	case "Status":
		var st SupervisorStatus
		err := s.Status(&dummy, &st)
		return st, err
	case "SendAllStatus":
		var ok bool
		err := s.SendAllStatus(&dummy, &ok)
		return ok, err
	case "StartRecording":
		var dir string
		err := s.StartRecording(&dummy, &dir)
		return dir, err
	case "StopRecording":
		var summary RecordingSummary
		err := s.StopRecording(&dummy, &summary)
		return summary, err
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownMethod, method)
}

// statusInterval is how often the RPC server broadcasts the full status.
const statusInterval = 2 * time.Second

// RunRPCServer sets up and runs a JSON-RPC server for control on portrpc,
// and broadcasts the engine status periodically. It returns when abort is
// closed, or with an error if the port cannot be opened.
func RunRPCServer(control *ScopeControl, portrpc int, abort <-chan struct{}) error {
	server := rpc.NewServer()
	if err := server.Register(control); err != nil {
		return err
	}
	port := fmt.Sprintf(":%d", portrpc)
	listener, err := net.Listen("tcp", port)
	if err != nil {
		return fmt.Errorf("listen error: %w", err)
	}

	go func() {
		ticker := time.NewTicker(statusInterval)
		defer ticker.Stop()
		for {
			select {
			case <-abort:
				listener.Close()
				return
			case <-ticker.C:
				control.panel.BroadcastStatus()
			}
		}
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-abort:
				return nil
			default:
				return fmt.Errorf("accept error: %w", err)
			}
		}
		UpdateLogger.Printf("new connection established")
		go server.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}
