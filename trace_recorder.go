package scopesim

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/usnistgov/scopesim/internal/appendablenpy"
	"github.com/usnistgov/scopesim/internal/getbytes"
)

// ErrRecording is returned when starting a recorder that is already running.
var ErrRecording = errors.New("trace recorder is already running")

// recordingDepth is how many traces the recorder may fall behind the store.
const recordingDepth = 100

// RecordingSummary describes the files written by one recording.
type RecordingSummary struct {
	Directory string
	Files     []string
	Records   int
	Dropped   uint64 // traces the store could not deliver in time
}

// TraceRecorder appends every trace from a TraceStore to .npy files, one
// file per channel and trace length. Each record holds the trace's sequence
// number, its first time point and its values.
type TraceRecorder struct {
	store    *TraceStore
	basepath string

	lock      sync.Mutex
	sub       <-chan *Trace
	done      chan struct{}
	summary   RecordingSummary
	files     map[int]*traceFile
	dropStart uint64
}

type traceFile struct {
	fp    *os.File
	npy   *appendablenpy.AppendableNPY
	width int
	buf   bytes.Buffer
}

// NewTraceRecorder returns a stopped recorder that will write under basepath.
func NewTraceRecorder(store *TraceStore, basepath string) *TraceRecorder {
	return &TraceRecorder{store: store, basepath: basepath}
}

// Recording tells whether the recorder is running.
func (r *TraceRecorder) Recording() bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.sub != nil
}

// Start creates a new capture directory and begins recording into it.
func (r *TraceRecorder) Start() (string, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.sub != nil {
		return "", ErrRecording
	}
	dir, err := makeCaptureDirectory(r.basepath)
	if err != nil {
		return "", err
	}
	r.summary = RecordingSummary{Directory: dir}
	r.files = make(map[int]*traceFile)
	_, r.dropStart = r.store.Counts()
	r.sub = r.store.Subscribe(recordingDepth)
	r.done = make(chan struct{})
	go r.run(r.sub, r.done)
	UpdateLogger.Printf("Recording traces to %s", dir)
	return dir, nil
}

// Stop ends the recording, closes its files and reports what was written.
// Stopping a stopped recorder returns an empty summary.
func (r *TraceRecorder) Stop() (RecordingSummary, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.sub == nil {
		return RecordingSummary{}, nil
	}
	r.store.Unsubscribe(r.sub)
	<-r.done
	r.sub = nil
	var errs []error
	for _, tf := range r.files {
		errs = append(errs, tf.fp.Close())
	}
	r.files = nil
	_, dropped := r.store.Counts()
	r.summary.Dropped = dropped - r.dropStart
	UpdateLogger.Printf("Recorded %d traces in %d files", r.summary.Records, len(r.summary.Files))
	return r.summary, errors.Join(errs...)
}

func (r *TraceRecorder) run(sub <-chan *Trace, done chan<- struct{}) {
	defer close(done)
	for tr := range sub {
		if err := r.write(tr); err != nil {
			ProblemLogger.Printf("Could not record channel %d trace %d: %v", tr.Channel, tr.Seq, err)
		}
	}
}

// write is called only from run, which Stop waits for before touching files.
func (r *TraceRecorder) write(tr *Trace) error {
	if len(tr.Values) == 0 {
		return nil
	}
	tf := r.files[tr.Channel]
	if tf == nil || tf.width != len(tr.Values) {
		if tf != nil {
			tf.fp.Close()
		}
		var err error
		if tf, err = r.openFile(tr.Channel, len(tr.Values)); err != nil {
			return err
		}
		r.files[tr.Channel] = tf
	}
	tf.buf.Reset()
	binary.Write(&tf.buf, binary.LittleEndian, tr.Seq)
	binary.Write(&tf.buf, binary.LittleEndian, tr.Time[0])
	tf.buf.Write(getbytes.FromSliceFloat32(tr.Values))
	if err := tf.npy.Write([][]byte{tf.buf.Bytes()}); err != nil {
		return err
	}
	r.summary.Records++
	return nil
}

func (r *TraceRecorder) openFile(channel, width int) (*traceFile, error) {
	name := filepath.Join(r.summary.Directory, fmt.Sprintf("ch%d_%03d.npy", channel, len(r.summary.Files)))
	fp, err := os.Create(name)
	if err != nil {
		return nil, err
	}
	dtype := fmt.Sprintf("[('seq', '<u8'), ('t0', '<f4'), ('values', '<f4', (%d,))]", width)
	npy, err := appendablenpy.OpenAppendableNPY(fp, dtype, 8+4+4*width)
	if err != nil {
		fp.Close()
		return nil, err
	}
	r.summary.Files = append(r.summary.Files, name)
	return &traceFile{fp: fp, npy: npy, width: width}, nil
}
