package scopesim

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const wavBitDepth = 16

// wavFullScale is the largest 16-bit sample value.
const wavFullScale = math.MaxInt16

// ExportWAV writes the trace values as mono 16-bit PCM at sampleRate. The
// trace's peak maps to full scale; an all-zero trace stays silent.
func ExportWAV(w io.WriteSeeker, tr *Trace, sampleRate int) error {
	if sampleRate <= 0 {
		return fmt.Errorf("WAV sample rate %d must be positive", sampleRate)
	}
	if len(tr.Values) == 0 {
		return errors.New("cannot export an empty trace")
	}
	scale := 0.0
	if tr.Peak > 0 {
		scale = wavFullScale / tr.Peak
	}
	data := make([]int, len(tr.Values))
	for i, v := range tr.Values {
		s := math.Round(float64(v) * scale)
		data[i] = int(min(max(s, -wavFullScale), wavFullScale))
	}
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: wavBitDepth,
	}
	enc := wav.NewEncoder(w, sampleRate, wavBitDepth, 1, 1)
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("could not encode WAV: %w", err)
	}
	return enc.Close()
}

// ExportWAVFile writes the trace to a new WAV file.
func ExportWAVFile(name string, tr *Trace, sampleRate int) error {
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	if err := ExportWAV(f, tr, sampleRate); err != nil {
		f.Close()
		return err
	}
	UpdateLogger.Printf("Exported channel %d trace %d to %s", tr.Channel, tr.Seq, name)
	return f.Close()
}

// ReadWAV returns the samples of a 16-bit mono WAV file scaled to [-1, 1]
// and its sample rate.
func ReadWAV(r io.ReadSeeker) ([]float64, int, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, 0, errors.New("not a valid WAV file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, err
	}
	out := make([]float64, len(buf.Data))
	for i, s := range buf.Data {
		out[i] = float64(s) / wavFullScale
	}
	return out, int(dec.SampleRate), nil
}
