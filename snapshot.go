package scopesim

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"
)

// TraceMatrix returns a 2xN matrix of the trace: times in row 0 and values
// in row 1.
func TraceMatrix(tr *Trace) *mat.Dense {
	n := len(tr.Values)
	m := mat.NewDense(2, max(n, 1), nil)
	for i := range n {
		m.Set(0, i, float64(tr.Time[i]))
		m.Set(1, i, float64(tr.Values[i]))
	}
	return m
}

// SaveSnapshot writes the trace into dir as three .npy files: the time and
// value vectors as float32, and the 2xN float64 matrix of TraceMatrix. It
// returns the name of the matrix file.
func SaveSnapshot(dir string, tr *Trace) (string, error) {
	if len(tr.Values) == 0 {
		return "", fmt.Errorf("channel %d trace %d is empty", tr.Channel, tr.Seq)
	}
	base := filepath.Join(dir, fmt.Sprintf("ch%d_%08d", tr.Channel, tr.Seq))
	if err := writeNPY(base+"_time.npy", tr.Time); err != nil {
		return "", err
	}
	if err := writeNPY(base+"_values.npy", tr.Values); err != nil {
		return "", err
	}
	name := base + ".npy"
	if err := writeNPY(name, TraceMatrix(tr)); err != nil {
		return "", err
	}
	UpdateLogger.Printf("Saved channel %d trace %d to %s", tr.Channel, tr.Seq, name)
	return name, nil
}

func writeNPY(name string, val any) error {
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	if err := npyio.Write(f, val); err != nil {
		f.Close()
		return fmt.Errorf("could not write %s: %w", name, err)
	}
	return f.Close()
}

// LoadSnapshot reads a matrix written by SaveSnapshot.
func LoadSnapshot(name string) (*mat.Dense, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var m mat.Dense
	if err := npyio.Read(f, &m); err != nil {
		return nil, fmt.Errorf("could not read %s: %w", name, err)
	}
	return &m, nil
}
