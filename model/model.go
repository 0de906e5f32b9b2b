// Package model reads and writes the weights of a two-layer dense classifier.
//
// The file format is whitespace separated decimal numbers: the n1 x n2 input-to-hidden
// matrix in row-major order, followed by the n2 x n3 hidden-to-output matrix.
package model

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/pkg/errors"
)

// MNIST layer sizes: 28x28 inputs, 128 hidden neurons, 10 classes.
const (
	MNISTInputs  = 28 * 28
	MNISTHidden  = 128
	MNISTOutputs = 10
)

// Model is a two-layer dense network without biases.
type Model struct {
	Inputs, Hidden, Outputs int

	// W1 is Inputs x Hidden, W2 is Hidden x Outputs, both row-major.
	W1, W2 []float64
}

// New returns a model with zero weights.
func New(inputs, hidden, outputs int) *Model {
	return &Model{
		Inputs:  inputs,
		Hidden:  hidden,
		Outputs: outputs,
		W1:      make([]float64, inputs*hidden),
		W2:      make([]float64, hidden*outputs),
	}
}

// Validate checks the weight matrices match the layer sizes.
func (m *Model) Validate() error {
	if m.Inputs <= 0 || m.Hidden <= 0 || m.Outputs <= 0 {
		return errors.Errorf("invalid layer sizes %d-%d-%d", m.Inputs, m.Hidden, m.Outputs)
	}
	if len(m.W1) != m.Inputs*m.Hidden {
		return errors.Errorf("W1 has %d weights, want %dx%d", len(m.W1), m.Inputs, m.Hidden)
	}
	if len(m.W2) != m.Hidden*m.Outputs {
		return errors.Errorf("W2 has %d weights, want %dx%d", len(m.W2), m.Hidden, m.Outputs)
	}
	return nil
}

func (m *Model) String() string {
	return fmt.Sprintf("%d-%d-%d", m.Inputs, m.Hidden, m.Outputs)
}

// Read parses the weights of a inputs-hidden-outputs model.
func Read(r io.Reader, inputs, hidden, outputs int) (*Model, error) {
	m := New(inputs, hidden, outputs)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	sc.Split(bufio.ScanWords)
	read := func(dst []float64, name string) error {
		for i := range dst {
			if !sc.Scan() {
				if err := sc.Err(); err != nil {
					return errors.Wrapf(err, "reading %s", name)
				}
				return errors.Errorf("%s: unexpected end of file after %d of %d weights", name, i, len(dst))
			}
			v, err := strconv.ParseFloat(sc.Text(), 64)
			if err != nil {
				return errors.Wrapf(err, "%s weight %d", name, i)
			}
			dst[i] = v
		}
		return nil
	}
	if err := read(m.W1, "W1"); err != nil {
		return nil, err
	}
	if err := read(m.W2, "W2"); err != nil {
		return nil, err
	}
	return m, nil
}

// Load reads a model file.
func Load(path string, inputs, hidden, outputs int) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening model")
	}
	defer f.Close()
	m, err := Read(f, inputs, hidden, outputs)
	if err != nil {
		return nil, errors.Wrapf(err, "loading model %q", path)
	}
	return m, nil
}

// Write writes the model in the format Read parses, one matrix row per line.
func (m *Model) Write(w io.Writer) error {
	bw := bufio.NewWriter(w)
	writeMatrix := func(data []float64, cols int) {
		for i, v := range data {
			bw.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
			if (i+1)%cols == 0 {
				bw.WriteByte('\n')
			} else {
				bw.WriteByte(' ')
			}
		}
	}
	writeMatrix(m.W1, m.Hidden)
	writeMatrix(m.W2, m.Outputs)
	return errors.Wrap(bw.Flush(), "writing model")
}

// Save writes the model to path.
func (m *Model) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "creating model file")
	}
	if err := m.Write(f); err != nil {
		f.Close()
		return err
	}
	return errors.Wrap(f.Close(), "closing model file")
}
