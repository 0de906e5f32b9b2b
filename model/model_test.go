package model

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadWrite(t *testing.T) {
	m := New(3, 2, 2)
	for i := range m.W1 {
		m.W1[i] = float64(i) * 0.25
	}
	for i := range m.W2 {
		m.W2[i] = -float64(i) / 3
	}
	var buf bytes.Buffer
	require.NoError(t, m.Write(&buf))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 3+2, "one line per matrix row")

	got, err := Read(&buf, 3, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, m, got)
	assert.Equal(t, "3-2-2", got.String())

	path := filepath.Join(t.TempDir(), "model.dat")
	require.NoError(t, m.Save(path))
	loaded, err := Load(path, 3, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, m.W2, loaded.W2)
}

func TestReadFreeForm(t *testing.T) {
	// Any whitespace separates the weights.
	m, err := Read(strings.NewReader("1 2\n\t3\n4   5 6e-1\n"), 2, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, m.W1)
	assert.Equal(t, []float64{3, 4}, m.W2)
}

func TestReadErrors(t *testing.T) {
	_, err := Read(strings.NewReader("1 2 3"), 2, 2, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "W1: unexpected end of file after 3 of 4 weights")

	_, err = Read(strings.NewReader("1 2 3 4 5"), 2, 2, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "W2")

	_, err = Read(strings.NewReader("1 x"), 2, 1, 1)
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.dat"), 1, 1, 1)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	require.NoError(t, New(MNISTInputs, MNISTHidden, MNISTOutputs).Validate())
	assert.Error(t, New(0, 1, 1).Validate())
	m := New(2, 2, 2)
	m.W1 = m.W1[:3]
	assert.Error(t, m.Validate())
}
