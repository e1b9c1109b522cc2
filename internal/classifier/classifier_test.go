package classifier

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/waste-classifier/internal/imageprocessor"
)

type stubModel struct {
	shape  []int
	output []float32
	err    error
	calls  int
}

func (s *stubModel) InputShape() []int { return s.shape }
func (s *stubModel) Version() string   { return "stub-v1" }
func (s *stubModel) Close() error      { return nil }

func (s *stubModel) Predict(input []float32) ([]float32, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return append([]float32(nil), s.output...), nil
}

func newTensor() *imageprocessor.Tensor {
	return &imageprocessor.Tensor{
		Data:  make([]float32, 224*224*3),
		Shape: []int{1, 224, 224, 3},
	}
}

func modelShape() []int { return []int{1, 224, 224, 3} }

func mustMapping(t *testing.T, table map[int]int, fallback *int) BinaryMapping {
	t.Helper()
	m, err := NewBinaryMapping(table, fallback)
	require.NoError(t, err)
	return m
}

func TestPredictUsesArgmaxAndMapping(t *testing.T) {
	model := &stubModel{shape: modelShape(), output: []float32{0.1, 0.7, 0.2}}
	c := New(mustMapping(t, map[int]int{0: 0, 1: 0, 2: 1}, nil))

	result, err := c.Predict(model, newTensor())
	require.NoError(t, err)
	assert.Equal(t, 1, result.ClassIndex)
	assert.Equal(t, Recyclable, result.WasteBinary, "class 1 is mapped to recyclable by the table")
	assert.Equal(t, []float32{0.1, 0.7, 0.2}, result.Probabilities)
	assert.Equal(t, "stub-v1", result.ModelVersion)
}

func TestPredictIsDeterministic(t *testing.T) {
	model := &stubModel{shape: modelShape(), output: []float32{0.2, 0.1, 0.6, 0.1}}
	c := New(mustMapping(t, map[int]int{0: 0, 1: 1, 2: 1, 3: 0}, nil))

	first, err := c.Predict(model, newTensor())
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := c.Predict(model, newTensor())
		require.NoError(t, err)
		assert.Equal(t, first.ClassIndex, again.ClassIndex)
		assert.Equal(t, first.WasteBinary, again.WasteBinary)
	}
}

func TestPredictTiesResolveToLowestIndex(t *testing.T) {
	model := &stubModel{shape: modelShape(), output: []float32{0.1, 0.45, 0.45}}
	c := New(mustMapping(t, map[int]int{1: 0, 2: 1}, nil))

	result, err := c.Predict(model, newTensor())
	require.NoError(t, err)
	assert.Equal(t, 1, result.ClassIndex)
}

func TestWasteBinaryFollowsTable(t *testing.T) {
	landfill := Landfill
	mapping := mustMapping(t, map[int]int{0: 0, 2: 0, 4: 1}, &landfill)

	for class, want := range map[int]int{0: 0, 1: 1, 2: 0, 3: 1, 4: 1} {
		output := make([]float32, 5)
		output[class] = 1
		c := New(mapping)
		result, err := c.Predict(&stubModel{shape: modelShape(), output: output}, newTensor())
		require.NoError(t, err)
		assert.Equal(t, want, result.WasteBinary, "class %d", class)
	}
}

func TestPredictRejectsShapeMismatch(t *testing.T) {
	model := &stubModel{shape: []int{1, 128, 128, 3}, output: []float32{1}}
	c := New(mustMapping(t, map[int]int{0: 0}, nil))

	_, err := c.Predict(model, newTensor())
	assert.ErrorIs(t, err, ErrShapeMismatch)
	assert.Zero(t, model.calls, "model must not run on a mismatched tensor")

	_, err = c.Predict(&stubModel{shape: modelShape()}, nil)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestPredictRejectsOutOfRangeTensor(t *testing.T) {
	tensor := newTensor()
	tensor.Data[10] = 3
	c := New(mustMapping(t, map[int]int{0: 0}, nil))

	_, err := c.Predict(&stubModel{shape: modelShape(), output: []float32{1}}, tensor)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestPredictSurfacesModelFailures(t *testing.T) {
	c := New(mustMapping(t, map[int]int{0: 0}, nil))

	_, err := c.Predict(&stubModel{shape: modelShape(), err: errors.New("invoke failed")}, newTensor())
	assert.ErrorIs(t, err, ErrInference)

	_, err = c.Predict(&stubModel{shape: modelShape(), output: []float32{}}, newTensor())
	assert.ErrorIs(t, err, ErrInference)

	_, err = c.Predict(&stubModel{shape: modelShape(), output: []float32{0, 1}}, newTensor())
	assert.ErrorIs(t, err, ErrUnmappedClass)
}

func TestNewBinaryMappingValidates(t *testing.T) {
	_, err := NewBinaryMapping(nil, nil)
	assert.Error(t, err)

	_, err = NewBinaryMapping(map[int]int{0: 2}, nil)
	assert.Error(t, err)

	bad := 5
	_, err = NewBinaryMapping(map[int]int{0: 0}, &bad)
	assert.Error(t, err)

	table := map[int]int{0: 0}
	m := mustMapping(t, table, nil)
	table[0] = 1
	label, err := m.Label(0)
	require.NoError(t, err)
	assert.Equal(t, 0, label, "mapping must not alias the caller's map")
}
