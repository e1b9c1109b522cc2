// Package classifier runs the waste model on a preprocessed tensor and maps
// the predicted class to a recyclable/landfill label.
package classifier

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/example/waste-classifier/internal/imageprocessor"
)

// Binary waste labels.
const (
	Recyclable = 0
	Landfill   = 1
)

var (
	// ErrShapeMismatch is returned when a tensor does not fit the model input.
	ErrShapeMismatch = errors.New("tensor shape does not match model input")
	// ErrInference is returned when the model fails to produce a distribution.
	ErrInference = errors.New("model inference failed")
	// ErrUnmappedClass is returned when a class has no binary label and no fallback is configured.
	ErrUnmappedClass = errors.New("class has no binary label")
)

// Model is a loaded classification model. Implementations serialise Predict
// internally so a single handle can be shared between requests.
type Model interface {
	// InputShape returns the expected input dimensions, batch first.
	InputShape() []int
	// Predict runs one forward pass and returns the output distribution.
	Predict(input []float32) ([]float32, error)
	// Version identifies the loaded artifact.
	Version() string
	Close() error
}

// InferenceResult is the outcome of one prediction.
type InferenceResult struct {
	ClassIndex    int
	Probabilities []float32
	WasteBinary   int
	ModelVersion  string
}

// BinaryMapping maps class indices to binary waste labels.
type BinaryMapping struct {
	table    map[int]int
	fallback *int
}

// NewBinaryMapping validates table and an optional fallback label used for
// classes the table does not list.
func NewBinaryMapping(table map[int]int, fallback *int) (BinaryMapping, error) {
	if len(table) == 0 {
		return BinaryMapping{}, errors.New("binary mapping table is empty")
	}
	copied := make(map[int]int, len(table))
	for class, label := range table {
		if class < 0 {
			return BinaryMapping{}, fmt.Errorf("negative class index %d", class)
		}
		if label != Recyclable && label != Landfill {
			return BinaryMapping{}, fmt.Errorf("class %d maps to %d, want 0 or 1", class, label)
		}
		copied[class] = label
	}
	m := BinaryMapping{table: copied}
	if fallback != nil {
		if *fallback != Recyclable && *fallback != Landfill {
			return BinaryMapping{}, fmt.Errorf("fallback label %d, want 0 or 1", *fallback)
		}
		f := *fallback
		m.fallback = &f
	}
	return m, nil
}

// Label returns the binary label for class.
func (m BinaryMapping) Label(class int) (int, error) {
	if label, ok := m.table[class]; ok {
		return label, nil
	}
	if m.fallback != nil {
		return *m.fallback, nil
	}
	return 0, fmt.Errorf("%w: %d", ErrUnmappedClass, class)
}

// Classifier derives class and binary label from model output.
type Classifier struct {
	mapping BinaryMapping
}

// New returns a Classifier using mapping.
func New(mapping BinaryMapping) *Classifier {
	return &Classifier{mapping: mapping}
}

// Predict runs model on tensor. The result is deterministic for a fixed
// model and input: ties in the distribution resolve to the lowest index.
func (c *Classifier) Predict(model Model, tensor *imageprocessor.Tensor) (*InferenceResult, error) {
	if tensor == nil {
		return nil, fmt.Errorf("%w: nil tensor", ErrShapeMismatch)
	}
	if want := model.InputShape(); !slices.Equal(want, tensor.Shape) {
		return nil, fmt.Errorf("%w: got %v, model expects %v", ErrShapeMismatch, tensor.Shape, want)
	}
	if err := tensor.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShapeMismatch, err)
	}

	output, err := model.Predict(tensor.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}
	class, err := ArgMax(output)
	if err != nil {
		return nil, err
	}

	label, err := c.mapping.Label(class)
	if err != nil {
		return nil, err
	}

	return &InferenceResult{
		ClassIndex:    class,
		Probabilities: output,
		WasteBinary:   label,
		ModelVersion:  model.Version(),
	}, nil
}

// ArgMax returns the index of the largest value, the lowest index on ties.
func ArgMax(values []float32) (int, error) {
	if len(values) == 0 {
		return 0, fmt.Errorf("%w: empty output", ErrInference)
	}
	best := 0
	for i, v := range values {
		if math.IsNaN(float64(v)) {
			return 0, fmt.Errorf("%w: NaN at index %d", ErrInference, i)
		}
		if v > values[best] {
			best = i
		}
	}
	return best, nil
}
