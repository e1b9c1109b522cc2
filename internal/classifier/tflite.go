package classifier

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/tphakala/go-tflite"
	"go.uber.org/zap"
)

// TFLiteModel is a Model backed by a TensorFlow Lite interpreter.
type TFLiteModel struct {
	mu          sync.Mutex
	model       *tflite.Model
	options     *tflite.InterpreterOptions
	interpreter *tflite.Interpreter
	inputShape  []int
	outputSize  int
	version     string
}

// OpenTFLite deserialises the .tflite file at path. version labels records
// produced with this model; when empty it is derived from the file name.
func OpenTFLite(path, version string, threads int, logger *zap.Logger) (*TFLiteModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model file: %w", err)
	}

	model := tflite.NewModel(data)
	if model == nil {
		return nil, fmt.Errorf("cannot load TensorFlow Lite model from %s", filepath.Base(path))
	}

	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	options := tflite.NewInterpreterOptions()
	options.SetNumThread(threads)
	options.SetErrorReporter(func(msg string, _ any) {
		logger.Error("tflite error", zap.String("message", msg))
	}, nil)

	interpreter := tflite.NewInterpreter(model, options)
	if interpreter == nil {
		options.Delete()
		model.Delete()
		return nil, fmt.Errorf("cannot create interpreter")
	}
	if status := interpreter.AllocateTensors(); status != tflite.OK {
		interpreter.Delete()
		options.Delete()
		model.Delete()
		return nil, fmt.Errorf("tensor allocation failed: %v", status)
	}

	input := interpreter.GetInputTensor(0)
	output := interpreter.GetOutputTensor(0)
	if input == nil || output == nil {
		interpreter.Delete()
		options.Delete()
		model.Delete()
		return nil, fmt.Errorf("model has no input or output tensor")
	}

	shape := make([]int, input.NumDims())
	for i := range shape {
		shape[i] = input.Dim(i)
	}

	if version == "" {
		version = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	logger.Info("tflite model initialized",
		zap.String("model", version),
		zap.Ints("input_shape", shape),
		zap.Int("classes", output.Dim(output.NumDims()-1)),
		zap.Int("threads", threads))

	return &TFLiteModel{
		model:       model,
		options:     options,
		interpreter: interpreter,
		inputShape:  shape,
		outputSize:  output.Dim(output.NumDims() - 1),
		version:     version,
	}, nil
}

// InputShape implements Model.
func (m *TFLiteModel) InputShape() []int {
	return append([]int(nil), m.inputShape...)
}

// Version implements Model.
func (m *TFLiteModel) Version() string {
	return m.version
}

// Predict implements Model. The interpreter is not reentrant, so calls are serialised.
func (m *TFLiteModel) Predict(input []float32) ([]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.interpreter == nil {
		return nil, fmt.Errorf("model is closed")
	}

	inputTensor := m.interpreter.GetInputTensor(0)
	if inputTensor == nil {
		return nil, fmt.Errorf("cannot get input tensor")
	}
	dst := inputTensor.Float32s()
	if len(dst) != len(input) {
		return nil, fmt.Errorf("input has %d values, tensor holds %d", len(input), len(dst))
	}
	copy(dst, input)

	if status := m.interpreter.Invoke(); status != tflite.OK {
		return nil, fmt.Errorf("tensor invoke failed: %v", status)
	}

	outputTensor := m.interpreter.GetOutputTensor(0)
	if outputTensor == nil {
		return nil, fmt.Errorf("cannot get output tensor")
	}
	predictions := make([]float32, m.outputSize)
	copy(predictions, outputTensor.Float32s())
	return predictions, nil
}

// Close releases the interpreter. It is safe to call more than once.
func (m *TFLiteModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.interpreter != nil {
		m.interpreter.Delete()
		m.interpreter = nil
	}
	if m.options != nil {
		m.options.Delete()
		m.options = nil
	}
	if m.model != nil {
		m.model.Delete()
		m.model = nil
	}
	return nil
}
