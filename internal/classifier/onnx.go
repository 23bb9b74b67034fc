package classifier

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var envMu sync.Mutex

// ErrRuntimeClosed is returned by an ONNX classifier whose runtime is missing or closed.
var ErrRuntimeClosed = errors.New("onnx runtime not initialized")

// Runtime owns the process-wide onnxruntime environment.
type Runtime struct {
	closed bool
}

// NewRuntime loads the onnxruntime shared library and initializes its environment.
// libraryPath may be empty to use the library's default lookup.
func NewRuntime(libraryPath string) (*Runtime, error) {
	envMu.Lock()
	defer envMu.Unlock()

	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}
	return &Runtime{}, nil
}

// Ready reports whether sessions can be opened against r.
func (r *Runtime) Ready() bool {
	if r == nil {
		return false
	}
	envMu.Lock()
	defer envMu.Unlock()
	return !r.closed && ort.IsInitialized()
}

// Close tears down the onnxruntime environment.
func (r *Runtime) Close() error {
	envMu.Lock()
	defer envMu.Unlock()
	r.closed = true
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// ONNXConfig describes the model artifact and its tensor contract.
type ONNXConfig struct {
	ModelPath  string
	InputName  string
	OutputName string
	ImageSize  int
	NumClasses int
}

// ONNX runs a bundled model through onnxruntime. Each call opens its own
// session and tensors and releases them before returning.
type ONNX struct {
	rt  *Runtime
	cfg ONNXConfig
}

// NewONNX returns a classifier for cfg bound to rt. Classify fails with
// ErrModelUnavailable once rt is closed.
func NewONNX(rt *Runtime, cfg ONNXConfig) *ONNX {
	if cfg.InputName == "" {
		cfg.InputName = "input"
	}
	if cfg.OutputName == "" {
		cfg.OutputName = "output"
	}
	return &ONNX{rt: rt, cfg: cfg}
}

// Classify implements Classifier.
func (m *ONNX) Classify(ctx context.Context, tensor []float32) ([]float32, error) {
	size := m.cfg.ImageSize
	if want := 3 * size * size; len(tensor) != want {
		return nil, &Error{Backend: "onnx", Err: fmt.Errorf("%w: got %d values, want %d", ErrInputSize, len(tensor), want)}
	}
	if err := ctx.Err(); err != nil {
		return nil, &Error{Backend: "onnx", Err: err}
	}
	if !m.rt.Ready() {
		return nil, &Error{Backend: "onnx", Err: fmt.Errorf("%w: %w", ErrModelUnavailable, ErrRuntimeClosed)}
	}
	if _, err := os.Stat(m.cfg.ModelPath); err != nil {
		return nil, &Error{Backend: "onnx", Err: fmt.Errorf("%w: %v", ErrModelUnavailable, err)}
	}

	input, err := ort.NewTensor(ort.NewShape(1, int64(size), int64(size), 3), tensor)
	if err != nil {
		return nil, &Error{Backend: "onnx", Err: fmt.Errorf("failed to create input tensor: %w", err)}
	}
	defer input.Destroy()

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(m.cfg.NumClasses)))
	if err != nil {
		return nil, &Error{Backend: "onnx", Err: fmt.Errorf("failed to create output tensor: %w", err)}
	}
	defer output.Destroy()

	session, err := ort.NewAdvancedSession(m.cfg.ModelPath,
		[]string{m.cfg.InputName}, []string{m.cfg.OutputName},
		[]ort.Value{input}, []ort.Value{output}, nil)
	if err != nil {
		return nil, &Error{Backend: "onnx", Err: fmt.Errorf("%w: %v", ErrModelUnavailable, err)}
	}
	defer session.Destroy()

	if err := session.Run(); err != nil {
		return nil, &Error{Backend: "onnx", Err: fmt.Errorf("inference failed: %w", err)}
	}

	data := output.GetData()
	confidences := make([]float32, len(data))
	copy(confidences, data)
	return confidences, nil
}
