package modelloader

import (
	"context"
	"errors"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// ONNXOptions configures the ONNX Runtime backed materializer.
type ONNXOptions struct {
	// SharedLibraryPath points at libonnxruntime; empty uses the platform default.
	SharedLibraryPath string
	InputName         string
	OutputName        string
}

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

func initONNXEnvironment(libPath string) error {
	ortInitOnce.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		if !ort.IsInitialized() {
			ortInitErr = ort.InitializeEnvironment()
		}
	})
	return ortInitErr
}

// NewONNXMaterializer returns a Materializer building an ONNX Runtime session
// straight from the artifact bytes.
func NewONNXMaterializer(opts ONNXOptions) Materializer {
	return func(ctx context.Context, artifact []byte) (Handle, error) {
		if err := initONNXEnvironment(opts.SharedLibraryPath); err != nil {
			return nil, fmt.Errorf("initialize onnxruntime: %w", err)
		}
		session, err := ort.NewDynamicAdvancedSessionWithONNXData(artifact,
			[]string{opts.InputName}, []string{opts.OutputName}, nil)
		if err != nil {
			return nil, fmt.Errorf("create onnx session: %w", err)
		}
		return &onnxHandle{session: session}, nil
	}
}

// ErrHandleClosed is returned by Predict after the handle has been released.
var ErrHandleClosed = errors.New("model handle closed")

// onnxHandle wraps a dynamic session. Tensors are allocated per call, so
// concurrent Predict calls never share buffers. Close waits for running
// forward passes before destroying the session.
type onnxHandle struct {
	mu      sync.RWMutex
	closed  bool
	session *ort.DynamicAdvancedSession
}

var _ Handle = (*onnxHandle)(nil)

func (h *onnxHandle) Predict(ctx context.Context, input []float32, shape []int64) (float32, error) {
	if len(shape) == 0 {
		return 0, fmt.Errorf("input shape is empty")
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return 0, ErrHandleClosed
	}

	inputTensor, err := ort.NewTensor(ort.NewShape(shape...), input)
	if err != nil {
		return 0, fmt.Errorf("create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(shape[0], 1))
	if err != nil {
		return 0, fmt.Errorf("create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	if err := h.session.Run([]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor}); err != nil {
		return 0, fmt.Errorf("run session: %w", err)
	}
	return firstProbability(outputTensor.GetData())
}

func (h *onnxHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return h.session.Destroy()
}

// firstProbability reads the batch-1 score from a [N,1] output.
func firstProbability(out []float32) (float32, error) {
	if len(out) == 0 {
		return 0, fmt.Errorf("model produced no output")
	}
	return out[0], nil
}
