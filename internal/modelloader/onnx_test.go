package modelloader

import (
	"context"
	"errors"
	"os"
	"testing"
)

func TestFirstProbability(t *testing.T) {
	p, err := firstProbability([]float32{0.73})
	if err != nil || p != 0.73 {
		t.Fatalf("expected 0.73, got %v, %v", p, err)
	}
	if _, err := firstProbability(nil); err == nil {
		t.Fatal("expected error for empty output")
	}
}

func TestClosedONNXHandleRejectsPredict(t *testing.T) {
	h := &onnxHandle{closed: true}

	if _, err := h.Predict(context.Background(), []float32{0}, []int64{1, 1, 1, 1}); !errors.Is(err, ErrHandleClosed) {
		t.Fatalf("expected ErrHandleClosed, got %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("closing twice should be a no-op, got %v", err)
	}
}

func TestONNXMaterializerRejectsGarbage(t *testing.T) {
	lib := os.Getenv("ONNXRUNTIME_LIB")
	if lib == "" {
		t.Skip("ONNXRUNTIME_LIB not set")
	}

	materialize := NewONNXMaterializer(ONNXOptions{SharedLibraryPath: lib, InputName: "input", OutputName: "output"})
	if _, err := materialize(context.Background(), []byte("not a model")); err == nil {
		t.Fatal("expected error for invalid model bytes")
	}
}
