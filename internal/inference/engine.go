package inference

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/example/cancer-check/internal/imageprocessor"
	"github.com/example/cancer-check/internal/modelloader"
)

// ErrInference marks a failed forward pass or an unusable model output.
var ErrInference = errors.New("inference failed")

// Label is the binary classification outcome.
type Label string

const (
	LabelCancer    Label = "Cancer"
	LabelNonCancer Label = "Non-cancer"
)

// Threshold is the cut point; probabilities strictly above it are Cancer.
const Threshold = 0.5

var suggestions = map[Label]string{
	LabelCancer:    "See a doctor promptly.",
	LabelNonCancer: "No cancer indicators detected.",
}

// Classify maps a probability onto a label.
func Classify(p float32) Label {
	if p > Threshold {
		return LabelCancer
	}
	return LabelNonCancer
}

// Suggestion returns the fixed advice for a label.
func Suggestion(l Label) string {
	return suggestions[l]
}

// Outcome is the result of one successful inference.
type Outcome struct {
	Probability float32
	Label       Label
	Suggestion  string
}

// HandleProvider hands out the shared model handle.
type HandleProvider interface {
	Get() (modelloader.Handle, error)
}

// Engine runs the classifier against preprocessed tensors.
type Engine struct {
	models  HandleProvider
	timeout time.Duration
}

func NewEngine(models HandleProvider, timeout time.Duration) *Engine {
	return &Engine{models: models, timeout: timeout}
}

type prediction struct {
	p   float32
	err error
}

// Infer classifies tensor. A missing model surfaces as modelloader.ErrNotReady;
// every other failure wraps ErrInference.
func (e *Engine) Infer(ctx context.Context, tensor *imageprocessor.Tensor) (*Outcome, error) {
	handle, err := e.models.Get()
	if err != nil {
		return nil, fmt.Errorf("acquire model: %w", err)
	}
	if tensor == nil || len(tensor.Data) == 0 {
		return nil, fmt.Errorf("%w: empty input tensor", ErrInference)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	// The runtime call cannot be interrupted, so it is raced against the deadline.
	done := make(chan prediction, 1)
	go func() {
		p, err := handle.Predict(ctx, tensor.Data, tensor.Shape)
		done <- prediction{p: p, err: err}
	}()

	var res prediction
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrInference, ctx.Err())
	case res = <-done:
	}

	if res.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, res.err)
	}
	if math.IsNaN(float64(res.p)) || res.p < 0 || res.p > 1 {
		return nil, fmt.Errorf("%w: probability %v outside [0,1]", ErrInference, res.p)
	}

	label := Classify(res.p)
	return &Outcome{
		Probability: res.p,
		Label:       label,
		Suggestion:  Suggestion(label),
	}, nil
}
