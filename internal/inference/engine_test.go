package inference

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/example/cancer-check/internal/imageprocessor"
	"github.com/example/cancer-check/internal/modelloader"
)

type stubHandle struct {
	p     float32
	err   error
	delay time.Duration
}

func (s *stubHandle) Predict(ctx context.Context, input []float32, shape []int64) (float32, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.p, s.err
}

func (s *stubHandle) Close() error { return nil }

type stubProvider struct {
	handle modelloader.Handle
	err    error
}

func (s stubProvider) Get() (modelloader.Handle, error) {
	return s.handle, s.err
}

func testTensor() *imageprocessor.Tensor {
	return &imageprocessor.Tensor{Data: make([]float32, 12), Shape: []int64{1, 2, 2, 3}}
}

func TestClassifyThresholdIsStrict(t *testing.T) {
	cases := []struct {
		p    float32
		want Label
	}{
		{0, LabelNonCancer},
		{0.5, LabelNonCancer},
		{0.500001, LabelCancer},
		{1, LabelCancer},
	}
	for _, tc := range cases {
		if got := Classify(tc.p); got != tc.want {
			t.Fatalf("Classify(%v) = %s, want %s", tc.p, got, tc.want)
		}
	}
}

func TestSuggestionIsOneToOne(t *testing.T) {
	cancer, nonCancer := Suggestion(LabelCancer), Suggestion(LabelNonCancer)
	if cancer == "" || nonCancer == "" {
		t.Fatal("expected suggestions for both labels")
	}
	if cancer == nonCancer {
		t.Fatal("labels must map to distinct suggestions")
	}
}

func TestInferMapsProbability(t *testing.T) {
	for _, tc := range []struct {
		p    float32
		want Label
	}{{0.5, LabelNonCancer}, {0.500001, LabelCancer}} {
		engine := NewEngine(stubProvider{handle: &stubHandle{p: tc.p}}, time.Second)

		out, err := engine.Infer(context.Background(), testTensor())
		if err != nil {
			t.Fatalf("infer: %v", err)
		}
		if out.Label != tc.want || out.Suggestion != Suggestion(tc.want) || out.Probability != tc.p {
			t.Fatalf("unexpected outcome %+v for p=%v", out, tc.p)
		}
	}
}

func TestInferPropagatesNotReady(t *testing.T) {
	engine := NewEngine(stubProvider{err: modelloader.ErrNotReady}, time.Second)

	_, err := engine.Infer(context.Background(), testTensor())
	if !errors.Is(err, modelloader.ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}

func TestInferFailures(t *testing.T) {
	cases := map[string]*stubHandle{
		"forward pass": {err: errors.New("shape mismatch")},
		"nan":          {p: float32(math.NaN())},
		"negative":     {p: -0.1},
		"above one":    {p: 1.5},
		"timeout":      {p: 0.9, delay: 200 * time.Millisecond},
	}
	for name, handle := range cases {
		t.Run(name, func(t *testing.T) {
			engine := NewEngine(stubProvider{handle: handle}, 20*time.Millisecond)
			out, err := engine.Infer(context.Background(), testTensor())
			if !errors.Is(err, ErrInference) {
				t.Fatalf("expected ErrInference, got %v", err)
			}
			if out != nil {
				t.Fatalf("expected no outcome, got %+v", out)
			}
		})
	}
}

func TestInferRejectsEmptyTensor(t *testing.T) {
	engine := NewEngine(stubProvider{handle: &stubHandle{p: 0.9}}, time.Second)
	if _, err := engine.Infer(context.Background(), &imageprocessor.Tensor{}); !errors.Is(err, ErrInference) {
		t.Fatalf("expected ErrInference, got %v", err)
	}
}

func TestInferConcurrentCallsShareHandle(t *testing.T) {
	engine := NewEngine(stubProvider{handle: &stubHandle{p: 0.7}}, time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := engine.Infer(context.Background(), testTensor())
			if err != nil || out.Label != LabelCancer {
				t.Errorf("unexpected result %+v, %v", out, err)
			}
		}()
	}
	wg.Wait()
}
