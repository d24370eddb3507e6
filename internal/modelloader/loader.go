package modelloader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/example/cancer-check/internal/logging"
)

var (
	// ErrNotReady is returned by Get until a load has succeeded.
	ErrNotReady = errors.New("model is not ready")
	// ErrLoaderClosed is returned by loads that finish after Close.
	ErrLoaderClosed = errors.New("model loader closed")
)

// Handle is an inference-ready classifier. Implementations must be safe for
// concurrent Predict calls and are never mutated after load.
type Handle interface {
	// Predict runs one forward pass and returns the positive-class probability.
	Predict(ctx context.Context, input []float32, shape []int64) (float32, error)
	Close() error
}

// Materializer turns serialized artifact bytes into a Handle.
type Materializer func(ctx context.Context, artifact []byte) (Handle, error)

type loaded struct {
	handle Handle
}

// Loader owns the single classifier handle of the process.
type Loader struct {
	source      Source
	materialize Materializer
	logger      *zap.Logger
	timeout     time.Duration

	group     singleflight.Group
	current   atomic.Pointer[loaded]
	ready     chan struct{}
	readyOnce sync.Once

	// mu orders handle publication against Close.
	mu     sync.Mutex
	closed bool

	newBackOff func() backoff.BackOff
}

// NewLoader constructs a loader that fetches from source and materializes
// with materialize. timeout bounds a single load attempt.
func NewLoader(source Source, materialize Materializer, timeout time.Duration, logger *zap.Logger) *Loader {
	return &Loader{
		source:      source,
		materialize: materialize,
		logger:      logger.Named("model_loader"),
		timeout:     timeout,
		ready:       make(chan struct{}),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = time.Minute
			b.MaxElapsedTime = 0
			return b
		},
	}
}

// Get returns the loaded handle or ErrNotReady.
func (l *Loader) Get() (Handle, error) {
	if cur := l.current.Load(); cur != nil {
		return cur.handle, nil
	}
	return nil, ErrNotReady
}

// Ready is closed once the first load succeeds.
func (l *Loader) Ready() <-chan struct{} {
	return l.ready
}

// Load fetches and materializes the model. Concurrent callers share one
// in-flight attempt; once a handle exists it is returned without refetching.
func (l *Loader) Load(ctx context.Context) (Handle, error) {
	if cur := l.current.Load(); cur != nil {
		return cur.handle, nil
	}

	// The shared attempt must not die with whichever caller started it.
	detached := context.WithoutCancel(ctx)
	v, err, shared := l.group.Do("model", func() (interface{}, error) {
		if cur := l.current.Load(); cur != nil {
			return cur.handle, nil
		}
		return l.loadOnce(detached)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		l.logger.Debug("joined in-flight model load")
	}
	return v.(Handle), nil
}

func (l *Loader) loadOnce(ctx context.Context) (Handle, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	start := time.Now()
	artifact, err := l.source.Fetch(ctx)
	if err != nil {
		wrapped := logging.NewOperationError("modelloader.fetch", "", err)
		l.logger.Error("failed to fetch model artifact", zap.Error(wrapped), zap.String("source", l.source.String()))
		return nil, wrapped
	}

	handle, err := l.materialize(ctx, artifact)
	if err != nil {
		wrapped := logging.NewOperationError("modelloader.materialize", "", err)
		l.logger.Error("failed to materialize model", zap.Error(wrapped), zap.Int("artifact_bytes", len(artifact)))
		return nil, wrapped
	}
	if handle == nil {
		return nil, logging.NewOperationError("modelloader.materialize", "", errors.New("materializer returned no handle"))
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		_ = handle.Close()
		return nil, logging.NewOperationError("modelloader.publish", "", ErrLoaderClosed)
	}
	if !l.current.CompareAndSwap(nil, &loaded{handle: handle}) {
		l.mu.Unlock()
		// Unreachable while loads go through the singleflight group, but a
		// second handle must never replace the first.
		_ = handle.Close()
		return l.current.Load().handle, nil
	}
	l.mu.Unlock()
	l.readyOnce.Do(func() { close(l.ready) })

	l.logger.Info("model loaded",
		zap.String("source", l.source.String()),
		zap.Int("artifact_bytes", len(artifact)),
		zap.Duration("elapsed", time.Since(start)))
	return handle, nil
}

// Start loads the model in the background, retrying with exponential backoff
// until it succeeds or ctx is done. Failures never stop the process.
func (l *Loader) Start(ctx context.Context) {
	go func() {
		attempt := 0
		op := func() error {
			attempt++
			_, err := l.Load(ctx)
			if errors.Is(err, ErrLoaderClosed) {
				return backoff.Permanent(err)
			}
			if err != nil {
				l.logger.Warn("model load attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			}
			return err
		}
		if err := backoff.Retry(op, backoff.WithContext(l.newBackOff(), ctx)); err != nil {
			l.logger.Error("giving up on model load", zap.Int("attempts", attempt), zap.Error(err))
		}
	}()
}

// Close releases the loaded handle, if any. A load still in flight discards
// its handle instead of publishing it.
func (l *Loader) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	cur := l.current.Load()
	l.mu.Unlock()
	if cur == nil {
		return nil
	}
	if err := cur.handle.Close(); err != nil {
		return fmt.Errorf("close model handle: %w", err)
	}
	return nil
}
