package main

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/cancer-check/internal/handlers"
	"github.com/example/cancer-check/internal/imageprocessor"
	"github.com/example/cancer-check/internal/inference"
	"github.com/example/cancer-check/internal/modelloader"
	"github.com/example/cancer-check/internal/repository"
	"github.com/example/cancer-check/internal/usecase"
)

type staticSource struct{}

func (staticSource) Fetch(ctx context.Context) ([]byte, error) { return []byte("model"), nil }
func (staticSource) String() string                            { return "static" }

// blockingHandle holds every forward pass until release is closed.
type blockingHandle struct {
	started chan struct{}
	release chan struct{}
}

func (h *blockingHandle) Predict(ctx context.Context, input []float32, shape []int64) (float32, error) {
	select {
	case <-h.started:
	default:
		close(h.started)
	}
	<-h.release
	return 0.8, nil
}

func (h *blockingHandle) Close() error { return nil }

func TestServerGracefulShutdown(t *testing.T) {
	logger := zap.NewNop()
	gin.SetMode(gin.TestMode)

	handle := &blockingHandle{started: make(chan struct{}), release: make(chan struct{})}
	defer func() {
		select {
		case <-handle.release:
		default:
			close(handle.release)
		}
	}()

	loader := modelloader.NewLoader(staticSource{}, func(ctx context.Context, artifact []byte) (modelloader.Handle, error) {
		return handle, nil
	}, time.Second, logger)
	if _, err := loader.Load(context.Background()); err != nil {
		t.Fatalf("failed to load model: %v", err)
	}
	processor, err := imageprocessor.NewProcessor(224, imageprocessor.InterpolationBilinear, 0)
	if err != nil {
		t.Fatalf("failed to build processor: %v", err)
	}
	repo := repository.NewMemoryPredictionRepository()
	uc := usecase.NewPredictionUseCase(repo, nil, processor, inference.NewEngine(loader, 5*time.Second), logger, usecase.Options{})

	router := gin.New()
	router.Use(handlers.RequestID())
	handlers.RegisterRoutes(router, uc, loader, nil, logger)

	t.Log("creating listener")
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	server := &http.Server{Handler: router}

	signalCh := make(chan os.Signal, 1)
	done := make(chan error, 1)
	go func() {
		done <- serveHTTPServerWithOptions(server, 2*time.Second, logger, listener, signalCh)
	}()

	addr := listener.Addr().String()
	t.Logf("listening on %s", addr)
	waitForServer(t, addr)

	body, contentType := testUpload(t)
	client := &http.Client{Timeout: 2 * time.Second}
	respCh := make(chan *http.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		t.Log("sending request")
		resp, err := client.Post("http://"+addr+"/predict", contentType, body)
		if err != nil {
			errCh <- err
			return
		}
		respCh <- resp
	}()

	select {
	case <-handle.started:
		t.Log("request started")
	case <-time.After(2 * time.Second):
		t.Fatal("request did not start in time")
	}

	t.Log("sending signal")
	signalCh <- syscall.SIGTERM

	time.Sleep(50 * time.Millisecond)
	close(handle.release)
	t.Log("released request")

	select {
	case resp := <-respCh:
		t.Cleanup(func() { resp.Body.Close() })
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			t.Fatalf("unexpected status: %d body: %s", resp.StatusCode, string(body))
		}
	case err := <-errCh:
		t.Fatalf("request failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("request did not complete")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server did not shutdown cleanly: %v", err)
		}
		t.Log("server shutdown complete")
	case <-time.After(2 * time.Second):
		t.Fatal("server did not exit after shutdown")
	}

	records, err := repo.ListAll(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected drained request to be stored, found %d records", len(records))
	}
}

func testUpload(t *testing.T) (*bytes.Buffer, string) {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for i := 0; i < 8; i++ {
		img.Set(i, i, color.RGBA{R: 255, A: 255})
	}
	var encoded bytes.Buffer
	if err := png.Encode(&encoded, img); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("image", "scan.png")
	if err != nil {
		t.Fatalf("failed to create form file: %v", err)
	}
	if _, err := part.Write(encoded.Bytes()); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}
	return body, writer.FormDataContentType()
}

func waitForServer(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server %s did not become ready", addr)
}
