package grpchealth

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

func startBufconn(t *testing.T) (*Server, []grpc.DialOption) {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := NewServer(zap.NewNop())
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Stop(ctx)
	})

	dialer := grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
	return srv, []grpc.DialOption{dialer}
}

func TestHealthReportsNotServingUntilReady(t *testing.T) {
	srv, opts := startBufconn(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, service := range []string{"", ServiceName} {
		status, err := Probe(ctx, "bufnet", service, zap.NewNop(), opts...)
		require.NoError(t, err)
		require.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status, "service %q", service)
	}

	ready := make(chan struct{})
	srv.TrackReady(ctx, ready)
	close(ready)

	for _, service := range []string{"", ServiceName} {
		require.Eventually(t, func() bool {
			status, err := Probe(ctx, "bufnet", service, zap.NewNop(), opts...)
			return err == nil && status == healthpb.HealthCheckResponse_SERVING
		}, 2*time.Second, 10*time.Millisecond, "service %q never became SERVING", service)
	}
}

func TestHealthUnknownServiceFails(t *testing.T) {
	_, opts := startBufconn(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := Probe(ctx, "bufnet", "unknown", zap.NewNop(), opts...)
	require.Error(t, err)
}

func TestTrackReadyStopsWithContext(t *testing.T) {
	srv, opts := startBufconn(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	trackCtx, stopTracking := context.WithCancel(ctx)
	ready := make(chan struct{})
	srv.TrackReady(trackCtx, ready)
	stopTracking()
	time.Sleep(20 * time.Millisecond)
	close(ready)
	time.Sleep(20 * time.Millisecond)

	status, err := Probe(ctx, "bufnet", ServiceName, zap.NewNop(), opts...)
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status)
}
