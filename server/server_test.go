package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

func startTestServer(t *testing.T) (*Server, healthpb.HealthClient) {
	t.Helper()

	listener := bufconn.Listen(1 << 20)
	srv := New(Config{Logger: zerolog.Nop()})
	go func() {
		_ = srv.Serve(listener) //nolint:errcheck // stopped in cleanup
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("Failed to dial server: %v", err)
	}

	t.Cleanup(func() {
		_ = conn.Close() //nolint:errcheck // test cleanup
		srv.Stop()
	})

	return srv, healthpb.NewHealthClient(conn)
}

func checkStatus(t *testing.T, client healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("Health check failed: %v", err)
	}
	return resp.GetStatus()
}

func TestHealthStartsNotServing(t *testing.T) {
	_, client := startTestServer(t)

	if status := checkStatus(t, client, ServiceName); status != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("Expected NOT_SERVING before the proxy is ready, got %s", status)
	}
}

func TestSetServing(t *testing.T) {
	srv, client := startTestServer(t)

	srv.SetServing(true)
	for _, service := range []string{"", ServiceName} {
		if status := checkStatus(t, client, service); status != healthpb.HealthCheckResponse_SERVING {
			t.Errorf("Expected SERVING for %q, got %s", service, status)
		}
	}

	srv.SetServing(false)
	if status := checkStatus(t, client, ServiceName); status != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("Expected NOT_SERVING after SetServing(false), got %s", status)
	}
}

func TestUptime(t *testing.T) {
	srv := New(Config{Logger: zerolog.Nop()})
	if srv.Uptime() != 0 {
		t.Errorf("Expected zero uptime before Serve, got %v", srv.Uptime())
	}
}
