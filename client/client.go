// Package client connects to a running relayd and queries its health service.
package client

import (
	"context"
	"fmt"
	"strings"

	"github.com/aschepis/backscratcher/relay/server"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// DefaultAddress is the default relayd gRPC address.
const DefaultAddress = "localhost:50061"

// Client talks to the relayd gRPC endpoint.
type Client struct {
	conn *grpc.ClientConn

	Health healthpb.HealthClient
}

// Connect connects to relayd.
// The address can be:
//   - A Unix socket path (e.g., "/tmp/relayd.sock")
//   - A TCP address (e.g., "localhost:50061")
//
// If the address starts with "unix://", it will be treated as a Unix socket.
// Otherwise, if it contains ":" it will be treated as TCP, else Unix socket.
func Connect(address string, opts ...grpc.DialOption) (*Client, error) {
	var target string

	switch {
	case strings.HasPrefix(address, "unix://"):
		target = address
	case strings.Contains(address, ":") && !strings.HasPrefix(address, "/"):
		target = address
	default:
		target = "unix://" + address
	}
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relayd at %s: %w", address, err)
	}

	return &Client{
		conn:   conn,
		Health: healthpb.NewHealthClient(conn),
	}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Ready reports whether the proxy service is SERVING.
func (c *Client) Ready(ctx context.Context) (bool, error) {
	resp, err := c.Health.Check(ctx, &healthpb.HealthCheckRequest{Service: server.ServiceName})
	if err != nil {
		return false, fmt.Errorf("health check failed: %w", err)
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}
