package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/aschepis/backscratcher/relay/server"
	"github.com/rs/zerolog"
)

func TestReady(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	srv := server.New(server.Config{Logger: zerolog.Nop()})
	go func() {
		_ = srv.Serve(listener) //nolint:errcheck // stopped below
	}()
	defer srv.Stop()

	c, err := Connect(listener.Addr().String())
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer c.Close() //nolint:errcheck // test cleanup

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ready, err := c.Ready(ctx)
	if err != nil {
		t.Fatalf("Ready failed: %v", err)
	}
	if ready {
		t.Error("Expected not ready before SetServing")
	}

	srv.SetServing(true)
	ready, err = c.Ready(ctx)
	if err != nil {
		t.Fatalf("Ready failed: %v", err)
	}
	if !ready {
		t.Error("Expected ready after SetServing(true)")
	}
}

func TestConnectUnixTarget(t *testing.T) {
	c, err := Connect("/tmp/relayd-test.sock")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if target := c.conn.Target(); target != "unix:///tmp/relayd-test.sock" {
		t.Errorf("Expected unix target, got %q", target)
	}
	_ = c.Close() //nolint:errcheck // test cleanup
}
