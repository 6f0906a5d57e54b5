package config

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestWatcherReloadsPrices(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("ANTHROPIC_BASE_URL", "")
	t.Setenv("RELAY_DEFAULT_MODEL", "")

	path := writeConfig(t, "prices:\n  claude-a:\n    input: 1\n    output: 2\n")
	w, err := NewWatcher(path, 20*time.Millisecond, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *ProxyConfig, 4)
	done := make(chan error, 1)
	go func() {
		done <- w.Watch(ctx, func(cfg *ProxyConfig) { reloaded <- cfg })
	}()

	// Give the watcher loop a moment to start receiving events
	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(path, []byte("prices:\n  claude-a:\n    input: 3\n    output: 15\n"), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Prices["claude-a"].Input != 3 {
			t.Errorf("Expected reloaded input price 3, got %v", cfg.Prices["claude-a"].Input)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for reload")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watcher did not stop")
	}
}

func TestWatcherSkipsInvalidFile(t *testing.T) {
	path := writeConfig(t, "prices: {}\n")
	w, err := NewWatcher(path, 20*time.Millisecond, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.stop()

	called := false
	if err := os.WriteFile(path, []byte("retry:\n  factor: 0.1\n"), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	w.reload(func(*ProxyConfig) { called = true })
	if called {
		t.Error("Expected invalid config not to be applied")
	}
}
